package router

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/fleet/internal/instance"
	"github.com/ternarybob/fleet/internal/instance/instancetest"
	"github.com/ternarybob/fleet/internal/ports"
	"github.com/ternarybob/fleet/internal/project"
)

type fixture struct {
	store    *project.Store
	project  *project.Project
	launcher *instancetest.Launcher
	sup      *instance.Supervisor
	server   *httptest.Server
}

// newFixture serves /{project}/{worktree}/{path...} through the router.
// A worktree segment of "-" means the default route.
func newFixture(t *testing.T, startup time.Duration, spawnWait time.Duration) *fixture {
	t.Helper()

	store := project.NewStore(filepath.Join(t.TempDir(), "projects.json"), nil)
	p, _, err := store.Add(t.TempDir(), "demo")
	require.NoError(t, err)

	launcher := instancetest.NewLauncher()
	sup := instance.NewSupervisor(store, ports.NewAllocator(42300, 42399), launcher,
		instance.NewHTTPProber("/health", time.Second), instance.Options{
			StartupTimeout: startup,
			StopGrace:      100 * time.Millisecond,
			PollInterval:   10 * time.Millisecond,
		})
	t.Cleanup(func() { _ = sup.StopAll(context.Background()) })

	rt := New(store, sup, Options{SpawnWait: spawnWait})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 3)
		for len(parts) < 3 {
			parts = append(parts, "")
		}
		wt := parts[1]
		if wt == "-" {
			wt = ""
		}
		rt.ServeProject(w, r, parts[0], wt, "/"+parts[2])
	}))
	t.Cleanup(srv.Close)

	return &fixture{store: store, project: p, launcher: launcher, sup: sup, server: srv}
}

func decodeEcho(t *testing.T, resp *http.Response) instancetest.Echo {
	t.Helper()
	var echo instancetest.Echo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&echo))
	return echo
}

func TestRouter_UnknownProjectIsNotFound(t *testing.T) {
	f := newFixture(t, 2*time.Second, 2*time.Second)

	resp, err := http.Get(f.server.URL + "/missing/-/anything")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, f.launcher.Launches(), "unknown projects never spawn")
}

func TestRouter_AutoStartsStoppedProject(t *testing.T) {
	f := newFixture(t, 2*time.Second, 2*time.Second)
	require.Equal(t, instance.StatusStopped, f.sup.Status(f.project.ID).Status)

	resp, err := http.Get(f.server.URL + "/" + f.project.ID + "/-/session/list?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	echo := decodeEcho(t, resp)
	assert.Equal(t, "/session/list", echo.Path)
	assert.Equal(t, http.MethodGet, echo.Method)
	assert.Empty(t, echo.Directory)

	status := f.sup.Status(f.project.ID)
	assert.Equal(t, instance.StatusRunning, status.Status)
	assert.Equal(t, status.Port, echo.Port)

	p, err := f.store.Get(f.project.ID)
	require.NoError(t, err)
	assert.NotNil(t, p.LastOpened, "on-demand start records lastOpened")
}

func TestRouter_SpawnFailureIsUnavailable(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond, 2*time.Second)
	f.launcher.SetMode(instancetest.NeverReady)

	resp, err := http.Get(f.server.URL + "/" + f.project.ID + "/-/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, instance.StatusError, f.sup.Status(f.project.ID).Status)
}

func TestRouter_SpawnWaitBoundsTheRequest(t *testing.T) {
	f := newFixture(t, 2*time.Second, 100*time.Millisecond)
	f.launcher.SetMode(instancetest.NeverReady)

	began := time.Now()
	resp, err := http.Get(f.server.URL + "/" + f.project.ID + "/-/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Less(t, time.Since(began), time.Second)
}

func TestRouter_ForwardsMethodBodyAndAllowedHeaders(t *testing.T) {
	f := newFixture(t, 2*time.Second, 2*time.Second)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/"+f.project.ID+"/-/session", strings.NewReader(`{"title":"x"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("X-Api-Key", "control-plane-secret")
	req.Header.Set("X-Custom", "dropped")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	echo := decodeEcho(t, resp)
	assert.Equal(t, http.MethodPost, echo.Method)
	assert.Equal(t, `{"title":"x"}`, echo.Body)
	assert.Equal(t, "application/json", echo.Headers["Content-Type"])
	assert.Equal(t, "Bearer abc", echo.Headers["Authorization"])
	assert.NotContains(t, echo.Headers, "X-Api-Key")
	assert.NotContains(t, echo.Headers, "X-Custom")
	assert.NotEmpty(t, resp.Header.Get("X-Backend-Port"), "response headers pass through")
}

func TestRouter_DropsControlAPIKeyQuery(t *testing.T) {
	f := newFixture(t, 2*time.Second, 2*time.Second)

	resp, err := http.Get(f.server.URL + "/" + f.project.ID + "/-/file?api_key=secret&name=x")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	echo := decodeEcho(t, resp)
	assert.Equal(t, "name=x", echo.Query)
}

func TestRouter_WorktreeAddsDirectory(t *testing.T) {
	f := newFixture(t, 2*time.Second, 2*time.Second)
	wts := project.NewWorktrees(f.store, nil)
	wtPath := filepath.Join(t.TempDir(), "feature-a")
	_, err := wts.Create(f.project.ID, project.WorktreeInput{Path: wtPath, Title: "Feature A"})
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/" + f.project.ID + "/feature-a/file/read?name=x")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	echo := decodeEcho(t, resp)
	assert.Equal(t, wtPath, echo.Directory)
	assert.Equal(t, "/file/read", echo.Path)
	assert.Equal(t, 1, f.launcher.Launches(), "worktrees share the project instance")

	resp2, err := http.Get(f.server.URL + "/" + f.project.ID + "/nope/file")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestRouter_StreamsUnbuffered(t *testing.T) {
	f := newFixture(t, 2*time.Second, 2*time.Second)

	resp, err := http.Get(f.server.URL + "/" + f.project.ID + "/-/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: chunk-0\n", first)

	var rest strings.Builder
	for {
		line, err := reader.ReadString('\n')
		rest.WriteString(line)
		if err != nil {
			break
		}
	}
	assert.Contains(t, rest.String(), "chunk-2")
}

func TestRouter_ConcurrentRequestsSpawnOnce(t *testing.T) {
	f := newFixture(t, 2*time.Second, 2*time.Second)

	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(f.server.URL + "/" + f.project.ID + "/-/ping")
			if !assert.NoError(t, err) {
				return
			}
			resp.Body.Close()
			codes[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, 1, f.launcher.Launches())
}

func TestRouter_UpstreamGoneIsBadGateway(t *testing.T) {
	f := newFixture(t, 2*time.Second, 2*time.Second)
	_, err := f.sup.Spawn(context.Background(), f.project.ID)
	require.NoError(t, err)

	rt := New(f.store, staleSpawner{inst: f.sup.Status(f.project.ID)}, Options{})
	f.launcher.Last().Crash()
	require.Eventually(t, func() bool {
		return f.sup.Status(f.project.ID).Status != instance.StatusRunning
	}, time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	rt.ServeProject(rec, httptest.NewRequest(http.MethodGet, "/x", nil), f.project.ID, "", "/x")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

// staleSpawner keeps reporting an instance as Running after it died.
type staleSpawner struct {
	inst instance.Instance
}

func (s staleSpawner) Spawn(ctx context.Context, id string) (instance.Instance, error) {
	return s.inst, nil
}

func (s staleSpawner) Status(id string) instance.Instance {
	return s.inst
}
