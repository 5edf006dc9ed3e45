package service

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/fleet/internal/config"
	"github.com/ternarybob/fleet/internal/events"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Service.DataDir = t.TempDir()
	cfg.Service.Port = 0
	return cfg
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestDaemon_StartServesAndWritesPID(t *testing.T) {
	cfg := testConfig(t)
	d := NewDaemon(cfg, nil)
	require.NoError(t, d.Start(okHandler()))
	go d.Wait()
	defer d.Stop()

	resp, err := http.Get("http://" + d.Addr() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := os.ReadFile(cfg.PIDPath())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	running, pid := IsRunning(cfg)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestDaemon_SecondInstanceIsRefused(t *testing.T) {
	cfg := testConfig(t)
	first := NewDaemon(cfg, nil)
	require.NoError(t, first.Start(okHandler()))
	go first.Wait()
	defer first.Stop()

	second := NewDaemon(cfg, nil)
	assert.ErrorIs(t, second.Start(okHandler()), ErrAlreadyRunning)
}

func TestDaemon_ShutdownRunsStepsInOrder(t *testing.T) {
	cfg := testConfig(t)
	d := NewDaemon(cfg, nil)

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	d.OnShutdown("health", record("health"))
	d.OnShutdown("instances", record("instances"))
	d.OnShutdown("events", record("events"))

	require.NoError(t, d.Start(okHandler()))
	go d.Wait()
	d.Stop()

	<-d.Done()
	assert.Equal(t, []string{"health", "instances", "events"}, order)
	assert.NoFileExists(t, cfg.PIDPath())

	// The lock is released, so a new daemon can start
	again := NewDaemon(cfg, nil)
	require.NoError(t, again.Start(okHandler()))
	go again.Wait()
	again.Stop()
}

func TestDaemon_StopWhenNotRunning(t *testing.T) {
	d := NewDaemon(testConfig(t), nil)
	d.Stop()
}

func TestIsRunning_StalePIDFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.PIDPath(), []byte("not-a-pid"), 0644))

	running, _ := IsRunning(cfg)
	assert.False(t, running)
}

func TestStopRunning_NotRunning(t *testing.T) {
	assert.Error(t, StopRunning(testConfig(t)))
}

func TestDaemon_OpenStreamDoesNotConsumeStepBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Supervisor.ShutdownTimeout = 2 * time.Second
	d := NewDaemon(cfg, nil)

	var stepErr error
	var remaining time.Duration
	d.OnShutdown("instances", func(ctx context.Context) error {
		stepErr = ctx.Err()
		if deadline, ok := ctx.Deadline(); ok {
			remaining = time.Until(deadline)
		}
		return nil
	})

	bus := events.NewBus(10)
	require.NoError(t, d.Start(bus))
	go d.Wait()

	// Hold an event stream open across shutdown
	resp, err := http.Get("http://" + d.Addr() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	began := time.Now()
	d.Stop()

	assert.Less(t, time.Since(began), DrainTimeout, "open streams are cancelled, not waited out")
	assert.NoError(t, stepErr)
	assert.Greater(t, remaining, time.Second, "each step gets the full shutdown budget")
}
