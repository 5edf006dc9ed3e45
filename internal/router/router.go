// Package router forwards data-plane requests to project instances,
// starting them on demand.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleet/internal/config"
	"github.com/ternarybob/fleet/internal/instance"
	"github.com/ternarybob/fleet/internal/logger"
	"github.com/ternarybob/fleet/internal/metrics"
	"github.com/ternarybob/fleet/internal/project"
)

// ErrUnavailable is reported when an instance cannot be brought to Running
// within the spawn wait.
var ErrUnavailable = errors.New("instance unavailable")

// Projects looks up project records and records when they are opened.
type Projects interface {
	Get(id string) (*project.Project, error)
	Touch(id string) error
}

// Spawner starts instances and reports their state.
type Spawner interface {
	Spawn(ctx context.Context, id string) (instance.Instance, error)
	Status(id string) instance.Instance
}

// Options configures a Router.
type Options struct {
	SpawnWait      time.Duration
	AllowedHeaders []string

	Metrics *metrics.Metrics
	Logger  arbor.ILogger
}

// OptionsFromConfig maps service configuration onto router options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SpawnWait:      cfg.Router.SpawnWait,
		AllowedHeaders: cfg.Router.AllowedHeaders,
	}
}

type targetKey struct{}

type target struct {
	projectID string
	port      int
	path      string
	directory string
}

// Router resolves a project to its instance and reverse-proxies to it.
// Forwarding is never serialized; only spawning goes through the
// supervisor's per-project lock.
type Router struct {
	projects Projects
	sup      Spawner
	opts     Options
	allowed  map[string]bool
	proxy    *httputil.ReverseProxy
	logger   arbor.ILogger
}

// New creates a router.
func New(projects Projects, sup Spawner, opts Options) *Router {
	if opts.SpawnWait <= 0 {
		opts.SpawnWait = config.DefaultConfig().Router.SpawnWait
	}
	if len(opts.AllowedHeaders) == 0 {
		opts.AllowedHeaders = config.DefaultAllowedHeaders
	}

	rt := &Router{
		projects: projects,
		sup:      sup,
		opts:     opts,
		allowed:  make(map[string]bool, len(opts.AllowedHeaders)),
		logger:   logger.OrDefault(opts.Logger),
	}
	for _, h := range opts.AllowedHeaders {
		rt.allowed[http.CanonicalHeaderKey(h)] = true
	}

	rt.proxy = &httputil.ReverseProxy{
		Rewrite:        rt.rewrite,
		FlushInterval:  -1,
		ModifyResponse: rt.modifyResponse,
		ErrorHandler:   rt.handleProxyError,
		Transport: &http.Transport{
			Proxy: nil,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return rt
}

// ServeProject routes r to the project's instance. path is the request path
// as seen by the instance. A non-empty worktreeID addresses that worktree's
// directory on the shared instance.
func (rt *Router) ServeProject(w http.ResponseWriter, r *http.Request, projectID, worktreeID, path string) {
	p, err := rt.projects.Get(projectID)
	if err != nil {
		rt.reject(w, projectID, err)
		return
	}

	var directory string
	if worktreeID != "" {
		wt, ok := p.Worktree(worktreeID)
		if !ok {
			rt.reject(w, projectID, project.ErrWorktreeNotFound)
			return
		}
		directory = wt.Path
	}

	inst, err := rt.ensureRunning(r.Context(), projectID)
	if err != nil {
		rt.reject(w, projectID, err)
		return
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	t := target{projectID: projectID, port: inst.Port, path: path, directory: directory}
	rt.proxy.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), targetKey{}, t)))
}

// ensureRunning returns the project's Running instance, spawning it and
// waiting up to SpawnWait when needed.
func (rt *Router) ensureRunning(ctx context.Context, projectID string) (instance.Instance, error) {
	if inst := rt.sup.Status(projectID); inst.Status == instance.StatusRunning {
		return inst, nil
	}

	rt.logger.Info().Str("project_id", projectID).Msg("Instance not running, starting on demand")

	waitCtx, cancel := context.WithTimeout(ctx, rt.opts.SpawnWait)
	defer cancel()

	inst, err := rt.sup.Spawn(waitCtx, projectID)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return inst, err
		}
		return inst, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if err := rt.projects.Touch(projectID); err != nil {
		rt.logger.Warn().Err(err).Str("project_id", projectID).Msg("Failed to record last opened")
	}
	return inst, nil
}

func (rt *Router) rewrite(pr *httputil.ProxyRequest) {
	t, _ := pr.In.Context().Value(targetKey{}).(target)

	pr.Out.URL.Scheme = "http"
	pr.Out.URL.Host = net.JoinHostPort("127.0.0.1", strconv.Itoa(t.port))
	pr.Out.URL.Path = t.path
	pr.Out.URL.RawPath = ""
	pr.Out.Host = pr.Out.URL.Host

	// The control API key never reaches an instance
	q := pr.In.URL.Query()
	if t.directory != "" || q.Has("api_key") {
		q.Del("api_key")
		if t.directory != "" {
			q.Set("directory", t.directory)
		}
		pr.Out.URL.RawQuery = q.Encode()
	}

	for name := range pr.Out.Header {
		if !rt.allowed[name] {
			pr.Out.Header.Del(name)
		}
	}
}

func (rt *Router) modifyResponse(resp *http.Response) error {
	rt.opts.Metrics.Proxied(metrics.ProxyOK)
	return nil
}

func (rt *Router) handleProxyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		// Client went away
		return
	}
	t, _ := r.Context().Value(targetKey{}).(target)
	rt.opts.Metrics.Proxied(metrics.ProxyUpstream)
	rt.logger.Warn().Err(err).Str("project_id", t.projectID).Str("path", t.path).Msg("Proxy request failed")
	writeError(w, http.StatusBadGateway, "upstream request failed: "+err.Error())
}

func (rt *Router) reject(w http.ResponseWriter, projectID string, err error) {
	switch {
	case errors.Is(err, project.ErrNotFound), errors.Is(err, project.ErrWorktreeNotFound):
		rt.opts.Metrics.Proxied(metrics.ProxyNotFound)
		writeError(w, http.StatusNotFound, err.Error())
	default:
		rt.opts.Metrics.Proxied(metrics.ProxyUnavailable)
		rt.logger.Warn().Err(err).Str("project_id", projectID).Msg("Instance unavailable")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
