// Package api provides the HTTP control API for fleet-service.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleet/internal/config"
	"github.com/ternarybob/fleet/internal/events"
	"github.com/ternarybob/fleet/internal/instance"
	"github.com/ternarybob/fleet/internal/logger"
	"github.com/ternarybob/fleet/internal/metrics"
	"github.com/ternarybob/fleet/internal/project"
	"github.com/ternarybob/fleet/internal/router"
)

// controlTimeout bounds control-plane requests. Proxied and streaming
// routes are not subject to it.
const controlTimeout = 60 * time.Second

// Deps are the components the API exposes.
type Deps struct {
	Store      *project.Store
	Worktrees  *project.Worktrees
	Supervisor *instance.Supervisor
	Router     *router.Router
	Events     *events.Bus
	Metrics    *metrics.Metrics
	MCP        http.Handler
	Logger     arbor.ILogger
}

// Server represents the API server.
type Server struct {
	cfg       *config.Config
	router    chi.Router
	store     *project.Store
	worktrees *project.Worktrees
	sup       *instance.Supervisor
	proxy     *router.Router
	events    *events.Bus
	metrics   *metrics.Metrics
	mcp       http.Handler
	logger    arbor.ILogger
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		store:     deps.Store,
		worktrees: deps.Worktrees,
		sup:       deps.Supervisor,
		proxy:     deps.Router,
		events:    deps.Events,
		metrics:   deps.Metrics,
		mcp:       deps.MCP,
		logger:    logger.OrDefault(deps.Logger),
	}

	s.setupRouter()
	return s
}

// setupRouter configures all routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "Last-Event-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Optional API key authentication
	if s.cfg.API.APIKey != "" {
		r.Use(s.apiKeyAuth)
	}

	// Health and version endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	// Control plane
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(controlTimeout))

		r.Get("/projects", s.handleListProjects)
		r.Post("/projects", s.handleAddProject)
		r.Get("/projects/{id}", s.handleGetProject)
		r.Patch("/projects/{id}", s.handleUpdateProject)
		r.Delete("/projects/{id}", s.handleRemoveProject)

		r.Get("/projects/{id}/instance", s.handleGetInstance)
		r.Post("/projects/{id}/instance/start", s.handleStartInstance)
		r.Post("/projects/{id}/instance/stop", s.handleStopInstance)
		r.Post("/projects/{id}/instance/restart", s.handleRestartInstance)
		r.Get("/instances", s.handleListInstances)

		r.Get("/projects/{id}/worktrees", s.handleListWorktrees)
		r.Post("/projects/{id}/worktrees", s.handleCreateWorktree)
		r.Get("/projects/{id}/worktrees/{wid}", s.handleGetWorktree)
		r.Patch("/projects/{id}/worktrees/{wid}", s.handleUpdateWorktree)
		r.Delete("/projects/{id}/worktrees/{wid}", s.handleRemoveWorktree)
	})

	// Data plane and streams
	r.HandleFunc("/projects/{id}/proxy", s.handleProxy)
	r.HandleFunc("/projects/{id}/proxy/*", s.handleProxy)
	r.HandleFunc("/projects/{id}/worktrees/{wid}/proxy", s.handleWorktreeProxy)
	r.HandleFunc("/projects/{id}/worktrees/{wid}/proxy/*", s.handleWorktreeProxy)

	if s.events != nil {
		r.Get("/events", s.events.ServeHTTP)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if s.mcp != nil {
		r.Handle("/mcp", s.mcp)
		r.Handle("/mcp/*", s.mcp)
	}

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestLogger logs each request through arbor.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("status", strconv.Itoa(ww.Status())).
			Str("duration", time.Since(start).String()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// apiKeyAuth is middleware that validates API key.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health and version
		if r.URL.Path == "/health" || r.URL.Path == "/version" {
			next.ServeHTTP(w, r)
			return
		}

		// Check API key header
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey != s.cfg.API.APIKey {
			writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
