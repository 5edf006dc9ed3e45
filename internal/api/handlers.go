package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ternarybob/fleet/internal/events"
	"github.com/ternarybob/fleet/internal/instance"
	"github.com/ternarybob/fleet/internal/project"
	"github.com/ternarybob/fleet/internal/router"
	"github.com/ternarybob/fleet/internal/validate"
)

// version is set via -ldflags at build time
var version = "dev"

// SetVersion sets the version string (called from main).
func SetVersion(v string) {
	version = v
}

// Version returns the build version.
func Version() string {
	return version
}

// Response types

// HealthResponse is the response for /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Projects int    `json:"projects"`
	Running  int    `json:"running"`
}

// VersionResponse is the response for /version.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Rule  string `json:"rule,omitempty"`
}

// ProjectResponse is a project with its instance state.
type ProjectResponse struct {
	*project.Project
	Instance instance.Instance `json:"instance"`
}

// AddProjectRequest is the request body for adding a project.
type AddProjectRequest struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// RemoveResponse acknowledges a deletion.
type RemoveResponse struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Projects: s.store.Count(),
		Running:  len(s.sup.Running()),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version: version,
		Service: "fleet-service",
	})
}

func (s *Server) projectResponse(p *project.Project) ProjectResponse {
	return ProjectResponse{Project: p, Instance: s.sup.Status(p.ID)}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.store.List()
	response := make([]ProjectResponse, 0, len(projects))
	for _, p := range projects {
		response = append(response, s.projectResponse(p))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleAddProject(w http.ResponseWriter, r *http.Request) {
	var req AddProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, created, err := s.store.Add(req.Path, req.Name)
	if err != nil {
		s.fail(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.events.Emit(events.New(events.ProjectAdded, p.ID).With("path", p.Path))
		s.metrics.SetProjects(s.store.Count())
	}
	writeJSON(w, status, s.projectResponse(p))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.projectResponse(p))
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var patch project.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := s.store.Update(chi.URLParam(r, "id"), patch)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.events.Emit(events.New(events.ProjectUpdated, p.ID))
	writeJSON(w, http.StatusOK, s.projectResponse(p))
}

func (s *Server) handleRemoveProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	removed, err := s.store.Remove(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, project.ErrNotFound.Error()+": "+id)
		return
	}

	s.events.Emit(events.New(events.ProjectRemoved, id))
	s.metrics.SetProjects(s.store.Count())
	writeJSON(w, http.StatusOK, RemoveResponse{ID: id, Removed: true})
}

// Instance handlers

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sup.Status(id))
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.List())
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	s.runInstanceOp(w, r, s.sup.Spawn)
}

func (s *Server) handleRestartInstance(w http.ResponseWriter, r *http.Request) {
	s.runInstanceOp(w, r, s.sup.Restart)
}

func (s *Server) runInstanceOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (instance.Instance, error)) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(id); err != nil {
		s.fail(w, err)
		return
	}

	inst, err := op(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}

	if err := s.store.Touch(id); err != nil {
		s.logger.Warn().Err(err).Str("project_id", id).Msg("Failed to record last opened")
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(id); err != nil {
		s.fail(w, err)
		return
	}

	if err := s.sup.Stop(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sup.Status(id))
}

// Worktree handlers

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	list, err := s.worktrees.List(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetWorktree(w http.ResponseWriter, r *http.Request) {
	wt, err := s.worktrees.Get(chi.URLParam(r, "id"), chi.URLParam(r, "wid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wt)
}

func (s *Server) handleCreateWorktree(w http.ResponseWriter, r *http.Request) {
	var in project.WorktreeInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	wt, err := s.worktrees.Create(id, in)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.events.Emit(events.New(events.WorktreeCreated, id).With("worktree_id", wt.ID))
	writeJSON(w, http.StatusCreated, wt)
}

func (s *Server) handleUpdateWorktree(w http.ResponseWriter, r *http.Request) {
	var patch project.WorktreePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	wt, err := s.worktrees.Update(chi.URLParam(r, "id"), chi.URLParam(r, "wid"), patch)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wt)
}

func (s *Server) handleRemoveWorktree(w http.ResponseWriter, r *http.Request) {
	id, wid := chi.URLParam(r, "id"), chi.URLParam(r, "wid")
	if err := s.worktrees.Remove(id, wid); err != nil {
		s.fail(w, err)
		return
	}
	s.events.Emit(events.New(events.WorktreeRemoved, id).With("worktree_id", wid))
	writeJSON(w, http.StatusOK, RemoveResponse{ID: wid, Removed: true})
}

// Proxy handlers

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	s.proxy.ServeProject(w, r, chi.URLParam(r, "id"), "", "/"+chi.URLParam(r, "*"))
}

func (s *Server) handleWorktreeProxy(w http.ResponseWriter, r *http.Request) {
	s.proxy.ServeProject(w, r, chi.URLParam(r, "id"), chi.URLParam(r, "wid"), "/"+chi.URLParam(r, "*"))
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case validate.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, project.ErrNotFound), errors.Is(err, project.ErrWorktreeNotFound):
		return http.StatusNotFound
	case errors.Is(err, project.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, instance.ErrStartFailed),
		errors.Is(err, instance.ErrClosed),
		errors.Is(err, router.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}

	resp := ErrorResponse{Error: err.Error()}
	var ve *validate.Error
	if errors.As(err, &ve) {
		resp.Rule = ve.Rule
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
