// Package mcp exposes the fleet control operations as Model Context Protocol
// tools, so assistants can manage projects and their instances.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ternarybob/fleet/internal/events"
	"github.com/ternarybob/fleet/internal/instance"
	"github.com/ternarybob/fleet/internal/project"
)

// Deps are the components the tools operate on.
type Deps struct {
	Store      *project.Store
	Worktrees  *project.Worktrees
	Supervisor *instance.Supervisor
	Events     *events.Bus
}

// Server wraps an MCP server bound to the fleet components.
type Server struct {
	store     *project.Store
	worktrees *project.Worktrees
	sup       *instance.Supervisor
	events    *events.Bus

	server *server.MCPServer
	http   *server.StreamableHTTPServer
}

// NewServer creates the MCP server and registers its tools.
func NewServer(deps Deps, version string) *Server {
	s := &Server{
		store:     deps.Store,
		worktrees: deps.Worktrees,
		sup:       deps.Supervisor,
		events:    deps.Events,
	}

	mcpServer := server.NewMCPServer(
		"fleet-service",
		version,
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.server = mcpServer
	s.http = server.NewStreamableHTTPServer(mcpServer)
	return s
}

// Handler returns the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return s.http
}

func projectID() mcp.ToolOption {
	return mcp.WithString("id",
		mcp.Required(),
		mcp.Description("Project id as returned by list_projects"),
	)
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("list_projects",
			mcp.WithDescription("List registered projects with their instance status."),
		),
		s.handleListProjects,
	)

	mcpServer.AddTool(
		mcp.NewTool("add_project",
			mcp.WithDescription("Register a project directory. Re-adding a known directory returns the existing project."),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Absolute path of the project root"),
			),
			mcp.WithString("name",
				mcp.Description("Display name (defaults to the directory name)"),
			),
		),
		s.handleAddProject,
	)

	mcpServer.AddTool(
		mcp.NewTool("remove_project",
			mcp.WithDescription("Stop the project's instance and unregister it."),
			projectID(),
		),
		s.handleRemoveProject,
	)

	mcpServer.AddTool(
		mcp.NewTool("start_instance",
			mcp.WithDescription("Start the project's backend instance and wait until it is healthy."),
			projectID(),
		),
		s.handleStartInstance,
	)

	mcpServer.AddTool(
		mcp.NewTool("stop_instance",
			mcp.WithDescription("Stop the project's backend instance."),
			projectID(),
		),
		s.handleStopInstance,
	)

	mcpServer.AddTool(
		mcp.NewTool("restart_instance",
			mcp.WithDescription("Restart the project's backend instance."),
			projectID(),
		),
		s.handleRestartInstance,
	)

	mcpServer.AddTool(
		mcp.NewTool("instance_status",
			mcp.WithDescription("Get the status, port and last error of the project's instance."),
			projectID(),
		),
		s.handleInstanceStatus,
	)

	mcpServer.AddTool(
		mcp.NewTool("list_worktrees",
			mcp.WithDescription("List the worktrees recorded for a project."),
			projectID(),
		),
		s.handleListWorktrees,
	)

	mcpServer.AddTool(
		mcp.NewTool("create_worktree",
			mcp.WithDescription("Record an existing worktree directory for a project."),
			projectID(),
			mcp.WithString("path",
				mcp.Required(),
				mcp.Description("Absolute path of the worktree; its last segment becomes the worktree id"),
			),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("Human readable title"),
			),
		),
		s.handleCreateWorktree,
	)
}

func (s *Server) handleListProjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type entry struct {
		*project.Project
		Instance instance.Instance `json:"instance"`
	}

	projects := s.store.List()
	result := make([]entry, 0, len(projects))
	for _, p := range projects {
		result = append(result, entry{Project: p, Instance: s.sup.Status(p.ID)})
	}
	return jsonResult(result)
}

func (s *Server) handleAddProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := request.GetString("path", "")
	if path == "" {
		return mcp.NewToolResultError("path parameter is required"), nil
	}

	p, created, err := s.store.Add(path, request.GetString("name", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("add project failed: %v", err)), nil
	}
	if created {
		s.events.Emit(events.New(events.ProjectAdded, p.ID).With("path", p.Path))
	}
	return jsonResult(p)
}

func (s *Server) handleRemoveProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}

	removed, err := s.store.Remove(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("remove project failed: %v", err)), nil
	}
	if !removed {
		return mcp.NewToolResultError(fmt.Sprintf("project %s not found", id)), nil
	}

	s.events.Emit(events.New(events.ProjectRemoved, id))
	return mcp.NewToolResultText(fmt.Sprintf("Project %s removed.", id)), nil
}

func (s *Server) handleStartInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.instanceOp(ctx, request, "start", s.sup.Spawn)
}

func (s *Server) handleRestartInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.instanceOp(ctx, request, "restart", s.sup.Restart)
}

func (s *Server) instanceOp(ctx context.Context, request mcp.CallToolRequest, verb string, op func(context.Context, string) (instance.Instance, error)) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if _, err := s.store.Get(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	inst, err := op(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s instance failed: %v", verb, err)), nil
	}
	_ = s.store.Touch(id)
	return jsonResult(inst)
}

func (s *Server) handleStopInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if _, err := s.store.Get(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.sup.Stop(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stop instance failed: %v", err)), nil
	}
	return jsonResult(s.sup.Status(id))
}

func (s *Server) handleInstanceStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	if _, err := s.store.Get(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s.sup.Status(id))
}

func (s *Server) handleListWorktrees(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.worktrees.List(request.GetString("id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(list)
}

func (s *Server) handleCreateWorktree(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("id", "")
	wt, err := s.worktrees.Create(id, project.WorktreeInput{
		Path:  request.GetString("path", ""),
		Title: request.GetString("title", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create worktree failed: %v", err)), nil
	}
	s.events.Emit(events.New(events.WorktreeCreated, id).With("worktree_id", wt.ID))
	return jsonResult(wt)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
