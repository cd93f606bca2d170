// Package mcp exposes the workflow engine as an MCP control surface:
// tools to execute, resume, inspect, and cancel runs, plus operational
// tools for backends and retention.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/maretto/aegis/internal/engine"
	"github.com/maretto/aegis/internal/store"
	"github.com/maretto/aegis/internal/streaming"
)

// Deps holds the dependencies for creating a Server.
type Deps struct {
	Engine  *engine.Engine
	Store   store.Store
	Limiter *engine.RunLimiter
	Hub     streaming.Hub
	Logger  *slog.Logger
}

// Server wraps an MCP server with the aegis tool handlers.
type Server struct {
	engine   *engine.Engine
	store    store.Store
	limiter  *engine.RunLimiter
	hub      streaming.Hub
	logger   *slog.Logger
	sessions *SessionRegistry

	mcpServer *server.MCPServer
	notifier  *Notifier
}

// NewServer creates a Server with all tools registered.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:   deps.Engine,
		store:    deps.Store,
		limiter:  deps.Limiter,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"aegis",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Aegis executes multi-step workflows against agent backends with retries, circuit breaking, and failover. Use execute_workflow to run a workflow, resume_workflow to continue an interrupted run from its last checkpoint, workflow_status / list_executions / list_run_events to inspect state, cancel_workflow to stop a run, and list_backends / reset_breaker / cleanup_executions for operations. subscribe_run_events streams run lifecycle notifications to this session."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.sessions, deps.Hub, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. The notifier runs for the duration.
func (s *Server) Serve(ctx context.Context) error {
	s.notifier.Start(ctx)
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeHTTP starts the streamable-HTTP transport on addr and blocks
// until ctx is cancelled. Returns nil on clean shutdown.
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	s.notifier.Start(ctx)
	httpSrv := server.NewStreamableHTTPServer(s.mcpServer)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("mcp http server listening", slog.String("addr", addr))
		errCh <- httpSrv.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeWorkflowTool(), Handler: s.handleExecuteWorkflow},
		{Tool: resumeWorkflowTool(), Handler: s.handleResumeWorkflow},
		{Tool: workflowStatusTool(), Handler: s.handleWorkflowStatus},
		{Tool: listExecutionsTool(), Handler: s.handleListExecutions},
		{Tool: listRunEventsTool(), Handler: s.handleListRunEvents},
		{Tool: cancelWorkflowTool(), Handler: s.handleCancelWorkflow},
		{Tool: listBackendsTool(), Handler: s.handleListBackends},
		{Tool: resetBreakerTool(), Handler: s.handleResetBreaker},
		{Tool: cleanupExecutionsTool(), Handler: s.handleCleanupExecutions},
		{Tool: subscribeRunEventsTool(), Handler: s.handleSubscribeRunEvents},
	}
}

// --- Tool definitions ---

func executeWorkflowTool() mcp.Tool {
	return mcp.NewTool("execute_workflow",
		mcp.WithDescription("Execute a workflow definition to completion and return the result"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow definition (id, steps, inputs, failure_policy, ...)")),
		mcp.WithObject("inputs", mcp.Description("Workflow input values")),
		mcp.WithString("backend", mcp.Description("Backend name override (default: engine primary)")),
	)
}

func resumeWorkflowTool() mcp.Tool {
	return mcp.NewTool("resume_workflow",
		mcp.WithDescription("Resume an interrupted run from its last completed checkpoint"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("The workflow definition the run was started with")),
		mcp.WithObject("inputs", mcp.Description("Workflow input values (re-supplied on resume)")),
		mcp.WithString("backend", mcp.Description("Backend name override")),
	)
}

func workflowStatusTool() mcp.Tool {
	return mcp.NewTool("workflow_status",
		mcp.WithDescription("Get the persisted state of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func listExecutionsTool() mcp.Tool {
	return mcp.NewTool("list_executions",
		mcp.WithDescription("List persisted runs, optionally filtered"),
		mcp.WithString("workflow_id", mcp.Description("Only runs of this workflow")),
		mcp.WithString("status", mcp.Description("Only runs in this status"),
			mcp.Enum("pending", "running", "completed", "failed", "cancelled", "paused")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs to return (default 50)")),
	)
}

func listRunEventsTool() mcp.Tool {
	return mcp.NewTool("list_run_events",
		mcp.WithDescription("Read a run's append-only event log"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("since", mcp.Description("Only events with sequence greater than this (default 0)")),
	)
}

func cancelWorkflowTool() mcp.Tool {
	return mcp.NewTool("cancel_workflow",
		mcp.WithDescription("Request cooperative cancellation of an in-flight run; the current step finishes first"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func listBackendsTool() mcp.Tool {
	return mcp.NewTool("list_backends",
		mcp.WithDescription("List registered backends with health and circuit breaker state"),
	)
}

func resetBreakerTool() mcp.Tool {
	return mcp.NewTool("reset_breaker",
		mcp.WithDescription("Force a backend's circuit breaker back to closed"),
		mcp.WithString("backend", mcp.Required(), mcp.Description("Backend name")),
	)
}

func cleanupExecutionsTool() mcp.Tool {
	return mcp.NewTool("cleanup_executions",
		mcp.WithDescription("Delete runs, checkpoints, and events older than the retention window"),
		mcp.WithNumber("older_than_days", mcp.Required(), mcp.Description("Delete records older than this many days")),
	)
}

func subscribeRunEventsTool() mcp.Tool {
	return mcp.NewTool("subscribe_run_events",
		mcp.WithDescription("Subscribe this session to run lifecycle notifications (notifications/aegis/run_event)"),
		mcp.WithString("run_id", mcp.Description("Only events for this run (default: all runs)")),
		mcp.WithBoolean("unsubscribe", mcp.Description("Set true to remove this session's subscription")),
	)
}
