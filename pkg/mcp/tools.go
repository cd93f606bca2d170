package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/maretto/aegis/internal/engine"
	"github.com/maretto/aegis/internal/store"
	"github.com/maretto/aegis/pkg/schema"
)

// handleExecuteWorkflow runs a workflow definition to completion.
func (s *Server) handleExecuteWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, errResult := parseWorkflow(req)
	if errResult != nil {
		return errResult, nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)
	backend := req.GetString("backend", "")

	release, errResult := s.acquireRunSlot()
	if errResult != nil {
		return errResult, nil
	}
	defer release()

	result, err := s.engine.Execute(ctx, wf, inputs, engine.ExecuteOptions{
		BackendOverride: backend,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", err)), nil
	}
	return marshalResult(result)
}

// handleResumeWorkflow continues an interrupted run from its last
// completed checkpoint.
func (s *Server) handleResumeWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	wf, errResult := parseWorkflow(req)
	if errResult != nil {
		return errResult, nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)
	backend := req.GetString("backend", "")

	release, errResult := s.acquireRunSlot()
	if errResult != nil {
		return errResult, nil
	}
	defer release()

	result, execErr := s.engine.Execute(ctx, wf, inputs, engine.ExecuteOptions{
		BackendOverride: backend,
		ResumeFrom:      runID,
	})
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", execErr)), nil
	}
	return marshalResult(result)
}

// handleWorkflowStatus returns the persisted record of a run.
func (s *Server) handleWorkflowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	rec, statusErr := s.engine.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(rec)
}

// handleListExecutions lists persisted runs matching the filter.
func (s *Server) handleListExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ExecutionFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Limit:      req.GetInt("limit", 50),
	}
	if status := req.GetString("status", ""); status != "" {
		rs := schema.RunStatus(status)
		filter.Status = &rs
	}

	recs, err := s.engine.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": recs, "count": len(recs)})
}

// handleListRunEvents reads a run's persistent event log.
func (s *Server) handleListRunEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	since := int64(req.GetInt("since", 0))

	events, listErr := s.engine.Events(ctx, runID, since)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"events": events, "count": len(events)})
}

// handleCancelWorkflow requests cooperative cancellation.
func (s *Server) handleCancelWorkflow(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if cancelErr := s.engine.Cancel(runID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
		"note":   "cancellation is cooperative; the in-flight step finishes first",
	})
}

// handleListBackends reports registry, health, and breaker state.
func (s *Server) handleListBackends(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	health := s.engine.Health().All()
	breakers := s.engine.Breakers().AllStats()

	backends := make([]map[string]any, 0)
	for _, name := range s.engine.BackendNames() {
		entry := map[string]any{
			"name":    name,
			"breaker": s.engine.Breakers().State(name).String(),
		}
		if h, ok := health[name]; ok {
			entry["healthy"] = h.Healthy
			entry["consecutive_failures"] = h.ConsecutiveFailures
			if h.LastError != "" {
				entry["last_error"] = h.LastError
			}
		}
		if stats, ok := breakers[name]; ok {
			entry["breaker_stats"] = stats
		}
		backends = append(backends, entry)
	}
	return marshalResult(map[string]any{"backends": backends})
}

// handleResetBreaker forces a backend's breaker closed.
func (s *Server) handleResetBreaker(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	backend, err := req.RequireString("backend")
	if err != nil {
		return mcp.NewToolResultError("backend is required"), nil
	}

	s.engine.Breakers().Reset(backend)
	return marshalResult(map[string]any{
		"ok":      true,
		"backend": backend,
		"breaker": engine.CircuitClosed.String(),
	})
}

// handleCleanupExecutions runs a retention sweep.
func (s *Server) handleCleanupExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days, err := req.RequireInt("older_than_days")
	if err != nil {
		return mcp.NewToolResultError("older_than_days is required"), nil
	}
	if days < 1 {
		return mcp.NewToolResultError("older_than_days must be at least 1"), nil
	}

	result, cleanErr := s.store.CleanupOldRecords(ctx, days)
	if cleanErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cleanup failed: %v", cleanErr)), nil
	}
	return marshalResult(result)
}

// handleSubscribeRunEvents registers or removes this session's run event
// subscription.
func (s *Server) handleSubscribeRunEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("no active session; subscriptions require a connected client"), nil
	}

	if req.GetBool("unsubscribe", false) {
		s.sessions.Unsubscribe(session.SessionID())
		return marshalResult(map[string]any{"ok": true, "subscribed": false})
	}

	runID := req.GetString("run_id", "")
	s.sessions.Subscribe(session.SessionID(), runID)
	return marshalResult(map[string]any{
		"ok":         true,
		"subscribed": true,
		"run_id":     runID,
		"method":     runEventMethod,
	})
}

// --- Helpers ---

// acquireRunSlot takes a limiter slot without blocking so a saturated
// engine answers immediately. The returned release must be called; it
// is a no-op func when no limiter is configured.
func (s *Server) acquireRunSlot() (func(), *mcp.CallToolResult) {
	if s.limiter == nil {
		return func() {}, nil
	}
	release, err := s.limiter.TryAcquire()
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf(
			"engine is at capacity (%v); retry after an in-flight run finishes", err))
	}
	return release, nil
}

// parseWorkflow decodes the "workflow" object argument into a Workflow.
func parseWorkflow(req mcp.CallToolRequest) (*schema.Workflow, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("workflow is required")
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err))
	}
	var wf schema.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err))
	}
	return &wf, nil
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
