// Package engine executes workflows against pluggable agent backends
// with per-backend retries, circuit breaking, ordered failover, and
// checkpointed state for crash recovery.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/maretto/aegis/internal/agent"
	"github.com/maretto/aegis/internal/expressions"
	"github.com/maretto/aegis/internal/logging"
	"github.com/maretto/aegis/internal/metrics"
	"github.com/maretto/aegis/internal/store"
	"github.com/maretto/aegis/internal/streaming"
	"github.com/maretto/aegis/internal/tools"
	"github.com/maretto/aegis/internal/validation"
	"github.com/maretto/aegis/pkg/schema"
)

// Compensator is the rollback extension point invoked when a workflow
// with failure_policy "rollback" fails. Implementations receive the
// partial result and undo whatever side effects the completed steps
// produced.
type Compensator interface {
	Compensate(ctx context.Context, wf *schema.Workflow, result *schema.WorkflowResult) error
}

// Options configures an Engine. Store and Backends are required.
type Options struct {
	Store       store.Store
	Backends    *agent.Registry
	Tools       tools.Lookup
	Breakers    *CircuitBreakerRegistry
	Health      *HealthTracker
	Retry       schema.RetryPolicy
	Failover    schema.FailoverPolicy
	Primary     string
	Compensator Compensator
	Hub         streaming.Hub
	Metrics     *metrics.Metrics
	Logger      *slog.Logger

	// Sleep overrides the backoff wait, letting tests run without
	// real sleeps. Nil means real time.
	Sleep SleepFunc
}

// Engine runs workflows. One Engine instance owns its circuit breaker
// registry and health tracker; concurrent runs on the same instance
// share both. Safe for concurrent use.
type Engine struct {
	store       store.Store
	backends    *agent.Registry
	tools       tools.Lookup
	breakers    *CircuitBreakerRegistry
	health      *HealthTracker
	retry       schema.RetryPolicy
	failover    schema.FailoverPolicy
	primary     string
	compensator Compensator
	hub         streaming.Hub
	metrics     *metrics.Metrics
	logger      *slog.Logger
	sleep       SleepFunc
	gate        *validation.PreExecution

	mu      sync.Mutex
	running map[string]*runHandle
}

// runHandle is the cancellation flag for one in-flight run.
type runHandle struct {
	cancelled atomic.Bool
}

// ExecuteOptions tunes a single Execute call.
type ExecuteOptions struct {
	// BackendOverride selects a backend other than the engine primary.
	BackendOverride string
	// ResumeFrom resumes a previously persisted run from its last
	// completed checkpoint instead of starting a new one.
	ResumeFrom string
}

// New creates an Engine. A nil store or empty backend registry is a
// configuration error: the engine cannot run without either.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, schema.NewError(schema.ErrCodeEngineConfig, "store is required")
	}
	if opts.Backends == nil || opts.Backends.Count() == 0 {
		return nil, schema.NewError(schema.ErrCodeEngineConfig, "at least one backend is required")
	}
	if opts.Primary == "" {
		return nil, schema.NewError(schema.ErrCodeEngineConfig, "primary backend name is required")
	}
	if !opts.Backends.Has(opts.Primary) {
		return nil, schema.NewErrorf(schema.ErrCodeEngineConfig,
			"primary backend %q is not registered", opts.Primary)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Breakers == nil {
		opts.Breakers = NewCircuitBreakerRegistry(schema.DefaultCircuitBreakerConfig(), logger, opts.Metrics)
	}
	if opts.Health == nil {
		opts.Health = NewHealthTracker()
	}

	wv, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeEngineConfig, "workflow validator init failed").WithCause(err)
	}

	return &Engine{
		store:       opts.Store,
		backends:    opts.Backends,
		tools:       opts.Tools,
		breakers:    opts.Breakers,
		health:      opts.Health,
		retry:       opts.Retry.Normalize(),
		failover:    normalizeFailover(opts.Failover),
		primary:     opts.Primary,
		compensator: opts.Compensator,
		hub:         opts.Hub,
		metrics:     opts.Metrics,
		logger:      logger,
		sleep:       opts.Sleep,
		gate:        validation.NewPreExecution(wv, opts.Tools),
		running:     make(map[string]*runHandle),
	}, nil
}

// normalizeFailover fills zero-valued policy fields with defaults while
// honoring an explicit Enabled=false.
func normalizeFailover(p schema.FailoverPolicy) schema.FailoverPolicy {
	d := schema.DefaultFailoverPolicy()
	if p.MaxFailovers <= 0 {
		p.MaxFailovers = d.MaxFailovers
	}
	if p.HealthCheckTimeout <= 0 {
		p.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if p.RetryPrimaryAfter <= 0 {
		p.RetryPrimaryAfter = d.RetryPrimaryAfter
	}
	return p
}

// Execute runs a workflow to completion, resuming from the last
// completed checkpoint when opts.ResumeFrom names a persisted run.
//
// The returned error is non-nil only when the run never started
// (validation, configuration, unknown resume id) or its state could not
// be persisted. A run that started and failed returns a result with
// Status failed and a nil error; callers inspect the result.
func (e *Engine) Execute(ctx context.Context, wf *schema.Workflow, inputs map[string]any, opts ExecuteOptions) (*schema.WorkflowResult, error) {
	backend := e.primary
	if opts.BackendOverride != "" {
		backend = opts.BackendOverride
	}

	runID := opts.ResumeFrom
	resume := runID != ""
	if !resume {
		runID = newRunID()
	}

	result := &schema.WorkflowResult{
		RunID:       runID,
		WorkflowID:  workflowID(wf),
		BackendName: backend,
		Status:      schema.RunStatusFailed,
		StartedAt:   time.Now().UTC(),
	}

	adapter, err := e.backends.Get(backend)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	// Pre-execution gate. Nothing is persisted and no breaker or
	// health state is touched until it passes.
	merged, err := e.gate.Check(wf, inputs, backend, adapter.Capabilities())
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	ctx = logging.WithRunID(ctx, runID)
	logger := logging.LogWith(ctx, e.logger)

	resumePoint, restored := 0, 0
	scope := expressions.NewScope(merged, workflowMeta(wf), runMeta(runID, backend))

	if resume {
		resumePoint, restored, err = e.prepareResume(ctx, wf, runID, scope, result)
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
	} else {
		rec := &store.ExecutionRecord{
			RunID:      runID,
			WorkflowID: result.WorkflowID,
			Status:     schema.RunStatusRunning,
			TotalSteps: len(wf.Steps),
			Backend:    backend,
			StartedAt:  result.StartedAt,
		}
		if err := e.store.CreateExecution(ctx, rec); err != nil {
			result.Error = err.Error()
			return result, err
		}
	}

	handle := &runHandle{}
	e.mu.Lock()
	if _, busy := e.running[runID]; busy {
		e.mu.Unlock()
		err := schema.NewErrorf(schema.ErrCodeConflict, "run %s is already executing", runID)
		result.Error = err.Error()
		return result, err
	}
	e.running[runID] = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, runID)
		e.mu.Unlock()
	}()

	startType := schema.EventRunStarted
	if resume {
		startType = schema.EventRunResumed
	}
	e.emit(ctx, runID, "", -1, startType, map[string]any{
		"workflow_id":  result.WorkflowID,
		"backend":      backend,
		"total_steps":  len(wf.Steps),
		"resume_point": resumePoint,
	})

	logger.InfoContext(ctx, "run started",
		slog.String("workflow_id", result.WorkflowID),
		slog.String("backend", backend),
		slog.Bool("resumed", resume),
		slog.Int("resume_point", resumePoint))

	e.runLoop(ctx, wf, scope, handle, resumePoint, restored, result)
	return result, nil
}

// runLoop drives the step loop and finalization, recovering panics into
// a FAILED run. It never returns an error; the outcome lives in result.
// restored counts steps completed by prior sessions of a resumed run.
func (e *Engine) runLoop(ctx context.Context, wf *schema.Workflow, scope *expressions.Scope, handle *runHandle, resumePoint, restored int, result *schema.WorkflowResult) {
	defer func() {
		if r := recover(); r != nil {
			err := schema.NewErrorf(schema.ErrCodeInternal, "panic during run: %v", r)
			logging.LogWith(ctx, e.logger).ErrorContext(ctx, "run panicked",
				slog.String("error", err.Error()))
			result.Status = schema.RunStatusFailed
			result.Error = err.Error()
			e.finalize(ctx, scope, result, restored)
		}
	}()

	fc := newFailoverController(result.BackendName, e.failover, e.retry,
		e.breakers, e.health, e.backends, e.metrics, e.logger, e.sleep)
	fc.onRetry = func(ctx context.Context, stepID string, stepIndex, attempt int, backend string) {
		e.emit(ctx, result.RunID, stepID, stepIndex, schema.EventStepRetrying, map[string]any{
			"backend": backend,
			"attempt": attempt,
		})
	}

	var runErr *schema.Error
	status := schema.RunStatusCompleted

	for i := resumePoint; i < len(wf.Steps); i++ {
		if handle.cancelled.Load() || ctx.Err() != nil {
			status = schema.RunStatusCancelled
			runErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled")
			break
		}

		step := &wf.Steps[i]
		stop, fatal := e.runStep(ctx, wf, step, i, restored, scope, fc, result)
		if fatal != nil {
			// Persistence broke mid-run; the stored state can no
			// longer be trusted for resume, so fail loudly.
			status = schema.RunStatusFailed
			runErr = fatal
			break
		}
		if stop != nil {
			status = schema.RunStatusFailed
			runErr = stop
			break
		}
	}

	result.Status = status
	result.Failovers = fc.failoverCount
	if runErr != nil {
		result.Error = runErr.Error()
	}

	if status == schema.RunStatusFailed && wf.FailurePolicy == schema.FailurePolicyRollback {
		e.compensate(ctx, wf, result)
	}

	e.finalize(ctx, scope, result, restored)
}

// runStep executes one step end to end: conditions, interpolation, the
// retry/failover loop, checkpointing, and scope updates. A non-nil stop
// return fails the run per the workflow failure policy; a non-nil fatal
// return means state could not be persisted.
func (e *Engine) runStep(ctx context.Context, wf *schema.Workflow, step *schema.Step, index, restored int, scope *expressions.Scope, fc *failoverController, result *schema.WorkflowResult) (stop, fatal *schema.Error) {
	sctx := logging.WithStepID(ctx, step.ID)
	logger := logging.LogWith(sctx, e.logger)
	started := time.Now().UTC()

	sr := schema.StepResult{
		StepID:    step.ID,
		StepIndex: index,
		StepName:  step.Name,
		StartedAt: started,
	}

	// Conditions gate the step with no retry, breaker, or checkpoint
	// side effects.
	if met, reason := EvaluateConditions(step.Conditions, scope); !met {
		sr.Status = schema.StepStatusSkipped
		sr.SkipReason = reason
		sr.CompletedAt = time.Now().UTC()
		result.StepResults = append(result.StepResults, sr)
		scope.AddStep(step.ID, nil, string(schema.StepStatusSkipped))
		e.emit(sctx, result.RunID, step.ID, index, schema.EventStepSkipped, map[string]any{
			"reason": reason,
		})
		logger.InfoContext(sctx, "step skipped", slog.String("reason", reason))
		return nil, nil
	}

	e.emit(sctx, result.RunID, step.ID, index, schema.EventStepStarted, map[string]any{
		"action":  step.Action,
		"backend": fc.active,
	})

	resolved, rerr := e.resolveInputs(step, scope)
	var attempt *stepAttempt
	var stepErr error
	if rerr != nil {
		attempt = &stepAttempt{}
		stepErr = rerr
	} else {
		attempt, stepErr = fc.executeStep(sctx, step, agent.StepRequest{
			RunID:     result.RunID,
			StepID:    step.ID,
			StepIndex: index,
			Action:    step.Action,
			Inputs:    resolved,
			Variables: scope.Snapshot(),
		})
	}

	e.flushFailoverEvents(sctx, result.RunID, fc)

	sr.RetryCount = attempt.retryCount
	sr.BackendsTried = attempt.backendsTried
	sr.CompletedAt = time.Now().UTC()

	if stepErr != nil {
		sr.Status = schema.StepStatusFailed
		sr.Error = stepErr.Error()
	} else {
		sr.Status = schema.StepStatusCompleted
		sr.Output = attempt.output
		sr.SucceededBackend = attempt.succeeded
	}
	result.StepResults = append(result.StepResults, sr)
	e.metrics.StepFinished(string(sr.Status), fc.active, sr.Duration())

	if err := e.checkpoint(sctx, result.RunID, step, index, resolved, &sr); err != nil {
		return nil, err
	}

	if stepErr != nil {
		e.emit(sctx, result.RunID, step.ID, index, schema.EventStepFailed, map[string]any{
			"error":       sr.Error,
			"retry_count": sr.RetryCount,
		})
		logger.WarnContext(sctx, "step failed",
			slog.String("error", sr.Error),
			slog.Int("retry_count", sr.RetryCount))

		switch wf.FailurePolicy {
		case schema.FailurePolicyStop, schema.FailurePolicyRollback:
			return asEngineError(stepErr, step.ID), nil
		default: // continue
			result.HadFailures = true
			scope.AddStep(step.ID, nil, string(schema.StepStatusFailed))
			return nil, nil
		}
	}

	scope.AddStep(step.ID, attempt.output, string(schema.StepStatusCompleted))
	if step.OutputVar != "" {
		scope.SetVar(step.OutputVar, attempt.output)
	}

	completed := restored + completedCount(result.StepResults)
	next := index + 1
	if err := e.store.UpdateExecution(sctx, result.RunID, store.ExecutionUpdate{
		CurrentStep:    &next,
		CompletedSteps: &completed,
	}); err != nil {
		e.metrics.StoreError("update_execution")
		return nil, asEngineError(err, step.ID)
	}

	e.emit(sctx, result.RunID, step.ID, index, schema.EventStepCompleted, map[string]any{
		"backend":     sr.SucceededBackend,
		"retry_count": sr.RetryCount,
	})
	logger.InfoContext(sctx, "step completed",
		slog.String("backend", sr.SucceededBackend),
		slog.Int("retry_count", sr.RetryCount))
	return nil, nil
}

// resolveInputs interpolates a step's inputs against the scope.
func (e *Engine) resolveInputs(step *schema.Step, scope *expressions.Scope) (map[string]any, error) {
	if len(step.Inputs) == 0 {
		return nil, nil
	}
	resolved, err := expressions.Resolve(step.Inputs, scope)
	if err != nil {
		return nil, asEngineError(err, step.ID)
	}
	m, ok := resolved.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %s inputs resolved to %T, expected object", step.ID, resolved).
			WithStep(step.ID)
	}
	return m, nil
}

// checkpoint upserts the step outcome. A persistence failure here is
// fatal to the run: resume correctness depends on this write.
func (e *Engine) checkpoint(ctx context.Context, runID string, step *schema.Step, index int, input map[string]any, sr *schema.StepResult) *schema.Error {
	cp := &store.StepCheckpoint{
		RunID:      runID,
		StepIndex:  index,
		StepName:   step.ID,
		Status:     sr.Status,
		Error:      sr.Error,
		RetryCount: sr.RetryCount,
	}
	if input != nil {
		if b, err := json.Marshal(input); err == nil {
			cp.Input = b
		}
	}
	if sr.Output != nil {
		if b, err := json.Marshal(sr.Output); err == nil {
			cp.Output = b
		}
	}

	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		e.metrics.StoreError("save_checkpoint")
		return asEngineError(err, step.ID)
	}
	e.metrics.CheckpointWrite()
	return nil
}

// prepareResume validates the resume target, rebuilds the scope from
// completed checkpoints, and flips the record back to running. Returns
// the index of the first step to execute and how many steps the prior
// sessions already completed, so progress counters keep accruing across
// the restart instead of restarting at zero.
func (e *Engine) prepareResume(ctx context.Context, wf *schema.Workflow, runID string, scope *expressions.Scope, result *schema.WorkflowResult) (resumePoint, restored int, err error) {
	rec, err := e.store.GetExecution(ctx, runID)
	if err != nil {
		return 0, 0, err
	}
	if err := checkRunTransition(runID, rec.Status, schema.RunStatusRunning); err != nil {
		return 0, 0, err
	}
	if rec.WorkflowID != result.WorkflowID {
		return 0, 0, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s belongs to workflow %q, not %q", runID, rec.WorkflowID, result.WorkflowID)
	}

	resumePoint, err = e.store.GetResumePoint(ctx, runID)
	if err != nil {
		return 0, 0, err
	}

	cps, err := e.store.GetCheckpoints(ctx, runID)
	if err != nil {
		return 0, 0, err
	}
	byIndex := make(map[int]*store.StepCheckpoint, len(cps))
	for _, cp := range cps {
		byIndex[cp.StepIndex] = cp
	}

	// Replay completed checkpoints below the resume point into the
	// scope so later steps can still reference their outputs. Their
	// StepResults are not re-reported; this run only reports steps it
	// actually executes.
	for i := 0; i < resumePoint && i < len(wf.Steps); i++ {
		cp, ok := byIndex[i]
		if !ok || cp.Status != schema.StepStatusCompleted {
			continue
		}
		var output any
		if len(cp.Output) > 0 {
			if err := json.Unmarshal(cp.Output, &output); err != nil {
				return 0, 0, schema.NewErrorf(schema.ErrCodePersistence,
					"checkpoint output for run %s step %d is corrupt", runID, i).WithCause(err)
			}
		}
		restored++
		step := wf.Steps[i]
		scope.AddStep(step.ID, output, string(schema.StepStatusCompleted))
		if step.OutputVar != "" {
			scope.SetVar(step.OutputVar, output)
		}
	}

	running := schema.RunStatusRunning
	if err := e.store.UpdateExecution(ctx, runID, store.ExecutionUpdate{Status: &running}); err != nil {
		return 0, 0, err
	}
	return resumePoint, restored, nil
}

// compensate invokes the rollback hook. Compensation failure is logged
// and does not mask the original run failure.
func (e *Engine) compensate(ctx context.Context, wf *schema.Workflow, result *schema.WorkflowResult) {
	if e.compensator == nil {
		return
	}
	if err := e.compensator.Compensate(ctx, wf, result); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "rollback compensation failed",
			slog.String("error", err.Error()))
	}
}

// finalize persists the terminal record, publishes run_finished, and
// records run metrics.
func (e *Engine) finalize(ctx context.Context, scope *expressions.Scope, result *schema.WorkflowResult, restored int) {
	result.FinalOutput = scope.Snapshot()
	result.CompletedAt = time.Now().UTC()

	update := store.ExecutionUpdate{
		Status:      &result.Status,
		CompletedAt: &result.CompletedAt,
	}
	if result.Error != "" {
		update.Error = &result.Error
	}
	if b, err := json.Marshal(result.FinalOutput); err == nil {
		update.Outputs = b
	}
	completed := restored + completedCount(result.StepResults)
	update.CompletedSteps = &completed

	if err := e.store.UpdateExecution(ctx, result.RunID, update); err != nil {
		e.metrics.StoreError("finalize_execution")
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "failed to persist final run state",
			slog.String("error", err.Error()))
		if result.Error == "" {
			result.Error = err.Error()
		}
	}

	e.emit(ctx, result.RunID, "", -1, schema.EventRunFinished, map[string]any{
		"status":       string(result.Status),
		"had_failures": result.HadFailures,
		"failovers":    result.Failovers,
	})
	e.metrics.RunFinished(string(result.Status), result.Duration())

	logging.LogWith(ctx, e.logger).InfoContext(ctx, "run finished",
		slog.String("status", string(result.Status)),
		slog.Int("steps", len(result.StepResults)),
		slog.Bool("had_failures", result.HadFailures),
		slog.Duration("duration", result.Duration()))
}

// flushFailoverEvents appends any failover events recorded since the
// last flush to the run event log and hub.
func (e *Engine) flushFailoverEvents(ctx context.Context, runID string, fc *failoverController) {
	events := fc.failovers()
	for i := fc.flushed; i < len(events); i++ {
		ev := events[i]
		e.emit(ctx, runID, "", ev.StepIndex, schema.EventFailover, map[string]any{
			"from":   ev.From,
			"to":     ev.To,
			"reason": ev.Reason,
			"error":  ev.Error,
		})
	}
	fc.flushed = len(events)
}

// emit publishes an event to the streaming hub and appends it to the
// persistent run event log. Both paths are best-effort: a lost
// notification must not fail the run.
func (e *Engine) emit(ctx context.Context, runID, stepID string, stepIndex int, eventType string, payload map[string]any) {
	if e.hub != nil {
		_ = e.hub.Publish(ctx, streaming.Event{
			RunID:     runID,
			StepID:    stepID,
			StepIndex: stepIndex,
			Type:      eventType,
			Payload:   payload,
		})
	}
	if err := e.store.AppendEvent(ctx, &schema.RunEvent{
		RunID:     runID,
		Type:      eventType,
		StepIndex: stepIndex,
		Payload:   payload,
	}); err != nil {
		e.metrics.StoreError("append_event")
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "failed to append run event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

// Cancel requests cooperative cancellation of an in-flight run. The
// current step finishes; the run stops at the next step boundary.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	handle, ok := e.running[runID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s is not executing", runID)
	}
	handle.cancelled.Store(true)
	e.logger.Info("run cancellation requested", slog.String("run_id", runID))
	return nil
}

// Status returns the persisted execution record for a run.
func (e *Engine) Status(ctx context.Context, runID string) (*store.ExecutionRecord, error) {
	return e.store.GetExecution(ctx, runID)
}

// ListRuns lists persisted execution records matching the filter.
func (e *Engine) ListRuns(ctx context.Context, filter store.ExecutionFilter) ([]*store.ExecutionRecord, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Events returns the persistent event log for a run, starting after the
// given sequence number.
func (e *Engine) Events(ctx context.Context, runID string, since int64) ([]*schema.RunEvent, error) {
	return e.store.ListEvents(ctx, runID, since)
}

// Breakers exposes the engine's circuit breaker registry for operational
// surfaces.
func (e *Engine) Breakers() *CircuitBreakerRegistry { return e.breakers }

// Health exposes the engine's backend health tracker.
func (e *Engine) Health() *HealthTracker { return e.health }

// BackendNames returns the sorted names of registered backends.
func (e *Engine) BackendNames() []string { return e.backends.Names() }

// asEngineError normalizes any error into a *schema.Error tagged with
// the step that produced it.
func asEngineError(err error, stepID string) *schema.Error {
	if aerr, ok := err.(*schema.Error); ok {
		if aerr.StepID == "" {
			return aerr.WithStep(stepID)
		}
		return aerr
	}
	return schema.NewError(schema.ErrCodeStepExecution, err.Error()).WithStep(stepID).WithCause(err)
}

func completedCount(results []schema.StepResult) int {
	n := 0
	for _, r := range results {
		if r.Status == schema.StepStatusCompleted {
			n++
		}
	}
	return n
}

func workflowID(wf *schema.Workflow) string {
	if wf == nil {
		return ""
	}
	return wf.ID
}

func workflowMeta(wf *schema.Workflow) map[string]any {
	meta := map[string]any{
		"id":   wf.ID,
		"name": wf.Name,
	}
	for k, v := range wf.Metadata {
		meta[k] = v
	}
	return meta
}

func runMeta(runID, backend string) map[string]any {
	return map[string]any{
		"id":      runID,
		"backend": backend,
	}
}

// newRunID builds a sortable, globally unique run identifier.
func newRunID() string {
	ts := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("run-%s-%s", ts, uuid.NewString()[:8])
}
