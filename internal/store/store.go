package store

import (
	"context"

	"github.com/maretto/aegis/pkg/schema"
)

// Store defines the persistence contract for run state and checkpoints.
// All implementations must be safe for concurrent use. Every failure is
// returned to the caller; a silently lost checkpoint would corrupt
// resume correctness.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, runID string) (*ExecutionRecord, error)
	UpdateExecution(ctx context.Context, runID string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)

	// Checkpoints (upsert by (run_id, step_index); latest write wins)
	SaveCheckpoint(ctx context.Context, cp *StepCheckpoint) error
	GetCheckpoints(ctx context.Context, runID string) ([]*StepCheckpoint, error)

	// GetResumePoint returns 1 + the highest step index checkpointed
	// COMPLETED for the run, or 0 if none exist. Pure query; resume
	// policy lives in the engine.
	GetResumePoint(ctx context.Context, runID string) (int, error)

	// Run event log (append-only, per-run monotonic sequence)
	AppendEvent(ctx context.Context, event *schema.RunEvent) error
	ListEvents(ctx context.Context, runID string, since int64) ([]*schema.RunEvent, error)

	// Maintenance
	CleanupOldRecords(ctx context.Context, olderThanDays int) (*CleanupResult, error)
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
