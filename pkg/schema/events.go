package schema

import "time"

// Event type constants for the run event log.
const (
	EventRunStarted  = "run_started"
	EventRunResumed  = "run_resumed"
	EventRunFinished = "run_finished"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventFailover = "failover"
)

// RunEvent is one entry in a run's append-only event log. Sequence is
// monotonic per run and assigned by the store on append.
type RunEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Sequence  int64          `json:"sequence"`
	Type      string         `json:"type"`
	StepIndex int            `json:"step_index,omitempty"` // -1 for run-level events
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
