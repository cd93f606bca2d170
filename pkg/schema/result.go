package schema

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusPaused    RunStatus = "paused"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepResult is the immutable outcome of one step of a run.
type StepResult struct {
	StepID           string     `json:"step_id"`
	StepIndex        int        `json:"step_index"`
	StepName         string     `json:"step_name,omitempty"`
	Status           StepStatus `json:"status"`
	Output           any        `json:"output,omitempty"`
	Error            string     `json:"error,omitempty"`
	RetryCount       int        `json:"retry_count"`
	BackendsTried    []string   `json:"backends_tried,omitempty"`
	SucceededBackend string     `json:"succeeded_backend,omitempty"`
	SkipReason       string     `json:"skip_reason,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      time.Time  `json:"completed_at"`
}

// Duration is the wall time the step consumed, including retries and
// failover on that step.
func (r *StepResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// WorkflowResult is the final outcome of a run, returned to callers.
type WorkflowResult struct {
	RunID       string         `json:"run_id"`
	WorkflowID  string         `json:"workflow_id"`
	BackendName string         `json:"backend_name"`
	Status      RunStatus      `json:"status"`
	StepResults []StepResult   `json:"step_results"`
	FinalOutput map[string]any `json:"final_output"`
	Error       string         `json:"error,omitempty"`
	// HadFailures distinguishes a continue-policy run that finished
	// COMPLETED while carrying failed steps.
	HadFailures bool      `json:"had_failures,omitempty"`
	Failovers   int       `json:"failovers,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Success reports whether the run finished completed.
func (r *WorkflowResult) Success() bool {
	return r.Status == RunStatusCompleted
}

// Duration is the wall time of the whole run.
func (r *WorkflowResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// FailoverEvent records one backend switch during a run.
type FailoverEvent struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	StepIndex int       `json:"step_index"`
	Error     string    `json:"error,omitempty"`
}
