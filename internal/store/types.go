package store

import (
	"encoding/json"
	"time"

	"github.com/maretto/aegis/pkg/schema"
)

// ExecutionRecord is the persisted state of one run. Exactly one record
// exists per run ID; identity fields (RunID, WorkflowID, StartedAt,
// CreatedAt) are written once and never modified afterwards.
type ExecutionRecord struct {
	RunID          string           `json:"run_id"`
	WorkflowID     string           `json:"workflow_id"`
	Status         schema.RunStatus `json:"status"`
	CurrentStep    int              `json:"current_step"`
	TotalSteps     int              `json:"total_steps"`
	CompletedSteps int              `json:"completed_steps"`
	Backend        string           `json:"backend,omitempty"`
	Outputs        json.RawMessage  `json:"outputs,omitempty"`
	Error          string           `json:"error,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// StepCheckpoint is the persisted outcome of one step's attempt sequence.
// Unique per (run_id, step_index); a re-checkpoint across retries
// overwrites the previous write, never duplicates.
type StepCheckpoint struct {
	ID         int64             `json:"id"`
	RunID      string            `json:"run_id"`
	StepIndex  int               `json:"step_index"`
	StepName   string            `json:"step_name,omitempty"`
	Status     schema.StepStatus `json:"status"`
	Input      json.RawMessage   `json:"input,omitempty"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	RetryCount int               `json:"retry_count"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ExecutionUpdate specifies the mutable fields of an execution record.
// Nil pointers leave the corresponding column untouched.
type ExecutionUpdate struct {
	Status         *schema.RunStatus `json:"status,omitempty"`
	CurrentStep    *int              `json:"current_step,omitempty"`
	CompletedSteps *int              `json:"completed_steps,omitempty"`
	Backend        *string           `json:"backend,omitempty"`
	Outputs        json.RawMessage   `json:"outputs,omitempty"`
	Error          *string           `json:"error,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// ExecutionFilter specifies criteria for listing execution records.
type ExecutionFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// CleanupResult reports what a retention sweep removed.
type CleanupResult struct {
	Executions  int64 `json:"executions"`
	Checkpoints int64 `json:"checkpoints"`
	Events      int64 `json:"events"`
}
