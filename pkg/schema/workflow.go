package schema

import (
	"encoding/json"
	"time"
)

// Workflow is the immutable run definition consumed by the engine.
// It is produced upstream (parser, embedding code, or an MCP caller
// sending the JSON form) and is read-only to the engine.
type Workflow struct {
	ID                 string               `json:"id"`
	Name               string               `json:"name,omitempty"`
	Description        string               `json:"description,omitempty"`
	Steps              []Step               `json:"steps"`
	Inputs             map[string]InputSpec `json:"inputs,omitempty"`
	InputSchema        json.RawMessage      `json:"input_schema,omitempty"`
	CompatibleBackends []string             `json:"compatible_backends,omitempty"` // empty or "*" means any
	FailurePolicy      FailurePolicy        `json:"failure_policy,omitempty"`      // default: continue
	Metadata           map[string]any       `json:"metadata,omitempty"`
}

// Step describes a single step in a workflow.
type Step struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Action     string         `json:"action"`
	Inputs     map[string]any `json:"inputs,omitempty"` // values may contain ${{ ... }} placeholders
	OutputVar  string         `json:"output_var,omitempty"`
	Conditions []Condition    `json:"conditions,omitempty"`
	Tools      []string       `json:"tools,omitempty"` // tool names this step requires of its backend
	MaxRetries int            `json:"max_retries,omitempty"`
}

// Condition is one comparison gating a step. All conditions must hold
// for the step to run. Operands may contain placeholders; they are
// resolved before comparison.
type Condition struct {
	Left     string `json:"left"`
	Operator string `json:"operator"` // "==" or ">="
	Right    string `json:"right"`
}

// Comparison operators permitted in step conditions.
const (
	OpEqual          = "=="
	OpGreaterOrEqual = ">="
)

// FailurePolicy decides the run-level reaction to a step that has
// exhausted its retry and failover budget.
type FailurePolicy string

const (
	FailurePolicyStop     FailurePolicy = "stop"
	FailurePolicyContinue FailurePolicy = "continue"
	FailurePolicyRollback FailurePolicy = "rollback"
)

// InputSpec declares one workflow input.
type InputSpec struct {
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// RetryPolicy configures per-backend local retries and their backoff.
type RetryPolicy struct {
	MaxRetries      int           `json:"max_retries"`
	BaseDelay       time.Duration `json:"base_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	ExponentialBase float64       `json:"exponential_base"`
	Jitter          float64       `json:"jitter"` // fraction in [0, 1)
}

// DefaultRetryPolicy returns the engine-wide retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          0.1,
	}
}

// Normalize clamps the policy into its valid domain. Jitter is held to
// [0, 1) so a perturbed delay can never go negative.
func (p RetryPolicy) Normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.ExponentialBase < 1 {
		p.ExponentialBase = d.ExponentialBase
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter >= 1 {
		p.Jitter = 0.999
	}
	return p
}

// FailoverPolicy configures backend failover for an engine instance.
type FailoverPolicy struct {
	Enabled            bool          `json:"enabled"`
	Fallbacks          []string      `json:"fallbacks,omitempty"` // ordered fallback backend names
	MaxFailovers       int           `json:"max_failovers"`       // per run
	HealthCheckTimeout time.Duration `json:"health_check_timeout"`
	RetryPrimaryAfter  time.Duration `json:"retry_primary_after"`
}

// DefaultFailoverPolicy returns the engine-wide failover defaults.
func DefaultFailoverPolicy() FailoverPolicy {
	return FailoverPolicy{
		Enabled:            true,
		MaxFailovers:       3,
		HealthCheckTimeout: 10 * time.Second,
		RetryPrimaryAfter:  5 * time.Minute,
	}
}

// CircuitBreakerConfig configures the per-backend breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
}

// DefaultCircuitBreakerConfig returns the breaker defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}
