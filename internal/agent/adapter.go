// Package agent defines the capability interface the engine calls to
// execute steps against pluggable backends, plus the name-keyed registry
// and the reference adapters that ship with the engine. Vendor API
// adapters live outside this repository; they only need to satisfy
// Adapter.
package agent

import (
	"context"

	"github.com/maretto/aegis/pkg/schema"
)

// Backend kind constants.
const (
	KindCLI     = "cli"
	KindHTTP    = "http"
	KindMock    = "mock"
	KindService = "service"
)

var validKinds = map[string]bool{
	KindCLI:     true,
	KindHTTP:    true,
	KindMock:    true,
	KindService: true,
}

// ValidateKind checks that kind is one of the valid backend kinds.
func ValidateKind(kind string) error {
	if !validKinds[kind] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid backend kind %q: must be one of cli, http, mock, service", kind)
	}
	return nil
}

// Adapter is the capability interface one backend implements. The engine
// is the only caller; adapters never reach back into engine state.
type Adapter interface {
	// Name is the unique backend name used in failover configuration,
	// circuit breaker keys, and step results.
	Name() string

	// Kind classifies the backend (cli, http, mock, service).
	Kind() string

	// Capabilities lists what the backend supports, matched against a
	// workflow's compatibility declaration during pre-execution
	// validation.
	Capabilities() []string

	// Initialize prepares the backend for use. It must be idempotent:
	// the failover controller calls it as the health probe, and an
	// unhealthy backend signals so by returning an error.
	Initialize(ctx context.Context) error

	// ExecuteStep runs one resolved step. A nil error with
	// StepOutput.Failed set is normalized into an error by the engine,
	// so adapters may report failure either way.
	ExecuteStep(ctx context.Context, req StepRequest) (*StepOutput, error)

	// Cleanup releases backend resources.
	Cleanup(ctx context.Context) error
}

// StepRequest carries everything an adapter needs to run one step.
// Variables is a read-only snapshot; adapters must not mutate it.
type StepRequest struct {
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id"`
	StepIndex int            `json:"step_index"`
	Action    string         `json:"action"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// StepOutput is the single result shape adapters return.
type StepOutput struct {
	Output any    `json:"output,omitempty"`
	Failed bool   `json:"failed,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NormalizeResult collapses the adapter's result-or-error return into one
// error path: a StepOutput reporting failure becomes a
// STEP_EXECUTION_ERROR so the retry loop sees a single error type.
func NormalizeResult(out *StepOutput, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	if out.Failed {
		msg := out.Error
		if msg == "" {
			msg = "backend reported step failure"
		}
		return nil, schema.NewError(schema.ErrCodeStepExecution, msg)
	}
	return out.Output, nil
}
