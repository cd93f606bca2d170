package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeStepExecution      = "STEP_EXECUTION_ERROR"
	ErrCodeEngineConfig       = "ENGINE_CONFIGURATION_ERROR"
	ErrCodePersistence        = "PERSISTENCE_ERROR"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeFailoverExhausted  = "FAILOVER_EXHAUSTED"
	ErrCodeInterpolation      = "INTERPOLATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// Error is the structured error type for all aegis operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the retry path may attempt this error again.
// Validation, configuration, cancellation, and persistence failures are
// terminal; execution-shaped failures are worth another attempt.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeEngineConfig, ErrCodeCancelled,
		ErrCodePersistence, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeInterpolation:
		return false
	default:
		return true
	}
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}
