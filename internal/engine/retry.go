package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/maretto/aegis/pkg/schema"
)

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: validation errors, cancellation, typed Errors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context deadline exceeded is retryable (call timeout, not run-level).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable — the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Error checks its own code.
	var aegisErr *schema.Error
	if errors.As(err, &aegisErr) {
		return aegisErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
		"rate limit",
		"overloaded",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (conservative — the retry policy limits attempts).
	return true
}

// ComputeBackoff calculates the jitter-free delay before retry attempt n,
// for attempt >= 1: min(MaxDelay, BaseDelay * ExponentialBase^(attempt-1)).
func ComputeBackoff(policy schema.RetryPolicy, attempt int) time.Duration {
	policy = policy.Normalize()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(policy.BaseDelay) * math.Pow(policy.ExponentialBase, float64(attempt-1))
	if d > float64(policy.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return policy.MaxDelay
	}
	return time.Duration(d)
}

// JitteredBackoff perturbs the computed delay by a symmetric jitter drawn
// from ±U(0, delay*Jitter). Jitter is normalized into [0, 1), so the
// result can never go negative. Deterministic given rng; a nil rng uses
// the shared source.
func JitteredBackoff(policy schema.RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	policy = policy.Normalize()
	delay := ComputeBackoff(policy, attempt)
	if policy.Jitter == 0 || delay == 0 {
		return delay
	}

	f := rand.Float64
	if rng != nil {
		f = rng.Float64
	}
	offset := (f()*2 - 1) * policy.Jitter * float64(delay)
	return delay + time.Duration(offset)
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
