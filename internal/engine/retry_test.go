package engine

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/maretto/aegis/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableError_ContextCanceled(t *testing.T) {
	assert.False(t, IsRetryableError(context.Canceled))
}

func TestIsRetryableError_ContextDeadlineExceeded(t *testing.T) {
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
}

func TestIsRetryableError_TypedError_Retryable(t *testing.T) {
	retryableCodes := []string{
		schema.ErrCodeStepExecution,
		schema.ErrCodeTimeout,
		schema.ErrCodeBackendUnavailable,
		schema.ErrCodeCircuitOpen,
		schema.ErrCodeInternal,
	}

	for _, code := range retryableCodes {
		err := schema.NewError(code, "test")
		assert.True(t, IsRetryableError(err), "expected %s to be retryable", code)
	}
}

func TestIsRetryableError_TypedError_NonRetryable(t *testing.T) {
	nonRetryableCodes := []string{
		schema.ErrCodeValidation,
		schema.ErrCodeEngineConfig,
		schema.ErrCodeCancelled,
		schema.ErrCodePersistence,
		schema.ErrCodeNotFound,
		schema.ErrCodeConflict,
		schema.ErrCodeInterpolation,
	}

	for _, code := range nonRetryableCodes {
		err := schema.NewError(code, "test")
		assert.False(t, IsRetryableError(err), "expected %s to be non-retryable", code)
	}
}

func TestIsRetryableError_PlainError_DefaultRetryable(t *testing.T) {
	// Generic errors default to retryable.
	err := errors.New("something went wrong")
	assert.True(t, IsRetryableError(err))
}

func TestIsRetryableError_NetworkPatterns(t *testing.T) {
	patterns := []string{
		"connection refused",
		"connection reset by peer",
		"broken pipe",
		"unexpected EOF",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"rate limit exceeded",
	}

	for _, p := range patterns {
		err := errors.New(p)
		assert.True(t, IsRetryableError(err), "expected %q to be retryable", p)
	}
}

func TestComputeBackoff_Exponential(t *testing.T) {
	policy := schema.RetryPolicy{
		MaxRetries:      5,
		BaseDelay:       10 * time.Millisecond,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
	}

	// attempt 1 = base, then doubling.
	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 20*time.Millisecond, ComputeBackoff(policy, 2))
	assert.Equal(t, 40*time.Millisecond, ComputeBackoff(policy, 3))
	assert.Equal(t, 80*time.Millisecond, ComputeBackoff(policy, 4))
}

func TestComputeBackoff_AttemptBelowOne(t *testing.T) {
	policy := schema.RetryPolicy{
		MaxRetries:      3,
		BaseDelay:       10 * time.Millisecond,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
	}

	// Attempts below 1 are clamped to the first attempt.
	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(policy, 0))
	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(policy, -3))
}

func TestComputeBackoff_MaxDelayCap(t *testing.T) {
	policy := schema.RetryPolicy{
		MaxRetries:      10,
		BaseDelay:       10 * time.Millisecond,
		MaxDelay:        50 * time.Millisecond,
		ExponentialBase: 2.0,
	}

	// Without cap: 10, 20, 40, 80, 160...
	// With max_delay=50ms: 10, 20, 40, 50, 50...
	assert.Equal(t, 10*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 20*time.Millisecond, ComputeBackoff(policy, 2))
	assert.Equal(t, 40*time.Millisecond, ComputeBackoff(policy, 3))
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(policy, 4)) // capped
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(policy, 5)) // capped
}

func TestComputeBackoff_HugeAttemptStaysCapped(t *testing.T) {
	policy := schema.RetryPolicy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}

	// Large exponents must not overflow past the cap.
	assert.Equal(t, 30*time.Second, ComputeBackoff(policy, 500))
}

func TestComputeBackoff_ZeroPolicyUsesDefaults(t *testing.T) {
	d := ComputeBackoff(schema.RetryPolicy{}, 1)
	assert.Equal(t, time.Second, d)
}

func TestJitteredBackoff_ZeroJitterIsExact(t *testing.T) {
	policy := schema.RetryPolicy{
		MaxRetries:      3,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
		Jitter:          0,
	}

	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, 100*time.Millisecond, JitteredBackoff(policy, 1, rng))
}

func TestJitteredBackoff_StaysWithinBand(t *testing.T) {
	policy := schema.RetryPolicy{
		MaxRetries:      3,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
		Jitter:          0.25,
	}

	rng := rand.New(rand.NewSource(42))
	base := ComputeBackoff(policy, 2)
	lo := time.Duration(float64(base) * 0.75)
	hi := time.Duration(float64(base) * 1.25)

	for i := 0; i < 200; i++ {
		d := JitteredBackoff(policy, 2, rng)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestJitteredBackoff_JitterClampedBelowOne(t *testing.T) {
	policy := schema.RetryPolicy{
		MaxRetries:      3,
		BaseDelay:       10 * time.Millisecond,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
		Jitter:          5.0, // invalid, normalized into [0, 1)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		assert.GreaterOrEqual(t, JitteredBackoff(policy, 1, rng), time.Duration(0))
	}
}

func TestWaitForBackoff_ZeroDelay(t *testing.T) {
	err := WaitForBackoff(context.Background(), 0)
	assert.NoError(t, err)
}

func TestWaitForBackoff_NegativeDelay(t *testing.T) {
	err := WaitForBackoff(context.Background(), -1)
	assert.NoError(t, err)
}

func TestWaitForBackoff_Waits(t *testing.T) {
	start := time.Now()
	err := WaitForBackoff(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond) // allow some tolerance
}

func TestWaitForBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := WaitForBackoff(ctx, 5*time.Second)
	elapsed := time.Since(start)

	assert.Error(t, err)
	assert.Less(t, elapsed, time.Second) // should exit quickly, not wait 5s
}
