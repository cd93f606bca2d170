package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/maretto/aegis/internal/agent"
	"github.com/maretto/aegis/internal/logging"
	"github.com/maretto/aegis/internal/metrics"
	"github.com/maretto/aegis/pkg/schema"
)

// failoverController owns one run's backend selection state: the active
// backend, the per-run failover budget, and the event history. It is
// created per run and touched only by that run's goroutine; the breaker
// registry, health tracker, and backend registry it consults are the
// engine-instance-wide shared structures.
type failoverController struct {
	primary   string
	active    string
	fallbacks []string
	policy    schema.FailoverPolicy
	retry     schema.RetryPolicy
	breakers  *CircuitBreakerRegistry
	health    *HealthTracker
	backends  *agent.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
	sleep     SleepFunc

	failoverCount   int
	primaryFailedAt time.Time
	events          []schema.FailoverEvent

	// flushed tracks how many events the engine has already written to
	// the run event log.
	flushed int

	// onRetry, when set, is invoked before each backoff so the engine
	// can surface the retry on the run event log.
	onRetry func(ctx context.Context, stepID string, stepIndex, attempt int, backend string)
}

// SleepFunc waits out a backoff delay, returning early on context
// cancellation. Injectable so tests run without real sleeps.
type SleepFunc func(ctx context.Context, d time.Duration) error

func newFailoverController(
	primary string,
	policy schema.FailoverPolicy,
	retry schema.RetryPolicy,
	breakers *CircuitBreakerRegistry,
	health *HealthTracker,
	backends *agent.Registry,
	m *metrics.Metrics,
	logger *slog.Logger,
	sleep SleepFunc,
) *failoverController {
	if sleep == nil {
		sleep = WaitForBackoff
	}
	return &failoverController{
		primary:   primary,
		active:    primary,
		fallbacks: policy.Fallbacks,
		policy:    policy,
		retry:     retry.Normalize(),
		breakers:  breakers,
		health:    health,
		backends:  backends,
		metrics:   m,
		logger:    logger,
		sleep:     sleep,
	}
}

// candidates returns the ordered backend candidates: the primary first
// unless excluded or inside its cool-down window, then the configured
// fallbacks in declared order minus exclusions. No duplicates.
func (f *failoverController) candidates(exclude map[string]bool) []string {
	var out []string
	seen := make(map[string]bool)

	primaryCooling := !f.primaryFailedAt.IsZero() &&
		time.Since(f.primaryFailedAt) < f.policy.RetryPrimaryAfter
	if !exclude[f.primary] && !primaryCooling {
		out = append(out, f.primary)
		seen[f.primary] = true
	}
	for _, name := range f.fallbacks {
		if exclude[name] || seen[name] {
			continue
		}
		out = append(out, name)
		seen[name] = true
	}
	return out
}

// selectHealthy walks the candidates in order, skipping any the circuit
// breaker forbids, health-checking the rest, and returns the first that
// passes.
func (f *failoverController) selectHealthy(ctx context.Context, exclude map[string]bool) (string, bool) {
	for _, name := range f.candidates(exclude) {
		if err := f.breakers.CanExecute(name); err != nil {
			f.logger.DebugContext(ctx, "failover candidate rejected by circuit breaker",
				slog.String("candidate", name))
			continue
		}
		a, err := f.backends.Get(name)
		if err != nil {
			continue
		}
		if err := f.health.Check(ctx, a, f.policy.HealthCheckTimeout); err != nil {
			f.logger.WarnContext(ctx, "failover candidate failed health check",
				slog.String("candidate", name),
				slog.String("error", err.Error()))
			continue
		}
		return name, true
	}
	return "", false
}

// failover switches the run to the next viable backend. Returns false
// once the per-run budget is exhausted or no healthy candidate remains.
func (f *failoverController) failover(ctx context.Context, reason string, stepIndex int, cause error) (string, bool) {
	if f.failoverCount >= f.policy.MaxFailovers {
		f.logger.WarnContext(ctx, "failover budget exhausted",
			slog.Int("max_failovers", f.policy.MaxFailovers))
		return "", false
	}

	from := f.active
	next, ok := f.selectHealthy(ctx, map[string]bool{from: true})
	if !ok {
		f.logger.WarnContext(ctx, "no healthy failover candidate",
			slog.String("from", from))
		return "", false
	}

	if from == f.primary {
		f.primaryFailedAt = time.Now()
	}
	f.failoverCount++
	event := schema.FailoverEvent{
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        next,
		Reason:    reason,
		StepIndex: stepIndex,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	f.events = append(f.events, event)
	f.active = next

	f.logger.InfoContext(ctx, "failing over to fallback backend",
		slog.String("from", from),
		slog.String("to", next),
		slog.String("reason", reason),
		slog.Int("step_index", stepIndex),
		slog.Int("failover_count", f.failoverCount))
	f.metrics.Failover(from, next)

	return next, true
}

// stepAttempt is the outcome of executeStep: the normalized output, the
// backend that succeeded, every backend tried, and the total retries.
type stepAttempt struct {
	output        any
	succeeded     string
	backendsTried []string
	retryCount    int
}

// localAttempts returns how many attempts a step gets against one
// backend: min(step.MaxRetries, policy.MaxRetries), at least one.
func (f *failoverController) localAttempts(step *schema.Step) int {
	n := f.retry.MaxRetries
	if step.MaxRetries > 0 && step.MaxRetries < n {
		n = step.MaxRetries
	}
	if n < 1 {
		n = 1
	}
	return n
}

// executeStep is the per-step control loop: local retries with backoff
// against the active backend, then failover and repeat until the step
// succeeds, the failover budget runs out, or the error is not worth
// retrying. Local retries are scoped per backend per step; the failover
// budget is scoped per run.
func (f *failoverController) executeStep(ctx context.Context, step *schema.Step, req agent.StepRequest) (*stepAttempt, error) {
	attempt := &stepAttempt{}
	maxAttempts := f.localAttempts(step)

	for {
		backend := f.active
		attempt.backendsTried = appendUnique(attempt.backendsTried, backend)
		bctx := logging.WithBackend(ctx, backend)

		lastErr := f.runAttempts(bctx, backend, step, req, maxAttempts, attempt)
		if lastErr == nil {
			attempt.succeeded = backend
			return attempt, nil
		}

		// Cancellation and other non-retryable errors gain nothing from
		// another backend.
		if !IsRetryableError(lastErr) {
			return attempt, lastErr
		}

		if !f.policy.Enabled {
			return attempt, lastErr
		}
		if _, ok := f.failover(bctx, "step_execution_failed", req.StepIndex, lastErr); !ok {
			return attempt, schema.NewErrorf(schema.ErrCodeFailoverExhausted,
				"step %s failed on all viable backends (tried %d): %s",
				step.ID, len(attempt.backendsTried), lastErr.Error()).
				WithStep(step.ID).
				WithCause(lastErr)
		}
	}
}

// runAttempts executes up to maxAttempts calls against one backend,
// sleeping the jittered backoff between attempts. Returns nil on the
// first success.
func (f *failoverController) runAttempts(ctx context.Context, backend string, step *schema.Step, req agent.StepRequest, maxAttempts int, attempt *stepAttempt) error {
	a, err := f.backends.Get(backend)
	if err != nil {
		return err
	}

	var lastErr error
	for local := 1; local <= maxAttempts; local++ {
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}
		if err := f.breakers.CanExecute(backend); err != nil {
			// The breaker tripped; local retries against this backend
			// are pointless until it recovers.
			return err
		}

		out, execErr := a.ExecuteStep(ctx, req)
		output, execErr := agent.NormalizeResult(out, execErr)
		if execErr == nil {
			f.breakers.RecordSuccess(backend)
			attempt.output = output
			return nil
		}

		f.breakers.RecordFailure(backend)
		lastErr = execErr
		f.logger.WarnContext(ctx, "step attempt failed",
			slog.Int("attempt", local),
			slog.Int("max_attempts", maxAttempts),
			slog.String("error", execErr.Error()))

		if !IsRetryableError(execErr) {
			return execErr
		}
		if local == maxAttempts {
			break
		}

		attempt.retryCount++
		f.metrics.Retry(backend)
		if f.onRetry != nil {
			f.onRetry(ctx, step.ID, req.StepIndex, local, backend)
		}
		delay := JitteredBackoff(f.retry, local, nil)
		if err := f.sleep(ctx, delay); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run cancelled during backoff").WithCause(err)
		}
	}
	return lastErr
}

// failovers returns a copy of the run's failover history.
func (f *failoverController) failovers() []schema.FailoverEvent {
	out := make([]schema.FailoverEvent, len(f.events))
	copy(out, f.events)
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
