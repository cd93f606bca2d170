package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/maretto/aegis/internal/metrics"
	"github.com/maretto/aegis/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// circuitBreaker tracks failure state for a single backend.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAllowed     int // probe slots consumed since entering half-open
	halfOpenSuccesses   int // successful probes since entering half-open
	config              schema.CircuitBreakerConfig
}

// CircuitBreakerRegistry manages per-backend circuit breakers. It is an
// explicit, injected dependency of the engine: separate engine instances
// get separate registries and never cross-contaminate breaker state. All
// access is mutex-guarded; the registry is shared by every run of one
// engine instance.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   schema.CircuitBreakerConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
// logger and m may be nil.
func NewCircuitBreakerRegistry(config schema.CircuitBreakerConfig, logger *slog.Logger, m *metrics.Metrics) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 || config.RecoveryTimeout <= 0 || config.HalfOpenMaxCalls <= 0 {
		d := schema.DefaultCircuitBreakerConfig()
		if config.FailureThreshold <= 0 {
			config.FailureThreshold = d.FailureThreshold
		}
		if config.RecoveryTimeout <= 0 {
			config.RecoveryTimeout = d.RecoveryTimeout
		}
		if config.HalfOpenMaxCalls <= 0 {
			config.HalfOpenMaxCalls = d.HalfOpenMaxCalls
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		logger:   logger,
		metrics:  m,
	}
}

// CanExecute checks whether a call to the given backend is allowed.
// Returns nil if allowed, or a CIRCUIT_OPEN error if not. An allowed call
// in HALF_OPEN consumes one probe slot; the lazy OPEN to HALF_OPEN
// transition happens inside this call once the recovery timeout has
// elapsed, with no background timers.
func (r *CircuitBreakerRegistry) CanExecute(backend string) error {
	cb := r.getOrCreate(backend)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.halfOpenAllowed = 1 // this call consumes the first probe slot
			cb.halfOpenSuccesses = 0
			r.transition(backend, CircuitHalfOpen)
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for backend %q: %d consecutive failures, recovery pending",
			backend, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"backend":              backend,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"recovery_remaining":   (cb.config.RecoveryTimeout - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAllowed >= cb.config.HalfOpenMaxCalls {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for backend %q: max probe calls reached", backend)
		}
		cb.halfOpenAllowed++
		return nil
	}

	return nil
}

// RecordSuccess records a successful call to the backend. In HALF_OPEN
// the breaker closes once HalfOpenMaxCalls probes have succeeded; in
// CLOSED the failure count resets to zero (a success fully erases prior
// failures, no decay). A success observed while OPEN is ignored.
func (r *CircuitBreakerRegistry) RecordSuccess(backend string) {
	cb := r.getOrCreate(backend)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenMaxCalls {
			cb.state = CircuitClosed
			cb.consecutiveFailures = 0
			cb.halfOpenAllowed = 0
			cb.halfOpenSuccesses = 0
			r.transition(backend, CircuitClosed)
		}
	case CircuitClosed:
		cb.consecutiveFailures = 0
	}
}

// RecordFailure records a failed call to the backend and returns the new
// state. A single failure in HALF_OPEN reopens immediately; in CLOSED the
// breaker opens once the failure threshold is reached.
func (r *CircuitBreakerRegistry) RecordFailure(backend string) CircuitState {
	cb := r.getOrCreate(backend)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		r.transition(backend, CircuitOpen)
		return CircuitOpen
	}

	if cb.state == CircuitClosed && cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		r.transition(backend, CircuitOpen)
		return CircuitOpen
	}

	return cb.state
}

// State returns the current state of the breaker for a backend, applying
// the lazy OPEN to HALF_OPEN transition when the recovery timeout has
// elapsed. Unlike CanExecute, no probe slot is consumed.
func (r *CircuitBreakerRegistry) State(backend string) CircuitState {
	cb := r.getOrCreate(backend)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
		cb.state = CircuitHalfOpen
		cb.halfOpenAllowed = 0
		cb.halfOpenSuccesses = 0
		r.transition(backend, CircuitHalfOpen)
	}

	return cb.state
}

// Reset forces a backend's breaker back to CLOSED with all counters
// cleared. Operator escape hatch, exposed as an MCP tool.
func (r *CircuitBreakerRegistry) Reset(backend string) {
	cb := r.getOrCreate(backend)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prev := cb.state
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.halfOpenAllowed = 0
	cb.halfOpenSuccesses = 0
	if prev != CircuitClosed {
		r.transition(backend, CircuitClosed)
	}
}

// Stats returns diagnostic information about a backend's breaker.
func (r *CircuitBreakerRegistry) Stats(backend string) map[string]any {
	cb := r.getOrCreate(backend)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := map[string]any{
		"backend":              backend,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"recovery_timeout":     cb.config.RecoveryTimeout.String(),
		"half_open_max_calls":  cb.config.HalfOpenMaxCalls,
	}
	if !cb.lastFailureTime.IsZero() {
		stats["last_failure_at"] = cb.lastFailureTime.UTC().Format(time.RFC3339)
	}
	return stats
}

// AllStats returns diagnostics for every backend the registry has seen.
func (r *CircuitBreakerRegistry) AllStats() map[string]map[string]any {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make(map[string]map[string]any, len(names))
	for _, name := range names {
		out[name] = r.Stats(name)
	}
	return out
}

func (r *CircuitBreakerRegistry) transition(backend string, to CircuitState) {
	r.logger.Info("circuit breaker state change",
		slog.String("backend", backend),
		slog.String("state", to.String()))
	r.metrics.BreakerTransition(backend, to.String())
}

func (r *CircuitBreakerRegistry) getOrCreate(backend string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[backend]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[backend] = cb
	}
	return cb
}
