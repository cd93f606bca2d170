package engine

import (
	"context"
	"sync"
	"time"

	"github.com/maretto/aegis/internal/agent"
)

// BackendHealth is the tracked health state of one backend.
type BackendHealth struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastChecked         time.Time `json:"last_checked"`
	LastError           string    `json:"last_error,omitempty"`
}

// HealthTracker records health-probe outcomes per backend. It is shared
// at the engine-instance level across concurrent runs, like the circuit
// breaker registry, so one run's probe results inform the others.
type HealthTracker struct {
	mu      sync.Mutex
	entries map[string]*BackendHealth
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		entries: make(map[string]*BackendHealth),
	}
}

// Check probes a backend by calling Initialize under the given timeout.
// A success resets the consecutive-failure count; a failure or timeout
// increments it. Returns nil when the backend is healthy.
func (h *HealthTracker) Check(ctx context.Context, a agent.Adapter, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := a.Initialize(probeCtx)

	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entries[a.Name()]
	if !ok {
		e = &BackendHealth{}
		h.entries[a.Name()] = e
	}
	e.LastChecked = time.Now().UTC()
	if err != nil {
		e.Healthy = false
		e.ConsecutiveFailures++
		e.LastError = err.Error()
		return err
	}
	e.Healthy = true
	e.ConsecutiveFailures = 0
	e.LastError = ""
	return nil
}

// Status returns a copy of the tracked health for a backend, or a zero
// value if it has never been probed.
func (h *HealthTracker) Status(backend string) BackendHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[backend]; ok {
		return *e
	}
	return BackendHealth{}
}

// All returns a snapshot of every tracked backend.
func (h *HealthTracker) All() map[string]BackendHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]BackendHealth, len(h.entries))
	for name, e := range h.entries {
		out[name] = *e
	}
	return out
}
