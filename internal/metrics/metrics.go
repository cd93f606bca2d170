// Package metrics collects engine counters and histograms for Prometheus
// exposition. A nil *Metrics disables instrumentation everywhere.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	runsTotal          *prometheus.CounterVec
	stepsTotal         *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec
	failoversTotal     *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	checkpointWrites   prometheus.Counter
	storeErrors        *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	runDuration        prometheus.Histogram
}

// New registers all instruments on reg and returns the collection.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "runs_total",
			Help:      "Finished runs by final status.",
		}, []string{"status"}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "steps_total",
			Help:      "Finished steps by terminal status.",
		}, []string{"status"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "retries_total",
			Help:      "Local retry attempts by backend.",
		}, []string{"backend"}),
		failoversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "failovers_total",
			Help:      "Backend failovers by source and destination.",
		}, []string{"from", "to"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by backend and new state.",
		}, []string{"backend", "to"}),
		checkpointWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "checkpoint_writes_total",
			Help:      "Step checkpoints persisted.",
		}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "store_errors_total",
			Help:      "State store failures by operation.",
		}, []string{"op"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "step_duration_seconds",
			Help:      "Step wall time including retries and failover.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "run_duration_seconds",
			Help:      "Run wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// RunFinished records a finished run and its duration.
func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
}

// StepFinished records a terminal step and its duration on a backend.
func (m *Metrics) StepFinished(status, backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(status).Inc()
	if backend != "" {
		m.stepDuration.WithLabelValues(backend).Observe(d.Seconds())
	}
}

// Retry records one local retry attempt against a backend.
func (m *Metrics) Retry(backend string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(backend).Inc()
}

// Failover records a backend switch.
func (m *Metrics) Failover(from, to string) {
	if m == nil {
		return
	}
	m.failoversTotal.WithLabelValues(from, to).Inc()
}

// BreakerTransition records a circuit breaker entering a new state.
func (m *Metrics) BreakerTransition(backend, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(backend, to).Inc()
}

// CheckpointWrite records one persisted checkpoint.
func (m *Metrics) CheckpointWrite() {
	if m == nil {
		return
	}
	m.checkpointWrites.Inc()
}

// StoreError records a state store failure for the given operation.
func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}
