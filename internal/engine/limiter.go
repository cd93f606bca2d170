package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrLimiterClosed is returned when a run slot is requested from a
// closed limiter.
var ErrLimiterClosed = errors.New("run limiter is closed")

// ErrLimiterBusy is returned by TryAcquire when every slot is taken.
var ErrLimiterBusy = errors.New("run limiter at capacity")

// LimiterStats tracks run admission metrics.
type LimiterStats struct {
	Active   int64 `json:"active"`
	Admitted int64 `json:"admitted"`
	Rejected int64 `json:"rejected"`
}

// RunLimiter bounds the number of concurrently executing runs at the
// daemon boundary. Inside one run, execution is strictly sequential;
// the limiter only gates how many runs an engine instance services at
// once.
type RunLimiter struct {
	sem    chan struct{}
	done   chan struct{}
	mu     sync.Mutex
	closed bool
	stats  LimiterStats
}

// NewRunLimiter creates a limiter admitting at most size concurrent runs.
func NewRunLimiter(size int) *RunLimiter {
	if size <= 0 {
		size = 1
	}
	return &RunLimiter{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Acquire blocks until a run slot is free, the context is cancelled, or
// the limiter closes. The returned release function must be called when
// the run finishes.
func (l *RunLimiter) Acquire(ctx context.Context) (func(), error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLimiterClosed
	}
	l.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.stats.Active, 1)
		atomic.AddInt64(&l.stats.Admitted, 1)
		return l.releaseFunc(), nil
	case <-ctx.Done():
		atomic.AddInt64(&l.stats.Rejected, 1)
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrLimiterClosed
	}
}

// TryAcquire takes a slot without blocking, returning ErrLimiterBusy
// when saturated. The MCP surface uses this so a busy engine answers
// immediately instead of queueing callers invisibly.
func (l *RunLimiter) TryAcquire() (func(), error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLimiterClosed
	}
	l.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.stats.Active, 1)
		atomic.AddInt64(&l.stats.Admitted, 1)
		return l.releaseFunc(), nil
	default:
		atomic.AddInt64(&l.stats.Rejected, 1)
		return nil, ErrLimiterBusy
	}
}

func (l *RunLimiter) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			atomic.AddInt64(&l.stats.Active, -1)
			<-l.sem
		})
	}
}

// Drain acquires every slot, returning once all in-flight runs have
// released theirs or ctx expires. The caller stops admitting new runs
// first; the held slots are released again before Drain returns so a
// later Close is the only permanent barrier.
func (l *RunLimiter) Drain(ctx context.Context) error {
	releases := make([]func(), 0, cap(l.sem))
	defer func() {
		for _, release := range releases {
			release()
		}
	}()
	for i := 0; i < cap(l.sem); i++ {
		release, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		releases = append(releases, release)
	}
	return nil
}

// Close prevents new admissions. Releases from in-flight runs still
// work.
func (l *RunLimiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

// Stats returns a snapshot of admission counters.
func (l *RunLimiter) Stats() LimiterStats {
	return LimiterStats{
		Active:   atomic.LoadInt64(&l.stats.Active),
		Admitted: atomic.LoadInt64(&l.stats.Admitted),
		Rejected: atomic.LoadInt64(&l.stats.Rejected),
	}
}
