package agent

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Outcome is one canned result in a scripted backend's play list.
type Outcome struct {
	Output any
	Err    error
	Delay  time.Duration
}

// Scripted is an in-memory Adapter that plays canned outcomes per step,
// used by tests and examples. Each ExecuteStep for a step consumes the
// next outcome in that step's script; when a script is exhausted (or
// absent) the default outcome applies. All calls are recorded.
type Scripted struct {
	name string
	caps []string

	mu           sync.Mutex
	scripts      map[string][]Outcome
	defaultOut   Outcome
	initFailures int
	initErr      error
	initCalls    int
	calls        []StepRequest
}

// NewScripted creates a scripted backend with the given name. The
// default outcome echoes the step's inputs.
func NewScripted(name string, capabilities ...string) *Scripted {
	if len(capabilities) == 0 {
		capabilities = []string{"*"}
	}
	return &Scripted{
		name:    name,
		caps:    capabilities,
		scripts: make(map[string][]Outcome),
	}
}

func (s *Scripted) Name() string           { return s.name }
func (s *Scripted) Kind() string           { return KindMock }
func (s *Scripted) Capabilities() []string { return s.caps }

// Script appends outcomes to a step's play list.
func (s *Scripted) Script(stepID string, outcomes ...Outcome) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[stepID] = append(s.scripts[stepID], outcomes...)
	return s
}

// AlwaysFail makes every unscripted call fail with the given message.
func (s *Scripted) AlwaysFail(msg string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultOut = Outcome{Err: errors.New(msg)}
	return s
}

// FailInitialize makes the next n Initialize calls fail, so health
// probes against this backend report unhealthy.
func (s *Scripted) FailInitialize(n int) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initFailures = n
	s.initErr = errors.New(s.name + ": initialize failed")
	return s
}

// Initialize consumes a scripted init failure if any remain.
func (s *Scripted) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initCalls++
	if s.initFailures > 0 {
		s.initFailures--
		return s.initErr
	}
	return ctx.Err()
}

// ExecuteStep plays the next outcome for the step.
func (s *Scripted) ExecuteStep(ctx context.Context, req StepRequest) (*StepOutput, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	out := s.defaultOut
	if queue, ok := s.scripts[req.StepID]; ok && len(queue) > 0 {
		out = queue[0]
		s.scripts[req.StepID] = queue[1:]
	}
	s.mu.Unlock()

	if out.Delay > 0 {
		select {
		case <-time.After(out.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if out.Err != nil {
		return nil, out.Err
	}
	if out.Output != nil {
		return &StepOutput{Output: out.Output}, nil
	}
	// Default: echo the resolved inputs.
	return &StepOutput{Output: map[string]any{"action": req.Action, "inputs": req.Inputs}}, nil
}

func (s *Scripted) Cleanup(ctx context.Context) error { return nil }

// Calls returns a copy of every StepRequest this backend has seen.
func (s *Scripted) Calls() []StepRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StepRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// InitCount returns how many times Initialize has been called.
func (s *Scripted) InitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls
}
