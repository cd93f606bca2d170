package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"time"

	"github.com/maretto/aegis/pkg/schema"
)

const (
	defaultCallTimeout   = 5 * time.Minute
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// SubprocessConfig configures a subprocess-backed adapter.
type SubprocessConfig struct {
	// Name is the backend name.
	Name string
	// Command and Args form the argv executed once per step.
	Command string
	Args    []string
	// Capabilities declared by this backend.
	Capabilities []string
	// CallTimeout bounds each step call. Default 5m.
	CallTimeout time.Duration
	// MaxOutputSize caps stdout bytes read per call. Default 10MB.
	MaxOutputSize int64
}

// Subprocess is the reference Adapter: it runs a configured command per
// step, passing the StepRequest as JSON on stdin and reading a
// StepOutput as JSON from stdout. A non-zero exit or malformed output is
// a step execution error.
type Subprocess struct {
	cfg SubprocessConfig
}

// NewSubprocess creates a subprocess adapter.
func NewSubprocess(cfg SubprocessConfig) (*Subprocess, error) {
	if cfg.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "subprocess backend name is empty")
	}
	if cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "subprocess backend command is empty")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &Subprocess{cfg: cfg}, nil
}

func (s *Subprocess) Name() string           { return s.cfg.Name }
func (s *Subprocess) Kind() string           { return KindCLI }
func (s *Subprocess) Capabilities() []string { return s.cfg.Capabilities }

// Initialize verifies the command exists on PATH. Idempotent; doubles as
// the health probe.
func (s *Subprocess) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath(s.cfg.Command); err != nil {
		return schema.NewErrorf(schema.ErrCodeBackendUnavailable,
			"backend %q: command %q not found", s.cfg.Name, s.cfg.Command).WithCause(err)
	}
	return nil
}

// ExecuteStep runs the command with the request on stdin and parses a
// StepOutput from stdout.
func (s *Subprocess) ExecuteStep(ctx context.Context, req StepRequest) (*StepOutput, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "marshal step request: %s", err.Error()).WithCause(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, s.cfg.Command, s.cfg.Args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: s.cfg.MaxOutputSize}
	cmd.Stderr = &stderr

	err = cmd.Run()
	if callCtx.Err() == context.DeadlineExceeded {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"backend %q: step %s timed out after %s", s.cfg.Name, req.StepID, s.cfg.CallTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"backend %q: step %s exited %d: %s", s.cfg.Name, req.StepID, exitErr.ExitCode(), firstLine(stderr.String()))
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"backend %q: step %s: %s", s.cfg.Name, req.StepID, err.Error()).WithCause(err)
	}

	var out StepOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"backend %q: step %s produced malformed output: %s", s.cfg.Name, req.StepID, err.Error()).WithCause(err)
	}
	return &out, nil
}

func (s *Subprocess) Cleanup(ctx context.Context) error { return nil }

// limitedWriter truncates writes past the limit instead of failing the
// command; oversized output surfaces as malformed JSON.
type limitedWriter struct {
	w       *bytes.Buffer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		lw.written += remaining
		_, _ = lw.w.Write(p[:remaining])
		return len(p), nil
	}
	lw.written += int64(len(p))
	return lw.w.Write(p)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}
