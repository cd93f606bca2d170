package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maretto/aegis/pkg/schema"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewScripted("primary")))
	require.NoError(t, r.Register(NewScripted("fallback")))

	a, err := r.Get("primary")
	require.NoError(t, err)
	assert.Equal(t, "primary", a.Name())
	assert.Equal(t, KindMock, a.Kind())

	assert.True(t, r.Has("fallback"))
	assert.False(t, r.Has("ghost"))
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"fallback", "primary"}, r.Names())
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	require.Error(t, err)
	var aegisErr *schema.Error
	require.ErrorAs(t, err, &aegisErr)
	assert.Equal(t, schema.ErrCodeBackendUnavailable, aegisErr.Code)
}

func TestRegistry_RejectsDuplicateAndInvalid(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewScripted("dup")))

	err := r.Register(NewScripted("dup"))
	require.Error(t, err)
	var aegisErr *schema.Error
	require.ErrorAs(t, err, &aegisErr)
	assert.Equal(t, schema.ErrCodeConflict, aegisErr.Code)

	require.Error(t, r.Register(nil))
	require.Error(t, ValidateKind("teapot"))
	require.NoError(t, ValidateKind(KindService))
}

func TestNormalizeResult(t *testing.T) {
	// Plain success keeps the output.
	out, err := NormalizeResult(&StepOutput{Output: "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	// A failed StepOutput becomes a STEP_EXECUTION_ERROR.
	_, err = NormalizeResult(&StepOutput{Failed: true, Error: "quota exceeded"}, nil)
	require.Error(t, err)
	var aegisErr *schema.Error
	require.ErrorAs(t, err, &aegisErr)
	assert.Equal(t, schema.ErrCodeStepExecution, aegisErr.Code)
	assert.Contains(t, aegisErr.Message, "quota exceeded")

	// An adapter error passes through untouched.
	boom := errors.New("boom")
	_, err = NormalizeResult(nil, boom)
	assert.Equal(t, boom, err)

	// Nil output, nil error.
	out, err = NormalizeResult(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestScripted_PlaysOutcomesInOrder(t *testing.T) {
	ctx := context.Background()
	s := NewScripted("mock")
	s.Script("step1",
		Outcome{Err: errors.New("transient")},
		Outcome{Output: "second try"},
	)

	_, err := s.ExecuteStep(ctx, StepRequest{StepID: "step1"})
	require.Error(t, err)

	out, err := s.ExecuteStep(ctx, StepRequest{StepID: "step1"})
	require.NoError(t, err)
	assert.Equal(t, "second try", out.Output)

	// Exhausted script falls back to the echo default.
	out, err = s.ExecuteStep(ctx, StepRequest{StepID: "step1", Action: "noop"})
	require.NoError(t, err)
	assert.NotNil(t, out.Output)

	assert.Len(t, s.Calls(), 3)
}

func TestScripted_FailInitialize(t *testing.T) {
	ctx := context.Background()
	s := NewScripted("flaky").FailInitialize(2)

	require.Error(t, s.Initialize(ctx))
	require.Error(t, s.Initialize(ctx))
	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, 3, s.InitCount())
}
