package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maretto/aegis/pkg/schema"
)

func TestNewSubprocess_Validation(t *testing.T) {
	_, err := NewSubprocess(SubprocessConfig{Command: "true"})
	require.Error(t, err)
	_, err = NewSubprocess(SubprocessConfig{Name: "local"})
	require.Error(t, err)
}

func TestSubprocess_SuccessRoundTrip(t *testing.T) {
	// sh echoes a fixed StepOutput JSON document.
	sp, err := NewSubprocess(SubprocessConfig{
		Name:    "local-sh",
		Command: "sh",
		Args:    []string{"-c", `echo '{"output":{"greeting":"hi"}}'`},
	})
	require.NoError(t, err)

	require.NoError(t, sp.Initialize(context.Background()))

	out, err := sp.ExecuteStep(context.Background(), StepRequest{
		RunID: "run-1", StepID: "greet", Action: "say",
	})
	require.NoError(t, err)
	m, ok := out.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", m["greeting"])
}

func TestSubprocess_NonZeroExit(t *testing.T) {
	sp, err := NewSubprocess(SubprocessConfig{
		Name:    "local-sh",
		Command: "sh",
		Args:    []string{"-c", `echo "disk full" >&2; exit 3`},
	})
	require.NoError(t, err)

	_, err = sp.ExecuteStep(context.Background(), StepRequest{StepID: "fail"})
	require.Error(t, err)
	var aegisErr *schema.Error
	require.ErrorAs(t, err, &aegisErr)
	assert.Equal(t, schema.ErrCodeStepExecution, aegisErr.Code)
	assert.Contains(t, aegisErr.Message, "exited 3")
	assert.Contains(t, aegisErr.Message, "disk full")
}

func TestSubprocess_MalformedOutput(t *testing.T) {
	sp, err := NewSubprocess(SubprocessConfig{
		Name:    "local-sh",
		Command: "sh",
		Args:    []string{"-c", `echo "not json"`},
	})
	require.NoError(t, err)

	_, err = sp.ExecuteStep(context.Background(), StepRequest{StepID: "garbage"})
	require.Error(t, err)
	var aegisErr *schema.Error
	require.ErrorAs(t, err, &aegisErr)
	assert.Equal(t, schema.ErrCodeStepExecution, aegisErr.Code)
	assert.Contains(t, aegisErr.Message, "malformed output")
}

func TestSubprocess_CallTimeout(t *testing.T) {
	sp, err := NewSubprocess(SubprocessConfig{
		Name:        "slow-sh",
		Command:     "sh",
		Args:        []string{"-c", "sleep 5"},
		CallTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = sp.ExecuteStep(context.Background(), StepRequest{StepID: "slow"})
	require.Error(t, err)
	var aegisErr *schema.Error
	require.ErrorAs(t, err, &aegisErr)
	assert.Equal(t, schema.ErrCodeTimeout, aegisErr.Code)
}

func TestSubprocess_InitializeMissingCommand(t *testing.T) {
	sp, err := NewSubprocess(SubprocessConfig{
		Name:    "ghost",
		Command: "definitely-not-a-real-binary-xyz",
	})
	require.NoError(t, err)

	err = sp.Initialize(context.Background())
	require.Error(t, err)
	var aegisErr *schema.Error
	require.ErrorAs(t, err, &aegisErr)
	assert.Equal(t, schema.ErrCodeBackendUnavailable, aegisErr.Code)
}
