package validation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maretto/aegis/internal/tools"
	"github.com/maretto/aegis/pkg/schema"
)

type noopTool struct{ name string }

func (t noopTool) Name() string { return t.name }
func (t noopTool) Execute(_ context.Context, _ string, _ map[string]any) (any, error) {
	return nil, nil
}

func newGate(t *testing.T, lookup tools.Lookup) *PreExecution {
	t.Helper()
	wv, err := NewWorkflowValidator()
	require.NoError(t, err)
	return NewPreExecution(wv, lookup)
}

func TestPreExecution_Passes(t *testing.T) {
	gate := newGate(t, nil)

	merged, err := gate.Check(validWorkflow(), map[string]any{"env": "prod"}, "claude", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"env": "prod"}, merged)
}

func TestPreExecution_MergesDefaults(t *testing.T) {
	gate := newGate(t, nil)

	wf := validWorkflow()
	wf.Inputs = map[string]schema.InputSpec{
		"region":  {Default: "us-east-1"},
		"replica": {Required: true},
	}

	inputs := map[string]any{"replica": 2}
	merged, err := gate.Check(wf, inputs, "claude", nil)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", merged["region"])
	assert.Equal(t, 2, merged["replica"])

	// Caller's map is untouched.
	assert.NotContains(t, inputs, "region")
}

func TestPreExecution_MissingRequiredInput(t *testing.T) {
	gate := newGate(t, nil)

	wf := validWorkflow()
	wf.Inputs = map[string]schema.InputSpec{
		"token": {Required: true},
	}

	_, err := gate.Check(wf, nil, "claude", nil)
	aerr := requireValidationError(t, err)
	assert.Contains(t, aerr.Message, "token")
}

func TestPreExecution_RequiredWithDefaultSatisfied(t *testing.T) {
	gate := newGate(t, nil)

	wf := validWorkflow()
	wf.Inputs = map[string]schema.InputSpec{
		"mode": {Required: true, Default: "fast"},
	}

	merged, err := gate.Check(wf, nil, "claude", nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", merged["mode"])
}

func TestPreExecution_BackendCompatibility(t *testing.T) {
	gate := newGate(t, nil)

	wf := validWorkflow()
	wf.CompatibleBackends = []string{"claude", "code-exec"}

	_, err := gate.Check(wf, nil, "claude", nil)
	assert.NoError(t, err)

	_, err = gate.Check(wf, nil, "gemini", nil)
	requireValidationError(t, err)

	// Capability match admits the backend.
	_, err = gate.Check(wf, nil, "gemini", []string{"code-exec"})
	assert.NoError(t, err)
}

func TestPreExecution_WildcardBackend(t *testing.T) {
	gate := newGate(t, nil)

	wf := validWorkflow()
	wf.CompatibleBackends = []string{"*"}

	_, err := gate.Check(wf, nil, "anything", nil)
	assert.NoError(t, err)
}

func TestPreExecution_InputSchemaEnforced(t *testing.T) {
	gate := newGate(t, nil)

	wf := validWorkflow()
	wf.InputSchema = json.RawMessage(`{
		"type": "object",
		"required": ["name"],
		"properties": {"name": {"type": "string"}}
	}`)

	_, err := gate.Check(wf, map[string]any{"name": "svc"}, "claude", nil)
	assert.NoError(t, err)

	_, err = gate.Check(wf, map[string]any{"name": 7}, "claude", nil)
	requireValidationError(t, err)
}

func TestPreExecution_ToolAvailability(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(noopTool{name: "git"}, "claude"))

	gate := newGate(t, reg)

	wf := validWorkflow()
	wf.Steps[0].Tools = []string{"git"}

	_, err := gate.Check(wf, nil, "claude", nil)
	assert.NoError(t, err)

	// git is scoped to claude only.
	_, err = gate.Check(wf, nil, "gemini", nil)
	aerr := requireValidationError(t, err)
	assert.Equal(t, "build", aerr.StepID)
}

func TestPreExecution_ToolsWithNilLookup(t *testing.T) {
	gate := newGate(t, nil)

	wf := validWorkflow()
	wf.Steps[0].Tools = []string{"git"}

	_, err := gate.Check(wf, nil, "claude", nil)
	requireValidationError(t, err)
}

func TestPreExecution_InvalidWorkflowShortCircuits(t *testing.T) {
	gate := newGate(t, nil)

	wf := validWorkflow()
	wf.Steps = nil
	wf.Inputs = map[string]schema.InputSpec{"x": {Required: true}}

	_, err := gate.Check(wf, nil, "claude", nil)
	requireValidationError(t, err)
}
