package validation

import (
	"sort"
	"strings"

	"github.com/maretto/aegis/internal/tools"
	"github.com/maretto/aegis/pkg/schema"
)

// PreExecution gates a run before any step executes. It checks, in
// order: backend compatibility, required inputs (after defaults are
// merged), the workflow input schema, and tool availability on the
// selected backend. The first violation aborts the run with a
// VALIDATION_ERROR and nothing is persisted.
type PreExecution struct {
	workflows *WorkflowValidator
	tools     tools.Lookup
}

// NewPreExecution creates a PreExecution gate. lookup may be nil when
// no workflow declares step tools.
func NewPreExecution(wv *WorkflowValidator, lookup tools.Lookup) *PreExecution {
	return &PreExecution{workflows: wv, tools: lookup}
}

// Check runs the full gate for a workflow about to execute on the named
// backend. It returns the inputs with declared defaults merged in; the
// caller's map is not mutated.
func (p *PreExecution) Check(wf *schema.Workflow, inputs map[string]any, backend string, capabilities []string) (map[string]any, error) {
	if err := p.workflows.Validate(wf); err != nil {
		return nil, err
	}

	if err := checkBackendCompatibility(wf, backend, capabilities); err != nil {
		return nil, err
	}

	merged := MergeInputDefaults(wf, inputs)

	if missing := missingRequiredInputs(wf, merged); len(missing) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"missing required inputs: %s", strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing})
	}

	if err := p.workflows.ValidateInputs(merged, wf.InputSchema); err != nil {
		return nil, err
	}

	if err := p.checkTools(wf, backend); err != nil {
		return nil, err
	}

	return merged, nil
}

// MergeInputDefaults layers declared input defaults under the provided
// values. Explicit values always win, including explicit nil.
func MergeInputDefaults(wf *schema.Workflow, inputs map[string]any) map[string]any {
	merged := make(map[string]any, len(inputs)+len(wf.Inputs))
	for name, spec := range wf.Inputs {
		if spec.Default != nil {
			merged[name] = spec.Default
		}
	}
	for k, v := range inputs {
		merged[k] = v
	}
	return merged
}

// checkBackendCompatibility verifies that the workflow admits the
// selected backend. An empty list or a "*" entry admits any backend;
// otherwise the backend's name or one of its capabilities must appear.
func checkBackendCompatibility(wf *schema.Workflow, backend string, capabilities []string) error {
	if len(wf.CompatibleBackends) == 0 {
		return nil
	}

	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}

	for _, want := range wf.CompatibleBackends {
		if want == "*" || want == backend {
			return nil
		}
		if _, ok := caps[want]; ok {
			return nil
		}
	}

	return schema.NewErrorf(schema.ErrCodeValidation,
		"backend %q is not compatible with workflow %q (requires one of: %s)",
		backend, wf.ID, strings.Join(wf.CompatibleBackends, ", ")).
		WithDetails(map[string]any{
			"backend":             backend,
			"compatible_backends": wf.CompatibleBackends,
		})
}

// missingRequiredInputs returns the sorted names of required inputs
// that are absent after defaults were merged.
func missingRequiredInputs(wf *schema.Workflow, merged map[string]any) []string {
	var missing []string
	for name, spec := range wf.Inputs {
		if !spec.Required {
			continue
		}
		if _, ok := merged[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// checkTools verifies every tool named by any step is registered for
// the selected backend.
func (p *PreExecution) checkTools(wf *schema.Workflow, backend string) error {
	for _, step := range wf.Steps {
		for _, name := range step.Tools {
			if p.tools == nil || !p.tools.Has(name, backend) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %q requires tool %q, which is not available on backend %q",
					step.ID, name, backend).
					WithStep(step.ID)
			}
		}
	}
	return nil
}
