package validation

import (
	"regexp"
	"strings"

	"github.com/maretto/aegis/pkg/schema"
)

// WorkflowValidator runs the two-stage definition check: structural
// (JSON Schema) followed by the reference checks JSON Schema cannot
// express.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewWorkflowValidator creates a WorkflowValidator.
func NewWorkflowValidator() (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv}, nil
}

// Validate checks a workflow definition for correctness. Structural
// errors short-circuit: reference checks assume a well-formed shape.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) error {
	if err := wv.jsonSchema.ValidateStructure(wf); err != nil {
		return err
	}
	return validateReferences(wf)
}

// ValidateInputs delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInputs(inputs map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInputs(inputs, inputSchema)
}

// stepRefPattern extracts the step id from a steps.* placeholder.
var stepRefPattern = regexp.MustCompile(`\$\{\{\s*steps\.([A-Za-z0-9_-]+)`)

// validateReferences checks step id uniqueness and that every steps.*
// placeholder names a step declared earlier in the workflow. Forward
// references can never resolve at run time, so they are rejected here.
func validateReferences(wf *schema.Workflow) error {
	seen := make(map[string]struct{}, len(wf.Steps))
	for _, step := range wf.Steps {
		if _, dup := seen[step.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate step id %q", step.ID)
		}

		for _, ref := range stepRefs(step) {
			if _, ok := seen[ref]; !ok {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %q references step %q, which is not declared before it", step.ID, ref).
					WithStep(step.ID)
			}
		}

		if step.OutputVar != "" && isReservedVar(step.OutputVar) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %q output_var %q collides with a reserved namespace", step.ID, step.OutputVar).
				WithStep(step.ID)
		}

		seen[step.ID] = struct{}{}
	}
	return nil
}

// stepRefs collects every step id referenced by a step's inputs and
// condition operands.
func stepRefs(step schema.Step) []string {
	var refs []string
	for _, v := range step.Inputs {
		refs = append(refs, refsInValue(v)...)
	}
	for _, c := range step.Conditions {
		refs = append(refs, refsInString(c.Left)...)
		refs = append(refs, refsInString(c.Right)...)
	}
	return refs
}

func refsInValue(v any) []string {
	switch val := v.(type) {
	case string:
		return refsInString(val)
	case map[string]any:
		var refs []string
		for _, nested := range val {
			refs = append(refs, refsInValue(nested)...)
		}
		return refs
	case []any:
		var refs []string
		for _, nested := range val {
			refs = append(refs, refsInValue(nested)...)
		}
		return refs
	default:
		return nil
	}
}

func refsInString(s string) []string {
	if !strings.Contains(s, "${{") {
		return nil
	}
	matches := stepRefPattern.FindAllStringSubmatch(s, -1)
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, m[1])
	}
	return refs
}

// isReservedVar reports whether a variable name shadows one of the
// interpolation namespaces.
func isReservedVar(name string) bool {
	switch name {
	case "steps", "inputs", "vars", "workflow", "run":
		return true
	}
	return false
}
