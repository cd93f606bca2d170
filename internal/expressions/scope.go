package expressions

import "encoding/json"

// Scope holds all data available for placeholder resolution during one
// run. A Scope belongs to a single run's goroutine; step outputs are
// frozen (deep-copied) on insert so later mutation of the source value
// cannot change what earlier steps resolved.
type Scope struct {
	Steps    map[string]StepEntry // step ID -> frozen output and status
	Inputs   map[string]any       // workflow input values
	Vars     map[string]any       // context variables (inputs plus step output vars)
	Workflow map[string]any       // workflow metadata (id, name)
	Run      map[string]any       // run metadata (id, backend)
}

// StepEntry is one completed step visible to later steps.
type StepEntry struct {
	Output any
	Status string
}

// NewScope creates a Scope initialized with run-level data. The inputs
// map is deep-copied; workflow and run metadata are small and owned by
// the caller.
func NewScope(inputs, workflow, run map[string]any) *Scope {
	copied := deepCopyMap(inputs)
	return &Scope{
		Steps:    make(map[string]StepEntry),
		Inputs:   copied,
		Vars:     deepCopyMap(copied),
		Workflow: workflow,
		Run:      run,
	}
}

// AddStep registers a completed or skipped step. The output is frozen at
// insertion time. Re-registering a step ID overwrites, which only happens
// when a resumed run re-executes a step that never checkpointed COMPLETED.
func (s *Scope) AddStep(stepID string, output any, status string) {
	s.Steps[stepID] = StepEntry{Output: deepCopyAny(output), Status: status}
}

// SetVar stores a step's output under its declared variable name.
func (s *Scope) SetVar(name string, value any) {
	if s.Vars == nil {
		s.Vars = make(map[string]any)
	}
	s.Vars[name] = deepCopyAny(value)
}

// Snapshot returns a deep copy of the context variables, used as the
// run's final output.
func (s *Scope) Snapshot() map[string]any {
	snap := deepCopyMap(s.Vars)
	if snap == nil {
		snap = map[string]any{}
	}
	return snap
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
