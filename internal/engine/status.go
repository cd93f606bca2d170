package engine

import "github.com/maretto/aegis/pkg/schema"

// validRunTransitions is the run lifecycle transition table. The engine
// consults it before persisting a status change so a terminal record is
// never revived by a late write.
var validRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending: {
		schema.RunStatusRunning,
		schema.RunStatusCancelled,
	},
	schema.RunStatusRunning: {
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusCancelled,
		schema.RunStatusPaused,
	},
	schema.RunStatusPaused: {
		schema.RunStatusRunning,
		schema.RunStatusCancelled,
		schema.RunStatusFailed,
	},
	schema.RunStatusFailed: {
		// A failed run may be resumed; its record returns to running.
		schema.RunStatusRunning,
	},
}

// ValidRunTransition reports whether a run status change is permitted.
func ValidRunTransition(from, to schema.RunStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range validRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// checkRunTransition returns an error describing a forbidden change.
func checkRunTransition(runID string, from, to schema.RunStatus) error {
	if ValidRunTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"invalid run transition: %s -> %s", from, to).
		WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
}
