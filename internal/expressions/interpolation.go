package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/maretto/aegis/pkg/schema"
)

// Resolve interpolates every ${{...}} placeholder inside value against
// the scope, recursing into nested maps and slices. Strings that consist
// of a single placeholder keep the referenced value's type; placeholders
// embedded in a longer string are stringified in place. The input value
// is never mutated.
func Resolve(value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return ResolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveString interpolates ${{...}} placeholders in a single string.
// When the whole string is one placeholder the resolved value is returned
// unstringified.
func ResolveString(s string, scope *Scope) (any, error) {
	if !HasPlaceholder(s) {
		return s, nil
	}

	// Whole-value reference: "${{ steps.fetch.output }}" keeps its type.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[3 : len(trimmed)-2])
		if inner == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}
		if !strings.Contains(inner, "${{") && !strings.Contains(inner, "}}") {
			return resolveExpr(inner, scope)
		}
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + 3

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := resolveExpr(expr, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// HasPlaceholder checks if a string contains any ${{...}} references.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, "${{")
}

// resolveExpr resolves a single expression path like "steps.fetch.output.url".
func resolveExpr(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "steps":
		return resolveSteps(expr, scope)
	case "inputs":
		return resolveNamespace(scope.Inputs, expr, "inputs")
	case "vars":
		return resolveNamespace(scope.Vars, expr, "vars")
	case "workflow":
		return resolveNamespace(scope.Workflow, expr, "workflow")
	case "run":
		return resolveNamespace(scope.Run, expr, "run")
	default:
		available := []string{"steps", "inputs", "vars", "workflow", "run"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveSteps resolves steps.<id>.output[.<field>...] and steps.<id>.status.
func resolveSteps(expr string, scope *Scope) (any, error) {
	parts := strings.SplitN(expr, ".", 4) // [steps, id, property, rest...]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: expected steps.<id>.output[.<field>] or steps.<id>.status", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	stepID := parts[1]
	entry, ok := scope.Steps[stepID]
	if !ok {
		available := stepIDs(scope.Steps)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q not found in ${{%s}}; available steps: [%s]", stepID, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_steps": available})
	}

	switch parts[2] {
	case "status":
		if len(parts) > 3 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid step reference %q: status has no sub-fields", expr).
				WithDetails(map[string]any{"expression": expr})
		}
		return entry.Status, nil
	case "output":
		if len(parts) == 3 {
			return entry.Output, nil
		}
		return traversePath(entry.Output, parts[3], expr)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid step reference %q: only 'output' and 'status' are supported (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}
}

// resolveNamespace resolves a dot-delimited field path from a flat namespace map.
func resolveNamespace(data map[string]any, expr, namespace string) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid %s reference %q: expected %s.<name>", namespace, expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	fieldPath := parts[1]

	// Direct key lookup first (supports keys containing dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	return traversePath(data, fieldPath, expr)
}

// traversePath navigates into nested maps and slices using a dot-delimited path.
// Slice segments must be non-negative integer indices.
func traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"invalid list index %q in %q (length %d)", seg, expr, len(v)).
					WithDetails(map[string]any{"expression": expr})
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// stringify converts a resolved value into its in-string representation.
// Maps and slices embed as compact JSON.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}

func stepIDs(steps map[string]StepEntry) []string {
	if steps == nil {
		return nil
	}
	m := make(map[string]any, len(steps))
	for k := range steps {
		m[k] = struct{}{}
	}
	return mapKeys(m)
}
