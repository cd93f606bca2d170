package engine

import (
	"fmt"
	"strconv"

	"github.com/maretto/aegis/internal/expressions"
	"github.com/maretto/aegis/pkg/schema"
)

// EvaluateConditions applies a step's conditions against the run scope.
// All conditions must hold for the step to run. The comparator set is
// deliberately minimal: "==" and ">=" over resolved strings and numbers.
// A condition whose operands cannot be resolved is unmet, not an error,
// so steps gated on a failed or skipped predecessor cascade into SKIPPED
// instead of failing the run. Returns whether the step may run and, when
// it may not, a human-readable reason.
func EvaluateConditions(conds []schema.Condition, scope *expressions.Scope) (bool, string) {
	for _, c := range conds {
		met, reason := evaluateCondition(c, scope)
		if !met {
			return false, reason
		}
	}
	return true, ""
}

func evaluateCondition(c schema.Condition, scope *expressions.Scope) (bool, string) {
	left, err := expressions.ResolveString(c.Left, scope)
	if err != nil {
		return false, fmt.Sprintf("condition %q %s %q: left operand unresolved: %v", c.Left, c.Operator, c.Right, err)
	}
	right, err := expressions.ResolveString(c.Right, scope)
	if err != nil {
		return false, fmt.Sprintf("condition %q %s %q: right operand unresolved: %v", c.Left, c.Operator, c.Right, err)
	}

	switch c.Operator {
	case schema.OpEqual:
		if compareEqual(left, right) {
			return true, ""
		}
		return false, fmt.Sprintf("condition not met: %v == %v", left, right)
	case schema.OpGreaterOrEqual:
		lf, lok := asNumber(left)
		rf, rok := asNumber(right)
		if !lok || !rok {
			return false, fmt.Sprintf("condition not met: %v >= %v (non-numeric operand)", left, right)
		}
		if lf >= rf {
			return true, ""
		}
		return false, fmt.Sprintf("condition not met: %v >= %v", left, right)
	default:
		return false, fmt.Sprintf("unsupported condition operator %q", c.Operator)
	}
}

// compareEqual compares numerically when both operands are numbers, by
// string representation otherwise.
func compareEqual(left, right any) bool {
	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	if lok && rok {
		return lf == rf
	}
	return asString(left) == asString(right)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
