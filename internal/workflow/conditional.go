package workflow

import (
	"strings"

	"github.com/stepflow-io/stepflow/internal/registry"
)

// EvaluateConditional applies a step's gating rule against an entity
// snapshot. A nil rule always passes, as does an unrecognized operator;
// the permissive default means a misconfigured rule never strands a
// step, it just stops gating.
func EvaluateConditional(c *registry.Conditional, entity map[string]any) bool {
	if c == nil {
		return true
	}
	fieldValue, ok := entity[c.Field]
	if !ok {
		fieldValue = nil
	}
	switch c.Operator {
	case registry.OpEquals:
		return looseEqual(fieldValue, c.Value)
	case registry.OpNotEquals:
		return !looseEqual(fieldValue, c.Value)
	case registry.OpGreaterThan:
		a, aok := toFloat(fieldValue)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case registry.OpLessThan:
		a, aok := toFloat(fieldValue)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	case registry.OpContains:
		return contains(fieldValue, c.Value)
	default:
		return true
	}
}

// looseEqual compares across the numeric types JSON decoding produces,
// so 5 matches 5.0 and "X" matches "X".
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, v := range h {
			if looseEqual(v, needle) {
				return true
			}
		}
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, v := range h {
			if v == s {
				return true
			}
		}
	case string:
		if s, ok := needle.(string); ok {
			return strings.Contains(h, s)
		}
	}
	return false
}
