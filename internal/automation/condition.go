package automation

import (
	"fmt"
	"strconv"
	"strings"
)

// Comparison operators for condition leaves.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpIsSet       = "is_set"
	OpIsNotSet    = "is_not_set"
	OpInSet       = "in_set"
)

// Tree bounds, enforced at save time so evaluation cost stays bounded.
const (
	maxConditionDepth  = 5
	maxConditionFanout = 20
)

// Condition is one leaf comparison against the event context.
type Condition struct {
	Variable string `json:"variable"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// ConditionGroup is a recursive AND/OR tree of conditions. An empty group
// evaluates to true.
type ConditionGroup struct {
	Operator   string           `json:"operator"` // AND | OR, empty means AND
	Conditions []Condition      `json:"conditions,omitempty"`
	Groups     []ConditionGroup `json:"groups,omitempty"`
}

// Validate checks operators and tree bounds. Runs when an automation is
// saved, not on every evaluation.
func (g ConditionGroup) Validate() error {
	return g.validate(1)
}

func (g ConditionGroup) validate(depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("%w: condition tree deeper than %d levels", ErrValidation, maxConditionDepth)
	}
	if len(g.Conditions)+len(g.Groups) > maxConditionFanout {
		return fmt.Errorf("%w: condition group wider than %d children", ErrValidation, maxConditionFanout)
	}
	switch strings.ToUpper(g.Operator) {
	case "", "AND", "OR":
	default:
		return fmt.Errorf("%w: unknown group operator %q", ErrValidation, g.Operator)
	}
	for _, c := range g.Conditions {
		if strings.TrimSpace(c.Variable) == "" {
			return fmt.Errorf("%w: condition missing variable path", ErrValidation)
		}
		switch c.Operator {
		case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan, OpIsSet, OpIsNotSet, OpInSet:
		default:
			return fmt.Errorf("%w: unknown comparison operator %q", ErrValidation, c.Operator)
		}
	}
	for _, child := range g.Groups {
		if err := child.validate(depth + 1); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate is pure and total: no I/O, never panics, and the same context
// always yields the same result. AND stops at the first false child, OR at
// the first true one.
func (g ConditionGroup) Evaluate(ctx map[string]any) bool {
	isOr := strings.EqualFold(g.Operator, "OR")

	if len(g.Conditions) == 0 && len(g.Groups) == 0 {
		return true
	}

	for _, c := range g.Conditions {
		match := evaluateCondition(c, ctx)
		if isOr && match {
			return true
		}
		if !isOr && !match {
			return false
		}
	}
	for _, child := range g.Groups {
		match := child.Evaluate(ctx)
		if isOr && match {
			return true
		}
		if !isOr && !match {
			return false
		}
	}
	return !isOr
}

func evaluateCondition(c Condition, ctx map[string]any) bool {
	value, present := ctx[c.Variable]

	// An absent variable satisfies is_not_set and nothing else.
	if !present {
		return c.Operator == OpIsNotSet
	}

	switch c.Operator {
	case OpIsSet:
		return true
	case OpIsNotSet:
		return false
	case OpEquals:
		return coerceString(value) == coerceString(c.Value)
	case OpNotEquals:
		return coerceString(value) != coerceString(c.Value)
	case OpContains:
		return strings.Contains(coerceString(value), coerceString(c.Value))
	case OpGreaterThan:
		return compareOrdered(value, c.Value) > 0
	case OpLessThan:
		return compareOrdered(value, c.Value) < 0
	case OpInSet:
		needle := coerceString(value)
		for _, member := range setMembers(c.Value) {
			if needle == member {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// compareOrdered compares numerically when both sides are numbers. Any type
// mismatch (a string against a number included) coerces both sides to string
// and compares lexically, which is deterministic and never throws.
func compareOrdered(a, b any) int {
	af, aok := numericValue(a)
	bf, bok := numericValue(b)
	if aok && bok {
		switch {
		case af > bf:
			return 1
		case af < bf:
			return -1
		default:
			return 0
		}
	}
	return strings.Compare(coerceString(a), coerceString(b))
}

func setMembers(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, m := range val {
			out = append(out, coerceString(m))
		}
		return out
	case []string:
		return val
	case string:
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	default:
		return []string{coerceString(v)}
	}
}

func coerceString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// numericValue reports a number-typed value. Numeric strings do not count;
// they take the string comparison path.
func numericValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	default:
		return 0, false
	}
}

func coerceFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
