package automation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateEmptyGroupIsTrue(t *testing.T) {
	assert.True(t, ConditionGroup{}.Evaluate(map[string]any{}))
	assert.True(t, ConditionGroup{Operator: "OR"}.Evaluate(map[string]any{}))
}

func TestEvaluateOperators(t *testing.T) {
	ctx := map[string]any{
		"contact.city":      "Lisbon",
		"order.total_value": int64(150000),
		"payload.count":     float64(7),
		"contact.tags":      `["vip","lead"]`,
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals", Condition{Variable: "contact.city", Operator: OpEquals, Value: "Lisbon"}, true},
		{"equals miss", Condition{Variable: "contact.city", Operator: OpEquals, Value: "Porto"}, false},
		{"not equals", Condition{Variable: "contact.city", Operator: OpNotEquals, Value: "Porto"}, true},
		{"contains", Condition{Variable: "contact.tags", Operator: OpContains, Value: "vip"}, true},
		{"greater than numeric", Condition{Variable: "order.total_value", Operator: OpGreaterThan, Value: float64(100000)}, true},
		{"greater than mixed types compares as strings", Condition{Variable: "order.total_value", Operator: OpGreaterThan, Value: "100000"}, true},
		{"less than numeric", Condition{Variable: "payload.count", Operator: OpLessThan, Value: 10}, true},
		{"is set", Condition{Variable: "contact.city", Operator: OpIsSet}, true},
		{"is not set on present", Condition{Variable: "contact.city", Operator: OpIsNotSet}, false},
		{"in set list", Condition{Variable: "contact.city", Operator: OpInSet, Value: []any{"Porto", "Lisbon"}}, true},
		{"in set csv", Condition{Variable: "contact.city", Operator: OpInSet, Value: "Porto, Lisbon"}, true},
		{"in set miss", Condition{Variable: "contact.city", Operator: OpInSet, Value: "Porto"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := ConditionGroup{Conditions: []Condition{tc.cond}}
			assert.Equal(t, tc.want, g.Evaluate(ctx))
		})
	}
}

func TestEvaluateAbsentVariable(t *testing.T) {
	ctx := map[string]any{}

	// Absence satisfies is_not_set and nothing else, including negative
	// comparisons.
	for _, op := range []string{OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan, OpIsSet, OpInSet} {
		g := ConditionGroup{Conditions: []Condition{{Variable: "order.pack", Operator: op, Value: "gold"}}}
		assert.False(t, g.Evaluate(ctx), "operator %s should not match an absent variable", op)
	}
	g := ConditionGroup{Conditions: []Condition{{Variable: "order.pack", Operator: OpIsNotSet}}}
	assert.True(t, g.Evaluate(ctx))
}

func TestEvaluateNestedGroups(t *testing.T) {
	ctx := map[string]any{"a": "1", "b": "2"}

	g := ConditionGroup{
		Operator: "AND",
		Conditions: []Condition{
			{Variable: "a", Operator: OpEquals, Value: "1"},
		},
		Groups: []ConditionGroup{
			{
				Operator: "OR",
				Conditions: []Condition{
					{Variable: "b", Operator: OpEquals, Value: "99"},
					{Variable: "b", Operator: OpEquals, Value: "2"},
				},
			},
		},
	}
	assert.True(t, g.Evaluate(ctx))

	g.Conditions[0].Value = "other"
	assert.False(t, g.Evaluate(ctx))
}

func TestEvaluateNumericFallsBackToLexical(t *testing.T) {
	ctx := map[string]any{"v": "banana"}
	g := ConditionGroup{Conditions: []Condition{{Variable: "v", Operator: OpGreaterThan, Value: "apple"}}}
	assert.True(t, g.Evaluate(ctx))
}

func TestMismatchedTypesCoerceToString(t *testing.T) {
	// A string compared against a number takes the lexical path even when
	// the string parses as a number: "9" > "100" because '9' > '1'.
	g := ConditionGroup{Conditions: []Condition{{Variable: "v", Operator: OpGreaterThan, Value: 100}}}
	assert.True(t, g.Evaluate(map[string]any{"v": "9"}))

	// The same values as real numbers compare numerically.
	assert.False(t, g.Evaluate(map[string]any{"v": 9}))

	g = ConditionGroup{Conditions: []Condition{{Variable: "v", Operator: OpLessThan, Value: 100}}}
	assert.False(t, g.Evaluate(map[string]any{"v": "9"}))
	assert.True(t, g.Evaluate(map[string]any{"v": 9}))
}

func TestValidateRejectsUnknownOperators(t *testing.T) {
	g := ConditionGroup{Conditions: []Condition{{Variable: "a", Operator: "like"}}}
	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	g = ConditionGroup{Operator: "XOR"}
	assert.ErrorIs(t, g.Validate(), ErrValidation)

	g = ConditionGroup{Conditions: []Condition{{Variable: "  ", Operator: OpIsSet}}}
	assert.ErrorIs(t, g.Validate(), ErrValidation)
}

func TestValidateEnforcesDepthBound(t *testing.T) {
	deep := ConditionGroup{}
	for i := 0; i < maxConditionDepth; i++ {
		deep = ConditionGroup{Groups: []ConditionGroup{deep}}
	}
	assert.ErrorIs(t, deep.Validate(), ErrValidation)

	ok := ConditionGroup{}
	for i := 0; i < maxConditionDepth-1; i++ {
		ok = ConditionGroup{Groups: []ConditionGroup{ok}}
	}
	assert.NoError(t, ok.Validate())
}

func TestValidateEnforcesFanoutBound(t *testing.T) {
	wide := ConditionGroup{}
	for i := 0; i <= maxConditionFanout; i++ {
		wide.Conditions = append(wide.Conditions, Condition{Variable: "a", Operator: OpIsSet})
	}
	assert.ErrorIs(t, wide.Validate(), ErrValidation)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	ctx := map[string]any{"order.total_value": 150000}
	g := ConditionGroup{Conditions: []Condition{{Variable: "order.total_value", Operator: OpGreaterThan, Value: 100000}}}
	for i := 0; i < 100; i++ {
		require.True(t, g.Evaluate(ctx))
	}
}

func TestDecodeConditions(t *testing.T) {
	g, err := DecodeConditions("")
	require.NoError(t, err)
	assert.True(t, g.Evaluate(nil))

	_, err = DecodeConditions("{not json")
	assert.ErrorIs(t, err, ErrValidation)

	g, err = DecodeConditions(`{"operator":"AND","conditions":[{"variable":"x","operator":"equals","value":"1"}]}`)
	require.NoError(t, err)
	assert.True(t, g.Evaluate(map[string]any{"x": "1"}))
	assert.False(t, g.Evaluate(map[string]any{"x": "2"}))
}

func TestCoerceStringTieBreak(t *testing.T) {
	// Mixed representations of the same number compare equal once coerced.
	g := ConditionGroup{Conditions: []Condition{{Variable: "n", Operator: OpEquals, Value: "42"}}}
	assert.True(t, g.Evaluate(map[string]any{"n": float64(42)}))
	assert.True(t, g.Evaluate(map[string]any{"n": 42}))
	assert.True(t, g.Evaluate(map[string]any{"n": strings.TrimSpace(" 42 ")}))
}
