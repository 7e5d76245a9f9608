package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCondition(t *testing.T, data map[string]interface{}, input map[string]interface{}) Outputs {
	t.Helper()
	node := newConditionNode("cond", data, Services{}.withDefaults())
	out, err := node.Execute(context.Background(), testScope(), input)
	require.NoError(t, err)
	require.Len(t, out, 1, "exactly one port fires")
	return out
}

func TestConditionValueComparison(t *testing.T) {
	out := runCondition(t, map[string]interface{}{
		"condition_type": ConditionValueComparison,
		"left_value":     "10",
		"operator":       "greater_than",
		"right_value":    "5",
	}, nil)

	payload, ok := out[PortTrue]
	require.True(t, ok)
	assert.Equal(t, true, payload["condition_result"])
	_, fired := out[PortFalse]
	assert.False(t, fired)
}

func TestConditionOperators(t *testing.T) {
	input := map[string]interface{}{
		"score": 42,
		"email": "lead@acme.test",
		"stage": "qualified",
	}
	tests := []struct {
		name  string
		left  interface{}
		op    string
		right interface{}
		want  bool
	}{
		{"numeric equals across types", "{{input.score}}", "equals", "42", true},
		{"not equals", "{{input.stage}}", "not_equals", "lost", true},
		{"greater or equal", "{{input.score}}", "greater_than_equals", 42, true},
		{"less than", "{{input.score}}", "less_than", "40", false},
		{"less or equal", 3, "less_than_equals", 3, true},
		{"contains", "{{input.email}}", "contains", "@acme", true},
		{"not contains", "{{input.email}}", "not_contains", "@other", true},
		{"starts with", "{{input.stage}}", "starts_with", "qual", true},
		{"ends with", "{{input.email}}", "ends_with", ".test", true},
		{"contains on numbers", 123, "contains", 2, false},
		{"not contains on numbers", 123, "not_contains", 2, true},
		{"string ordering", "b", "greater_than", "a", true},
		{"zero is configured", 0, "equals", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := map[string]interface{}{"left_value": tt.left, "operator": tt.op, "right_value": tt.right}
			node := newConditionNode("cond", data, Services{}.withDefaults())
			require.True(t, node.Validate(), node.ValidationErrors())

			out, err := node.Execute(context.Background(), testScope(), input)
			require.NoError(t, err)
			want := PortFalse
			if tt.want {
				want = PortTrue
			}
			assert.Contains(t, out, want)
			assert.Len(t, out, 1)
		})
	}
}

func TestConditionOrderingMismatchTakesFalsePort(t *testing.T) {
	out := runCondition(t, map[string]interface{}{
		"left_value":  "abc",
		"operator":    "greater_than",
		"right_value": true,
	}, nil)
	payload, ok := out[PortFalse]
	require.True(t, ok)
	assert.Contains(t, payload, "error")
	assert.Equal(t, false, payload["condition_result"])
}

func TestConditionKinds(t *testing.T) {
	input := map[string]interface{}{
		"tags":    []interface{}{"vip", "beta"},
		"phone":   "010-1234-5678",
		"profile": map[string]interface{}{"active": true, "plan": "pro"},
		"amount":  250,
	}
	tests := []struct {
		name string
		data map[string]interface{}
		want string
	}{
		{"exists", map[string]interface{}{"condition_type": ConditionExistsCheck, "check_path": "profile.plan"}, PortTrue},
		{"exists in client scope", map[string]interface{}{"condition_type": ConditionExistsCheck, "check_path": "client.email"}, PortTrue},
		{"missing", map[string]interface{}{"condition_type": ConditionExistsCheck, "check_path": "profile.seats"}, PortFalse},
		{"not exists", map[string]interface{}{"condition_type": ConditionExistsCheck, "check_path": "profile.seats", "check_not_exists": true}, PortTrue},
		{"array contains", map[string]interface{}{"condition_type": ConditionArrayContains, "array_path": "tags", "array_value": "vip"}, PortTrue},
		{"array lacks", map[string]interface{}{"condition_type": ConditionArrayContains, "array_path": "tags", "array_value": "churned"}, PortFalse},
		{"array not contains", map[string]interface{}{"condition_type": ConditionArrayContains, "array_path": "tags", "array_value": "churned", "not_contains": true}, PortTrue},
		{"regex", map[string]interface{}{"condition_type": ConditionRegexMatch, "regex_value": "{{input.phone}}", "regex_pattern": `^\d{3}-\d{4}-\d{4}$`}, PortTrue},
		{"regex not match", map[string]interface{}{"condition_type": ConditionRegexMatch, "regex_value": "{{input.phone}}", "regex_pattern": `^\+`, "not_match": true}, PortTrue},
		{"invalid regex", map[string]interface{}{"condition_type": ConditionRegexMatch, "regex_value": "x", "regex_pattern": "("}, PortFalse},
		{"json path on input", map[string]interface{}{"condition_type": ConditionJSONPath, "json_path": "profile.active"}, PortTrue},
		{"json path on client", map[string]interface{}{"condition_type": ConditionJSONPath, "json_path": "client.name"}, PortTrue},
		{"json path missing", map[string]interface{}{"condition_type": ConditionJSONPath, "json_path": "profile.trial"}, PortFalse},
		{"expression", map[string]interface{}{"condition_type": ConditionExpression, "expression": `input.amount > 100 && client.name == "Acme"`}, PortTrue},
		{"expression false", map[string]interface{}{"condition_type": ConditionExpression, "expression": `input.amount > 1000`}, PortFalse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := runCondition(t, tt.data, input)
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestConditionExpressionErrorTakesFalsePort(t *testing.T) {
	out := runCondition(t, map[string]interface{}{
		"condition_type": ConditionExpression,
		"expression":     `input.amount + 1`,
	}, map[string]interface{}{"amount": 1})
	payload, ok := out[PortFalse]
	require.True(t, ok)
	assert.NotEmpty(t, payload["error"])
}

func TestConditionValidation(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
		errs int
	}{
		{"defaults to value comparison", map[string]interface{}{}, 2},
		{"bad operator", map[string]interface{}{"left_value": "a", "right_value": "b", "operator": "like"}, 1},
		{"unknown kind", map[string]interface{}{"condition_type": "fuzzy"}, 1},
		{"exists without path", map[string]interface{}{"condition_type": ConditionExistsCheck}, 1},
		{"bad regex", map[string]interface{}{"condition_type": ConditionRegexMatch, "regex_value": "x", "regex_pattern": "("}, 1},
		{"expression ok", map[string]interface{}{"condition_type": ConditionExpression, "expression": "true"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newConditionNode("cond", tt.data, Services{}.withDefaults())
			assert.Len(t, node.ValidationErrors(), tt.errs, node.ValidationErrors())
			assert.Equal(t, tt.errs == 0, node.Validate())
		})
	}
}
