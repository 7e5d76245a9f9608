package nodes

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"
	"github.com/tidwall/gjson"

	"github.com/songzhibin97/automation-engine/rules"
)

// Condition kinds.
const (
	ConditionValueComparison = "value_comparison"
	ConditionExistsCheck     = "exists_check"
	ConditionArrayContains   = "array_contains"
	ConditionRegexMatch      = "regex_match"
	ConditionJSONPath        = "json_path"
	ConditionExpression      = "expression"
)

var comparisonOperators = []string{
	"equals", "not_equals",
	"greater_than", "greater_than_equals",
	"less_than", "less_than_equals",
	"contains", "not_contains",
	"starts_with", "ends_with",
}

func onlyWhen(kind string) *Conditional {
	return &Conditional{Field: "condition_type", Value: kind}
}

var conditionSchema = Schema{
	Type:        TypeCondition,
	Description: "Conditional branch",
	Icon:        "git-branch",
	Category:    "logic",
	Inputs:      defaultInput(),
	Outputs: []Port{
		{ID: PortTrue, Name: "True", Description: "Runs when the condition holds", Type: "any"},
		{ID: PortFalse, Name: "False", Description: "Runs when the condition does not hold", Type: "any"},
	},
	ConfigOptions: []ConfigOption{
		{ID: "condition_type", Name: "Condition type", Type: "select", Required: true, Default: ConditionValueComparison,
			Options: []Option{
				{Label: "Value comparison", Value: ConditionValueComparison},
				{Label: "Exists", Value: ConditionExistsCheck},
				{Label: "Array contains", Value: ConditionArrayContains},
				{Label: "Regex match", Value: ConditionRegexMatch},
				{Label: "JSON path", Value: ConditionJSONPath},
				{Label: "Expression", Value: ConditionExpression},
			}},
		{ID: "left_value", Name: "Left value", Type: "string", Required: true, SupportsVariables: true, Conditional: onlyWhen(ConditionValueComparison)},
		{ID: "operator", Name: "Operator", Type: "select", Required: true, Default: "equals", Options: operatorOptions(), Conditional: onlyWhen(ConditionValueComparison)},
		{ID: "right_value", Name: "Right value", Type: "string", Required: true, SupportsVariables: true, Conditional: onlyWhen(ConditionValueComparison)},
		{ID: "check_path", Name: "Path", Description: "Path whose existence is checked", Type: "string", Required: true, SupportsVariables: true, Conditional: onlyWhen(ConditionExistsCheck)},
		{ID: "check_not_exists", Name: "True when missing", Type: "boolean", Default: false, Conditional: onlyWhen(ConditionExistsCheck)},
		{ID: "array_path", Name: "Array path", Type: "string", Required: true, SupportsVariables: true, Conditional: onlyWhen(ConditionArrayContains)},
		{ID: "array_value", Name: "Value", Type: "string", Required: true, SupportsVariables: true, Conditional: onlyWhen(ConditionArrayContains)},
		{ID: "not_contains", Name: "True when absent", Type: "boolean", Default: false, Conditional: onlyWhen(ConditionArrayContains)},
		{ID: "regex_value", Name: "Value", Type: "string", Required: true, SupportsVariables: true, Conditional: onlyWhen(ConditionRegexMatch)},
		{ID: "regex_pattern", Name: "Pattern", Type: "string", Required: true, Widget: "code_editor", Conditional: onlyWhen(ConditionRegexMatch)},
		{ID: "not_match", Name: "True when not matching", Type: "boolean", Default: false, Conditional: onlyWhen(ConditionRegexMatch)},
		{ID: "json_path", Name: "JSON path", Description: "Path queried against input, client, user, task and data", Type: "string", Required: true, Widget: "code_editor", Conditional: onlyWhen(ConditionJSONPath)},
		{ID: "expression", Name: "Expression", Description: "Sandboxed boolean expression", Type: "text", Required: true, Widget: "code_editor", Conditional: onlyWhen(ConditionExpression)},
	},
}

func operatorOptions() []Option {
	out := make([]Option, 0, len(comparisonOperators))
	for _, op := range comparisonOperators {
		out = append(out, Option{Label: strings.ReplaceAll(op, "_", " "), Value: op})
	}
	return out
}

type conditionNode struct {
	base
	evaluator rules.Evaluator
	logger    hclog.Logger
}

func newConditionNode(id string, data map[string]interface{}, svc Services) *conditionNode {
	return &conditionNode{
		base:      newBase(id, data, conditionSchema),
		evaluator: svc.Evaluator,
		logger:    svc.Logger.Named("condition"),
	}
}

func (n *conditionNode) kind() string {
	return n.str("condition_type", ConditionValueComparison)
}

func (n *conditionNode) Validate() bool {
	return len(n.ValidationErrors()) == 0
}

func (n *conditionNode) ValidationErrors() []string {
	var errs []string
	switch n.kind() {
	case ConditionValueComparison:
		if !present(n.data["left_value"]) {
			errs = append(errs, "left value is required")
		}
		if !present(n.data["right_value"]) {
			errs = append(errs, "right value is required")
		}
		if !validOperator(n.str("operator", "equals")) {
			errs = append(errs, "a valid operator is required")
		}
	case ConditionExistsCheck:
		if !n.set("check_path") {
			errs = append(errs, "check path is required")
		}
	case ConditionArrayContains:
		if !n.set("array_path") {
			errs = append(errs, "array path is required")
		}
		if !n.has("array_value") {
			errs = append(errs, "array value is required")
		}
	case ConditionRegexMatch:
		if !n.has("regex_value") {
			errs = append(errs, "regex value is required")
		}
		if pattern := n.str("regex_pattern", ""); pattern == "" {
			errs = append(errs, "regex pattern is required")
		} else if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, fmt.Sprintf("invalid regex pattern: %v", err))
		}
	case ConditionJSONPath:
		if !n.set("json_path") {
			errs = append(errs, "JSON path is required")
		}
	case ConditionExpression:
		if !n.set("expression") {
			errs = append(errs, "expression is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid condition type %q", n.kind()))
	}
	return errs
}

// Execute fires exactly one of the true and false ports. Evaluation errors
// take the false port with an error field.
func (n *conditionNode) Execute(ctx context.Context, scope Scope, input map[string]interface{}) (Outputs, error) {
	if input == nil {
		input = map[string]interface{}{}
	}
	r := NewResolver(scope, input)

	result, err := n.evaluate(r, input)
	if err != nil {
		n.logger.Warn("condition evaluation failed", "node_id", n.id, "error", err)
		return Outputs{PortFalse: {
			"condition_result": false,
			"error":            err.Error(),
			"input_data":       input,
		}}, nil
	}

	n.logger.Debug("condition evaluated", "node_id", n.id, "result", result)
	port := PortFalse
	if result {
		port = PortTrue
	}
	return Outputs{port: {
		"condition_result": result,
		"input_data":       input,
	}}, nil
}

func (n *conditionNode) evaluate(r *Resolver, input map[string]interface{}) (bool, error) {
	switch kind := n.kind(); kind {
	case ConditionValueComparison:
		left := r.Value(n.data["left_value"])
		right := r.Value(n.data["right_value"])
		return compare(n.str("operator", "equals"), left, right)

	case ConditionExistsCheck:
		value, found := r.Path(r.String(n.data["check_path"]))
		exists := found && value != nil
		return exists != n.boolean("check_not_exists", false), nil

	case ConditionArrayContains:
		value, _ := r.Path(r.String(n.data["array_path"]))
		needle := r.Value(n.data["array_value"])
		items, _ := value.([]interface{})
		contains := false
		for _, item := range items {
			if looseEqual(item, needle) {
				contains = true
				break
			}
		}
		return contains != n.boolean("not_contains", false), nil

	case ConditionRegexMatch:
		pattern, err := regexp.Compile(n.str("regex_pattern", ""))
		if err != nil {
			n.logger.Error("invalid regex pattern", "node_id", n.id, "error", err)
			return false, nil
		}
		matches := pattern.MatchString(toString(r.Value(n.data["regex_value"])))
		return matches != n.boolean("not_match", false), nil

	case ConditionJSONPath:
		return jsonPathTruthy(r, n.str("json_path", ""))

	case ConditionExpression:
		return n.evaluator.Evaluate(n.str("expression", ""), r.Env())

	default:
		return false, fmt.Errorf("unknown condition type %q", kind)
	}
}

// jsonPathTruthy queries the run scopes with a gjson path. Paths that do not
// start with a scope name are resolved against the input.
func jsonPathTruthy(r *Resolver, path string) (bool, error) {
	env := r.Env()
	var doc interface{} = env
	if _, known := env[strings.SplitN(path, ".", 2)[0]]; !known {
		doc = env["input"]
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode json path document: %w", err)
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return false, nil
	}
	return truthy(res.Value()), nil
}

func compare(op string, left, right interface{}) (bool, error) {
	lf, lnum := toNumber(left)
	rf, rnum := toNumber(right)
	if lnum && rnum {
		switch op {
		case "equals":
			return lf == rf, nil
		case "not_equals":
			return lf != rf, nil
		case "greater_than":
			return lf > rf, nil
		case "greater_than_equals":
			return lf >= rf, nil
		case "less_than":
			return lf < rf, nil
		case "less_than_equals":
			return lf <= rf, nil
		case "not_contains":
			return true, nil
		case "contains", "starts_with", "ends_with":
			return false, nil
		}
		return false, fmt.Errorf("unknown operator %q", op)
	}

	ls, lstr := left.(string)
	rs, rstr := right.(string)
	switch op {
	case "equals":
		return looseEqual(left, right), nil
	case "not_equals":
		return !looseEqual(left, right), nil
	case "contains":
		return lstr && strings.Contains(ls, toString(right)), nil
	case "not_contains":
		return !lstr || !strings.Contains(ls, toString(right)), nil
	case "starts_with":
		return lstr && strings.HasPrefix(ls, toString(right)), nil
	case "ends_with":
		return lstr && strings.HasSuffix(ls, toString(right)), nil
	case "greater_than", "greater_than_equals", "less_than", "less_than_equals":
		if !lstr || !rstr {
			return false, fmt.Errorf("cannot order %T and %T", left, right)
		}
		c := strings.Compare(ls, rs)
		switch op {
		case "greater_than":
			return c > 0, nil
		case "greater_than_equals":
			return c >= 0, nil
		case "less_than":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func validOperator(op string) bool {
	for _, candidate := range comparisonOperators {
		if op == candidate {
			return true
		}
	}
	return false
}

// present treats zero numbers and false as configured values.
func present(v interface{}) bool {
	if s, ok := v.(string); ok {
		return s != ""
	}
	return v != nil
}
