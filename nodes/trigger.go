package nodes

import (
	"context"
	"errors"
	"fmt"

	"dario.cat/mergo"
)

// ErrNoClientID is returned by a trigger that cannot determine its client.
var ErrNoClientID = errors.New("no client ID provided")

var triggerSchema = Schema{
	Type:        TypeTrigger,
	Description: "Workflow trigger",
	Icon:        "play",
	Category:    "triggers",
	Inputs:      []Port{},
	Outputs: []Port{
		{ID: PortDefault, Name: "Output", Description: "Trigger data", Type: "any"},
	},
	ConfigOptions: []ConfigOption{
		{ID: "client_id", Name: "Client", Description: "Client the workflow runs for", Type: "string", Required: true},
		{ID: "trigger_data", Name: "Trigger data", Description: "Extra data passed into the workflow", Type: "json"},
	},
}

type triggerNode struct {
	base
}

func newTriggerNode(id string, data map[string]interface{}) *triggerNode {
	return &triggerNode{base: newBase(id, data, triggerSchema)}
}

// Validate always passes: the client can also come from the run input or context.
func (n *triggerNode) Validate() bool { return true }

func (n *triggerNode) ValidationErrors() []string { return nil }

func (n *triggerNode) Execute(ctx context.Context, scope Scope, input map[string]interface{}) (Outputs, error) {
	clientID := n.clientID(scope, input)
	if !truthy(clientID) {
		return nil, ErrNoClientID
	}

	triggerData := map[string]interface{}{}
	if raw, err := parseJSONValue(n.data["trigger_data"]); err != nil {
		return nil, fmt.Errorf("invalid trigger_data: %w", err)
	} else if m, ok := raw.(map[string]interface{}); ok {
		triggerData = copyMap(m)
	}
	if len(input) > 0 {
		if err := mergo.Merge(&triggerData, copyMap(input), mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge trigger data: %w", err)
		}
	}

	payload := map[string]interface{}{
		"client_id":    clientID,
		"trigger_data": triggerData,
	}
	for k, v := range triggerData {
		payload[k] = v
	}
	return Outputs{PortDefault: payload}, nil
}

// clientID looks at the run input, then the node config, then the context.
func (n *triggerNode) clientID(scope Scope, input map[string]interface{}) interface{} {
	if v := input["client_id"]; truthy(v) {
		return v
	}
	if v := n.data["client_id"]; truthy(v) {
		return v
	}
	if v := scope.Data["client_id"]; truthy(v) {
		return v
	}
	return scope.Client["id"]
}
