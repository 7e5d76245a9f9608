// Package nodes defines the node contract of the workflow engine, the registry
// that maps type ids to constructors, and the built-in node variants.
package nodes

import (
	"context"
)

// Standard port ids.
const (
	PortDefault = "default"
	PortSuccess = "success"
	PortError   = "error"
	PortTrue    = "true"
	PortFalse   = "false"
)

// Built-in node type ids, as stored in workflow definitions.
const (
	TypeTrigger   = "triggerNode"
	TypeCondition = "conditionNode"
	TypeDelay     = "delayNode"
	TypeEmail     = "emailNode"
	TypeSlack     = "slackNode"
	TypeWebhook   = "webhookNode"
	TypeTask      = "task"
)

// Port describes a node input or output.
type Port struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

// Option is a choice of a select config option.
type Option struct {
	Label string      `json:"label"`
	Value interface{} `json:"value"`
}

// Conditional shows a config option only when another field has a value.
type Conditional struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

// ConfigOption describes one configurable field of a node.
type ConfigOption struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Description       string       `json:"description"`
	Type              string       `json:"type"`
	Required          bool         `json:"required,omitempty"`
	Default           interface{}  `json:"default,omitempty"`
	Options           []Option     `json:"options,omitempty"`
	SupportsVariables bool         `json:"supports_variables,omitempty"`
	Widget            string       `json:"ui_widget,omitempty"`
	Conditional       *Conditional `json:"conditional,omitempty"`
}

// Schema is the static description of a node type.
type Schema struct {
	Type          string         `json:"type"`
	Description   string         `json:"description"`
	Icon          string         `json:"icon"`
	Category      string         `json:"category"`
	Inputs        []Port         `json:"inputs"`
	Outputs       []Port         `json:"outputs"`
	ConfigOptions []ConfigOption `json:"configOptions"`
}

// Outputs maps an output port id to the payload emitted on it.
type Outputs map[string]map[string]interface{}

// Scope is the read-only view of a run that nodes execute against.
type Scope struct {
	ExecutionID string
	WorkflowID  uint64
	Client      map[string]interface{}
	User        map[string]interface{}
	Task        map[string]interface{}
	Data        map[string]interface{}
}

// Node is a configured step of a workflow.
type Node interface {
	ID() string
	Type() string
	Data() map[string]interface{}
	Schema() Schema

	InputPorts() []Port
	OutputPorts() []Port
	ConfigOptions() []ConfigOption

	// Validate reports whether the node configuration is usable.
	Validate() bool
	// ValidationErrors explains why Validate returned false.
	ValidationErrors() []string

	// Execute runs the node and returns the payloads for the ports it fired.
	Execute(ctx context.Context, scope Scope, input map[string]interface{}) (Outputs, error)
}

type base struct {
	id     string
	data   map[string]interface{}
	schema Schema
}

func newBase(id string, data map[string]interface{}, schema Schema) base {
	return base{id: id, data: copyMap(data), schema: schema}
}

func (b *base) ID() string                   { return b.id }
func (b *base) Type() string                 { return b.schema.Type }
func (b *base) Data() map[string]interface{} { return b.data }
func (b *base) Schema() Schema               { return b.schema }

func (b *base) InputPorts() []Port            { return b.schema.Inputs }
func (b *base) OutputPorts() []Port           { return b.schema.Outputs }
func (b *base) ConfigOptions() []ConfigOption { return b.schema.ConfigOptions }

func (b *base) has(key string) bool {
	_, ok := b.data[key]
	return ok
}

func (b *base) set(key string) bool {
	return truthy(b.data[key])
}

func (b *base) str(key, def string) string {
	v, ok := b.data[key]
	if !ok || v == nil {
		return def
	}
	s := toString(v)
	if s == "" {
		return def
	}
	return s
}

func (b *base) boolean(key string, def bool) bool {
	v, ok := b.data[key]
	if !ok || v == nil {
		return def
	}
	return truthy(v)
}

func (b *base) number(key string, def float64) float64 {
	v, ok := b.data[key]
	if !ok || v == nil {
		return def
	}
	if f, ok := toNumber(v); ok {
		return f
	}
	return def
}

func defaultInput() []Port {
	return []Port{{ID: PortDefault, Name: "Input", Description: "Data passed from the previous node", Type: "any"}}
}

func resultOutputs(what string) []Port {
	return []Port{
		{ID: PortSuccess, Name: "Success", Description: what + " succeeded", Type: "any"},
		{ID: PortError, Name: "Error", Description: what + " failed", Type: "any"},
	}
}
