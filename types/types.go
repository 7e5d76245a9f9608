package types

import (
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// Port and trigger constants shared by the definition model.
const (
	DefaultPort = "default"

	NodeTypeTrigger = "triggerNode"

	TriggerTypeNone = "none"
)

// Workflow is a persisted automation definition.
type Workflow struct {
	ID          uint64     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	IsActive    bool       `json:"is_active"`
	Definition  Definition `json:"definition"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Definition is the node graph of a workflow.
type Definition struct {
	Nodes       map[string]NodeSpec `json:"nodes" yaml:"nodes"`
	Edges       Edges               `json:"edges" yaml:"edges"`
	TriggerType string              `json:"trigger_type,omitempty" yaml:"trigger_type"`
}

// NodeSpec describes a single node in a definition.
type NodeSpec struct {
	Type string                 `json:"type" yaml:"type"`
	Data map[string]interface{} `json:"data" yaml:"data"`
}

// Edge connects an output port of one node to an input port of another.
type Edge struct {
	ID         string `json:"id,omitempty" yaml:"id"`
	Source     string `json:"source" yaml:"source"`
	Target     string `json:"target" yaml:"target"`
	SourcePort string `json:"source_port,omitempty" yaml:"source_port"`
	TargetPort string `json:"target_port,omitempty" yaml:"target_port"`
}

// OutPort returns the source port, falling back to the default port.
func (e Edge) OutPort() string {
	if e.SourcePort == "" {
		return DefaultPort
	}
	return e.SourcePort
}

// InPort returns the target port, falling back to the default port.
func (e Edge) InPort() string {
	if e.TargetPort == "" {
		return DefaultPort
	}
	return e.TargetPort
}

// UnmarshalJSON accepts both snake_case ports and the editor's handle names.
func (e *Edge) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID           string `json:"id"`
		Source       string `json:"source"`
		Target       string `json:"target"`
		SourcePort   string `json:"source_port"`
		TargetPort   string `json:"target_port"`
		SourceHandle string `json:"sourceHandle"`
		TargetHandle string `json:"targetHandle"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Edge{
		ID:         raw.ID,
		Source:     raw.Source,
		Target:     raw.Target,
		SourcePort: firstNonEmpty(raw.SourcePort, raw.SourceHandle, DefaultPort),
		TargetPort: firstNonEmpty(raw.TargetPort, raw.TargetHandle, DefaultPort),
	}
	return nil
}

// Edges is an ordered edge list. It also decodes the legacy object form keyed
// by edge id, in which case the edges are ordered by id.
type Edges []Edge

// UnmarshalJSON decodes either a JSON array or a JSON object of edges.
func (es *Edges) UnmarshalJSON(data []byte) error {
	var list []Edge
	if err := json.Unmarshal(data, &list); err == nil {
		*es = list
		return nil
	}

	var keyed map[string]Edge
	if err := json.Unmarshal(data, &keyed); err != nil {
		return err
	}
	ids := make([]string, 0, len(keyed))
	for id := range keyed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(Edges, 0, len(ids))
	for _, id := range ids {
		edge := keyed[id]
		if edge.ID == "" {
			edge.ID = id
		}
		out = append(out, edge)
	}
	*es = out
	return nil
}

// DetectTriggerType returns the trigger kind configured on the first trigger
// node, in node id order, or TriggerTypeNone.
func (d Definition) DetectTriggerType() string {
	ids := make([]string, 0, len(d.Nodes))
	for id := range d.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		spec := d.Nodes[id]
		if spec.Type != NodeTypeTrigger {
			continue
		}
		if kind, ok := spec.Data["type"].(string); ok && kind != "" {
			return kind
		}
		return TriggerTypeNone
	}
	return TriggerTypeNone
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
