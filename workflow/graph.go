package workflow

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/songzhibin97/automation-engine/nodes"
	"github.com/songzhibin97/automation-engine/types"
)

// Graph is a parsed workflow definition with its node instances.
type Graph struct {
	Nodes    map[string]nodes.Node
	Order    []string
	Edges    []types.Edge
	Outgoing map[string][]types.Edge
	Incoming map[string][]types.Edge
}

// ParseGraph instantiates every node of def through reg and indexes its edges.
// Nodes are built in sorted id order so the first failure is deterministic.
func ParseGraph(reg *nodes.Registry, def types.Definition, logger hclog.Logger) (*Graph, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	g := &Graph{
		Nodes:    make(map[string]nodes.Node, len(def.Nodes)),
		Order:    make([]string, 0, len(def.Nodes)),
		Outgoing: make(map[string][]types.Edge),
		Incoming: make(map[string][]types.Edge),
	}
	for id := range def.Nodes {
		g.Order = append(g.Order, id)
	}
	sort.Strings(g.Order)

	for _, id := range g.Order {
		spec := def.Nodes[id]
		if spec.Type == "" {
			return nil, &GraphParseError{NodeID: id, Err: ErrMissingNodeType}
		}
		node, err := reg.Create(spec.Type, id, spec.Data)
		if err != nil {
			return nil, &GraphParseError{NodeID: id, Err: err}
		}
		g.Nodes[id] = node
	}

	for _, edge := range def.Edges {
		if edge.Source == "" || edge.Target == "" {
			logger.Warn("skipping edge without source or target", "edge_id", edge.ID)
			continue
		}
		if _, ok := g.Nodes[edge.Source]; !ok {
			return nil, &GraphParseError{NodeID: edge.Source, Err: fmt.Errorf("%w: edge %q source", ErrDanglingEdge, edge.ID)}
		}
		if _, ok := g.Nodes[edge.Target]; !ok {
			return nil, &GraphParseError{NodeID: edge.Target, Err: fmt.Errorf("%w: edge %q target", ErrDanglingEdge, edge.ID)}
		}
		g.Edges = append(g.Edges, edge)
		g.Outgoing[edge.Source] = append(g.Outgoing[edge.Source], edge)
		g.Incoming[edge.Target] = append(g.Incoming[edge.Target], edge)
	}
	return g, nil
}

// StartNodes returns the nodes without incoming edges in id order.
func (g *Graph) StartNodes() []string {
	var out []string
	for _, id := range g.Order {
		if len(g.Incoming[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}
