package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/automation-engine/nodes"
	"github.com/songzhibin97/automation-engine/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

const mockType = "mockNode"

var errMockNode = errors.New("mock node error")

// mockNode behaves according to data["behavior"]: ok (default), fail,
// panic, slow or invalid.
type mockNode struct {
	id   string
	data map[string]interface{}
	log  *callLog
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, id)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (n *mockNode) ID() string                   { return n.id }
func (n *mockNode) Type() string                 { return mockType }
func (n *mockNode) Data() map[string]interface{} { return n.data }
func (n *mockNode) Schema() nodes.Schema         { return nodes.Schema{Type: mockType} }

func (n *mockNode) InputPorts() []nodes.Port            { return nil }
func (n *mockNode) OutputPorts() []nodes.Port           { return nil }
func (n *mockNode) ConfigOptions() []nodes.ConfigOption { return nil }

func (n *mockNode) Validate() bool { return n.data["behavior"] != "invalid" }

func (n *mockNode) ValidationErrors() []string {
	if n.Validate() {
		return nil
	}
	return []string{"a", "b"}
}

func (n *mockNode) Execute(ctx context.Context, scope nodes.Scope, input map[string]interface{}) (nodes.Outputs, error) {
	n.log.add(n.id)
	switch n.data["behavior"] {
	case "fail":
		return nil, errMockNode
	case "panic":
		panic("boom")
	case "slow":
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	port := nodes.PortDefault
	if p, ok := n.data["port"].(string); ok {
		port = p
	}
	payload := map[string]interface{}{"from": n.id, "input_data": input}
	if v, ok := n.data["value"]; ok {
		payload["value"] = v
	}
	return nodes.Outputs{port: payload}, nil
}

func newTestRegistry(t *testing.T) (*nodes.Registry, *callLog) {
	t.Helper()
	reg := nodes.NewRegistry()
	require.NoError(t, nodes.RegisterBuiltins(reg, nodes.Services{}))
	log := &callLog{}
	require.NoError(t, reg.Register(mockType, nodes.Schema{Description: "test node"},
		func(id string, data map[string]interface{}) nodes.Node {
			return &mockNode{id: id, data: data, log: log}
		}))
	return reg, log
}

func mock(behavior string) types.NodeSpec {
	return types.NodeSpec{Type: mockType, Data: map[string]interface{}{"behavior": behavior}}
}

func edge(source, target string) types.Edge {
	return types.Edge{ID: source + "-" + target, Source: source, Target: target}
}

func portEdge(source, port, target string) types.Edge {
	return types.Edge{ID: source + "-" + port + "-" + target, Source: source, SourcePort: port, Target: target}
}

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }
