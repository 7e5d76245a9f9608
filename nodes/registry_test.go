package nodes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryTypes(t *testing.T) {
	reg := NewDefaultRegistry(Services{})

	want := []string{TypeCondition, TypeDelay, TypeEmail, TypeSlack, TypeTask, TypeTrigger, TypeWebhook}
	assert.ElementsMatch(t, want, reg.Types())
	assert.Len(t, reg.Schemas(), 7)

	for _, typeID := range want {
		node, err := reg.Create(typeID, "n1", nil)
		require.NoError(t, err, typeID)
		assert.Equal(t, typeID, node.Type())
		assert.Equal(t, "n1", node.ID())
		assert.NotNil(t, node.Data())

		schema, err := reg.Schema(typeID)
		require.NoError(t, err)
		assert.Equal(t, typeID, schema.Type)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Create("nope", "n1", nil)
	if !errors.Is(err, ErrUnknownNodeType) {
		t.Fatalf("expected ErrUnknownNodeType, got %v", err)
	}
	_, err = reg.Schema("nope")
	assert.ErrorIs(t, err, ErrUnknownNodeType)
	assert.False(t, reg.Has("nope"))
}

type customNode struct {
	base
}

func (c *customNode) Validate() bool             { return true }
func (c *customNode) ValidationErrors() []string { return nil }
func (c *customNode) Execute(ctx context.Context, scope Scope, input map[string]interface{}) (Outputs, error) {
	return Outputs{PortDefault: input}, nil
}

func TestRegistryCustomType(t *testing.T) {
	reg := NewRegistry()
	schema := Schema{Description: "custom"}
	ctor := func(id string, data map[string]interface{}) Node {
		return &customNode{base: newBase(id, data, Schema{Type: "custom"})}
	}

	require.NoError(t, reg.Register("custom", schema, ctor))
	err := reg.Register("custom", schema, ctor)
	assert.ErrorIs(t, err, ErrDuplicateNodeType)

	assert.True(t, reg.Has("custom"))
	got, err := reg.Schema("custom")
	require.NoError(t, err)
	assert.Equal(t, "custom", got.Type)

	assert.Error(t, reg.Register("", schema, ctor))
	assert.Error(t, reg.Register("other", schema, nil))
}

func TestSchemasExposeConfigOptions(t *testing.T) {
	reg := NewDefaultRegistry(Services{})
	schema, err := reg.Schema(TypeCondition)
	require.NoError(t, err)

	ports := make([]string, 0, len(schema.Outputs))
	for _, p := range schema.Outputs {
		ports = append(ports, p.ID)
	}
	assert.Equal(t, []string{PortTrue, PortFalse}, ports)

	ids := map[string]bool{}
	for _, opt := range schema.ConfigOptions {
		ids[opt.ID] = true
	}
	for _, id := range []string{"condition_type", "left_value", "operator", "right_value", "expression", "json_path"} {
		assert.True(t, ids[id], "missing config option %s", id)
	}
}

func TestNodeExposesSchemaParts(t *testing.T) {
	reg := NewDefaultRegistry(Services{})
	node, err := reg.Create(TypeCondition, "c1", map[string]interface{}{"condition_type": "simple"})
	require.NoError(t, err)

	schema := node.Schema()
	assert.Equal(t, schema.Inputs, node.InputPorts())
	assert.Equal(t, schema.Outputs, node.OutputPorts())
	assert.Equal(t, schema.ConfigOptions, node.ConfigOptions())
	require.Len(t, node.InputPorts(), 1)
	assert.Equal(t, PortDefault, node.InputPorts()[0].ID)
	assert.Len(t, node.OutputPorts(), 2)
	assert.NotEmpty(t, node.ConfigOptions())
}
