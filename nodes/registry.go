package nodes

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownNodeType is returned when a type id has no registered constructor.
	ErrUnknownNodeType = errors.New("unknown node type")
	// ErrDuplicateNodeType is returned when a type id is registered twice.
	ErrDuplicateNodeType = errors.New("node type already registered")
)

// Constructor builds a node instance from its id and configuration.
type Constructor func(id string, data map[string]interface{}) Node

type registration struct {
	schema Schema
	ctor   Constructor
}

// Registry maps node type ids to constructors and schemas.
type Registry struct {
	mu    sync.RWMutex
	types map[string]registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]registration)}
}

// Register adds a node type.
func (r *Registry) Register(typeID string, schema Schema, ctor Constructor) error {
	if typeID == "" || ctor == nil {
		return errors.New("type id and constructor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[typeID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNodeType, typeID)
	}
	schema.Type = typeID
	r.types[typeID] = registration{schema: schema, ctor: ctor}
	return nil
}

// Create builds a node of the given type.
func (r *Registry) Create(typeID, nodeID string, data map[string]interface{}) (Node, error) {
	r.mu.RLock()
	reg, ok := r.types[typeID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, typeID)
	}
	return reg.ctor(nodeID, data), nil
}

// Has reports whether typeID is registered.
func (r *Registry) Has(typeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeID]
	return ok
}

// Schema returns the schema of a node type.
func (r *Registry) Schema(typeID string) (Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[typeID]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrUnknownNodeType, typeID)
	}
	return reg.schema, nil
}

// Schemas returns the schema of every registered type keyed by type id.
func (r *Registry) Schemas() map[string]Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Schema, len(r.types))
	for id, reg := range r.types {
		out[id] = reg.schema
	}
	return out
}

// Types returns the registered type ids in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.types))
	for id := range r.types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
