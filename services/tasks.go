package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// StoredTask is a task held by MemoryTaskCreator.
type StoredTask struct {
	ID string `json:"id"`
	TaskRequest
}

// MemoryTaskCreator keeps created tasks in memory.
type MemoryTaskCreator struct {
	mu    sync.RWMutex
	tasks map[string]StoredTask
	order []string
}

// NewMemoryTaskCreator creates an empty MemoryTaskCreator.
func NewMemoryTaskCreator() *MemoryTaskCreator {
	return &MemoryTaskCreator{tasks: make(map[string]StoredTask)}
}

// CreateTask stores req under a fresh id.
func (m *MemoryTaskCreator) CreateTask(ctx context.Context, req TaskRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if req.Name == "" {
		return "", fmt.Errorf("task name is required")
	}

	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[id] = StoredTask{ID: id, TaskRequest: req}
	m.order = append(m.order, id)
	return id, nil
}

// Get returns a stored task.
func (m *MemoryTaskCreator) Get(id string) (StoredTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Tasks returns every stored task in creation order.
func (m *MemoryTaskCreator) Tasks() []StoredTask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StoredTask, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id])
	}
	return out
}

// StaticLookup resolves records from fixed maps keyed by id.
type StaticLookup struct {
	Clients map[string]map[string]interface{}
	Users   map[string]map[string]interface{}
	TaskSet map[string]map[string]interface{}
}

// Client returns the client with the given id.
func (l StaticLookup) Client(ctx context.Context, id string) (map[string]interface{}, error) {
	return lookup(ctx, l.Clients, "client", id)
}

// User returns the user with the given id.
func (l StaticLookup) User(ctx context.Context, id string) (map[string]interface{}, error) {
	return lookup(ctx, l.Users, "user", id)
}

// Task returns the task with the given id.
func (l StaticLookup) Task(ctx context.Context, id string) (map[string]interface{}, error) {
	return lookup(ctx, l.TaskSet, "task", id)
}

func lookup(ctx context.Context, m map[string]map[string]interface{}, kind, id string) (map[string]interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	rec, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrRecordNotFound, kind, id)
	}
	out := make(map[string]interface{}, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	if _, ok := out["id"]; !ok {
		out["id"] = id
	}
	return out, nil
}
