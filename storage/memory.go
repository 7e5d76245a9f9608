package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/automation-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	workflows  map[uint64]types.Workflow
	executions map[uint64]types.WorkflowExecution
	schedules  map[uint64]types.WorkflowSchedule
	mu         sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows:  make(map[uint64]types.Workflow),
		executions: make(map[uint64]types.WorkflowExecution),
		schedules:  make(map[uint64]types.WorkflowSchedule),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// putItem stores an item under the write lock.
func putItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, item T) error {
	return withContextError(ctx, func() error {
		mu.Lock()
		defer mu.Unlock()
		m[id] = item
		return nil
	})
}

// deleteItem removes an item, failing when it does not exist.
func deleteItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) error {
	return withContextError(ctx, func() error {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := m[id]; !ok {
			return fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		delete(m, id)
		return nil
	})
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return putItem(ctx, &s.mu, s.workflows, wf.ID, wf)
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error) {
	return getItem(ctx, &s.mu, s.workflows, id, ErrWorkflowNotFound)
}

// ListWorkflows returns every workflow ordered by id.
func (s *MemoryStorage) ListWorkflows(ctx context.Context) ([]types.Workflow, error) {
	return withContext(ctx, func() ([]types.Workflow, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Workflow, 0, len(s.workflows))
		for _, wf := range s.workflows {
			out = append(out, wf)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// DeleteWorkflow removes a workflow from memory.
func (s *MemoryStorage) DeleteWorkflow(ctx context.Context, id uint64) error {
	return deleteItem(ctx, &s.mu, s.workflows, id, ErrWorkflowNotFound)
}

// CreateExecution stores a new execution record.
func (s *MemoryStorage) CreateExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.executions[exec.ID]; ok {
			return fmt.Errorf("%w: id=%d", ErrExecutionExists, exec.ID)
		}
		s.executions[exec.ID] = exec
		return nil
	})
}

// SaveExecution saves an execution record to memory.
func (s *MemoryStorage) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return putItem(ctx, &s.mu, s.executions, exec.ID, exec)
}

// GetExecution retrieves an execution record from memory.
func (s *MemoryStorage) GetExecution(ctx context.Context, id uint64) (types.WorkflowExecution, error) {
	return getItem(ctx, &s.mu, s.executions, id, ErrExecutionNotFound)
}

// ListExecutions lists executions of a workflow, oldest first.
func (s *MemoryStorage) ListExecutions(ctx context.Context, workflowID uint64) ([]types.WorkflowExecution, error) {
	return withContext(ctx, func() ([]types.WorkflowExecution, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowExecution, 0)
		for _, exec := range s.executions {
			if workflowID == 0 || exec.WorkflowID == workflowID {
				out = append(out, exec)
			}
		}
		sortExecutions(out)
		return out, nil
	})
}

// TransitionExecution changes the status of an execution if it is in from.
func (s *MemoryStorage) TransitionExecution(ctx context.Context, id uint64, from, to string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		exec, ok := s.executions[id]
		if !ok {
			return false, fmt.Errorf("%w: id=%d", ErrExecutionNotFound, id)
		}
		if exec.Status != from {
			return false, nil
		}
		exec.Status = to
		s.executions[id] = exec
		return true, nil
	})
}

// DeleteExecutionsBefore removes finished executions created before the cutoff.
func (s *MemoryStorage) DeleteExecutionsBefore(ctx context.Context, before time.Time, statuses []string) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var n int64
		for id, exec := range s.executions {
			if exec.CreatedAt.Before(before) && hasStatus(exec.Status, statuses) {
				delete(s.executions, id)
				n++
			}
		}
		return n, nil
	})
}

// SaveSchedule saves a schedule to memory.
func (s *MemoryStorage) SaveSchedule(ctx context.Context, sched types.WorkflowSchedule) error {
	return putItem(ctx, &s.mu, s.schedules, sched.ID, sched)
}

// GetSchedule retrieves a schedule from memory.
func (s *MemoryStorage) GetSchedule(ctx context.Context, id uint64) (types.WorkflowSchedule, error) {
	return getItem(ctx, &s.mu, s.schedules, id, ErrScheduleNotFound)
}

// ListSchedules returns every schedule ordered by id.
func (s *MemoryStorage) ListSchedules(ctx context.Context) ([]types.WorkflowSchedule, error) {
	return withContext(ctx, func() ([]types.WorkflowSchedule, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowSchedule, 0, len(s.schedules))
		for _, sched := range s.schedules {
			out = append(out, sched)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// ListDueSchedules returns active schedules due at now.
func (s *MemoryStorage) ListDueSchedules(ctx context.Context, now time.Time) ([]types.WorkflowSchedule, error) {
	return withContext(ctx, func() ([]types.WorkflowSchedule, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowSchedule, 0)
		for _, sched := range s.schedules {
			if sched.IsActive && !sched.NextRun.After(now) {
				out = append(out, sched)
			}
		}
		sortSchedules(out)
		return out, nil
	})
}

// ClaimSchedule advances a schedule if nobody else did since it was read.
func (s *MemoryStorage) ClaimSchedule(ctx context.Context, id uint64, expected, lastRun, nextRun time.Time) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		sched, ok := s.schedules[id]
		if !ok {
			return false, fmt.Errorf("%w: id=%d", ErrScheduleNotFound, id)
		}
		if !sched.NextRun.Equal(expected) {
			return false, nil
		}
		last := lastRun
		sched.LastRun = &last
		sched.NextRun = nextRun
		s.schedules[id] = sched
		return true, nil
	})
}

// RecordScheduleOutcome updates the failure counter of a schedule.
func (s *MemoryStorage) RecordScheduleOutcome(ctx context.Context, id uint64, failed bool) error {
	return s.updateSchedule(ctx, id, func(sched *types.WorkflowSchedule) {
		if failed {
			sched.FailureCount++
		} else {
			sched.FailureCount = 0
		}
	})
}

// DeactivateSchedule marks a schedule inactive.
func (s *MemoryStorage) DeactivateSchedule(ctx context.Context, id uint64) error {
	return s.updateSchedule(ctx, id, func(sched *types.WorkflowSchedule) {
		sched.IsActive = false
	})
}

// DeleteSchedule removes a schedule from memory.
func (s *MemoryStorage) DeleteSchedule(ctx context.Context, id uint64) error {
	return deleteItem(ctx, &s.mu, s.schedules, id, ErrScheduleNotFound)
}

func (s *MemoryStorage) updateSchedule(ctx context.Context, id uint64, fn func(*types.WorkflowSchedule)) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		sched, ok := s.schedules[id]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrScheduleNotFound, id)
		}
		fn(&sched)
		s.schedules[id] = sched
		return nil
	})
}

func sortExecutions(execs []types.WorkflowExecution) {
	sort.Slice(execs, func(i, j int) bool {
		if !execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].CreatedAt.Before(execs[j].CreatedAt)
		}
		return execs[i].ID < execs[j].ID
	})
}

func sortSchedules(scheds []types.WorkflowSchedule) {
	sort.Slice(scheds, func(i, j int) bool {
		if !scheds[i].NextRun.Equal(scheds[j].NextRun) {
			return scheds[i].NextRun.Before(scheds[j].NextRun)
		}
		return scheds[i].ID < scheds[j].ID
	})
}
