package storage

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/automation-engine/types"
)

// Errors
var (
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrScheduleNotFound   = errors.New("schedule not found")
	ErrExecutionExists    = errors.New("execution already exists")
	ErrUnsupportedBackend = errors.New("unsupported storage driver")
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf types.Workflow) error
	GetWorkflow(ctx context.Context, id uint64) (types.Workflow, error)
	ListWorkflows(ctx context.Context) ([]types.Workflow, error)
	DeleteWorkflow(ctx context.Context, id uint64) error
}

// ExecutionStore persists workflow execution records.
type ExecutionStore interface {
	// CreateExecution stores a new record and fails with ErrExecutionExists
	// when the id is taken.
	CreateExecution(ctx context.Context, exec types.WorkflowExecution) error
	SaveExecution(ctx context.Context, exec types.WorkflowExecution) error
	GetExecution(ctx context.Context, id uint64) (types.WorkflowExecution, error)
	// ListExecutions returns the executions of a workflow, oldest first.
	// A zero workflow id lists every execution.
	ListExecutions(ctx context.Context, workflowID uint64) ([]types.WorkflowExecution, error)
	// TransitionExecution moves a record from one status to another and
	// reports false when the record was not in the expected status.
	TransitionExecution(ctx context.Context, id uint64, from, to string) (bool, error)
	// DeleteExecutionsBefore removes records created before the cutoff whose
	// status is one of statuses and returns how many were removed.
	DeleteExecutionsBefore(ctx context.Context, before time.Time, statuses []string) (int64, error)
}

// ScheduleStore persists workflow schedules.
type ScheduleStore interface {
	SaveSchedule(ctx context.Context, s types.WorkflowSchedule) error
	GetSchedule(ctx context.Context, id uint64) (types.WorkflowSchedule, error)
	ListSchedules(ctx context.Context) ([]types.WorkflowSchedule, error)
	// ListDueSchedules returns active schedules with next_run at or before now,
	// earliest first.
	ListDueSchedules(ctx context.Context, now time.Time) ([]types.WorkflowSchedule, error)
	// ClaimSchedule advances next_run and sets last_run only when next_run
	// still equals expected. Exactly one concurrent caller wins.
	ClaimSchedule(ctx context.Context, id uint64, expected, lastRun, nextRun time.Time) (bool, error)
	// RecordScheduleOutcome resets the failure counter on success and
	// increments it on failure.
	RecordScheduleOutcome(ctx context.Context, id uint64, failed bool) error
	DeactivateSchedule(ctx context.Context, id uint64) error
	DeleteSchedule(ctx context.Context, id uint64) error
}

// Storage defines the persistence boundary of the engine.
type Storage interface {
	WorkflowStore
	ExecutionStore
	ScheduleStore
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func hasStatus(status string, statuses []string) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
