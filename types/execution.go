package types

import "time"

// Execution states
const (
	ExecutionPending   = "pending"
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// Node states
const (
	NodeRunning   = "running"
	NodeCompleted = "completed"
	NodeFailed    = "failed"
)

// WorkflowExecution is the persisted record of one workflow run.
type WorkflowExecution struct {
	ID           uint64                 `json:"id" db:"id"`
	WorkflowID   uint64                 `json:"workflow_id" db:"workflow_id"`
	ScheduleID   uint64                 `json:"schedule_id,omitempty" db:"schedule_id"`
	TaskID       string                 `json:"task_id,omitempty" db:"task_id"`
	TriggeredBy  string                 `json:"triggered_by,omitempty" db:"triggered_by"`
	Status       string                 `json:"status" db:"status"`
	InputData    map[string]interface{} `json:"input_data" db:"-"`
	OutputData   map[string]interface{} `json:"output_data,omitempty" db:"-"`
	ErrorMessage string                 `json:"error_message,omitempty" db:"error_message"`
	Context      []byte                 `json:"context,omitempty" db:"context"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

// Finished reports whether the execution reached a terminal status.
func (e WorkflowExecution) Finished() bool {
	switch e.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// NodeState records the lifecycle of one node within a run.
type NodeState struct {
	StartTime  time.Time              `json:"start_time"`
	EndTime    *time.Time             `json:"end_time,omitempty"`
	Status     string                 `json:"status"`
	InputData  map[string]interface{} `json:"input_data"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
}

// ErrorRecord is one entry in a run's error log.
type ErrorRecord struct {
	NodeID    string                 `json:"node_id,omitempty"`
	Error     string                 `json:"error"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
