package workflow

import (
	"errors"
	"fmt"
)

// Standard error definitions
var (
	ErrNoStartNodes    = errors.New("workflow has no start nodes")
	ErrContextTerminal = errors.New("execution context already finished")
	ErrMissingNodeType = errors.New("node type is missing")
	ErrDanglingEdge    = errors.New("edge references a missing node")
	ErrRunnerStopped   = errors.New("runner is stopped")
)

// GraphParseError reports a definition that cannot be turned into a graph.
type GraphParseError struct {
	NodeID string
	Err    error
}

func (e *GraphParseError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("graph parse error: %v", e.Err)
	}
	return fmt.Sprintf("graph parse error at node %q: %v", e.NodeID, e.Err)
}

func (e *GraphParseError) Unwrap() error { return e.Err }

// ExecutionError is the failure of a whole run.
type ExecutionError struct {
	Message   string
	NodeID    string
	Details   map[string]interface{}
	Retriable bool
	Err       error
}

func (e *ExecutionError) Error() string { return e.Message }

func (e *ExecutionError) Unwrap() error { return e.Err }

func newExecutionError(msg, nodeID string, err error) *ExecutionError {
	return &ExecutionError{Message: msg, NodeID: nodeID, Details: map[string]interface{}{}, Err: err}
}
