package workflow

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/songzhibin97/automation-engine/nodes"
	"github.com/songzhibin97/automation-engine/types"
)

// ContextData is the serialisable state of a run.
type ContextData struct {
	ExecutionID   string                     `json:"execution_id"`
	WorkflowID    uint64                     `json:"workflow_id"`
	Workflow      *types.Definition          `json:"workflow,omitempty"`
	Task          map[string]interface{}     `json:"task,omitempty"`
	User          map[string]interface{}     `json:"user,omitempty"`
	Client        map[string]interface{}     `json:"client,omitempty"`
	Data          map[string]interface{}     `json:"data"`
	NodeStates    map[string]types.NodeState `json:"node_states"`
	ExecutionPath []string                   `json:"execution_path"`
	Errors        []types.ErrorRecord        `json:"errors"`
	Status        string                     `json:"status"`
	StartTime     time.Time                  `json:"start_time"`
	EndTime       *time.Time                 `json:"end_time,omitempty"`
	Output        map[string]interface{}     `json:"output,omitempty"`
	CurrentNodeID string                     `json:"current_node_id,omitempty"`
}

// Context carries the state of one workflow run. It is safe for concurrent
// readers while the executor mutates it.
type Context struct {
	ContextData

	mu    sync.RWMutex
	clock func() time.Time
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithExecutionID sets the run id. A uuid is generated otherwise.
func WithExecutionID(id string) ContextOption {
	return func(c *Context) { c.ExecutionID = id }
}

// WithWorkflow binds the run to a workflow and keeps a snapshot of its definition.
func WithWorkflow(id uint64, def *types.Definition) ContextOption {
	return func(c *Context) {
		c.WorkflowID = id
		c.Workflow = def
	}
}

// WithClient sets the client record of the run.
func WithClient(client map[string]interface{}) ContextOption {
	return func(c *Context) { c.Client = client }
}

// WithUser sets the acting user of the run.
func WithUser(user map[string]interface{}) ContextOption {
	return func(c *Context) { c.User = user }
}

// WithTask sets the task record of the run.
func WithTask(task map[string]interface{}) ContextOption {
	return func(c *Context) { c.Task = task }
}

// WithData sets the trigger data of the run.
func WithData(data map[string]interface{}) ContextOption {
	return func(c *Context) { c.Data = data }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) ContextOption {
	return func(c *Context) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewContext creates a running execution context.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{clock: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.ExecutionID == "" {
		c.ExecutionID = uuid.NewString()
	}
	if c.Data == nil {
		c.Data = map[string]interface{}{}
	}
	c.NodeStates = map[string]types.NodeState{}
	c.ExecutionPath = []string{}
	c.Errors = []types.ErrorRecord{}
	c.Status = types.ExecutionRunning
	c.StartTime = c.clock()
	return c
}

func (c *Context) now() time.Time {
	if c.clock == nil {
		return time.Now()
	}
	return c.clock()
}

// SetNodeState records the state of a node, appends it to the execution
// path on first sight and makes it the current node. It is a no-op once the
// run has finished.
func (c *Context) SetNodeState(nodeID string, state types.NodeState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedLocked() {
		return
	}
	if c.NodeStates == nil {
		c.NodeStates = map[string]types.NodeState{}
	}
	if _, seen := c.NodeStates[nodeID]; !seen {
		c.ExecutionPath = append(c.ExecutionPath, nodeID)
	}
	c.NodeStates[nodeID] = state
	c.CurrentNodeID = nodeID
}

// NodeState returns the recorded state of a node.
func (c *Context) NodeState(nodeID string) (types.NodeState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.NodeStates[nodeID]
	return st, ok
}

// AddError appends an entry to the error log unless the run has finished.
func (c *Context) AddError(nodeID, msg string, details map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedLocked() {
		return
	}
	c.addErrorLocked(nodeID, msg, details)
}

func (c *Context) addErrorLocked(nodeID, msg string, details map[string]interface{}) {
	if details == nil {
		details = map[string]interface{}{}
	}
	c.Errors = append(c.Errors, types.ErrorRecord{
		NodeID:    nodeID,
		Error:     msg,
		Details:   details,
		Timestamp: c.now(),
	})
}

// Complete marks the run completed with its output.
func (c *Context) Complete(output map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedLocked() {
		return ErrContextTerminal
	}
	end := c.now()
	c.Status = types.ExecutionCompleted
	c.Output = output
	c.EndTime = &end
	return nil
}

// Fail marks the run failed and records err against the current node.
func (c *Context) Fail(err error, details map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishedLocked() {
		return ErrContextTerminal
	}
	nodeID := c.CurrentNodeID
	if nodeID == "" {
		nodeID = "workflow"
	}
	c.addErrorLocked(nodeID, err.Error(), details)
	end := c.now()
	c.Status = types.ExecutionFailed
	c.EndTime = &end
	return nil
}

// Finished reports whether Complete or Fail was called.
func (c *Context) Finished() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finishedLocked()
}

func (c *Context) finishedLocked() bool {
	return c.Status == types.ExecutionCompleted || c.Status == types.ExecutionFailed
}

// Duration is the elapsed run time, up to now for a running context.
func (c *Context) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.EndTime != nil {
		return c.EndTime.Sub(c.StartTime)
	}
	return c.now().Sub(c.StartTime)
}

// Stats summarises the run.
func (c *Context) Stats() map[string]interface{} {
	d := c.Duration()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"duration":    d.Seconds(),
		"node_count":  len(c.NodeStates),
		"error_count": len(c.Errors),
		"status":      c.Status,
	}
}

// Snapshot returns a copy of the context state.
func (c *Context) Snapshot() ContextData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data := c.ContextData
	data.NodeStates = make(map[string]types.NodeState, len(c.NodeStates))
	for k, v := range c.NodeStates {
		data.NodeStates[k] = v
	}
	data.ExecutionPath = append([]string(nil), c.ExecutionPath...)
	data.Errors = append([]types.ErrorRecord(nil), c.Errors...)
	return data
}

// Scope is the view nodes execute against.
func (c *Context) Scope() nodes.Scope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return nodes.Scope{
		ExecutionID: c.ExecutionID,
		WorkflowID:  c.WorkflowID,
		Client:      c.Client,
		User:        c.User,
		Task:        c.Task,
		Data:        c.Data,
	}
}

// MarshalJSON encodes the context state.
func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}

// UnmarshalJSON restores a context from its encoded state.
func (c *Context) UnmarshalJSON(b []byte) error {
	var data ContextData
	if err := json.Unmarshal(b, &data); err != nil {
		return err
	}
	if data.NodeStates == nil {
		data.NodeStates = map[string]types.NodeState{}
	}
	if data.Data == nil {
		data.Data = map[string]interface{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ContextData = data
	if c.clock == nil {
		c.clock = time.Now
	}
	return nil
}
