package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/songzhibin97/automation-engine/events"
	"github.com/songzhibin97/automation-engine/nodes"
	"github.com/songzhibin97/automation-engine/types"
)

// Executor walks a workflow graph against an execution context.
type Executor struct {
	registry    *nodes.Registry
	logger      hclog.Logger
	bus         *events.EventBus
	nodeTimeout time.Duration
	runTimeout  time.Duration
	clock       func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger hclog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEventBus publishes node and run lifecycle events on bus.
func WithEventBus(bus *events.EventBus) ExecutorOption {
	return func(e *Executor) { e.bus = bus }
}

// WithNodeTimeout bounds a single node execution. Zero disables the limit.
func WithNodeTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.nodeTimeout = d }
}

// WithRunTimeout bounds a whole run. Zero disables the limit.
func WithRunTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.runTimeout = d }
}

// WithExecutorClock overrides the time source used for node states.
func WithExecutorClock(clock func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewExecutor creates an Executor over the node types in reg.
func NewExecutor(reg *nodes.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: reg,
		logger:   hclog.NewNullLogger(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the node registry the executor builds graphs from.
func (e *Executor) Registry() *nodes.Registry {
	return e.registry
}

// Execute runs def to completion and returns the collected output keyed by
// "node.port". Node failures are routed to their error ports and do not
// abort the run. A definition that fails to parse leaves wctx untouched, as
// does a context that has already completed or failed.
func (e *Executor) Execute(ctx context.Context, def types.Definition, wctx *Context) (map[string]interface{}, error) {
	logger := e.logger.With("execution_id", wctx.ExecutionID, "workflow_id", wctx.WorkflowID)

	if wctx.Finished() {
		return nil, newExecutionError("Workflow execution failed: "+ErrContextTerminal.Error(), "", ErrContextTerminal)
	}

	graph, err := ParseGraph(e.registry, def, logger)
	if err != nil {
		var nodeID string
		var perr *GraphParseError
		if errors.As(err, &perr) {
			nodeID = perr.NodeID
		}
		return nil, newExecutionError("Workflow execution failed: "+err.Error(), nodeID, err)
	}

	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}

	r := &run{
		exec:      e,
		graph:     graph,
		wctx:      wctx,
		logger:    logger,
		pending:   make(map[string]int, len(graph.Order)),
		activated: make(map[string]bool),
		settled:   make(map[string]bool),
		queued:    make(map[string]bool),
		executed:  make(map[string]bool),
		outputs:   make(map[string]nodes.Outputs),
	}

	if err := r.traverse(ctx); err != nil {
		return nil, e.fail(ctx, wctx, err)
	}

	output := r.collect()
	if err := wctx.Complete(output); err != nil {
		return nil, newExecutionError("Workflow execution failed: "+err.Error(), "", err)
	}
	logger.Info("workflow completed", "nodes", len(r.executed), "duration", wctx.Duration())
	e.emit(ctx, wctx, events.ExecutionCompleted, "", map[string]interface{}{
		"duration": wctx.Duration().Seconds(),
		"stats":    wctx.Stats(),
	})
	return output, nil
}

func (e *Executor) fail(ctx context.Context, wctx *Context, cause error) *ExecutionError {
	details := map[string]interface{}{"stack_trace": fmt.Sprintf("%+v", errors.WithStack(cause))}
	if err := wctx.Fail(cause, details); err != nil {
		e.logger.Warn("context already finished", "execution_id", wctx.ExecutionID, "error", err)
	}

	execErr := newExecutionError("Workflow execution failed: "+cause.Error(), wctx.currentNode(), cause)
	execErr.Details = details
	var inner *ExecutionError
	switch {
	case errors.As(cause, &inner):
		execErr.Retriable = inner.Retriable
	case errors.Is(cause, context.DeadlineExceeded):
		execErr.Retriable = true
	}

	e.logger.Error("workflow failed", "execution_id", wctx.ExecutionID, "node_id", execErr.NodeID, "error", cause)
	e.emit(ctx, wctx, events.ExecutionFailed, execErr.NodeID, map[string]interface{}{
		"duration":  wctx.Duration().Seconds(),
		"error":     cause.Error(),
		"retriable": execErr.Retriable,
	})
	return execErr
}

func (e *Executor) emit(ctx context.Context, wctx *Context, eventType, nodeID string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(context.WithoutCancel(ctx), events.Event{
		Type:        eventType,
		ExecutionID: wctx.ExecutionID,
		WorkflowID:  wctx.WorkflowID,
		NodeID:      nodeID,
		Data:        data,
		Timestamp:   e.clock(),
	})
}

func (c *Context) currentNode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CurrentNodeID
}

// run is the traversal state of one Execute call.
type run struct {
	exec   *Executor
	graph  *Graph
	wctx   *Context
	logger hclog.Logger

	// pending counts the unresolved incoming edges of each node.
	pending   map[string]int
	activated map[string]bool
	// settled nodes were executed or skipped.
	settled  map[string]bool
	queued   map[string]bool
	executed map[string]bool
	queue    []string
	outputs  map[string]nodes.Outputs
}

func (r *run) traverse(ctx context.Context) error {
	starts := r.graph.StartNodes()
	if len(starts) == 0 {
		return ErrNoStartNodes
	}
	for _, id := range r.graph.Order {
		r.pending[id] = len(r.graph.Incoming[id])
	}
	for _, id := range starts {
		r.activated[id] = true
		r.enqueue(id)
	}

	for {
		if len(r.queue) == 0 && !r.release() {
			return nil
		}
		id := r.queue[0]
		r.queue = r.queue[1:]

		if err := ctx.Err(); err != nil {
			return err
		}

		outs := r.step(ctx, id)
		r.executed[id] = true
		r.settled[id] = true
		r.outputs[id] = outs
		r.resolve(id, outs)
	}
}

func (r *run) enqueue(id string) {
	r.queued[id] = true
	r.queue = append(r.queue, id)
}

// release unblocks the first activated node still waiting on edges that can
// no longer resolve, which only happens inside a cycle.
func (r *run) release() bool {
	for _, id := range r.graph.Order {
		if r.activated[id] && !r.settled[id] && !r.queued[id] {
			r.logger.Warn("releasing node blocked by a cycle", "node_id", id, "pending_edges", r.pending[id])
			r.enqueue(id)
			return true
		}
	}
	return false
}

// resolve settles the outgoing edges of a finished or skipped node.
func (r *run) resolve(id string, fired nodes.Outputs) {
	for _, edge := range r.graph.Outgoing[id] {
		target := edge.Target
		if r.settled[target] || r.queued[target] {
			continue
		}
		r.pending[target]--
		if _, ok := fired[edge.OutPort()]; ok {
			r.activated[target] = true
		}
		if r.pending[target] > 0 {
			continue
		}
		if r.activated[target] {
			r.enqueue(target)
			continue
		}
		r.settled[target] = true
		r.logger.Debug("skipping node on an inactive branch", "node_id", target)
		r.resolve(target, nil)
	}
}

// input builds the input of a node from the payloads of its incoming edges.
func (r *run) input(id string) map[string]interface{} {
	node := r.graph.Nodes[id]
	incoming := r.graph.Incoming[id]
	if node.Type() == nodes.TypeTrigger || len(incoming) == 0 {
		data := r.wctx.Scope().Data
		out := make(map[string]interface{}, len(data))
		for k, v := range data {
			out[k] = v
		}
		return out
	}

	merged := map[string]interface{}{}
	for _, edge := range incoming {
		if edge.InPort() != types.DefaultPort {
			continue
		}
		payload, ok := r.outputs[edge.Source][edge.OutPort()]
		if !ok {
			continue
		}
		if nested, ok := payload["input_data"].(map[string]interface{}); ok {
			for k, v := range nested {
				merged[k] = v
			}
		}
		for k, v := range payload {
			if k == "input_data" {
				continue
			}
			merged[k] = v
		}
	}
	return merged
}

// step executes one node and returns the ports it fired. Failures become a
// payload on the error port.
func (r *run) step(ctx context.Context, id string) nodes.Outputs {
	node := r.graph.Nodes[id]
	input := r.input(id)
	start := r.exec.clock()

	r.wctx.SetNodeState(id, types.NodeState{
		StartTime: start,
		Status:    types.NodeRunning,
		InputData: input,
	})
	r.exec.emit(ctx, r.wctx, events.NodeStarted, id, map[string]interface{}{"node_type": node.Type()})

	outs, err := r.invoke(ctx, node, input)
	end := r.exec.clock()
	duration := end.Sub(start).Seconds()

	if err != nil {
		stack := fmt.Sprintf("%+v", err)
		r.wctx.SetNodeState(id, types.NodeState{
			StartTime:  start,
			EndTime:    &end,
			Status:     types.NodeFailed,
			InputData:  input,
			Error:      err.Error(),
			StackTrace: stack,
		})
		r.wctx.AddError(id, err.Error(), map[string]interface{}{
			"stack_trace": stack,
			"node_type":   node.Type(),
		})
		r.logger.Warn("node failed", "node_id", id, "node_type", node.Type(), "error", err)
		r.exec.emit(ctx, r.wctx, events.NodeFailed, id, map[string]interface{}{
			"node_type": node.Type(),
			"error":     err.Error(),
			"duration":  duration,
		})
		return nodes.Outputs{nodes.PortError: {
			"message":    err.Error(),
			"input_data": input,
		}}
	}

	state := make(map[string]interface{}, len(outs))
	for port, payload := range outs {
		state[port] = payload
	}
	r.wctx.SetNodeState(id, types.NodeState{
		StartTime: start,
		EndTime:   &end,
		Status:    types.NodeCompleted,
		InputData: input,
		Output:    state,
	})
	r.logger.Debug("node completed", "node_id", id, "node_type", node.Type(), "ports", len(outs))
	r.exec.emit(ctx, r.wctx, events.NodeCompleted, id, map[string]interface{}{
		"node_type": node.Type(),
		"duration":  duration,
	})
	return outs
}

// invoke validates and runs a node under the node timeout, turning panics
// into errors.
func (r *run) invoke(ctx context.Context, node nodes.Node, input map[string]interface{}) (outs nodes.Outputs, err error) {
	if !node.Validate() {
		return nil, errors.WithStack(newExecutionError(
			"Node validation failed: "+strings.Join(node.ValidationErrors(), "; "), node.ID(), nil))
	}

	if r.exec.nodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.exec.nodeTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			outs = nil
			err = errors.Errorf("node %s panicked: %v", node.ID(), p)
		}
	}()

	outs, err = node.Execute(ctx, r.wctx.Scope(), input)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return outs, nil
}

// collect gathers the payloads of every executed node except error ports.
func (r *run) collect() map[string]interface{} {
	output := map[string]interface{}{}
	var missed []string
	for _, id := range r.graph.Order {
		outs, ok := r.outputs[id]
		if !ok {
			missed = append(missed, id)
			continue
		}
		for port, payload := range outs {
			if port == nodes.PortError {
				continue
			}
			output[id+"."+port] = payload
		}
	}
	if len(missed) > 0 {
		r.logger.Warn("nodes not executed", "nodes", missed)
	}
	return output
}
