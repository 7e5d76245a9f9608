package workflow

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/songzhibin97/gkit/generator"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/automation-engine/services"
	"github.com/songzhibin97/automation-engine/storage"
	"github.com/songzhibin97/automation-engine/types"
)

// ErrWorkflowInactive is returned when triggering a disabled workflow.
var ErrWorkflowInactive = errors.New("workflow is inactive")

// SystemPrefix marks TriggeredBy values that name a component rather than a
// user id, e.g. "system:scheduler".
const SystemPrefix = "system:"

// TriggerOptions describe who or what started a run.
type TriggerOptions struct {
	ScheduleID  uint64
	TaskID      string
	TriggeredBy string
}

// Runner turns persisted execution records into workflow runs.
type Runner struct {
	store    storage.Storage
	executor *Executor
	lookup   services.RecordLookup
	generate generator.Generator
	logger   hclog.Logger
	clock    func() time.Time
	workers  int

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger hclog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLookup resolves the client, user and task records of a run.
func WithLookup(lookup services.RecordLookup) RunnerOption {
	return func(r *Runner) { r.lookup = lookup }
}

// WithIDGenerator sets the execution id generator.
func WithIDGenerator(g generator.Generator) RunnerOption {
	return func(r *Runner) {
		if g != nil {
			r.generate = g
		}
	}
}

// WithWorkers bounds the number of concurrent runs.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithRunnerClock overrides the time source.
func WithRunnerClock(clock func() time.Time) RunnerOption {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRunner creates a Runner. Ids default to a snowflake generator.
func NewRunner(store storage.Storage, executor *Executor, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    store,
		executor: executor,
		logger:   hclog.NewNullLogger(),
		clock:    time.Now,
		workers:  4,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.generate == nil {
		r.generate = generator.NewSnowflake(time.Now().Add(-time.Second), 1)
	}
	r.group = new(errgroup.Group)
	r.group.SetLimit(r.workers)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// NextID returns a fresh id from the runner's generator.
func (r *Runner) NextID() (uint64, error) {
	return r.generate.NextID()
}

// Enqueue stores a pending execution record for workflowID without running it.
func (r *Runner) Enqueue(ctx context.Context, workflowID uint64, input map[string]interface{}, opts TriggerOptions) (types.WorkflowExecution, error) {
	select {
	case <-ctx.Done():
		return types.WorkflowExecution{}, ctx.Err()
	default:
	}

	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return types.WorkflowExecution{}, err
	}
	if !wf.IsActive {
		return types.WorkflowExecution{}, errors.Wrapf(ErrWorkflowInactive, "workflow %d", workflowID)
	}

	id, err := r.generate.NextID()
	if err != nil {
		return types.WorkflowExecution{}, errors.Wrap(err, "failed to generate execution id")
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	exec := types.WorkflowExecution{
		ID:          id,
		WorkflowID:  workflowID,
		ScheduleID:  opts.ScheduleID,
		TaskID:      opts.TaskID,
		TriggeredBy: opts.TriggeredBy,
		Status:      types.ExecutionPending,
		InputData:   input,
		CreatedAt:   r.clock(),
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return types.WorkflowExecution{}, err
	}
	return exec, nil
}

// Trigger creates a pending execution and hands it to the worker pool.
func (r *Runner) Trigger(ctx context.Context, workflowID uint64, input map[string]interface{}, opts TriggerOptions) (types.WorkflowExecution, error) {
	exec, err := r.Enqueue(ctx, workflowID, input, opts)
	if err != nil {
		return exec, err
	}
	if err := r.Dispatch(exec.ID); err != nil {
		return exec, err
	}
	return exec, nil
}

// Dispatch runs an execution on the worker pool. It blocks while every
// worker is busy.
func (r *Runner) Dispatch(executionID uint64) error {
	if r.ctx.Err() != nil {
		return ErrRunnerStopped
	}
	r.group.Go(func() error {
		if err := r.Run(r.ctx, executionID); err != nil {
			r.logger.Warn("execution finished with error", "execution_id", executionID, "error", err)
		}
		return nil
	})
	return nil
}

// Wait blocks until every dispatched run has finished.
func (r *Runner) Wait() {
	_ = r.group.Wait()
}

// Stop cancels in-flight runs and waits for the pool to drain.
func (r *Runner) Stop() {
	r.cancel()
	r.Wait()
}

// Cancel marks a pending execution cancelled. It reports false when the
// execution already left the pending state.
func (r *Runner) Cancel(ctx context.Context, executionID uint64) (bool, error) {
	ok, err := r.store.TransitionExecution(ctx, executionID, types.ExecutionPending, types.ExecutionCancelled)
	if err != nil {
		return false, err
	}
	if ok {
		r.logger.Info("execution cancelled", "execution_id", executionID)
	}
	return ok, nil
}

// Run processes a pending execution. Records in any other status are left
// alone. The returned error is the run failure, if any, after the record
// has been persisted.
func (r *Runner) Run(ctx context.Context, executionID uint64) error {
	logger := r.logger.With("execution_id", executionID)

	claimed, err := r.store.TransitionExecution(ctx, executionID, types.ExecutionPending, types.ExecutionRunning)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug("execution is not pending, skipping")
		return nil
	}

	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		// The claim already moved the record to running. Mark it failed so
		// it is not left running forever.
		if _, terr := r.store.TransitionExecution(context.WithoutCancel(ctx), executionID,
			types.ExecutionRunning, types.ExecutionFailed); terr != nil {
			logger.Error("failed to release claimed execution", "error", terr)
		}
		return err
	}
	started := r.clock()
	exec.Status = types.ExecutionRunning
	exec.StartedAt = &started

	wf, err := r.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return r.finish(ctx, exec, nil, nil, err)
	}

	def := wf.Definition
	wctx := NewContext(
		WithExecutionID(strconv.FormatUint(exec.ID, 10)),
		WithWorkflow(wf.ID, &def),
		WithData(copyInput(exec.InputData)),
		WithClient(r.resolve(ctx, logger, "client", clientID(exec.InputData))),
		WithUser(r.resolve(ctx, logger, "user", exec.TriggeredBy)),
		WithTask(r.resolve(ctx, logger, "task", exec.TaskID)),
		WithClock(r.clock),
	)

	logger.Info("running workflow", "workflow_id", wf.ID)
	output, runErr := r.executor.Execute(ctx, def, wctx)
	return r.finish(ctx, exec, wctx, output, runErr)
}

// finish persists the outcome of a run. It writes even when ctx was
// cancelled so that interrupted runs are recorded as failed.
func (r *Runner) finish(ctx context.Context, exec types.WorkflowExecution, wctx *Context, output map[string]interface{}, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	done := r.clock()
	exec.CompletedAt = &done
	if runErr != nil {
		exec.Status = types.ExecutionFailed
		exec.ErrorMessage = runErr.Error()
	} else {
		exec.Status = types.ExecutionCompleted
		exec.OutputData = output
	}
	if wctx != nil {
		snapshot, err := json.Marshal(wctx)
		if err != nil {
			r.logger.Warn("failed to encode context", "execution_id", exec.ID, "error", err)
		} else {
			exec.Context = snapshot
		}
	}

	if err := r.store.SaveExecution(ctx, exec); err != nil {
		return errors.Wrapf(err, "failed to save execution %d", exec.ID)
	}
	if exec.ScheduleID != 0 {
		if err := r.store.RecordScheduleOutcome(ctx, exec.ScheduleID, runErr != nil); err != nil {
			r.logger.Warn("failed to record schedule outcome", "schedule_id", exec.ScheduleID, "error", err)
		}
	}
	return runErr
}

func (r *Runner) resolve(ctx context.Context, logger hclog.Logger, kind, id string) map[string]interface{} {
	if r.lookup == nil || id == "" || strings.HasPrefix(id, SystemPrefix) {
		return nil
	}
	var (
		rec map[string]interface{}
		err error
	)
	switch kind {
	case "client":
		rec, err = r.lookup.Client(ctx, id)
	case "user":
		rec, err = r.lookup.User(ctx, id)
	case "task":
		rec, err = r.lookup.Task(ctx, id)
	}
	if err != nil {
		logger.Warn("record lookup failed", "kind", kind, "id", id, "error", err)
		return nil
	}
	return rec
}

func clientID(input map[string]interface{}) string {
	switch v := input["client_id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	}
	return ""
}

func copyInput(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
