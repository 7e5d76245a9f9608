package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/songzhibin97/automation-engine/events"
	"github.com/songzhibin97/automation-engine/nodes"
	"github.com/songzhibin97/automation-engine/storage"
	"github.com/songzhibin97/automation-engine/types"
)

// Engine ties the registry, executor, runner and event bus together and
// keeps a cache of registered workflows.
type Engine struct {
	store    storage.Storage
	registry *nodes.Registry
	executor *Executor
	runner   *Runner
	eventBus *events.EventBus
	logger   hclog.Logger
	clock    func() time.Time

	mu        sync.RWMutex
	workflows map[uint64]types.Workflow
}

// EngineConfig holds the collaborators of an Engine. Store and Registry are
// required; the rest fall back to defaults.
type EngineConfig struct {
	Store       storage.Storage
	Registry    *nodes.Registry
	EventBus    *events.EventBus
	Logger      hclog.Logger
	NodeTimeout time.Duration
	RunTimeout  time.Duration
	RunnerOpts  []RunnerOption
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.EventBus == nil {
		cfg.EventBus = events.NewEventBus(events.WithLogger(cfg.Logger.Named("events")))
	}

	executor := NewExecutor(cfg.Registry,
		WithLogger(cfg.Logger.Named("executor")),
		WithEventBus(cfg.EventBus),
		WithNodeTimeout(cfg.NodeTimeout),
		WithRunTimeout(cfg.RunTimeout),
	)
	runnerOpts := append([]RunnerOption{WithRunnerLogger(cfg.Logger.Named("runner"))}, cfg.RunnerOpts...)

	return &Engine{
		store:     cfg.Store,
		registry:  cfg.Registry,
		executor:  executor,
		runner:    NewRunner(cfg.Store, executor, runnerOpts...),
		eventBus:  cfg.EventBus,
		logger:    cfg.Logger,
		clock:     time.Now,
		workflows: make(map[uint64]types.Workflow),
	}, nil
}

// Executor returns the engine's executor.
func (e *Engine) Executor() *Executor { return e.executor }

// Runner returns the engine's runner.
func (e *Engine) Runner() *Runner { return e.runner }

// EventBus returns the bus lifecycle events are published on.
func (e *Engine) EventBus() *events.EventBus { return e.eventBus }

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// RegisterWorkflow validates and persists a workflow. A zero id is replaced
// by a generated one and the trigger type is derived from the definition.
func (e *Engine) RegisterWorkflow(ctx context.Context, wf types.Workflow) (types.Workflow, error) {
	select {
	case <-ctx.Done():
		return types.Workflow{}, ctx.Err()
	default:
	}

	if len(wf.Definition.Nodes) == 0 {
		return types.Workflow{}, errors.New("workflow must have at least one node")
	}
	g, err := ParseGraph(e.registry, wf.Definition, e.logger)
	if err != nil {
		return types.Workflow{}, err
	}
	if len(g.StartNodes()) == 0 {
		return types.Workflow{}, ErrNoStartNodes
	}

	if wf.ID == 0 {
		id, err := e.runner.NextID()
		if err != nil {
			return types.Workflow{}, errors.Wrap(err, "failed to generate workflow id")
		}
		wf.ID = id
	}
	now := e.clock()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	wf.Definition.TriggerType = wf.Definition.DetectTriggerType()

	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return types.Workflow{}, fmt.Errorf("failed to save workflow: %w", err)
	}

	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()
	e.logger.Info("workflow registered", "workflow_id", wf.ID, "nodes", len(wf.Definition.Nodes))
	return wf, nil
}

// GetWorkflow retrieves a workflow by ID, checking the cache first.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID uint64) (types.Workflow, error) {
	e.mu.RLock()
	wf, ok := e.workflows[workflowID]
	e.mu.RUnlock()
	if ok {
		return wf, nil
	}

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return types.Workflow{}, fmt.Errorf("failed to get workflow: %w", err)
	}

	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()
	return wf, nil
}

// DeleteWorkflow removes a workflow from storage and the cache.
func (e *Engine) DeleteWorkflow(ctx context.Context, workflowID uint64) error {
	if err := e.store.DeleteWorkflow(ctx, workflowID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.workflows, workflowID)
	e.mu.Unlock()
	return nil
}

// Trigger starts a persisted run of a registered workflow.
func (e *Engine) Trigger(ctx context.Context, workflowID uint64, input map[string]interface{}, opts TriggerOptions) (types.WorkflowExecution, error) {
	return e.runner.Trigger(ctx, workflowID, input, opts)
}

// Execute runs a definition in-process without persisting a record.
func (e *Engine) Execute(ctx context.Context, def types.Definition, opts ...ContextOption) (*Context, error) {
	wctx := NewContext(opts...)
	_, err := e.executor.Execute(ctx, def, wctx)
	return wctx, err
}

// Stop waits for in-flight runs and stops the event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.runner.Stop()
		e.eventBus.Stop()
		return nil
	}
}
