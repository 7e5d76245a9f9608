package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/automation-engine/events"
	"github.com/songzhibin97/automation-engine/storage"
	"github.com/songzhibin97/automation-engine/types"
	"github.com/songzhibin97/automation-engine/workflow"
)

// Defaults used when an option is not set.
const (
	DefaultInterval    = time.Minute
	DefaultCleanupSpec = "@daily"
	DefaultRetention   = 30 * 24 * time.Hour
	DefaultMaxFailures = 5
)

// TriggeredBy is recorded on executions the scheduler creates.
const TriggeredBy = workflow.SystemPrefix + "scheduler"

// Dispatcher starts a persisted run of a workflow.
type Dispatcher interface {
	Trigger(ctx context.Context, workflowID uint64, input map[string]interface{}, opts workflow.TriggerOptions) (types.WorkflowExecution, error)
}

// Scheduler fires due schedules and prunes old executions.
type Scheduler struct {
	store       storage.Storage
	dispatcher  Dispatcher
	generate    generator.Generator
	logger      hclog.Logger
	bus         *events.EventBus
	clock       func() time.Time
	interval    time.Duration
	cleanupSpec string
	retention   time.Duration
	maxFailures int

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger hclog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventBus publishes schedule events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator sets the schedule id generator.
func WithIDGenerator(g generator.Generator) Option {
	return func(s *Scheduler) {
		if g != nil {
			s.generate = g
		}
	}
}

// WithInterval sets how often due schedules are checked.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithCleanupSpec sets the cron spec of the cleanup job.
func WithCleanupSpec(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.cleanupSpec = spec
		}
	}
}

// WithRetention sets how long finished executions are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithMaxFailures deactivates schedules after n consecutive failed runs.
// Zero disables deactivation.
func WithMaxFailures(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxFailures = n
		}
	}
}

// New creates a Scheduler.
func New(store storage.Storage, dispatcher Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		dispatcher:  dispatcher,
		logger:      hclog.NewNullLogger(),
		clock:       time.Now,
		interval:    DefaultInterval,
		cleanupSpec: DefaultCleanupSpec,
		retention:   DefaultRetention,
		maxFailures: DefaultMaxFailures,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.generate == nil {
		s.generate = generator.NewSnowflake(time.Now().Add(-time.Second), 2)
	}
	return s
}

// AddSchedule validates sched, computes its first run and stores it as an
// active schedule.
func (s *Scheduler) AddSchedule(ctx context.Context, sched types.WorkflowSchedule) (types.WorkflowSchedule, error) {
	if err := ValidateSchedule(sched); err != nil {
		return types.WorkflowSchedule{}, err
	}
	if _, err := s.store.GetWorkflow(ctx, sched.WorkflowID); err != nil {
		return types.WorkflowSchedule{}, err
	}
	if sched.ID == 0 {
		id, err := s.generate.NextID()
		if err != nil {
			return types.WorkflowSchedule{}, fmt.Errorf("failed to generate schedule id: %w", err)
		}
		sched.ID = id
	}
	if sched.Timezone == "" {
		sched.Timezone = DefaultTimezone
	}
	now := s.clock()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.NextRun = NextRun(sched, now)
	sched.IsActive = true

	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		return types.WorkflowSchedule{}, err
	}
	s.logger.Info("schedule added", "schedule_id", sched.ID, "workflow_id", sched.WorkflowID, "next_run", sched.NextRun)
	return sched, nil
}

// RemoveSchedule deletes a schedule.
func (s *Scheduler) RemoveSchedule(ctx context.Context, id uint64) error {
	return s.store.DeleteSchedule(ctx, id)
}

// RunDue fires every active schedule whose next run has passed and returns
// how many runs were started. A schedule fires only for the caller that
// wins the claim on its next run.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	now := s.clock()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due schedules: %w", err)
	}

	fired := 0
	for _, sched := range due {
		if err := ctx.Err(); err != nil {
			return fired, err
		}
		if s.fire(ctx, sched, now) {
			fired++
		}
	}
	if fired > 0 {
		s.logger.Info("scheduled workflows started", "count", fired)
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, sched types.WorkflowSchedule, now time.Time) bool {
	logger := s.logger.With("schedule_id", sched.ID, "workflow_id", sched.WorkflowID)

	wf, err := s.store.GetWorkflow(ctx, sched.WorkflowID)
	if err != nil {
		logger.Error("failed to load workflow", "error", err)
		return false
	}
	if !wf.IsActive {
		logger.Warn("workflow is inactive, skipping scheduled execution")
		return false
	}

	if s.maxFailures > 0 && sched.FailureCount >= s.maxFailures {
		if err := s.store.DeactivateSchedule(ctx, sched.ID); err != nil {
			logger.Error("failed to deactivate schedule", "error", err)
			return false
		}
		logger.Warn("schedule deactivated after repeated failures", "failures", sched.FailureCount)
		s.emit(ctx, events.ScheduleDeactivated, map[string]interface{}{
			"schedule_id": sched.ID,
			"failures":    sched.FailureCount,
		}, sched.WorkflowID)
		return false
	}

	next := NextRun(sched, now)
	claimed, err := s.store.ClaimSchedule(ctx, sched.ID, sched.NextRun, now, next)
	if err != nil {
		logger.Error("failed to claim schedule", "error", err)
		return false
	}
	if !claimed {
		logger.Debug("schedule claimed elsewhere")
		return false
	}

	input := make(map[string]interface{}, len(sched.InputData))
	for k, v := range sched.InputData {
		input[k] = v
	}
	exec, err := s.dispatcher.Trigger(ctx, wf.ID, input, workflow.TriggerOptions{
		ScheduleID:  sched.ID,
		TriggeredBy: TriggeredBy,
	})
	if err != nil {
		logger.Error("failed to start scheduled execution", "error", err)
		if err := s.store.RecordScheduleOutcome(ctx, sched.ID, true); err != nil {
			logger.Warn("failed to record schedule outcome", "error", err)
		}
		return false
	}

	logger.Info("scheduled execution started", "execution_id", exec.ID, "next_run", next)
	s.emit(ctx, events.ScheduleFired, map[string]interface{}{
		"schedule_id":  sched.ID,
		"execution_id": exec.ID,
		"next_run":     next,
	}, sched.WorkflowID)
	return true
}

// Cleanup deletes finished executions older than the retention window.
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.clock().Add(-s.retention)
	n, err := s.store.DeleteExecutionsBefore(ctx, cutoff, []string{
		types.ExecutionCompleted,
		types.ExecutionFailed,
		types.ExecutionCancelled,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up executions: %w", err)
	}
	s.logger.Info("old executions deleted", "count", n, "cutoff", cutoff)
	s.emit(ctx, events.ExecutionsCleaned, map[string]interface{}{"count": n}, 0)
	return n, nil
}

func (s *Scheduler) emit(ctx context.Context, eventType string, data map[string]interface{}, workflowID uint64) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(ctx, events.Event{
		Type:       eventType,
		WorkflowID: workflowID,
		Data:       data,
		Timestamp:  s.clock(),
	})
}

// Start runs RunDue every interval and Cleanup on the cleanup spec until Stop
// is called. Overlapping ticks are skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := cronLogger{logger: s.logger.Named("cron")}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := c.AddFunc("@every "+s.interval.String(), func() {
		if _, err := s.RunDue(ctx); err != nil {
			s.logger.Error("scheduled run check failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule run check: %w", err)
	}
	if _, err := c.AddFunc(s.cleanupSpec, func() {
		if _, err := s.Cleanup(ctx); err != nil {
			s.logger.Error("cleanup failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule cleanup %q: %w", s.cleanupSpec, err)
	}

	c.Start()
	s.cron = c
	s.cancel = cancel
	s.logger.Info("scheduler started", "interval", s.interval, "cleanup", s.cleanupSpec)
	return nil
}

// Stop halts the cron loop, cancels in-flight checks and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	done := c.Stop()
	<-done.Done()
	s.logger.Info("scheduler stopped")
}

// cronLogger adapts hclog to cron.Logger.
type cronLogger struct {
	logger hclog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
