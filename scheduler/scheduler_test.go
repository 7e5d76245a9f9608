package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/automation-engine/events"
	"github.com/songzhibin97/automation-engine/storage"
	"github.com/songzhibin97/automation-engine/types"
	"github.com/songzhibin97/automation-engine/workflow"
)

type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id + 100, nil
}

type triggerCall struct {
	workflowID uint64
	input      map[string]interface{}
	opts       workflow.TriggerOptions
}

type mockDispatcher struct {
	mu    sync.Mutex
	calls []triggerCall
	err   error
}

func (d *mockDispatcher) Trigger(ctx context.Context, workflowID uint64, input map[string]interface{}, opts workflow.TriggerOptions) (types.WorkflowExecution, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return types.WorkflowExecution{}, d.err
	}
	d.calls = append(d.calls, triggerCall{workflowID, input, opts})
	return types.WorkflowExecution{ID: uint64(len(d.calls)), WorkflowID: workflowID}, nil
}

func (d *mockDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

var now = at("2024-01-03T12:00:00Z")

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *storage.MemoryStorage, *mockDispatcher) {
	t.Helper()
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.SaveWorkflow(ctx, types.Workflow{ID: 1, Name: "active", IsActive: true}))
	require.NoError(t, store.SaveWorkflow(ctx, types.Workflow{ID: 2, Name: "paused", IsActive: false}))

	d := &mockDispatcher{}
	opts = append([]Option{WithClock(func() time.Time { return now }), WithIDGenerator(&MockGenerator{})}, opts...)
	return New(store, d, opts...), store, d
}

func dueSchedule(id, workflowID uint64) types.WorkflowSchedule {
	return types.WorkflowSchedule{
		ID:         id,
		WorkflowID: workflowID,
		Frequency:  types.FrequencyDaily,
		RunAtHour:  9,
		Timezone:   "UTC",
		InputData:  map[string]interface{}{"client_id": "c-1"},
		NextRun:    now.Add(-time.Minute),
		IsActive:   true,
	}
}

func TestAddSchedule(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	sched, err := s.AddSchedule(ctx, types.WorkflowSchedule{
		WorkflowID:      1,
		Name:            "month end",
		Frequency:       types.FrequencyMonthly,
		RunAtHour:       9,
		RunOnDayOfMonth: 31,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(101), sched.ID)
	assert.Equal(t, DefaultTimezone, sched.Timezone)
	assert.True(t, sched.IsActive)
	assert.True(t, sched.NextRun.Equal(at("2024-01-31T09:00:00Z")))

	stored, err := store.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "month end", stored.Name)

	_, err = s.AddSchedule(ctx, types.WorkflowSchedule{WorkflowID: 1, Frequency: "yearly"})
	assert.True(t, errors.Is(err, ErrInvalidSchedule))

	_, err = s.AddSchedule(ctx, types.WorkflowSchedule{WorkflowID: 9, Frequency: types.FrequencyDaily})
	assert.True(t, errors.Is(err, storage.ErrWorkflowNotFound))

	require.NoError(t, s.RemoveSchedule(ctx, sched.ID))
	_, err = store.GetSchedule(ctx, sched.ID)
	assert.True(t, errors.Is(err, storage.ErrScheduleNotFound))
}

func TestRunDue(t *testing.T) {
	s, store, d := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSchedule(ctx, dueSchedule(1, 1)))
	require.NoError(t, store.SaveSchedule(ctx, dueSchedule(2, 2)))
	future := dueSchedule(3, 1)
	future.NextRun = now.Add(time.Hour)
	require.NoError(t, store.SaveSchedule(ctx, future))

	fired, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	require.Equal(t, 1, d.count())
	call := d.calls[0]
	assert.Equal(t, uint64(1), call.workflowID)
	assert.Equal(t, "c-1", call.input["client_id"])
	assert.Equal(t, uint64(1), call.opts.ScheduleID)
	assert.Equal(t, TriggeredBy, call.opts.TriggeredBy)

	sched, err := store.GetSchedule(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, sched.LastRun)
	assert.True(t, sched.LastRun.Equal(now))
	assert.True(t, sched.NextRun.Equal(at("2024-01-04T09:00:00Z")))

	paused, err := store.GetSchedule(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, paused.LastRun, "schedules of inactive workflows do not fire")

	fired, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired, "a claimed schedule does not fire twice")
}

func TestRunDueConcurrentSchedulersFireOnce(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.SaveWorkflow(ctx, types.Workflow{ID: 1, IsActive: true}))
	require.NoError(t, store.SaveSchedule(ctx, dueSchedule(1, 1)))

	d := &mockDispatcher{}
	clock := WithClock(func() time.Time { return now })
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := New(store, d, clock).RunDue(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, d.count())
}

func TestRunDueDeactivatesFailingSchedules(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	got := make(chan events.Event, 4)
	bus.SubscribeFunc(events.ScheduleDeactivated, func(ctx context.Context, ev events.Event) error {
		got <- ev
		return nil
	})

	s, store, d := newTestScheduler(t, WithMaxFailures(3), WithEventBus(bus))
	ctx := context.Background()

	failing := dueSchedule(1, 1)
	failing.FailureCount = 3
	require.NoError(t, store.SaveSchedule(ctx, failing))

	fired, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
	assert.Equal(t, 0, d.count())

	sched, err := store.GetSchedule(ctx, 1)
	require.NoError(t, err)
	assert.False(t, sched.IsActive)

	select {
	case ev := <-got:
		assert.Equal(t, uint64(1), ev.Data["schedule_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected a schedule_deactivated event")
	}
}

func TestRunDueDispatchFailureCounts(t *testing.T) {
	s, store, d := newTestScheduler(t)
	d.err = errors.New("queue full")
	ctx := context.Background()
	require.NoError(t, store.SaveSchedule(ctx, dueSchedule(1, 1)))

	fired, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	sched, err := store.GetSchedule(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sched.FailureCount)
}

func TestCleanup(t *testing.T) {
	s, store, _ := newTestScheduler(t, WithRetention(24*time.Hour))
	ctx := context.Background()

	old := now.Add(-48 * time.Hour)
	for i, status := range []string{types.ExecutionCompleted, types.ExecutionFailed, types.ExecutionCancelled, types.ExecutionRunning} {
		require.NoError(t, store.CreateExecution(ctx, types.WorkflowExecution{
			ID: uint64(i + 1), WorkflowID: 1, Status: status, CreatedAt: old,
		}))
	}
	require.NoError(t, store.CreateExecution(ctx, types.WorkflowExecution{
		ID: 10, WorkflowID: 1, Status: types.ExecutionCompleted, CreatedAt: now,
	}))

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	left, err := store.ListExecutions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, types.ExecutionRunning, left[0].Status)
	assert.Equal(t, uint64(10), left[1].ID)
}

func TestStartStop(t *testing.T) {
	s, store, d := newTestScheduler(t, WithInterval(time.Second))
	require.NoError(t, store.SaveSchedule(context.Background(), dueSchedule(1, 1)))

	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "starting twice is a no-op")

	assert.Eventually(t, func() bool { return d.count() == 1 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestStartRejectsBadCleanupSpec(t *testing.T) {
	s, _, _ := newTestScheduler(t, WithCleanupSpec("every tuesday"))
	assert.Error(t, s.Start())
}
