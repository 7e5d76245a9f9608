package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/automation-engine/events"
)

func TestCollectorHandle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	ctx := context.Background()

	evs := []events.Event{
		{Type: events.NodeStarted, Data: map[string]interface{}{"node_type": "email"}},
		{Type: events.NodeCompleted, Data: map[string]interface{}{"node_type": "email", "duration": 0.02}},
		{Type: events.NodeCompleted, Data: map[string]interface{}{"node_type": "email", "duration": 0.03}},
		{Type: events.NodeFailed, Data: map[string]interface{}{"node_type": "webhook", "duration": 1.5, "error": "boom"}},
		{Type: events.ExecutionCompleted, Data: map[string]interface{}{"duration": 2.0}},
		{Type: events.ExecutionFailed, Data: map[string]interface{}{"duration": 0.5}},
		{Type: events.ExecutionFailed},
		{Type: events.ScheduleFired},
		{Type: events.ScheduleDeactivated},
		{Type: events.ExecutionsCleaned, Data: map[string]interface{}{"count": int64(3)}},
		{Type: events.ExecutionsCleaned, Data: map[string]interface{}{"count": int64(0)}},
	}
	for _, ev := range evs {
		require.NoError(t, c.Handle(ctx, ev))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(c.NodeExecutionsTotal.WithLabelValues("email", StatusCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NodeExecutionsTotal.WithLabelValues("webhook", StatusFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ExecutionsTotal.WithLabelValues(StatusCompleted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ExecutionsTotal.WithLabelValues(StatusFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SchedulesFired))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SchedulesDeactivated))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.ExecutionsCleaned))

	assert.Equal(t, 1, testutil.CollectAndCount(c.ExecutionDuration))
	n, err := testutil.GatherAndCount(reg, "flowengine_execution_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollectorUnknownNodeType(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	require.NoError(t, c.Handle(context.Background(), events.Event{Type: events.NodeCompleted}))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.NodeExecutionsTotal.WithLabelValues("unknown", StatusCompleted)))
}

func TestCollectorSubscribe(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	bus := events.NewEventBus()
	c.Subscribe(bus)

	require.NoError(t, bus.Publish(context.Background(), events.Event{Type: events.ScheduleFired}))
	require.NoError(t, bus.Publish(context.Background(), events.Event{
		Type: events.ExecutionCompleted,
		Data: map[string]interface{}{"duration": 0.1},
	}))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(c.ExecutionsTotal.WithLabelValues(StatusCompleted)) == 1
	}, time.Second, 10*time.Millisecond)
	bus.Stop()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SchedulesFired))
}

func TestNewCollectorDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}
