// Package metrics exposes Prometheus metrics for workflow runs and schedules.
// A Collector is fed by the engine event bus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/songzhibin97/automation-engine/events"
)

const namespace = "flowengine"

// Outcome label values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Collector holds the engine metrics.
type Collector struct {
	ExecutionsTotal      *prometheus.CounterVec
	NodeExecutionsTotal  *prometheus.CounterVec
	ExecutionDuration    prometheus.Histogram
	NodeDuration         *prometheus.HistogramVec
	SchedulesFired       prometheus.Counter
	SchedulesDeactivated prometheus.Counter
	ExecutionsCleaned    prometheus.Counter
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of finished workflow executions by status",
		}, []string{"status"}),
		NodeExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions by node type and status",
		}, []string{"type", "status"}),
		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Duration of workflow executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}),
		NodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of node executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"type"}),
		SchedulesFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedules_fired_total",
			Help:      "Total number of schedule firings that dispatched an execution",
		}),
		SchedulesDeactivated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedules_deactivated_total",
			Help:      "Total number of schedules deactivated after repeated failures",
		}),
		ExecutionsCleaned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_cleaned_total",
			Help:      "Total number of execution records removed by cleanup",
		}),
	}
}

// Subscribe registers c for every engine event on bus.
func (c *Collector) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll(c)
}

// Handle implements events.EventHandler.
func (c *Collector) Handle(_ context.Context, event events.Event) error {
	switch event.Type {
	case events.NodeCompleted, events.NodeFailed:
		status := StatusCompleted
		if event.Type == events.NodeFailed {
			status = StatusFailed
		}
		nodeType := stringValue(event.Data, "node_type")
		c.NodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
		if d, ok := floatValue(event.Data, "duration"); ok {
			c.NodeDuration.WithLabelValues(nodeType).Observe(d)
		}
	case events.ExecutionCompleted:
		c.ExecutionsTotal.WithLabelValues(StatusCompleted).Inc()
		c.observeDuration(event)
	case events.ExecutionFailed:
		c.ExecutionsTotal.WithLabelValues(StatusFailed).Inc()
		c.observeDuration(event)
	case events.ScheduleFired:
		c.SchedulesFired.Inc()
	case events.ScheduleDeactivated:
		c.SchedulesDeactivated.Inc()
	case events.ExecutionsCleaned:
		if n, ok := floatValue(event.Data, "count"); ok && n > 0 {
			c.ExecutionsCleaned.Add(n)
		}
	}
	return nil
}

func (c *Collector) observeDuration(event events.Event) {
	if d, ok := floatValue(event.Data, "duration"); ok {
		c.ExecutionDuration.Observe(d)
	}
}

func stringValue(data map[string]interface{}, key string) string {
	if s, ok := data[key].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

func floatValue(data map[string]interface{}, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
