package workflow

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/songzhibin97/chatflow-engine/events"
)

// MetricsCollector turns engine events into prometheus counters.
type MetricsCollector struct {
	events *prometheus.CounterVec
	nodes  *prometheus.CounterVec
	sends  prometheus.Counter
}

// NewMetricsCollector creates the collector and registers its metrics with reg.
func NewMetricsCollector(reg prometheus.Registerer) (*MetricsCollector, error) {
	m := &MetricsCollector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_events_total",
			Help: "Engine lifecycle events by type.",
		}, []string{"type"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_node_executions_total",
			Help: "Executed nodes by node type.",
		}, []string{"type"}),
		sends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatflow_messages_sent_total",
			Help: "Nodes that delivered a message through the gateway.",
		}),
	}
	for _, c := range []prometheus.Collector{m.events, m.nodes, m.sends} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Attach subscribes the collector to every engine event type on bus.
func (m *MetricsCollector) Attach(bus *events.EventBus) {
	for _, typ := range events.Types {
		bus.Subscribe(typ, m)
	}
}

// Handle implements events.EventHandler.
func (m *MetricsCollector) Handle(_ context.Context, ev events.Event) error {
	m.events.WithLabelValues(ev.Type).Inc()
	if ev.Type != events.NodeExecuted {
		return nil
	}
	if typ, ok := ev.Data["node_type"].(string); ok {
		m.nodes.WithLabelValues(typ).Inc()
	}
	if sent, ok := ev.Data["sent"].(bool); ok && sent {
		m.sends.Inc()
	}
	return nil
}
