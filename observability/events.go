package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted      *prometheus.CounterVec
	sinkFailures *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured events and the sinks
// that consume them.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed events segmented by type.",
			}, []string{"type"}),
			sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "events",
				Name:      "sink_failures_total",
				Help:      "Count of events a sink failed to persist or deliver.",
			}, []string{"sink"}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settle",
				Subsystem: "webhooks",
				Name:      "deliveries_total",
				Help:      "Webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.sinkFailures, eventRegistry.deliveries)
	})
	return eventRegistry
}

// RecordEmitted increments the counter for the supplied event type.
func (m *eventMetrics) RecordEmitted(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// RecordSinkFailure counts a dropped or failed event for sink.
func (m *eventMetrics) RecordSinkFailure(sink string) {
	if m == nil {
		return
	}
	if sink == "" {
		sink = "unknown"
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

// RecordDelivery counts a webhook attempt with outcome success, retry or failed.
func (m *eventMetrics) RecordDelivery(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}
