package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EventLogMetrics counts appended log entries and deliveries dropped because
// a stream subscriber fell behind.
type EventLogMetrics struct {
	committed *prometheus.CounterVec
	dropped   prometheus.Counter
}

var (
	eventMetricsOnce sync.Once
	eventMetrics     *EventLogMetrics
)

func Events() *EventLogMetrics {
	eventMetricsOnce.Do(func() {
		eventMetrics = &EventLogMetrics{
			committed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "podescrow",
				Subsystem: "events",
				Name:      "committed_total",
				Help:      "Events appended to the ledger log by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "podescrow",
				Subsystem: "events",
				Name:      "subscriber_dropped_total",
				Help:      "Live deliveries skipped for lagging subscribers.",
			}),
		}
		prometheus.MustRegister(eventMetrics.committed, eventMetrics.dropped)
	})
	return eventMetrics
}

func (m *EventLogMetrics) Record(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.ToLower(strings.TrimSpace(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.committed.WithLabelValues(normalized).Inc()
}

func (m *EventLogMetrics) RecordDrop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
