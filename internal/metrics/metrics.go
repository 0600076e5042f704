// Package metrics holds the Prometheus collectors for the engine. Collectors
// are registered on an injected registry rather than the global default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "abengine"

// Reasons reported on events_dropped_total.
const (
	DropUnknownExperiment = "unknown_experiment"
	DropUnknownVariant    = "unknown_variant"
	DropNotCollecting     = "not_collecting"
	DropMissingVisitor    = "missing_visitor"
)

type Metrics struct {
	Assignments   *prometheus.CounterVec
	EventsTotal   *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	QueueDepth    prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Assignments: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Visitor-to-variant assignments."},
			[]string{"experiment_id", "variant_id", "fallback"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "events_recorded_total", Help: "Exposure and conversion events counted."},
			[]string{"experiment_id", "variant_id", "type"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events not counted, by reason."},
			[]string{"type", "reason"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Lifecycle transitions applied."},
			[]string{"experiment_id", "event"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "event_queue_depth", Help: "Events waiting to be persisted."},
		),
	}

	for _, c := range []prometheus.Collector{m.Assignments, m.EventsTotal, m.EventsDropped, m.Transitions, m.QueueDepth} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewUnregistered returns collectors on a private registry, for tests and
// callers that do not expose /metrics.
func NewUnregistered() *Metrics {
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		panic(err)
	}
	return m
}
