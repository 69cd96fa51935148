package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsConfig configures the Prometheus sink.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
	Buckets   []float64
}

// MetricsSink counts events and observes durations in Prometheus.
type MetricsSink struct {
	config   MetricsConfig
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	registry *prometheus.Registry
}

// NewMetricsSink builds a sink registered on a private registry. A disabled
// configuration yields a sink that records nothing.
func NewMetricsSink(cfg MetricsConfig) (*MetricsSink, error) {
	if !cfg.Enabled {
		return &MetricsSink{config: cfg}, nil
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &MetricsSink{
		config:   cfg,
		registry: registry,
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "events_total",
				Help:      "Total number of persistence core events by component and name",
			},
			[]string{"component", "event"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of timed persistence operations in seconds",
				Buckets:   buckets,
			},
			[]string{"component", "event"},
		),
	}

	for _, c := range []prometheus.Collector{m.events, m.duration} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// Record implements Sink.
func (m *MetricsSink) Record(_ context.Context, ev Event) {
	if m.events == nil {
		return
	}
	m.events.WithLabelValues(ev.Component, ev.Name).Inc()
	if ev.Duration > 0 {
		m.duration.WithLabelValues(ev.Component, ev.Name).Observe(ev.Duration.Seconds())
	}
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *MetricsSink) Registry() *prometheus.Registry {
	return m.registry
}
