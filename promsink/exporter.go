// Package promsink turns fallback monitoring events into Prometheus metrics.
package promsink

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	fallback "github.com/JohnPlummer/jp-go-fallback"
)

// Compile-time interface checks.
var (
	_ fallback.Exporter = (*Exporter)(nil)
	_ fallback.Sink     = (*Exporter)(nil)
)

// Exporter counts every event by name and derives request latency, circuit
// state and queue depth from the events that carry them. It can be used
// directly as a fallback.Sink or behind a fallback.AsyncSink.
type Exporter struct {
	events       *prometheus.CounterVec
	responseTime *prometheus.HistogramVec
	circuitState *prometheus.GaugeVec
	queueDepth   prometheus.Gauge
}

// New creates the metrics under namespace and registers them with reg.
// A nil reg uses a fresh registry, useful in tests.
func New(reg prometheus.Registerer, namespace string) (*Exporter, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	e := &Exporter{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of resilience events by name",
			},
			[]string{"event"},
		),
		responseTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of successful backend attempts",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint_class"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Circuit breaker state per endpoint class (0 closed, 1 half-open, 2 open)",
			},
			[]string{"endpoint_class"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "offline_queue_depth",
				Help:      "Writes waiting in the offline queue",
			},
		),
	}

	for _, c := range []prometheus.Collector{e.events, e.responseTime, e.circuitState, e.queueDepth} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return e, nil
}

// Record implements fallback.Sink.
func (e *Exporter) Record(event string, props fallback.Properties) {
	e.events.WithLabelValues(event).Inc()

	switch event {
	case fallback.EventRequestSucceeded:
		if ms, ok := intProp(props, "response_time_ms"); ok {
			e.responseTime.WithLabelValues(stringProp(props, "endpoint_class")).Observe(float64(ms) / 1000)
		}
	case fallback.EventCircuitClosed:
		e.circuitState.WithLabelValues(stringProp(props, "endpoint_class")).Set(0)
	case fallback.EventCircuitHalfOpen:
		e.circuitState.WithLabelValues(stringProp(props, "endpoint_class")).Set(1)
	case fallback.EventCircuitOpened:
		e.circuitState.WithLabelValues(stringProp(props, "endpoint_class")).Set(2)
	case fallback.EventQueueItemAdded:
		e.queueDepth.Inc()
	case fallback.EventQueueItemReplayed, fallback.EventQueueItemDiscarded:
		e.queueDepth.Dec()
	}
}

// Export implements fallback.Exporter.
func (e *Exporter) Export(_ context.Context, events []fallback.Event) error {
	for _, ev := range events {
		e.Record(ev.Name, ev.Properties)
	}
	return nil
}

// SetQueueDepth overwrites the queue depth gauge, e.g. after loading a
// durable queue at startup.
func (e *Exporter) SetQueueDepth(n int) {
	e.queueDepth.Set(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func stringProp(props fallback.Properties, key string) string {
	if s, ok := props[key].(string); ok && s != "" {
		return s
	}
	return "unknown"
}

func intProp(props fallback.Properties, key string) (int64, bool) {
	switch v := props[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
