// Package metrics exports pipeline counters to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/FairForge/assetvault/internal/events"
	"github.com/FairForge/assetvault/internal/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. Each instance owns its
// registry, so tests and multiple pipelines never collide.
type Metrics struct {
	Externalized prometheus.Counter
	Failed       prometheus.Counter
	Writes       *prometheus.CounterVec
	Attempts     *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec
	Duration     *prometheus.HistogramVec
	registry     *prometheus.Registry
}

// New creates and registers all collectors
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Externalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetvault_assets_externalized_total",
			Help: "Inline payloads replaced by blob references",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetvault_assets_failed_total",
			Help: "Inline payloads that could not be externalized",
		}),
		Writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetvault_writes_total",
				Help: "Document writes by final status",
			},
			[]string{"status"},
		),
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetvault_attempts_total",
				Help: "Protected operation attempts by outcome",
			},
			[]string{"operation", "outcome"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "assetvault_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"operation"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assetvault_operation_duration_seconds",
				Help:    "Protected operation attempt latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		registry: registry,
	}

	registry.MustRegister(m.Externalized)
	registry.MustRegister(m.Failed)
	registry.MustRegister(m.Writes)
	registry.MustRegister(m.Attempts)
	registry.MustRegister(m.BreakerState)
	registry.MustRegister(m.Duration)

	return m
}

// ObserveAttempt implements resilience.Observer
func (m *Metrics) ObserveAttempt(a resilience.Attempt) {
	outcome := "success"
	if a.Err != nil {
		outcome = "failure"
	}
	if a.Tier == resilience.TierFallback {
		outcome = "fallback_" + outcome
	}
	m.Attempts.WithLabelValues(a.Operation, outcome).Inc()
	m.Duration.WithLabelValues(a.Operation).Observe(a.Duration.Seconds())
}

// OnBreakerTransition matches resilience.StateListener
func (m *Metrics) OnBreakerTransition(id string, from, to resilience.State) {
	m.BreakerState.WithLabelValues(id).Set(float64(to))
}

// Attach consumes transform and write events from bus
func (m *Metrics) Attach(bus events.Bus) error {
	if err := bus.Subscribe(string(events.TransformCompleted), m.onTransform); err != nil {
		return err
	}
	return bus.Subscribe("write.*", m.onWrite)
}

func (m *Metrics) onTransform(ctx context.Context, e events.Event) error {
	m.Externalized.Add(float64(e.Counts["externalized"]))
	m.Failed.Add(float64(e.Counts["failed"]))
	return nil
}

func (m *Metrics) onWrite(ctx context.Context, e events.Event) error {
	var status string
	switch e.Type {
	case events.WriteVerified:
		status = "verified"
	case events.WriteMismatched:
		status = "mismatched"
	case events.WriteFailed:
		status = "failed"
	default:
		return nil
	}
	m.Writes.WithLabelValues(status).Inc()
	return nil
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
