// Package metrics exposes Prometheus instrumentation for enrichment sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "enrich"

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeCanceled = "canceled"
)

// Metrics holds the session collectors. A nil *Metrics is valid and records
// nothing, so components can be constructed without instrumentation.
type Metrics struct {
	EventsHandled      *prometheus.CounterVec
	EventsIgnored      *prometheus.CounterVec
	Processors         prometheus.Gauge
	Upserts            *prometheus.CounterVec
	Simulations        *prometheus.CounterVec
	SimulationDuration prometheus.Histogram
	GrokSetups         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		EventsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "handled_total",
				Help:      "Events processed by the enrichment machine",
			},
			[]string{"type"},
		),
		EventsIgnored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "ignored_total",
				Help:      "Events rejected by a guard or not accepted in the current state",
			},
			[]string{"type"},
		),
		Processors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "processors",
			Help:      "Live processor actors in the session",
		}),
		Upserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upsert",
				Name:      "requests_total",
				Help:      "Upsert requests by outcome",
			},
			[]string{"outcome"},
		),
		Simulations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulation",
				Name:      "runs_total",
				Help:      "Simulation runs by outcome",
			},
			[]string{"outcome"},
		),
		SimulationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "simulation",
			Name:      "duration_seconds",
			Help:      "Duration of simulation runs",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		GrokSetups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "grok",
				Name:      "setups_total",
				Help:      "Grok collection setups by outcome",
			},
			[]string{"outcome"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.EventsHandled, m.EventsIgnored, m.Processors, m.Upserts,
		m.Simulations, m.SimulationDuration, m.GrokSetups,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewRegistry returns a registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) EventHandled(eventType string) {
	if m == nil {
		return
	}
	m.EventsHandled.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventIgnored(eventType string) {
	if m == nil {
		return
	}
	m.EventsIgnored.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetProcessors(n int) {
	if m == nil {
		return
	}
	m.Processors.Set(float64(n))
}

func (m *Metrics) UpsertFinished(outcome string) {
	if m == nil {
		return
	}
	m.Upserts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SimulationFinished(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Simulations.WithLabelValues(outcome).Inc()
	if outcome != OutcomeCanceled {
		m.SimulationDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) GrokSetupFinished(outcome string) {
	if m == nil {
		return
	}
	m.GrokSetups.WithLabelValues(outcome).Inc()
}
