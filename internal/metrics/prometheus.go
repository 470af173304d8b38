package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// promMetrics mirrors the collector's counters for scraping.
type promMetrics struct {
	sessions *prometheus.GaugeVec
	bytes    prometheus.Counter
	errors   *prometheus.CounterVec
	events   *prometheus.CounterVec
	breakers *prometheus.GaugeVec

	registry *prometheus.Registry
}

func newPromMetrics() *promMetrics {
	reg := prometheus.NewRegistry()

	m := &promMetrics{
		sessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "termmux_sessions",
				Help: "Number of sessions by state.",
			},
			[]string{"state"},
		),
		bytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "termmux_streamed_bytes_total",
				Help: "Total terminal output bytes delivered to clients.",
			},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termmux_errors_total",
				Help: "Total session and connection errors by kind.",
			},
			[]string{"kind"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termmux_events_total",
				Help: "Total events published by type.",
			},
			[]string{"type"},
		),
		breakers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "termmux_breaker_state",
				Help: "Circuit breaker state by key (0 closed, 1 half-open, 2 open).",
			},
			[]string{"key"},
		),
		registry: reg,
	}

	reg.MustRegister(m.sessions)
	reg.MustRegister(m.bytes)
	reg.MustRegister(m.errors)
	reg.MustRegister(m.events)
	reg.MustRegister(m.breakers)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}
