// Package metrics aggregates session, stream and error activity from the
// event bus and exposes it as snapshots and Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/termmux/internal/events"
	"github.com/remote-agent-terminal/termmux/internal/model"
)

// Config holds configuration for the collector.
type Config struct {
	// SampleInterval is the period of the sampler started by Run.
	SampleInterval time.Duration
	// RingSize is the number of samples kept.
	RingSize int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{SampleInterval: 10 * time.Second, RingSize: 60}
}

// MetricSample is the collector state at one instant.
type MetricSample struct {
	Time               time.Time `json:"time"`
	ActiveSessions     int       `json:"activeSessions"`
	SuspendedSessions  int       `json:"suspendedSessions"`
	TotalBytesStreamed uint64    `json:"totalBytesStreamed"`
	TotalErrors        uint64    `json:"totalErrors"`
}

// Snapshot is the externally visible summary. ErrorRate is errors per minute
// over the sampled window.
type Snapshot struct {
	ActiveSessions     int     `json:"activeSessions"`
	SuspendedSessions  int     `json:"suspendedSessions"`
	TotalBytesStreamed uint64  `json:"totalBytesStreamed"`
	ErrorRate          float64 `json:"errorRate"`
}

// Collector is a pure observer of the event bus.
type Collector struct {
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
	prom   *promMetrics

	mu     sync.Mutex
	states map[string]model.SessionState
	bytes  uint64
	errors uint64
	ring   []MetricSample
	next   int
	filled bool
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates a collector with its own Prometheus registry.
func NewCollector(cfg Config, logger zerolog.Logger, opts ...Option) *Collector {
	d := DefaultConfig()
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = d.SampleInterval
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = d.RingSize
	}
	c := &Collector{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "metrics").Logger(),
		prom:   newPromMetrics(),
		states: make(map[string]model.SessionState),
		ring:   make([]MetricSample, cfg.RingSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe subscribes the collector to every event.
func (c *Collector) Observe(sub events.Subscriber) (unsubscribe func()) {
	return sub.Subscribe(c.Handle)
}

// Handle folds one event into the counters.
func (c *Collector) Handle(e events.Event) {
	c.prom.events.WithLabelValues(string(e.Type)).Inc()

	c.mu.Lock()
	switch e.Type {
	case events.SessionCreated:
		c.states[e.SessionID] = model.SessionStateInitializing
	case events.SessionActive, events.SessionResumed:
		c.states[e.SessionID] = model.SessionStateActive
	case events.SessionSuspended:
		c.states[e.SessionID] = model.SessionStateSuspended
	case events.SessionClosed:
		delete(c.states, e.SessionID)
		c.prom.breakers.DeleteLabelValues("session:" + e.SessionID)
	case events.BytesStreamed:
		if e.Bytes > 0 {
			c.bytes += uint64(e.Bytes)
			c.prom.bytes.Add(float64(e.Bytes))
		}
	case events.SessionError, events.ConnectionError:
		c.errors++
		kind := e.Kind
		if kind == "" {
			kind = string(model.KindInternal)
		}
		c.prom.errors.WithLabelValues(kind).Inc()
	case events.BreakerState:
		c.prom.breakers.WithLabelValues(e.Key).Set(breakerValue(e.State))
	}
	active, suspended := c.countsLocked()
	c.mu.Unlock()

	c.prom.sessions.WithLabelValues(string(model.SessionStateActive)).Set(float64(active))
	c.prom.sessions.WithLabelValues(string(model.SessionStateSuspended)).Set(float64(suspended))
}

func breakerValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	}
	return 0
}

func (c *Collector) countsLocked() (active, suspended int) {
	for _, s := range c.states {
		switch s {
		case model.SessionStateActive:
			active++
		case model.SessionStateSuspended:
			suspended++
		}
	}
	return active, suspended
}

// Sample records the current state into the ring and returns it.
func (c *Collector) Sample() MetricSample {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, suspended := c.countsLocked()
	s := MetricSample{
		Time:               c.now(),
		ActiveSessions:     active,
		SuspendedSessions:  suspended,
		TotalBytesStreamed: c.bytes,
		TotalErrors:        c.errors,
	}
	c.ring[c.next] = s
	c.next = (c.next + 1) % len(c.ring)
	if c.next == 0 {
		c.filled = true
	}
	return s
}

// Samples returns the retained samples, oldest first.
func (c *Collector) Samples() []MetricSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samplesLocked()
}

func (c *Collector) samplesLocked() []MetricSample {
	if !c.filled {
		return append([]MetricSample(nil), c.ring[:c.next]...)
	}
	out := make([]MetricSample, 0, len(c.ring))
	out = append(out, c.ring[c.next:]...)
	return append(out, c.ring[:c.next]...)
}

// Snapshot returns the current counters. The error rate compares the live
// error count with the oldest retained sample.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, suspended := c.countsLocked()
	snap := Snapshot{
		ActiveSessions:     active,
		SuspendedSessions:  suspended,
		TotalBytesStreamed: c.bytes,
	}

	samples := c.samplesLocked()
	if len(samples) == 0 {
		return snap
	}
	oldest := samples[0]
	elapsed := c.now().Sub(oldest.Time)
	if elapsed <= 0 {
		return snap
	}
	snap.ErrorRate = float64(c.errors-oldest.TotalErrors) / elapsed.Minutes()
	return snap
}

// Run samples every SampleInterval until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()

	c.Sample()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := c.Sample()
			c.logger.Debug().
				Int("active", s.ActiveSessions).
				Int("suspended", s.SuspendedSessions).
				Uint64("bytes", s.TotalBytesStreamed).
				Uint64("errors", s.TotalErrors).
				Msg("metrics sampled")
		}
	}
}

// Handler returns an http.Handler for the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.prom.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry backing Handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.prom.registry
}
