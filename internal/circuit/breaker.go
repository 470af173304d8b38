// Package circuit implements per-key circuit breakers and the shared
// exponential backoff helper.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold failures within Window open the breaker.
	FailureThreshold int
	Window           time.Duration
	// RecoveryTimeout is how long the breaker stays open before a probe.
	RecoveryTimeout time.Duration
	// RequiredSuccesses consecutive probe successes close a half-open breaker.
	RequiredSuccesses int
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Window:            time.Minute,
		RecoveryTimeout:   30 * time.Second,
		RequiredSuccesses: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.RequiredSuccesses <= 0 {
		c.RequiredSuccesses = d.RequiredSuccesses
	}
	return c
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Key          string    `json:"key"`
	State        State     `json:"state"`
	Failures     int       `json:"failures"`
	OpenedAt     time.Time `json:"openedAt,omitempty"`
	TripCount    int       `json:"tripCount"`
	RetryAfterMs int64     `json:"retryAfterMs,omitempty"`
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	key      string
	cfg      Config
	now      func() time.Time
	onChange func(key string, from, to State)

	mu            sync.Mutex
	state         State
	failures      []time.Time
	openedAt      time.Time
	probeInFlight bool
	successes     int
	tripCount     int
}

// NewBreaker creates a closed breaker.
func NewBreaker(key string, cfg Config) *Breaker {
	return &Breaker{
		key:   key,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		state: StateClosed,
	}
}

// Allow reports whether a request may proceed. While open it returns false
// until RecoveryTimeout has elapsed, then admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	allowed, from, to := b.allowLocked()
	b.mu.Unlock()
	b.notify(from, to)
	return allowed
}

func (b *Breaker) allowLocked() (bool, State, State) {
	switch b.state {
	case StateClosed:
		return true, "", ""
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return false, "", ""
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.probeInFlight = true
		return true, StateOpen, StateHalfOpen
	default:
		if b.probeInFlight {
			return false, "", ""
		}
		b.probeInFlight = true
		return true, "", ""
	}
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from, to := b.failureLocked()
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) failureLocked() (State, State) {
	now := b.now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.pruneLocked(now), now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openLocked(now)
			return StateClosed, StateOpen
		}
	case StateHalfOpen:
		b.openLocked(now)
		return StateHalfOpen, StateOpen
	}
	return "", ""
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var from, to State
	switch b.state {
	case StateClosed:
		b.failures = b.failures[:0]
	case StateHalfOpen:
		b.probeInFlight = false
		b.successes++
		if b.successes >= b.cfg.RequiredSuccesses {
			b.state = StateClosed
			b.failures = b.failures[:0]
			b.successes = 0
			from, to = StateHalfOpen, StateClosed
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) openLocked(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = b.failures[:0]
	b.probeInFlight = false
	b.successes = 0
	b.tripCount++
}

func (b *Breaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	return append(b.failures[:0], b.failures[i:]...)
}

// Execute runs fn if the breaker admits it and records the outcome.
// While open, fn is never invoked.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return model.NewError(model.KindConnectionRejected, "circuit "+b.key, "circuit open")
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state. An open breaker whose recovery timeout has
// elapsed still reports open until the next Allow call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.pruneLocked(b.now())
	s := Snapshot{
		Key:       b.key,
		State:     b.state,
		Failures:  len(b.failures),
		TripCount: b.tripCount,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	if b.state == StateOpen {
		if remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.openedAt); remaining > 0 {
			s.RetryAfterMs = remaining.Milliseconds()
		}
	}
	return s
}

// Key returns the breaker key.
func (b *Breaker) Key() string {
	return b.key
}

func (b *Breaker) notify(from, to State) {
	if from == "" || from == to || b.onChange == nil {
		return
	}
	b.onChange(b.key, from, to)
}
