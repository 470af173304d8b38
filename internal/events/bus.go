// Package events provides the typed publish/subscribe bus that connects the
// session and stream managers to their observers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type identifies an event.
type Type string

const (
	SessionCreated   Type = "session:created"
	SessionActive    Type = "session:active"
	SessionSuspended Type = "session:suspended"
	SessionResumed   Type = "session:resumed"
	SessionClosed    Type = "session:closed"
	SessionError     Type = "session:error"
	FocusChanged     Type = "focus:changed"
	ConnectionBound  Type = "connection:bound"
	ConnectionLost   Type = "connection:lost"
	ConnectionError  Type = "connection:error"
	BytesStreamed    Type = "stream:bytes"
	BreakerState     Type = "breaker:state"
)

// Event is passed by value; subscribers always get their own copy.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	ProjectID string    `json:"projectId,omitempty"`
	// PrevState and State are session states, or breaker states for BreakerState.
	PrevState string    `json:"prevState,omitempty"`
	State     string    `json:"state,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Key       string    `json:"key,omitempty"`
	Bytes     int       `json:"bytes,omitempty"`
	Focused   []string  `json:"focused,omitempty"`
	Evicted   []string  `json:"evicted,omitempty"`
	Version   uint64    `json:"version,omitempty"`
	Time      time.Time `json:"time"`
}

// Handler receives events. Handlers run on the publisher's goroutine and must
// not block or call back into the publisher.
type Handler func(Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(Event)
}

// Subscriber is the read side of the bus.
type Subscriber interface {
	Subscribe(Handler) (unsubscribe func())
}

// Bus fans events out to every subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]Handler
	nextID int
	logger zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]Handler),
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers h and returns a function removing it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber. A panicking subscriber is logged
// and skipped.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("event subscriber panicked")
		}
	}()
	// Slices are copied so no subscriber can alias another's view.
	if e.Focused != nil {
		e.Focused = append([]string(nil), e.Focused...)
	}
	if e.Evicted != nil {
		e.Evicted = append([]string(nil), e.Evicted...)
	}
	h(e)
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
