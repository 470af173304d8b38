// Package recording writes terminal sessions as asciicast v2 files.
package recording

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/remote-agent-terminal/termmux/internal/buffer"
)

// Event types of an asciicast v2 stream.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Header is the first line of an asciicast v2 recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is a single [time, type, data] line of a recording.
type Event struct {
	TimeOffset float64
	EventType  string
	Data       string
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.EventType, e.Data})
}

// UnmarshalJSON implements custom JSON unmarshaling for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	timeOffset, ok := arr[0].(float64)
	if !ok {
		return fmt.Errorf("invalid time offset type")
	}
	eventType, ok := arr[1].(string)
	if !ok {
		return fmt.Errorf("invalid event type")
	}
	eventData, ok := arr[2].(string)
	if !ok {
		return fmt.Errorf("invalid event data type")
	}

	e.TimeOffset, e.EventType, e.Data = timeOffset, eventType, eventData
	return nil
}

// Cast writes one recording. It is safe for concurrent use.
type Cast struct {
	w         io.Writer
	closer    io.Closer
	now       func() time.Time
	startTime time.Time
	mu        sync.Mutex
	closed    bool
	// tails holds a trailing incomplete UTF-8 sequence per event type.
	tails map[string][]byte
}

// NewCast starts a recording on w and writes its header. If w is an
// io.Closer it is closed by Close.
func NewCast(w io.Writer, header Header, now func() time.Time) (*Cast, error) {
	if now == nil {
		now = time.Now
	}
	c := &Cast{w: w, now: now, startTime: now(), tails: make(map[string][]byte)}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}

	header.Version = 2
	header.Timestamp = c.startTime.Unix()
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return c, nil
}

// WriteOutput records terminal output. A character split across calls is
// recorded whole with the call that completes it.
func (c *Cast) WriteOutput(data []byte) error {
	return c.writeText(EventOutput, data)
}

// WriteInput records user input.
func (c *Cast) WriteInput(data []byte) error {
	return c.writeText(EventInput, data)
}

// WriteResize records a terminal resize.
func (c *Cast) WriteResize(cols, rows uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	return c.writeEventLocked(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (c *Cast) writeText(eventType string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}

	pending := append(c.tails[eventType], data...)
	cut := buffer.CompleteRunes(pending)
	c.tails[eventType] = append([]byte(nil), pending[cut:]...)
	if cut == 0 {
		return nil
	}
	return c.writeEventLocked(eventType, string(pending[:cut]))
}

func (c *Cast) writeEventLocked(eventType, data string) error {
	event := Event{
		TimeOffset: c.now().Sub(c.startTime).Seconds(),
		EventType:  eventType,
		Data:       data,
	}
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := c.w.Write(append(eventData, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close ends the recording.
func (c *Cast) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	for _, eventType := range []string{EventInput, EventOutput} {
		if tail := c.tails[eventType]; len(tail) > 0 && err == nil {
			err = c.writeEventLocked(eventType, string(tail))
		}
	}
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// StartTime returns the start time of the recording.
func (c *Cast) StartTime() time.Time {
	return c.startTime
}
