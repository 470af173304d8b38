package ws

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrClientClosed is returned when sending to a closed client.
	ErrClientClosed = errors.New("ws: client closed")
	// ErrSendQueueFull is returned when the outbound queue overflowed. The
	// client is closed as a consequence.
	ErrSendQueueFull = errors.New("ws: send queue full")
)

// DefaultSendQueueSize is the outbound queue length used when none is given.
const DefaultSendQueueSize = 256

// Client represents one WebSocket connection bound to a session.
type Client struct {
	id        string
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	drained   chan struct{}
	done      chan struct{}
	mu        sync.Mutex
	closed    bool
}

// NewClient creates a client with an outbound queue of queueSize messages.
// conn may be nil when the queue is consumed directly.
func NewClient(conn *websocket.Conn, sessionID string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	return &Client{
		id:        uuid.NewString(),
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, queueSize),
		drained:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Send queues a message to be sent to the client.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.closeLocked()
		return ErrSendQueueFull
	}
}

// SendMessage encodes and queues msg.
func (c *Client) SendMessage(msg *Message) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Close closes the client's queue. Queued messages are still written.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// SessionID returns the session ID associated with this client.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client. Consumers call
// MarkDrained after taking a message.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Pending returns the number of queued messages.
func (c *Client) Pending() int {
	return len(c.send)
}

// MarkDrained wakes a producer waiting for queue room.
func (c *Client) MarkDrained() {
	select {
	case c.drained <- struct{}{}:
	default:
	}
}

// Drained fires after the consumer took messages off the queue.
func (c *Client) Drained() <-chan struct{} {
	return c.drained
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
