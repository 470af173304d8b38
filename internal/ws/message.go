package ws

import (
	"encoding/base64"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

// MessageType represents the type of WebSocket message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeInput  MessageType = "input"
	MessageTypeResize MessageType = "resize"
	MessageTypeFocus  MessageType = "focus"
	MessageTypePing   MessageType = "ping"

	// Server -> Client message types
	MessageTypeOutput MessageType = "output"
	MessageTypeError  MessageType = "error"
	MessageTypeStatus MessageType = "status"
	MessageTypePong   MessageType = "pong"
)

// Message is the JSON frame exchanged in both directions. Timestamps are
// unix milliseconds.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      string      `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`

	// resize
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// focus
	Focused *bool `json:"focused,omitempty"`

	// output: set on bytes sent from the retained buffer instead of live.
	Replay bool `json:"replay,omitempty"`
	// output: "base64" when Data carries bytes that are not valid UTF-8.
	Encoding string `json:"encoding,omitempty"`

	// status
	State  string            `json:"state,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Focus  *model.FocusState `json:"focus,omitempty"`

	// error
	Kind         string `json:"kind,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func newMessage(typ MessageType, sessionID string) *Message {
	return &Message{Type: typ, SessionID: sessionID, Timestamp: time.Now().UnixMilli()}
}

// EncodingBase64 marks output data sent as standard base64.
const EncodingBase64 = "base64"

func outputMessage(sessionID string, data []byte, replay bool) *Message {
	msg := newMessage(MessageTypeOutput, sessionID)
	if utf8.Valid(data) {
		msg.Data = string(data)
	} else {
		msg.Data = base64.StdEncoding.EncodeToString(data)
		msg.Encoding = EncodingBase64
	}
	msg.Replay = replay
	return msg
}

// Bytes returns the raw bytes carried by an output message.
func (m *Message) Bytes() ([]byte, error) {
	if m.Encoding == EncodingBase64 {
		return base64.StdEncoding.DecodeString(m.Data)
	}
	return []byte(m.Data), nil
}


func statusMessage(sess model.Session) *Message {
	msg := newMessage(MessageTypeStatus, sess.ID)
	msg.State = string(sess.State)
	if sess.State == model.SessionStateClosed {
		msg.Reason = string(sess.CloseReason)
	} else {
		msg.Reason = string(sess.SuspendReason)
	}
	return msg
}

// errorMessage carries the error kind and detail. Retryable kinds get a
// reconnect hint when retryAfter is positive.
func errorMessage(sessionID string, err error, retryAfter time.Duration) *Message {
	msg := newMessage(MessageTypeError, sessionID)
	msg.Kind = string(model.KindOf(err))
	msg.Data = err.Error()
	if retryAfter > 0 && model.IsRetryable(err) {
		msg.RetryAfterMs = retryAfter.Milliseconds()
	}
	return msg
}

func encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}
