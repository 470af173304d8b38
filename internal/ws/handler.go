package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Focuser updates a project's focus set.
type Focuser interface {
	SetFocus(projectID, sessionID string, focused bool) (model.FocusState, error)
}

// Handler upgrades HTTP requests to WebSocket connections bound to sessions.
type Handler struct {
	streams  *Manager
	focus    Focuser
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a WebSocket handler. An empty allowedOrigins accepts
// any origin.
func NewHandler(streams *Manager, focus Focuser, allowedOrigins []string, logger zerolog.Logger) *Handler {
	h := &Handler{
		streams: streams,
		focus:   focus,
		logger:  logger.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(allowedOrigins),
	}
	return h
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleConnection upgrades the request and binds the connection to the
// session. A rejected bind is reported as an error message before the socket
// closes. The optional "attempt" query parameter is the client's reconnect
// attempt, used for the retry hint.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, sessionID, h.streams.Config().SendQueueSize)
	go h.writePump(client)

	sess, err := h.streams.BindConnection(r.Context(), sessionID, client)
	if err != nil {
		attempt, _ := strconv.Atoi(r.URL.Query().Get("attempt"))
		h.logger.Warn().Err(err).Str("session_id", sessionID).Str("kind", string(model.KindOf(err))).Msg("bind rejected")
		_ = client.SendMessage(errorMessage(sessionID, err, h.streams.RetryAfter(sessionID, attempt)))
		client.Close()
		return nil
	}

	go h.readPump(client, sess.ProjectID)
	return nil
}

// dispatch handles one client message.
func (h *Handler) dispatch(client *Client, projectID string, msg *Message) {
	sessionID := client.SessionID()

	var err error
	switch msg.Type {
	case MessageTypeInput:
		err = h.streams.Write(sessionID, []byte(msg.Data))
	case MessageTypeResize:
		err = h.streams.Resize(sessionID, msg.Cols, msg.Rows)
	case MessageTypeFocus:
		err = h.handleFocus(client, projectID, msg)
	case MessageTypePing:
		err = client.SendMessage(newMessage(MessageTypePong, sessionID))
	default:
		err = model.NewError(model.KindValidation, "ws message", "unknown message type %q", msg.Type)
	}

	if err != nil {
		h.logger.Debug().Err(err).Str("session_id", sessionID).Str("type", string(msg.Type)).Msg("message failed")
		_ = client.SendMessage(errorMessage(sessionID, err, 0))
	}
}

func (h *Handler) handleFocus(client *Client, projectID string, msg *Message) error {
	if msg.Focused == nil {
		return model.NewError(model.KindValidation, "focus", "focused is required")
	}
	state, err := h.focus.SetFocus(projectID, client.SessionID(), *msg.Focused)
	if err != nil {
		return err
	}
	reply := newMessage(MessageTypeStatus, client.SessionID())
	reply.Focus = &state
	return client.SendMessage(reply)
}

// readPump pumps messages from the WebSocket connection to the session.
func (h *Handler) readPump(client *Client, projectID string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("session_id", client.SessionID()).Msg("read pump panicked")
		}
		h.streams.Unbind(client.SessionID(), client)
		client.Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("session_id", client.SessionID()).Msg("websocket read failed")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = client.SendMessage(errorMessage(client.SessionID(),
				model.NewError(model.KindValidation, "ws message", "malformed message: %v", err), 0))
			continue
		}

		h.dispatch(client, projectID, &msg)
	}
}

// writePump pumps queued messages to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The queue was closed
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Send each message in a separate WebSocket frame
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				client.Close()
				return
			}
			client.MarkDrained()
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		}
	}
}
