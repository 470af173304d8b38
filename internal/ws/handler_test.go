package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/termmux/internal/events"
	"github.com/remote-agent-terminal/termmux/internal/model"
)

func boolPtr(b bool) *bool { return &b }

func TestDispatch(t *testing.T) {
	h := newHarness(t, testConfig())
	s, proc := h.createActive(t, "p1")
	c := h.bind(t, s.ID)
	handler := NewHandler(h.streams, h.sessions, nil, zerolog.Nop())

	t.Run("input", func(t *testing.T) {
		handler.dispatch(c, s.ProjectID, &Message{Type: MessageTypeInput, Data: "ls\n"})
		assert.Equal(t, "ls\n", string(proc.Input()))
	})

	t.Run("resize", func(t *testing.T) {
		handler.dispatch(c, s.ProjectID, &Message{Type: MessageTypeResize, Cols: 132, Rows: 43})
		cols, rows := proc.Size()
		assert.Equal(t, uint16(132), cols)
		assert.Equal(t, uint16(43), rows)
	})

	t.Run("invalid resize", func(t *testing.T) {
		handler.dispatch(c, s.ProjectID, &Message{Type: MessageTypeResize, Cols: 0, Rows: 43})
		msg := recv(t, c)
		assert.Equal(t, MessageTypeError, msg.Type)
		assert.Equal(t, string(model.KindValidation), msg.Kind)
		assert.Zero(t, msg.RetryAfterMs)
	})

	t.Run("ping", func(t *testing.T) {
		handler.dispatch(c, s.ProjectID, &Message{Type: MessageTypePing})
		msg := recv(t, c)
		assert.Equal(t, MessageTypePong, msg.Type)
		assert.NotZero(t, msg.Timestamp)
	})

	t.Run("focus", func(t *testing.T) {
		handler.dispatch(c, s.ProjectID, &Message{Type: MessageTypeFocus, Focused: boolPtr(true)})
		msg := recv(t, c)
		assert.Equal(t, MessageTypeStatus, msg.Type)
		require.NotNil(t, msg.Focus)
		assert.Equal(t, []string{s.ID}, msg.Focus.FocusedIDs())
		assert.True(t, h.sessions.IsFocused(s.ID))
	})

	t.Run("focus without flag", func(t *testing.T) {
		handler.dispatch(c, s.ProjectID, &Message{Type: MessageTypeFocus})
		msg := recv(t, c)
		assert.Equal(t, string(model.KindValidation), msg.Kind)
	})

	t.Run("unknown type", func(t *testing.T) {
		handler.dispatch(c, s.ProjectID, &Message{Type: "stdin"})
		msg := recv(t, c)
		assert.Equal(t, MessageTypeError, msg.Type)
		assert.Contains(t, msg.Data, "unknown message type")
	})
}

func TestErrorMessage_RetryHintOnlyForRetryableKinds(t *testing.T) {
	msg := errorMessage("s1", model.NewError(model.KindBindTimeout, "bind", "slow"), 2*time.Second)
	assert.Equal(t, int64(2000), msg.RetryAfterMs)
	assert.Equal(t, "BindTimeout", msg.Kind)

	msg = errorMessage("s1", model.NewError(model.KindValidation, "resize", "bad"), 2*time.Second)
	assert.Zero(t, msg.RetryAfterMs)
}

func TestCheckOrigin(t *testing.T) {
	check := checkOrigin([]string{"https://app.example"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(r), "no origin header")
	r.Header.Set("Origin", "https://app.example")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(r))

	assert.True(t, checkOrigin(nil)(r))
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandleConnection_RoundTrip(t *testing.T) {
	h := newHarness(t, testConfig())
	s, proc := h.createActive(t, "p1")
	handler := NewHandler(h.streams, h.sessions, nil, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/attach/")
		assert.NoError(t, handler.HandleConnection(w, r, id))
	}))
	defer srv.Close()

	conn := dial(t, srv, "/attach/"+s.ID)
	status := readJSON(t, conn)
	assert.Equal(t, MessageTypeStatus, status.Type)
	assert.Equal(t, string(model.SessionStateActive), status.State)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeFocus, Focused: boolPtr(true)}))
	focus := readJSON(t, conn)
	require.NotNil(t, focus.Focus)
	assert.Equal(t, []string{s.ID}, focus.Focus.FocusedIDs())

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeInput, Data: "echo hi\n"}))
	require.Eventually(t, func() bool { return string(proc.Input()) == "echo hi\n" }, time.Second, 2*time.Millisecond)

	require.NoError(t, proc.EmitString("hi\r\n"))
	out := readJSON(t, conn)
	assert.Equal(t, MessageTypeOutput, out.Type)
	assert.Equal(t, "hi\r\n", out.Data)
	assert.Equal(t, s.ID, out.SessionID)

	// Dropping the socket unbinds without touching the session.
	conn.Close()
	require.Eventually(t, func() bool {
		return len(h.log.ofType(events.ConnectionLost)) == 1
	}, time.Second, 5*time.Millisecond)
	got, err := h.sessions.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateActive, got.State)
}

func TestHandleConnection_RejectedBindSendsError(t *testing.T) {
	h := newHarness(t, testConfig())
	s, _ := h.createActive(t, "p1")
	h.sessions.CloseSession(s.ID)
	handler := NewHandler(h.streams, h.sessions, nil, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.HandleConnection(w, r, s.ID)
	}))
	defer srv.Close()

	conn := dial(t, srv, "/?attempt=1")
	msg := readJSON(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, string(model.KindConnectionRejected), msg.Kind)
	assert.Zero(t, msg.RetryAfterMs, "a closed session is not worth retrying")

	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "socket closes after the error")
}

func TestHandleConnection_MalformedFrame(t *testing.T) {
	h := newHarness(t, testConfig())
	s, _ := h.createActive(t, "p1")
	handler := NewHandler(h.streams, h.sessions, nil, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.HandleConnection(w, r, s.ID)
	}))
	defer srv.Close()

	conn := dial(t, srv, "/")
	readJSON(t, conn) // status
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readJSON(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, string(model.KindValidation), msg.Kind)
}
