package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/termmux/internal/circuit"
	"github.com/remote-agent-terminal/termmux/internal/events"
	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/pty/ptytest"
	"github.com/remote-agent-terminal/termmux/internal/session"
)

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(e events.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) ofType(t events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	sessions *session.Manager
	streams  *Manager
	breakers *circuit.Registry
	spawner  *ptytest.Spawner
	log      *eventLog
	clock    *fakeClock
	dir      string
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BindTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithBreaker(t, cfg, circuit.DefaultConfig())
}

func newHarnessWithBreaker(t *testing.T, cfg Config, breakerCfg circuit.Config) *harness {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	log := &eventLog{}
	bus.Subscribe(log.handle)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	breakers := circuit.NewRegistry(breakerCfg, circuit.WithClock(clock.Now))

	sessCfg := session.DefaultConfig()
	sessCfg.Shell = "/bin/sh"
	sessCfg.Backoff = circuit.Backoff{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	spawner := ptytest.NewSpawner()
	sessions := session.NewManager(sessCfg, spawner, bus, zerolog.Nop())

	streams := NewManager(cfg, sessions, breakers, bus, zerolog.Nop())
	sessions.SetProcessHost(streams)
	unsubscribe := streams.Observe(bus)

	t.Cleanup(func() {
		spawner.Release()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sessions.Shutdown(ctx)
		streams.Wait(ctx)
		unsubscribe()
	})
	return &harness{
		sessions: sessions,
		streams:  streams,
		breakers: breakers,
		spawner:  spawner,
		log:      log,
		clock:    clock,
		dir:      t.TempDir(),
	}
}

func (h *harness) createActive(t *testing.T, projectID string) (model.Session, *ptytest.Process) {
	t.Helper()
	s, err := h.sessions.CreateSession(context.Background(), model.CreateSessionRequest{
		ProjectID:   projectID,
		ProjectPath: h.dir,
	})
	require.NoError(t, err)
	got, err := h.sessions.WaitReady(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionStateActive, got.State)

	for _, p := range h.spawner.Processes() {
		if p.PID() == got.PID {
			return got, p
		}
	}
	t.Fatalf("no process with pid %d", got.PID)
	return got, nil
}

// bind binds a fresh client and consumes the status message sent on bind.
func (h *harness) bind(t *testing.T, sessionID string) *Client {
	t.Helper()
	c := NewClient(nil, sessionID, h.streams.Config().SendQueueSize)
	_, err := h.streams.BindConnection(context.Background(), sessionID, c)
	require.NoError(t, err)
	msg := recv(t, c)
	require.Equal(t, MessageTypeStatus, msg.Type)
	return c
}

func (h *harness) waitBuffered(t *testing.T, sessionID, suffix string) {
	t.Helper()
	require.Eventually(t, func() bool {
		data, err := h.streams.Buffered(sessionID)
		return err == nil && strings.HasSuffix(string(data), suffix)
	}, 2*time.Second, 2*time.Millisecond, "buffer never ended with %q", suffix)
}

func recv(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case data, ok := <-c.SendChan():
		require.True(t, ok, "client closed")
		c.MarkDrained()
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

// readOutput collects output messages until n bytes have arrived, skipping
// any other message type.
func readOutput(t *testing.T, c *Client, n int) string {
	t.Helper()
	var sb strings.Builder
	for sb.Len() < n {
		msg := recv(t, c)
		if msg.Type == MessageTypeOutput {
			sb.WriteString(msg.Data)
		}
	}
	return sb.String()
}

func assertQuiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.SendChan():
		t.Fatalf("unexpected message %s", data)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestOutput_BufferedUntilFocused(t *testing.T) {
	h := newHarness(t, testConfig())
	s, proc := h.createActive(t, "p1")
	c := h.bind(t, s.ID)

	require.NoError(t, proc.EmitString("early "))
	h.waitBuffered(t, s.ID, "early ")
	assertQuiet(t, c)

	_, err := h.sessions.SetFocus("p1", s.ID, true)
	require.NoError(t, err)
	msg := recv(t, c)
	assert.Equal(t, MessageTypeOutput, msg.Type)
	assert.Equal(t, "early ", msg.Data)
	assert.True(t, msg.Replay)

	require.NoError(t, proc.EmitString("live"))
	msg = recv(t, c)
	assert.Equal(t, "live", msg.Data)
	assert.False(t, msg.Replay)

	assert.NotEmpty(t, h.log.ofType(events.BytesStreamed))
}

func TestOutput_SplitCharacterDeliveredWhole(t *testing.T) {
	h := newHarness(t, testConfig())
	s, proc := h.createActive(t, "p1")
	c := h.bind(t, s.ID)
	_, err := h.sessions.SetFocus("p1", s.ID, true)
	require.NoError(t, err)

	// "é" is 0xC3 0xA9; the halves arrive in separate reads.
	require.NoError(t, proc.Emit([]byte("caf\xc3")))
	msg := recv(t, c)
	assert.Equal(t, "caf", msg.Data)
	assertQuiet(t, c)

	require.NoError(t, proc.Emit([]byte{0xa9}))
	msg = recv(t, c)
	assert.Equal(t, MessageTypeOutput, msg.Type)
	assert.Empty(t, msg.Encoding)
	assert.Equal(t, "\u00e9", msg.Data)
}

func TestOutput_HeldBackCharacterCompletesAfterReplay(t *testing.T) {
	h := newHarness(t, testConfig())
	s, proc := h.createActive(t, "p1")
	c := h.bind(t, s.ID)

	require.NoError(t, proc.Emit([]byte{0xe2, 0x82}))
	h.waitBuffered(t, s.ID, "\xe2\x82")
	_, err := h.sessions.SetFocus("p1", s.ID, true)
	require.NoError(t, err)
	assertQuiet(t, c)

	require.NoError(t, proc.Emit([]byte{0xac, '!'}))
	assert.Equal(t, "\u20ac!", readOutput(t, c, len("\u20ac!")))
}

func TestOutput_InvalidUTF8SentAsBase64(t *testing.T) {
	h := newHarness(t, testConfig())
	s, proc := h.createActive(t, "p1")
	c := h.bind(t, s.ID)
	_, err := h.sessions.SetFocus("p1", s.ID, true)
	require.NoError(t, err)

	raw := []byte{0xff, 0xfe, 'o', 'k'}
	require.NoError(t, proc.Emit(raw))
	msg := recv(t, c)
	assert.Equal(t, EncodingBase64, msg.Encoding)
	got, err := msg.Bytes()
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestOutput_FocusRoundTripDeliversInOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	s, proc := h.createActive(t, "p1")
	c := h.bind(t, s.ID)
	h.sessions.SetFocus("p1", s.ID, true)

	require.NoError(t, proc.EmitString("a"))
	assert.Equal(t, "a", readOutput(t, c, 1))

	h.sessions.SetFocus("p1", s.ID, false)
	require.NoError(t, proc.EmitString("b"))
	require.NoError(t, proc.EmitString("c"))
	h.waitBuffered(t, s.ID, "abc")
	assertQuiet(t, c)

	h.sessions.SetFocus("p1", s.ID, true)
	require.NoError(t, proc.EmitString("d"))
	assert.Equal(t, "bcd", readOutput(t, c, 3))
}

func TestWrite_SequentialWritesArriveInOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	s, proc := h.createActive(t, "p1")

	require.NoError(t, h.streams.Write(s.ID, []byte("w1")))
	require.NoError(t, h.streams.Write(s.ID, []byte("w2")))
	assert.Equal(t, "w1w2", string(proc.Input()))
}

func TestWrite_DiscardedWhileSuspended(t *testing.T) {
	h := newHarness(t, testConfig())
	s, proc := h.createActive(t, "p1")

	_, err := h.sessions.SuspendProjectSessions("p1")
	require.NoError(t, err)
	require.NoError(t, h.streams.Write(s.ID, []byte("lost")))
	assert.Empty(t, proc.Input())

	_, err = h.sessions.ResumeProjectSessions("p1")
	require.NoError(t, err)
	require.NoError(t, h.streams.Write(s.ID, []byte("kept")))
	assert.Equal(t, "kept", string(proc.Input()))
}

func TestWrite_ClosedSession(t *testing.T) {
	h := newHarness(t, testConfig())
	s, _ := h.createActive(t, "p1")
	h.sessions.CloseSession(s.ID)

	err := h.streams.Write(s.ID, []byte("x"))
	assert.True(t, errors.Is(err, model.ErrValidation))

	err = h.streams.Write("session_0_missing", []byte("x"))
	assert.True(t, errors.Is(err, model.ErrSessionNotFound))
}

func TestResize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCols, cfg.MaxRows = 300, 100
	h := newHarness(t, cfg)
	s, proc := h.createActive(t, "p1")

	tests := []struct {
		name       string
		cols, rows uint16
		wantErr    bool
	}{
		{"valid", 120, 40, false},
		{"at maximum", 300, 100, false},
		{"zero cols", 0, 40, true},
		{"zero rows", 120, 0, true},
		{"too wide", 301, 40, true},
		{"too tall", 120, 101, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.streams.Resize(s.ID, tt.cols, tt.rows)
			if tt.wantErr {
				assert.True(t, errors.Is(err, model.ErrValidation), "got %v", err)
				return
			}
			require.NoError(t, err)
			cols, rows := proc.Size()
			assert.Equal(t, tt.cols, cols)
			assert.Equal(t, tt.rows, rows)
		})
	}
	assert.Equal(t, 2, proc.Resizes())
}

func TestBind_ReconnectReplaysWholeBuffer(t *testing.T) {
	h := newHarness(t, testConfig())
	s, proc := h.createActive(t, "p1")
	h.sessions.SetFocus("p1", s.ID, true)

	first := h.bind(t, s.ID)
	require.NoError(t, proc.EmitString("one\n"))
	assert.Equal(t, "one\n", readOutput(t, first, 4))

	second := NewClient(nil, s.ID, 0)
	_, err := h.streams.BindConnection(context.Background(), s.ID, second)
	require.NoError(t, err)

	// The displaced connection is told so and closed before the new one is
	// served: "replaced" is the last thing it ever gets.
	msg := recv(t, first)
	assert.Equal(t, MessageTypeStatus, msg.Type)
	assert.Equal(t, "replaced", msg.Reason)
	assert.True(t, first.IsClosed())
	_, open := <-first.SendChan()
	assert.False(t, open)

	msg = recv(t, second)
	assert.Equal(t, MessageTypeStatus, msg.Type)
	assert.Equal(t, string(model.SessionStateActive), msg.State)
	msg = recv(t, second)
	assert.Equal(t, MessageTypeOutput, msg.Type)
	assert.True(t, msg.Replay)
	assert.Equal(t, "one\n", msg.Data)

	require.NoError(t, proc.EmitString("two\n"))
	assert.Equal(t, "two\n", readOutput(t, second, 4))
	assert.Len(t, h.log.ofType(events.ConnectionBound), 2)
}

func TestBind_Rejections(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.streams.BindConnection(context.Background(), "session_1_nope", NewClient(nil, "session_1_nope", 0))
	assert.True(t, errors.Is(err, model.ErrConnectionRejected))
	assert.False(t, model.IsRetryable(err), "unknown session")

	s, _ := h.createActive(t, "p1")
	h.sessions.CloseSession(s.ID)
	_, err = h.streams.BindConnection(context.Background(), s.ID, NewClient(nil, s.ID, 0))
	assert.True(t, errors.Is(err, model.ErrConnectionRejected))
	assert.False(t, model.IsRetryable(err), "closed session")
}

func TestBind_TimesOutOnInitializingSession(t *testing.T) {
	cfg := testConfig()
	cfg.BindTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.spawner.Hold()

	s, err := h.sessions.CreateSession(context.Background(), model.CreateSessionRequest{ProjectID: "p1", ProjectPath: h.dir})
	require.NoError(t, err)

	_, err = h.streams.BindConnection(context.Background(), s.ID, NewClient(nil, s.ID, 0))
	assert.True(t, errors.Is(err, model.ErrBindTimeout), "got %v", err)
	assert.True(t, model.IsRetryable(err))
}

func TestBind_WaitsForSpawn(t *testing.T) {
	h := newHarness(t, testConfig())
	h.spawner.Hold()

	s, err := h.sessions.CreateSession(context.Background(), model.CreateSessionRequest{ProjectID: "p1", ProjectPath: h.dir})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.spawner.Release()
	}()
	c := NewClient(nil, s.ID, 0)
	got, err := h.streams.BindConnection(context.Background(), s.ID, c)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateActive, got.State)
}

func TestUnbind_LeavesSessionRunning(t *testing.T) {
	h := newHarness(t, testConfig())
	s, proc := h.createActive(t, "p1")
	c := h.bind(t, s.ID)

	assert.True(t, h.streams.Unbind(s.ID, c))
	assert.False(t, h.streams.Unbind(s.ID, c))

	got, err := h.sessions.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateActive, got.State)
	assert.False(t, proc.Killed())
	assert.Len(t, h.log.ofType(events.ConnectionLost), 1)

	// Output keeps accumulating for the next connection.
	require.NoError(t, proc.EmitString("while away"))
	h.waitBuffered(t, s.ID, "while away")
}

func TestCloseSession_ClosesConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	s, _ := h.createActive(t, "p1")
	c := h.bind(t, s.ID)

	h.sessions.CloseSession(s.ID)

	msg := recv(t, c)
	assert.Equal(t, MessageTypeStatus, msg.Type)
	assert.Equal(t, string(model.SessionStateClosed), msg.State)
	assert.Equal(t, string(model.CloseReasonExplicit), msg.Reason)
	assert.Eventually(t, c.IsClosed, time.Second, 5*time.Millisecond)

	_, err := h.streams.Buffered(s.ID)
	assert.Error(t, err)
}

func TestProcessExit_ClosesSession(t *testing.T) {
	h := newHarness(t, testConfig())
	s, proc := h.createActive(t, "p1")
	c := h.bind(t, s.ID)

	proc.Exit(3)

	msg := recv(t, c)
	assert.Equal(t, string(model.SessionStateClosed), msg.State)
	assert.Equal(t, string(model.CloseReasonExited), msg.Reason)
}

// Scenario: a suspended project keeps buffering, and resuming delivers what
// was produced in the meantime.
func TestSuspendResume_ReplaysBufferedOutput(t *testing.T) {
	h := newHarness(t, testConfig())

	type live struct {
		sess   model.Session
		proc   *ptytest.Process
		client *Client
	}
	var all []live
	for i := 0; i < 3; i++ {
		s, proc := h.createActive(t, "proj1")
		h.sessions.SetFocus("proj1", s.ID, true)
		c := h.bind(t, s.ID)
		require.NoError(t, proc.EmitString("before "))
		assert.Equal(t, "before ", readOutput(t, c, 7))
		all = append(all, live{s, proc, c})
	}

	_, err := h.sessions.SuspendProjectSessions("proj1")
	require.NoError(t, err)
	for i, l := range all {
		msg := recv(t, l.client)
		assert.Equal(t, string(model.SessionStateSuspended), msg.State)
		require.NoError(t, l.proc.EmitString(fmt.Sprintf("during %d", i)))
		h.waitBuffered(t, l.sess.ID, fmt.Sprintf("during %d", i))
		assertQuiet(t, l.client)
	}

	resumed, err := h.sessions.ResumeProjectSessions("proj1")
	require.NoError(t, err)
	require.Len(t, resumed, 3)
	for _, r := range resumed {
		assert.Equal(t, uint64(len("before ")), r.ReplayFrom)
	}

	for i, l := range all {
		want := fmt.Sprintf("during %d", i)
		assert.Equal(t, want, readOutput(t, l.client, len(want)))
	}
}

// Scenario: 2,000 lines into an unfocused session with a 500-line buffer.
func TestUnfocusedOverflow_ReplaysMostRecentLines(t *testing.T) {
	cfg := testConfig()
	cfg.BufferLines = 500
	h := newHarness(t, cfg)
	s, proc := h.createActive(t, "p1")
	c := h.bind(t, s.ID)

	for i := 0; i < 2000; i++ {
		require.NoError(t, proc.EmitString(fmt.Sprintf("line %d\n", i)))
	}
	h.waitBuffered(t, s.ID, "line 1999\n")

	var want strings.Builder
	for i := 1500; i < 2000; i++ {
		fmt.Fprintf(&want, "line %d\n", i)
	}

	h.sessions.SetFocus("p1", s.ID, true)
	got := readOutput(t, c, want.Len())
	assert.Equal(t, want.String(), got)
	assert.Equal(t, 500, strings.Count(got, "\n"))
}

func TestBackpressure_StallsReadLoopUntilDrained(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueSize = 4
	cfg.BackpressureThreshold = 2
	h := newHarness(t, cfg)
	s, proc := h.createActive(t, "p1")
	h.sessions.SetFocus("p1", s.ID, true)
	c := h.bind(t, s.ID)

	const chunks = 8
	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < chunks; i++ {
			if err := proc.EmitString(fmt.Sprint(i)); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return c.Pending() >= 2 }, time.Second, time.Millisecond)
	select {
	case <-emitted:
		t.Fatal("producer was not held back")
	case <-time.After(50 * time.Millisecond):
	}
	assert.LessOrEqual(t, c.Pending(), cfg.BackpressureThreshold+1)
	assert.False(t, c.IsClosed())

	assert.Equal(t, "01234567", readOutput(t, c, chunks))
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after drain")
	}
}

func TestBackpressure_ReleasedWhenSessionCloses(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueueSize = 2
	cfg.BackpressureThreshold = 1
	h := newHarness(t, cfg)
	s, proc := h.createActive(t, "p1")
	h.sessions.SetFocus("p1", s.ID, true)
	h.bind(t, s.ID)

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		for i := 0; i < 4; i++ {
			if err := proc.EmitString("x"); err != nil {
				return
			}
		}
	}()

	select {
	case <-emitted:
		t.Fatal("producer was not held back")
	case <-time.After(50 * time.Millisecond):
	}

	h.sessions.CloseSession(s.ID)
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("close did not release the stalled read loop")
	}
}

func TestConnectionFailures_SuspendThenRebindResumes(t *testing.T) {
	breakerCfg := circuit.Config{FailureThreshold: 1, Window: time.Minute, RecoveryTimeout: 30 * time.Second, RequiredSuccesses: 1}
	h := newHarnessWithBreaker(t, testConfig(), breakerCfg)
	s, proc := h.createActive(t, "p1")
	h.sessions.SetFocus("p1", s.ID, true)
	c := h.bind(t, s.ID)

	// The socket died underneath the client.
	c.Close()
	require.NoError(t, proc.EmitString("lost in transit"))

	require.Eventually(t, func() bool {
		got, _ := h.sessions.GetSession(s.ID)
		return got.State == model.SessionStateSuspended
	}, time.Second, 2*time.Millisecond)
	got, _ := h.sessions.GetSession(s.ID)
	assert.Equal(t, model.SuspendReasonConnection, got.SuspendReason)
	assert.False(t, proc.Killed(), "process keeps running")
	require.NotEmpty(t, h.log.ofType(events.ConnectionError))

	_, err := h.streams.BindConnection(context.Background(), s.ID, NewClient(nil, s.ID, 0))
	assert.True(t, errors.Is(err, model.ErrConnectionRejected), "breaker open")
	assert.True(t, model.IsRetryable(err), "breaker open")
	assert.Greater(t, h.streams.RetryAfter(s.ID, 0), 20*time.Second)

	h.clock.Advance(30 * time.Second)
	fresh := NewClient(nil, s.ID, 0)
	got, err = h.streams.BindConnection(context.Background(), s.ID, fresh)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateActive, got.State)

	recv(t, fresh) // status
	msg := recv(t, fresh)
	assert.Equal(t, "lost in transit", msg.Data)
	assert.True(t, msg.Replay)

	b, ok := h.breakers.Peek(breakerKey(s.ID))
	require.True(t, ok)
	assert.Equal(t, circuit.StateClosed, b.State())
}

func TestRetryAfter_UsesBackoffWhenBreakerClosed(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = circuit.Backoff{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	h := newHarness(t, cfg)

	assert.Equal(t, 100*time.Millisecond, h.streams.RetryAfter("session_1_x", 0))
	assert.Equal(t, 400*time.Millisecond, h.streams.RetryAfter("session_1_x", 2))
	assert.Equal(t, time.Second, h.streams.RetryAfter("session_1_x", 10))
}
