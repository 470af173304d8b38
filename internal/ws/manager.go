package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/termmux/internal/buffer"
	"github.com/remote-agent-terminal/termmux/internal/circuit"
	"github.com/remote-agent-terminal/termmux/internal/events"
	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/pty"
)

// Config holds configuration for the stream manager.
type Config struct {
	// BufferLines and BufferBytes bound each session's retained output.
	BufferLines int
	BufferBytes int
	// BindTimeout bounds how long a bind waits for an initializing session.
	BindTimeout time.Duration
	// SendQueueSize is the outbound queue length of each connection.
	SendQueueSize int
	// BackpressureThreshold is the queue length at which a session's read
	// loop stops pulling from its process.
	BackpressureThreshold int
	MaxCols               uint16
	MaxRows               uint16
	// ReadChunk is the size of a single read from a process.
	ReadChunk int
	Backoff   circuit.Backoff
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BufferLines:           500,
		BufferBytes:           256 * 1024,
		BindTimeout:           10 * time.Second,
		SendQueueSize:         DefaultSendQueueSize,
		BackpressureThreshold: 192,
		MaxCols:               500,
		MaxRows:               200,
		ReadChunk:             4096,
		Backoff:               circuit.DefaultBackoff(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferLines < 0 {
		c.BufferLines = 0
	}
	if c.BufferBytes <= 0 {
		c.BufferBytes = d.BufferBytes
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = d.BindTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.BackpressureThreshold <= 0 || c.BackpressureThreshold > c.SendQueueSize {
		c.BackpressureThreshold = c.SendQueueSize * 3 / 4
		if c.BackpressureThreshold == 0 {
			c.BackpressureThreshold = 1
		}
	}
	if c.MaxCols == 0 {
		c.MaxCols = d.MaxCols
	}
	if c.MaxRows == 0 {
		c.MaxRows = d.MaxRows
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = d.ReadChunk
	}
	if c.Backoff.BaseDelay <= 0 && c.Backoff.MaxDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// Sessions is the part of the session manager the stream manager consults.
type Sessions interface {
	GetSession(id string) (model.Session, error)
	WaitReady(ctx context.Context, id string) (model.Session, error)
	Streaming(id string) bool
	Touch(id string)
	SuspendSession(id string, reason model.SuspendReason) (model.Session, error)
	ResumeSession(id string, reason model.SuspendReason) (model.Session, error)
}

// Recorder receives a copy of every session's terminal traffic.
type Recorder interface {
	Open(sess model.Session, cols, rows uint16) error
	Output(sessionID string, data []byte)
	Input(sessionID string, data []byte)
	Resize(sessionID string, cols, rows uint16)
	Close(sessionID string)
}

// stream owns one session's process I/O, retained output and bound client.
type stream struct {
	id        string
	projectID string
	proc      pty.Process
	buf       *buffer.OutputBuffer
	stop      chan struct{}
	stopOnce  sync.Once
	logger    zerolog.Logger

	mu     sync.Mutex
	client *Client
	// delivered is the buffer position up to which output was queued to a
	// client.
	delivered uint64
	// eof is set once the process output has ended.
	eof bool
}

// unsentLocked returns the retained output at or after cursor and the cursor
// following it. A trailing incomplete UTF-8 sequence is held back until the
// rest of it arrives or the output ends.
func (st *stream) unsentLocked(cursor uint64) ([]byte, uint64) {
	data, next := st.buf.Since(cursor)
	if !st.eof {
		if cut := buffer.CompleteRunes(data); cut < len(data) {
			next -= uint64(len(data) - cut)
			data = data[:cut]
		}
	}
	return data, next
}

func (st *stream) stopped() bool {
	select {
	case <-st.stop:
		return true
	default:
		return false
	}
}

// Manager pumps process output into per-session buffers and delivers it to
// bound connections. It implements session.ProcessHost.
type Manager struct {
	cfg      Config
	sessions Sessions
	breakers *circuit.Registry
	pub      events.Publisher
	recorder Recorder
	logger   zerolog.Logger

	mu      sync.RWMutex
	streams map[string]*stream

	loops sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder copies all terminal traffic to r.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// NewManager creates a stream manager.
func NewManager(cfg Config, sessions Sessions, breakers *circuit.Registry, pub events.Publisher, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		breakers: breakers,
		pub:      pub,
		logger:   logger.With().Str("component", "stream").Logger(),
		streams:  make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Observe subscribes the manager to session lifecycle and focus events.
func (m *Manager) Observe(sub events.Subscriber) (unsubscribe func()) {
	return sub.Subscribe(m.handleEvent)
}

func (m *Manager) handleEvent(e events.Event) {
	switch e.Type {
	case events.FocusChanged:
		if e.State == "focused" {
			go m.flushIfStreaming(e.SessionID)
		}
	case events.SessionActive:
		go m.flushIfStreaming(e.SessionID)
	case events.SessionResumed:
		go func() {
			m.notifyStatus(e.SessionID)
			m.flushIfStreaming(e.SessionID)
		}()
	case events.SessionSuspended:
		go m.notifyStatus(e.SessionID)
	}
}

func breakerKey(sessionID string) string {
	return "session:" + sessionID
}

func (m *Manager) stream(id string) *stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[id]
}

// Attach starts serving proc for sess: a read loop moves its output into the
// session's buffer.
func (m *Manager) Attach(sess model.Session, proc pty.Process) error {
	st := &stream{
		id:        sess.ID,
		projectID: sess.ProjectID,
		proc:      proc,
		buf:       buffer.New(m.cfg.BufferLines, m.cfg.BufferBytes),
		stop:      make(chan struct{}),
		logger:    m.logger.With().Str("session_id", sess.ID).Str("project_id", sess.ProjectID).Logger(),
	}

	m.mu.Lock()
	if _, ok := m.streams[sess.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s already attached", sess.ID)
	}
	m.streams[sess.ID] = st
	m.mu.Unlock()

	if m.recorder != nil {
		if err := m.recorder.Open(sess, pty.DefaultCols, pty.DefaultRows); err != nil {
			st.logger.Warn().Err(err).Msg("failed to start recording")
		}
	}

	m.loops.Add(1)
	go m.readLoop(st)
	return nil
}

// Detach stops serving the session and closes its connection.
func (m *Manager) Detach(sessionID string) {
	m.mu.Lock()
	st, ok := m.streams[sessionID]
	delete(m.streams, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	st.stopOnce.Do(func() { close(st.stop) })

	st.mu.Lock()
	c := st.client
	st.client = nil
	st.mu.Unlock()

	if c != nil {
		if sess, err := m.sessions.GetSession(sessionID); err == nil {
			_ = c.SendMessage(statusMessage(sess))
		}
		c.Close()
	}
	if m.recorder != nil {
		m.recorder.Close(sessionID)
	}
	m.breakers.Remove(breakerKey(sessionID))
	st.logger.Debug().Msg("stream detached")
}

// ReplayCursor returns the buffer position up to which output was delivered.
func (m *Manager) ReplayCursor(sessionID string) uint64 {
	st := m.stream(sessionID)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.delivered
}

// Wait blocks until every read loop has returned.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop runs until the process output ends.
func (m *Manager) readLoop(st *stream) {
	defer m.loops.Done()
	defer func() {
		if r := recover(); r != nil {
			st.logger.Error().Interface("panic", r).Msg("read loop panicked")
			m.pub.Publish(events.Event{
				Type:      events.SessionError,
				SessionID: st.id,
				ProjectID: st.projectID,
				Kind:      string(model.KindInternal),
				Detail:    fmt.Sprint(r),
			})
		}
	}()

	chunk := make([]byte, m.cfg.ReadChunk)
	for {
		m.waitForRoom(st)

		n, err := st.proc.Read(chunk)
		if n > 0 {
			m.onProcessOutput(st, append([]byte(nil), chunk[:n]...))
		}
		if err != nil {
			st.logger.Debug().Err(err).Msg("process output ended")
			st.mu.Lock()
			st.eof = true
			st.mu.Unlock()
			if !st.stopped() && m.sessions.Streaming(st.id) {
				m.flush(st, false)
			}
			return
		}
	}
}

// onProcessOutput appends data to the buffer and streams it when the session
// is active and focused.
func (m *Manager) onProcessOutput(st *stream, data []byte) {
	st.buf.Write(data)
	if m.recorder != nil {
		m.recorder.Output(st.id, data)
	}
	if !st.stopped() && m.sessions.Streaming(st.id) {
		m.flush(st, false)
	}
}

// waitForRoom blocks while the bound client's queue is at the backpressure
// threshold. It returns when the client drains, goes away, or the stream
// stops.
func (m *Manager) waitForRoom(st *stream) {
	logged := false
	for {
		st.mu.Lock()
		c := st.client
		st.mu.Unlock()

		if c == nil || c.IsClosed() || c.Pending() < m.cfg.BackpressureThreshold {
			if logged {
				st.logger.Debug().Msg("backpressure released")
			}
			return
		}
		if !logged {
			st.logger.Debug().Int("pending", c.Pending()).Msg("backpressure engaged")
			logged = true
		}

		select {
		case <-c.Drained():
		case <-c.Done():
		case <-st.stop:
			return
		}
	}
}

func (m *Manager) flushIfStreaming(sessionID string) {
	st := m.stream(sessionID)
	if st == nil || !m.sessions.Streaming(sessionID) {
		return
	}
	m.flush(st, true)
}

// flush queues everything produced since the delivered cursor to the bound
// client. Bytes that fell out of the buffer meanwhile are skipped.
func (m *Manager) flush(st *stream, replay bool) {
	st.mu.Lock()
	c := st.client
	if c == nil {
		st.mu.Unlock()
		return
	}
	data, next := st.unsentLocked(st.delivered)
	if len(data) == 0 {
		st.delivered = next
		st.mu.Unlock()
		return
	}
	err := c.SendMessage(outputMessage(st.id, data, replay))
	if err == nil {
		st.delivered = next
	}
	st.mu.Unlock()

	if err != nil {
		m.connectionFailed(st, c, err)
		return
	}
	m.pub.Publish(events.Event{
		Type:      events.BytesStreamed,
		SessionID: st.id,
		ProjectID: st.projectID,
		Bytes:     len(data),
	})
}

// connectionFailed records a delivery failure. The connection is dropped and
// the process keeps running; once failures open the session's breaker the
// session is suspended until a fresh bind.
func (m *Manager) connectionFailed(st *stream, c *Client, cause error) {
	st.mu.Lock()
	if st.client == c {
		st.client = nil
	}
	st.mu.Unlock()
	c.Close()

	br := m.breakers.Get(breakerKey(st.id))
	br.RecordFailure()

	st.logger.Warn().Err(cause).Str("connection_id", c.ID()).Msg("connection failed")
	m.pub.Publish(events.Event{
		Type:      events.ConnectionError,
		SessionID: st.id,
		ProjectID: st.projectID,
		Kind:      string(model.KindConnection),
		Detail:    cause.Error(),
		Key:       c.ID(),
	})

	if br.State() == circuit.StateOpen {
		if _, err := m.sessions.SuspendSession(st.id, model.SuspendReasonConnection); err != nil {
			st.logger.Warn().Err(err).Msg("failed to suspend session after connection failures")
		}
	}
}

func (m *Manager) notifyStatus(sessionID string) {
	st := m.stream(sessionID)
	if st == nil {
		return
	}
	sess, err := m.sessions.GetSession(sessionID)
	if err != nil {
		return
	}
	st.mu.Lock()
	c := st.client
	st.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.SendMessage(statusMessage(sess)); err != nil {
		m.connectionFailed(st, c, err)
	}
}

// BindConnection attaches c to the session, replacing any previous
// connection, and replays the whole retained buffer before live output.
func (m *Manager) BindConnection(ctx context.Context, sessionID string, c *Client) (model.Session, error) {
	const op = "bind connection"

	sess, err := m.sessions.GetSession(sessionID)
	if err != nil {
		return model.Session{}, model.WrapError(model.KindConnectionRejected, op, err)
	}
	if sess.State == model.SessionStateClosed {
		return sess, closedRejection(op, sessionID, "is closed")
	}

	br := m.breakers.Get(breakerKey(sessionID))
	if !br.Allow() {
		return sess, model.NewError(model.KindConnectionRejected, op, "session %s circuit open", sessionID)
	}

	if sess.State == model.SessionStateInitializing {
		waitCtx, cancel := context.WithTimeout(ctx, m.cfg.BindTimeout)
		sess, err = m.sessions.WaitReady(waitCtx, sessionID)
		cancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return sess, model.NewError(model.KindBindTimeout, op, "session %s not ready after %s", sessionID, m.cfg.BindTimeout)
		case err != nil:
			return sess, model.WrapError(model.KindConnectionRejected, op, err)
		case sess.State == model.SessionStateClosed:
			return sess, closedRejection(op, sessionID, "failed to start")
		}
	}

	st := m.stream(sessionID)
	if st == nil {
		return sess, model.NewError(model.KindConnectionRejected, op, "session %s is not attached", sessionID)
	}

	st.mu.Lock()
	if old := st.client; old != nil && old != c {
		displaced := newMessage(MessageTypeStatus, sessionID)
		displaced.State = string(sess.State)
		displaced.Reason = "replaced"
		_ = old.SendMessage(displaced)
		old.Close()
	}
	st.client = c
	err = c.SendMessage(statusMessage(sess))
	var replayed int
	if err == nil {
		data, next := st.unsentLocked(0)
		if len(data) > 0 {
			err = c.SendMessage(outputMessage(sessionID, data, true))
		}
		if err == nil {
			st.delivered = next
			replayed = len(data)
		}
	}
	if err != nil {
		st.client = nil
	}
	st.mu.Unlock()

	if err != nil {
		br.RecordFailure()
		return sess, model.WrapError(model.KindConnection, op, err)
	}

	br.RecordSuccess()
	if sess.SuspendReason == model.SuspendReasonConnection {
		if resumed, err := m.sessions.ResumeSession(sessionID, model.SuspendReasonConnection); err == nil {
			sess = resumed
		}
	}
	m.sessions.Touch(sessionID)

	st.logger.Info().Str("connection_id", c.ID()).Int("replayed_bytes", replayed).Msg("connection bound")
	m.pub.Publish(events.Event{
		Type:      events.ConnectionBound,
		SessionID: sessionID,
		ProjectID: sess.ProjectID,
		Key:       c.ID(),
		Bytes:     replayed,
	})
	if replayed > 0 {
		m.pub.Publish(events.Event{
			Type:      events.BytesStreamed,
			SessionID: sessionID,
			ProjectID: sess.ProjectID,
			Bytes:     replayed,
		})
	}
	return sess, nil
}

// closedRejection rejects a bind to a session that can never serve it.
func closedRejection(op, sessionID, what string) error {
	return model.WrapError(model.KindConnectionRejected, op,
		model.NewError(model.KindValidation, "", "session %s %s", sessionID, what))
}

// Unbind detaches c from its session if it is still the bound connection.
// The session itself is left untouched.
func (m *Manager) Unbind(sessionID string, c *Client) bool {
	st := m.stream(sessionID)
	if st == nil {
		return false
	}
	st.mu.Lock()
	bound := st.client == c
	if bound {
		st.client = nil
	}
	st.mu.Unlock()
	if !bound {
		return false
	}

	st.logger.Info().Str("connection_id", c.ID()).Msg("connection lost")
	m.pub.Publish(events.Event{
		Type:      events.ConnectionLost,
		SessionID: sessionID,
		ProjectID: st.projectID,
		Key:       c.ID(),
	})
	return true
}

// Write forwards input to the session's process. Input to a suspended
// session is discarded.
func (m *Manager) Write(sessionID string, input []byte) error {
	const op = "write"
	sess, st, err := m.live(op, sessionID)
	if err != nil {
		return err
	}
	if sess.State == model.SessionStateSuspended || len(input) == 0 {
		return nil
	}
	if _, err := st.proc.Write(input); err != nil {
		return model.WrapError(model.KindConnection, op, err)
	}
	if m.recorder != nil {
		m.recorder.Input(sessionID, input)
	}
	m.sessions.Touch(sessionID)
	return nil
}

// Resize changes the session's terminal size. Both dimensions must be
// positive and within the configured maximum.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	const op = "resize"
	if cols == 0 || rows == 0 || cols > m.cfg.MaxCols || rows > m.cfg.MaxRows {
		return model.NewError(model.KindValidation, op, "size %dx%d outside 1x1..%dx%d", cols, rows, m.cfg.MaxCols, m.cfg.MaxRows)
	}
	_, st, err := m.live(op, sessionID)
	if err != nil {
		return err
	}
	if err := st.proc.Resize(cols, rows); err != nil {
		return model.WrapError(model.KindInternal, op, err)
	}
	if m.recorder != nil {
		m.recorder.Resize(sessionID, cols, rows)
	}
	m.sessions.Touch(sessionID)
	return nil
}

// Buffered returns a copy of the session's retained output.
func (m *Manager) Buffered(sessionID string) ([]byte, error) {
	st := m.stream(sessionID)
	if st == nil {
		return nil, model.NewError(model.KindNotFound, "buffered output", "session %s has no output stream", sessionID)
	}
	return st.buf.ReadAll(), nil
}

// RetryAfter is the reconnect hint for a client's attempt-th retry. An open
// breaker stretches it to the remaining cooldown.
func (m *Manager) RetryAfter(sessionID string, attempt int) time.Duration {
	d := m.cfg.Backoff.NextDelay(attempt)
	if br, ok := m.breakers.Peek(breakerKey(sessionID)); ok {
		if wait := time.Duration(br.Snapshot().RetryAfterMs) * time.Millisecond; wait > d {
			d = wait
		}
	}
	return d
}

func (m *Manager) live(op, sessionID string) (model.Session, *stream, error) {
	sess, err := m.sessions.GetSession(sessionID)
	if err != nil {
		return sess, nil, err
	}
	if !sess.State.HasProcess() {
		return sess, nil, model.NewError(model.KindValidation, op, "session %s is %s", sessionID, sess.State)
	}
	st := m.stream(sessionID)
	if st == nil {
		return sess, nil, model.NewError(model.KindNotFound, op, "session %s has no output stream", sessionID)
	}
	return sess, st, nil
}
