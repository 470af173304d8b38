// Package session is the single source of truth for session, project and
// focus state. It spawns processes through a pty.Spawner and hands them to a
// ProcessHost, which owns their I/O.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/termmux/internal/circuit"
	"github.com/remote-agent-terminal/termmux/internal/events"
	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/pty"
)

// Config holds configuration for the session manager.
type Config struct {
	// FocusLimit is the maximum number of focused sessions per project.
	FocusLimit int
	// MaxSessionsPerProject caps the non-closed sessions of one project.
	MaxSessionsPerProject int
	// IdleTimeout closes sessions without input, resize, bind or focus
	// activity for this long.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// ClosedRetention is how long closed sessions stay visible before the
	// sweep forgets them.
	ClosedRetention time.Duration
	// SpawnAttempts bounds spawn retries.
	SpawnAttempts int
	Backoff       circuit.Backoff
	// Shell is the command line run by normal sessions.
	Shell string
	// AssistantCommand is the command line run by assistant sessions.
	AssistantCommand string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		FocusLimit:            4,
		MaxSessionsPerProject: 10,
		IdleTimeout:           30 * time.Minute,
		SweepInterval:         time.Minute,
		ClosedRetention:       10 * time.Minute,
		SpawnAttempts:         3,
		Backoff:               circuit.DefaultBackoff(),
		Shell:                 defaultShell(),
		AssistantCommand:      "claude",
	}
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FocusLimit <= 0 {
		c.FocusLimit = d.FocusLimit
	}
	if c.MaxSessionsPerProject <= 0 {
		c.MaxSessionsPerProject = d.MaxSessionsPerProject
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ClosedRetention <= 0 {
		c.ClosedRetention = d.ClosedRetention
	}
	if c.SpawnAttempts <= 0 {
		c.SpawnAttempts = d.SpawnAttempts
	}
	if c.Backoff.BaseDelay <= 0 && c.Backoff.MaxDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Shell == "" {
		c.Shell = d.Shell
	}
	return c
}

// ProcessHost takes ownership of the I/O of spawned processes.
// Its methods are never called with manager locks held.
type ProcessHost interface {
	// Attach starts serving proc for sess.
	Attach(sess model.Session, proc pty.Process) error
	// Detach stops serving the session. It must be idempotent.
	Detach(sessionID string)
	// ReplayCursor returns the buffer position up to which output has been
	// delivered to the session's client.
	ReplayCursor(sessionID string) uint64
}

type entry struct {
	mu          sync.Mutex
	sess        model.Session
	proc        pty.Process
	cancelSpawn context.CancelFunc
	ready       chan struct{} // closed once the spawn attempt is over
	project     *project

	// focused mirrors membership in project.focus for lock-free reads.
	focused atomic.Bool
}

func (e *entry) snapshot() model.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *entry) snapshotLocked() model.Session {
	s := e.sess
	s.Focused = e.focused.Load()
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		s.ClosedAt = &t
	}
	return s
}

type project struct {
	// transitions is held across a session state change and the publishing
	// of its events, so observers see each project's events in order.
	transitions sync.Mutex

	mu        sync.Mutex
	id        string
	path      string
	sessions  []*entry // creation order
	suspended bool
	focus     *focusSet
}

func (p *project) entryLocked(id string) *entry {
	for _, e := range p.sessions {
		if e.sess.ID == id {
			return e
		}
	}
	return nil
}

func (p *project) snapshotLocked() model.Project {
	ids := make([]string, 0, len(p.sessions))
	for _, e := range p.sessions {
		ids = append(ids, e.sess.ID)
	}
	return model.Project{ID: p.id, Path: p.path, SessionIDs: ids, Suspended: p.suspended}
}

// Manager owns every session and project. Lock order is project.transitions,
// then Manager.mu, then project.mu, then entry.mu. Events are published with
// only project.transitions held.
type Manager struct {
	cfg     Config
	spawner pty.Spawner
	pub     events.Publisher
	logger  zerolog.Logger
	now     func() time.Time

	hostMu sync.RWMutex
	host   ProcessHost

	mu       sync.RWMutex
	sessions map[string]*entry
	projects map[string]*project
	closed   bool

	spawns sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager.
func NewManager(cfg Config, spawner pty.Spawner, pub events.Publisher, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		spawner:  spawner,
		pub:      pub,
		logger:   logger.With().Str("component", "session").Logger(),
		now:      time.Now,
		sessions: make(map[string]*entry),
		projects: make(map[string]*project),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetProcessHost installs the owner of spawned processes.
func (m *Manager) SetProcessHost(h ProcessHost) {
	m.hostMu.Lock()
	m.host = h
	m.hostMu.Unlock()
}

func (m *Manager) processHost() ProcessHost {
	m.hostMu.RLock()
	defer m.hostMu.RUnlock()
	return m.host
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// RegisterProject makes a project known with its root path.
func (m *Manager) RegisterProject(id, path string) (model.Project, error) {
	const op = "register project"
	if !model.ValidProjectID(id) {
		return model.Project{}, model.NewError(model.KindValidation, op, "invalid projectId %q", id)
	}
	if err := checkProjectPath(path); err != nil {
		return model.Project{}, model.NewError(model.KindInvalidProject, op, "project %s: %v", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		p = m.newProjectLocked(id, path)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.path = filepath.Clean(path)
	return p.snapshotLocked(), nil
}

// GetProject returns a copy of the project.
func (m *Manager) GetProject(id string) (model.Project, error) {
	p, err := m.lookupProject(id)
	if err != nil {
		return model.Project{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked(), nil
}

func (m *Manager) newProjectLocked(id, path string) *project {
	p := &project{
		id:    id,
		path:  filepath.Clean(path),
		focus: newFocusSet(m.cfg.FocusLimit),
	}
	m.projects[id] = p
	return p
}

func checkProjectPath(path string) error {
	if path == "" {
		return fmt.Errorf("no project path")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path %q is not absolute", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path %q is not a directory", path)
	}
	return nil
}

// CreateSession registers a new session in the Initializing state and starts
// spawning its process in the background. An unknown project is created from
// req.ProjectPath, or req.Cwd when no project path is given.
func (m *Manager) CreateSession(ctx context.Context, req model.CreateSessionRequest) (model.Session, error) {
	const op = "create session"
	if err := ctx.Err(); err != nil {
		return model.Session{}, err
	}
	if err := req.Validate(); err != nil {
		return model.Session{}, err
	}
	command, args, err := m.command(req.Mode)
	if err != nil {
		return model.Session{}, err
	}

	p, err := m.projectFor(req)
	if err != nil {
		return model.Session{}, err
	}

	// Only CreateSession adds sessions and only closeSession retires them,
	// both under transitions, so the live count cannot change below.
	p.transitions.Lock()
	defer p.transitions.Unlock()

	p.mu.Lock()
	projectPath := p.path
	live := 0
	for _, e := range p.sessions {
		if e.snapshot().State != model.SessionStateClosed {
			live++
		}
	}
	p.mu.Unlock()
	if live >= m.cfg.MaxSessionsPerProject {
		return model.Session{}, model.NewError(model.KindResourceExhausted, op,
			"project %s already has %d sessions", req.ProjectID, live)
	}

	now := m.now()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return model.Session{}, model.NewError(model.KindInternal, op, "session manager is shut down")
	}
	id := m.newIDLocked(now)
	spawnCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		sess: model.Session{
			ID:               id,
			ProjectID:        p.id,
			Mode:             req.Mode,
			State:            model.SessionStateInitializing,
			WorkingDirectory: resolveCwd(projectPath, req.Cwd),
			CreatedAt:        now,
			LastActivityAt:   now,
		},
		cancelSpawn: cancel,
		ready:       make(chan struct{}),
		project:     p,
	}
	m.sessions[id] = e
	p.mu.Lock()
	p.sessions = append(p.sessions, e)
	p.mu.Unlock()
	desc := e.sess
	m.mu.Unlock()

	m.sessionLogger(desc).Info().Str("mode", string(desc.Mode)).Str("cwd", desc.WorkingDirectory).Msg("session created")
	m.pub.Publish(events.Event{
		Type:      events.SessionCreated,
		SessionID: id,
		ProjectID: desc.ProjectID,
		State:     string(desc.State),
		Mode:      string(desc.Mode),
		Cwd:       desc.WorkingDirectory,
	})

	m.spawns.Add(1)
	go m.spawn(spawnCtx, e, command, args)
	return desc, nil
}

// projectFor returns the project of req, creating an unknown one from
// req.ProjectPath, or req.Cwd when no project path is given. The path is
// checked before any manager lock is taken.
func (m *Manager) projectFor(req model.CreateSessionRequest) (*project, error) {
	m.mu.RLock()
	p := m.projects[req.ProjectID]
	m.mu.RUnlock()
	if p != nil {
		return p, nil
	}

	path := req.ProjectPath
	if path == "" {
		path = req.Cwd
	}
	if err := checkProjectPath(path); err != nil {
		return nil, model.NewError(model.KindInvalidProject, "create session", "unknown project %s: %v", req.ProjectID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projects[req.ProjectID]; ok {
		return p, nil
	}
	return m.newProjectLocked(req.ProjectID, path), nil
}

func (m *Manager) newIDLocked(now time.Time) string {
	for {
		id := model.NewSessionID(now)
		if _, exists := m.sessions[id]; !exists {
			return id
		}
	}
}

func resolveCwd(projectPath, cwd string) string {
	if cwd == "" {
		return projectPath
	}
	if !filepath.IsAbs(cwd) {
		return filepath.Join(projectPath, cwd)
	}
	return filepath.Clean(cwd)
}

func (m *Manager) command(mode model.SessionMode) (string, []string, error) {
	line := m.cfg.Shell
	if mode == model.SessionModeAssistant {
		line = m.cfg.AssistantCommand
	}
	cmd, args := pty.SplitCommand(line)
	if cmd == "" {
		return "", nil, model.NewError(model.KindValidation, "create session", "no command configured for %s mode", mode)
	}
	return cmd, args, nil
}

// CloseSession kills the session's process and marks it Closed. Closing an
// already closed session returns its descriptor without error.
func (m *Manager) CloseSession(id string) (model.Session, error) {
	return m.closeSession(id, model.CloseReasonExplicit, nil)
}

func (m *Manager) closeSession(id string, reason model.CloseReason, cause error) (model.Session, error) {
	e := m.lookup(id)
	if e == nil {
		return model.Session{}, model.NewError(model.KindNotFound, "close session", "session %s not found", id)
	}
	p := e.project
	p.transitions.Lock()
	defer p.transitions.Unlock()

	p.mu.Lock()
	e.mu.Lock()
	if e.sess.State == model.SessionStateClosed {
		desc := e.snapshotLocked()
		e.mu.Unlock()
		p.mu.Unlock()
		return desc, nil
	}

	prev := e.sess.State
	now := m.now()
	e.sess.State = model.SessionStateClosed
	e.sess.CloseReason = reason
	e.sess.SuspendReason = model.SuspendReasonNone
	e.sess.ClosedAt = &now
	proc := e.proc
	e.proc = nil
	cancel := e.cancelSpawn

	var focusEvent *events.Event
	if p.focus.remove(id) {
		p.focus.version++
		e.focused.Store(false)
		e.sess.FocusVersion = p.focus.version
		focusEvent = &events.Event{
			Type:      events.FocusChanged,
			ProjectID: p.id,
			SessionID: id,
			State:     "unfocused",
			Focused:   p.focus.ids(),
			Version:   p.focus.version,
		}
	}
	desc := e.snapshotLocked()
	e.mu.Unlock()
	p.mu.Unlock()

	cancel()
	detail := ""
	if proc != nil && reason == model.CloseReasonExited {
		detail = fmt.Sprintf("exit code %d", proc.ExitCode())
	}
	m.release(id, proc)

	log := m.sessionLogger(desc)
	if cause != nil {
		log.Error().Err(cause).Str("reason", string(reason)).Msg("session failed")
		m.pub.Publish(events.Event{
			Type:      events.SessionError,
			SessionID: id,
			ProjectID: desc.ProjectID,
			Kind:      string(model.KindOf(cause)),
			Detail:    cause.Error(),
		})
	}
	log.Info().Str("reason", string(reason)).Str("prev_state", string(prev)).Msg("session closed")
	m.pub.Publish(events.Event{
		Type:      events.SessionClosed,
		SessionID: id,
		ProjectID: desc.ProjectID,
		PrevState: string(prev),
		State:     string(desc.State),
		Reason:    string(reason),
		Detail:    detail,
	})
	if focusEvent != nil {
		m.pub.Publish(*focusEvent)
	}
	return desc, nil
}

func (m *Manager) release(id string, proc pty.Process) {
	if host := m.processHost(); host != nil {
		host.Detach(id)
	}
	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		m.logger.Warn().Err(err).Str("session_id", id).Msg("failed to kill process")
	}
}

// GetSession returns a copy of the session.
func (m *Manager) GetSession(id string) (model.Session, error) {
	e := m.lookup(id)
	if e == nil {
		return model.Session{}, model.NewError(model.KindNotFound, "get session", "session %s not found", id)
	}
	return e.snapshot(), nil
}

// ListSessions returns copies of the project's sessions in creation order.
// An unknown project has no sessions.
func (m *Manager) ListSessions(projectID string) ([]model.Session, error) {
	if !model.ValidProjectID(projectID) {
		return nil, model.NewError(model.KindValidation, "list sessions", "invalid projectId %q", projectID)
	}
	m.mu.RLock()
	p := m.projects[projectID]
	m.mu.RUnlock()
	if p == nil {
		return []model.Session{}, nil
	}

	p.mu.Lock()
	entries := append([]*entry(nil), p.sessions...)
	p.mu.Unlock()

	out := make([]model.Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out, nil
}

// WaitReady blocks until the session's spawn attempt is over, then returns
// its descriptor.
func (m *Manager) WaitReady(ctx context.Context, id string) (model.Session, error) {
	e := m.lookup(id)
	if e == nil {
		return model.Session{}, model.NewError(model.KindNotFound, "wait session", "session %s not found", id)
	}
	select {
	case <-e.ready:
		return e.snapshot(), nil
	case <-ctx.Done():
		return model.Session{}, ctx.Err()
	}
}

// Streaming reports whether output of the session should be sent live: the
// session is Active and focused.
func (m *Manager) Streaming(id string) bool {
	e := m.lookup(id)
	if e == nil || !e.focused.Load() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.State == model.SessionStateActive
}

// IsFocused reports whether the session is in its project's focus set.
func (m *Manager) IsFocused(id string) bool {
	e := m.lookup(id)
	return e != nil && e.focused.Load()
}

// Touch records activity on the session.
func (m *Manager) Touch(id string) {
	e := m.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.sess.State != model.SessionStateClosed {
		e.sess.LastActivityAt = m.now()
	}
	e.mu.Unlock()
}

// Shutdown closes every session and waits for pending spawns to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.closeSession(id, model.CloseReasonShutdown, nil)
	}

	done := make(chan struct{})
	go func() {
		m.spawns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *Manager) lookupProject(id string) (*project, error) {
	if !model.ValidProjectID(id) {
		return nil, model.NewError(model.KindValidation, "project", "invalid projectId %q", id)
	}
	m.mu.RLock()
	p := m.projects[id]
	m.mu.RUnlock()
	if p == nil {
		return nil, model.NewError(model.KindNotFound, "project", "project %s not found", id)
	}
	return p, nil
}

func (m *Manager) sessionLogger(s model.Session) *zerolog.Logger {
	l := m.logger.With().Str("session_id", s.ID).Str("project_id", s.ProjectID).Logger()
	return &l
}
