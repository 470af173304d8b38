package session

import (
	"context"
	"fmt"

	"github.com/remote-agent-terminal/termmux/internal/circuit"
	"github.com/remote-agent-terminal/termmux/internal/events"
	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/pty"
)

// spawn starts the session's process, retrying with backoff. Closing the
// session cancels ctx and abandons the attempt.
func (m *Manager) spawn(ctx context.Context, e *entry, command string, args []string) {
	defer m.spawns.Done()
	defer close(e.ready)

	sess := e.snapshot()
	log := m.sessionLogger(sess)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("spawn panicked")
			m.closeSession(sess.ID, model.CloseReasonSpawnError,
				model.NewError(model.KindInternal, "spawn", "panic: %v", r))
		}
	}()

	opts := pty.SpawnOptions{
		Dir:     sess.WorkingDirectory,
		Command: command,
		Args:    args,
		Env: []string{
			"TERMMUX_SESSION_ID=" + sess.ID,
			"TERMMUX_PROJECT_ID=" + sess.ProjectID,
		},
	}

	var proc pty.Process
	err := circuit.Retry(ctx, m.cfg.Backoff, m.cfg.SpawnAttempts, func(ctx context.Context, attempt int) error {
		p, err := m.spawner.Spawn(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Int("attempt", attempt+1).Int("max_attempts", m.cfg.SpawnAttempts).Msg("spawn failed")
			return model.WrapError(model.KindSpawn, "spawn "+command, err)
		}
		proc = p
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.closeSession(sess.ID, model.CloseReasonSpawnError, err)
		return
	}

	m.activate(e, proc)
}

// activate hands proc to the process host and moves the session out of
// Initializing. A session closed in the meantime gets its process killed.
func (m *Manager) activate(e *entry, proc pty.Process) {
	sess := e.snapshot()
	if host := m.processHost(); host != nil {
		if err := host.Attach(sess, proc); err != nil {
			_ = proc.Kill()
			m.closeSession(sess.ID, model.CloseReasonSpawnError, model.WrapError(model.KindSpawn, "attach", err))
			return
		}
	}

	p := e.project
	p.transitions.Lock()
	defer p.transitions.Unlock()

	p.mu.Lock()
	e.mu.Lock()
	if e.sess.State == model.SessionStateClosed {
		e.mu.Unlock()
		p.mu.Unlock()
		m.release(sess.ID, proc)
		return
	}
	e.proc = proc
	e.sess.PID = proc.PID()
	typ := events.SessionActive
	e.sess.State = model.SessionStateActive
	if p.suspended {
		typ = events.SessionSuspended
		e.sess.State = model.SessionStateSuspended
		e.sess.SuspendReason = model.SuspendReasonProject
	}
	desc := e.snapshotLocked()
	e.mu.Unlock()
	p.mu.Unlock()

	m.sessionLogger(desc).Info().Int("pid", desc.PID).Str("state", string(desc.State)).Msg("process started")
	m.pub.Publish(events.Event{
		Type:      typ,
		SessionID: desc.ID,
		ProjectID: desc.ProjectID,
		PrevState: string(model.SessionStateInitializing),
		State:     string(desc.State),
		Reason:    string(desc.SuspendReason),
		Detail:    fmt.Sprintf("pid %d", desc.PID),
	})
	go m.watchExit(desc.ID, proc)
}

// watchExit closes the session when its process exits on its own.
func (m *Manager) watchExit(id string, proc pty.Process) {
	<-proc.Done()
	m.closeSession(id, model.CloseReasonExited, nil)
}
