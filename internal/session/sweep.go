package session

import (
	"context"
	"time"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

// Run sweeps idle and expired sessions every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep closes sessions idle for longer than IdleTimeout and forgets closed
// sessions older than ClosedRetention. It returns the ids it closed.
func (m *Manager) Sweep() []string {
	now := m.now()

	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var idle, expired []string
	for _, e := range entries {
		s := e.snapshot()
		switch {
		case s.State == model.SessionStateClosed:
			if s.ClosedAt != nil && now.Sub(*s.ClosedAt) >= m.cfg.ClosedRetention {
				expired = append(expired, s.ID)
			}
		case now.Sub(s.LastActivityAt) >= m.cfg.IdleTimeout:
			idle = append(idle, s.ID)
		}
	}

	for _, id := range idle {
		m.closeSession(id, model.CloseReasonIdle, nil)
	}
	if len(expired) > 0 {
		m.forget(expired)
	}
	if len(idle) > 0 || len(expired) > 0 {
		m.logger.Info().Int("idle_closed", len(idle)).Int("forgotten", len(expired)).Msg("sweep finished")
	}
	return idle
}

// forget drops closed sessions from every index.
func (m *Manager) forget(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		e, ok := m.sessions[id]
		if !ok {
			continue
		}
		delete(m.sessions, id)

		p := e.project
		p.mu.Lock()
		for i, pe := range p.sessions {
			if pe == e {
				p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
	}
}
