package session

import (
	"github.com/remote-agent-terminal/termmux/internal/events"
	"github.com/remote-agent-terminal/termmux/internal/model"
)

// SuspendResult is the outcome of SuspendProjectSessions.
type SuspendResult struct {
	// Count is the number of sessions this call moved to Suspended.
	Count int `json:"count"`
	// Sessions lists every suspended session of the project after the call.
	Sessions []model.Session `json:"sessions"`
}

// Resumed is a session reactivated by a resume, with the buffer position
// from which its client is missing output.
type Resumed struct {
	Session    model.Session `json:"session"`
	ReplayFrom uint64        `json:"replayFrom"`
}

// SuspendProjectSessions suspends every Active session of the project and
// marks the project suspended, so sessions that finish spawning later start
// suspended too. Processes keep running. Calling it again is a no-op that
// reports the same suspended set.
func (m *Manager) SuspendProjectSessions(projectID string) (SuspendResult, error) {
	p, err := m.lookupProject(projectID)
	if err != nil {
		return SuspendResult{}, err
	}

	var changed []model.Session
	res := SuspendResult{Sessions: []model.Session{}}

	p.transitions.Lock()
	defer p.transitions.Unlock()
	p.mu.Lock()
	p.suspended = true
	for _, e := range p.sessions {
		e.mu.Lock()
		switch e.sess.State {
		case model.SessionStateActive:
			e.sess.State = model.SessionStateSuspended
			e.sess.SuspendReason = model.SuspendReasonProject
			changed = append(changed, e.snapshotLocked())
		case model.SessionStateSuspended:
			// A project suspend outranks a connection suspend.
			e.sess.SuspendReason = model.SuspendReasonProject
		}
		if e.sess.State == model.SessionStateSuspended {
			res.Sessions = append(res.Sessions, e.snapshotLocked())
		}
		e.mu.Unlock()
	}
	p.mu.Unlock()

	res.Count = len(changed)
	m.logger.Info().Str("project_id", projectID).Int("suspended", res.Count).Msg("project suspended")
	for _, s := range changed {
		m.publishTransition(events.SessionSuspended, s, model.SessionStateActive)
	}
	return res, nil
}

// ResumeProjectSessions reactivates every Suspended session of the project
// and clears the project's suspended flag.
func (m *Manager) ResumeProjectSessions(projectID string) ([]Resumed, error) {
	p, err := m.lookupProject(projectID)
	if err != nil {
		return nil, err
	}

	var changed []model.Session
	p.transitions.Lock()
	defer p.transitions.Unlock()
	p.mu.Lock()
	p.suspended = false
	for _, e := range p.sessions {
		e.mu.Lock()
		if e.sess.State == model.SessionStateSuspended {
			e.sess.State = model.SessionStateActive
			e.sess.SuspendReason = model.SuspendReasonNone
			e.sess.LastActivityAt = m.now()
			changed = append(changed, e.snapshotLocked())
		}
		e.mu.Unlock()
	}
	p.mu.Unlock()

	m.logger.Info().Str("project_id", projectID).Int("resumed", len(changed)).Msg("project resumed")
	return m.finishResume(changed), nil
}

// SuspendSession suspends a single Active session. It is a no-op in any
// other state.
func (m *Manager) SuspendSession(id string, reason model.SuspendReason) (model.Session, error) {
	e := m.lookup(id)
	if e == nil {
		return model.Session{}, model.NewError(model.KindNotFound, "suspend session", "session %s not found", id)
	}
	e.project.transitions.Lock()
	defer e.project.transitions.Unlock()

	e.mu.Lock()
	if e.sess.State != model.SessionStateActive {
		desc := e.snapshotLocked()
		e.mu.Unlock()
		return desc, nil
	}
	e.sess.State = model.SessionStateSuspended
	e.sess.SuspendReason = reason
	desc := e.snapshotLocked()
	e.mu.Unlock()

	m.sessionLogger(desc).Info().Str("reason", string(reason)).Msg("session suspended")
	m.publishTransition(events.SessionSuspended, desc, model.SessionStateActive)
	return desc, nil
}

// ResumeSession reactivates a session suspended for reason. Sessions
// suspended for another reason, or whose project is suspended, are left
// alone.
func (m *Manager) ResumeSession(id string, reason model.SuspendReason) (model.Session, error) {
	e := m.lookup(id)
	if e == nil {
		return model.Session{}, model.NewError(model.KindNotFound, "resume session", "session %s not found", id)
	}
	p := e.project
	p.transitions.Lock()
	defer p.transitions.Unlock()

	p.mu.Lock()
	e.mu.Lock()
	if e.sess.State != model.SessionStateSuspended || e.sess.SuspendReason != reason || p.suspended {
		desc := e.snapshotLocked()
		e.mu.Unlock()
		p.mu.Unlock()
		return desc, nil
	}
	e.sess.State = model.SessionStateActive
	e.sess.SuspendReason = model.SuspendReasonNone
	e.sess.LastActivityAt = m.now()
	desc := e.snapshotLocked()
	e.mu.Unlock()
	p.mu.Unlock()

	m.finishResume([]model.Session{desc})
	return desc, nil
}

func (m *Manager) finishResume(changed []model.Session) []Resumed {
	host := m.processHost()
	out := make([]Resumed, 0, len(changed))
	for _, s := range changed {
		r := Resumed{Session: s}
		if host != nil {
			r.ReplayFrom = host.ReplayCursor(s.ID)
		}
		out = append(out, r)
	}
	for _, s := range changed {
		m.publishTransition(events.SessionResumed, s, model.SessionStateSuspended)
	}
	return out
}

func (m *Manager) publishTransition(typ events.Type, s model.Session, prev model.SessionState) {
	m.pub.Publish(events.Event{
		Type:      typ,
		SessionID: s.ID,
		ProjectID: s.ProjectID,
		PrevState: string(prev),
		State:     string(s.State),
		Reason:    string(s.SuspendReason),
	})
}
