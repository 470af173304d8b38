package session

import (
	"github.com/remote-agent-terminal/termmux/internal/events"
	"github.com/remote-agent-terminal/termmux/internal/model"
)

// focusNode is a doubly linked list node holding a focused session id.
type focusNode struct {
	id   string
	prev *focusNode
	next *focusNode
}

// focusSet is a bounded set of focused session ids ordered by recency.
// Adding beyond the limit evicts the least recently focused id.
// It is not synchronized; the owning project's mutex guards it.
type focusSet struct {
	limit   int
	items   map[string]*focusNode
	head    *focusNode // most recently focused (sentinel)
	tail    *focusNode // least recently focused (sentinel)
	version uint64
}

func newFocusSet(limit int) *focusSet {
	if limit < 1 {
		limit = 1
	}
	head := &focusNode{}
	tail := &focusNode{}
	head.next = tail
	tail.prev = head
	return &focusSet{
		limit: limit,
		items: make(map[string]*focusNode, limit),
		head:  head,
		tail:  tail,
	}
}

// add focuses id, or refreshes its recency if already focused.
// Returns the evicted id and true if the limit forced an eviction.
func (f *focusSet) add(id string) (string, bool) {
	if n, ok := f.items[id]; ok {
		f.unlink(n)
		f.pushFront(n)
		return "", false
	}

	n := &focusNode{id: id}
	f.items[id] = n
	f.pushFront(n)

	if len(f.items) <= f.limit {
		return "", false
	}
	lru := f.tail.prev
	f.unlink(lru)
	delete(f.items, lru.id)
	return lru.id, true
}

// remove unfocuses id. Returns false if it was not focused.
func (f *focusSet) remove(id string) bool {
	n, ok := f.items[id]
	if !ok {
		return false
	}
	f.unlink(n)
	delete(f.items, id)
	return true
}

func (f *focusSet) contains(id string) bool {
	_, ok := f.items[id]
	return ok
}

func (f *focusSet) len() int {
	return len(f.items)
}

// ids returns the focused ids, most recently focused first.
func (f *focusSet) ids() []string {
	out := make([]string, 0, len(f.items))
	for n := f.head.next; n != f.tail; n = n.next {
		out = append(out, n.id)
	}
	return out
}

func (f *focusSet) pushFront(n *focusNode) {
	n.prev = f.head
	n.next = f.head.next
	f.head.next.prev = n
	f.head.next = n
}

func (f *focusSet) unlink(n *focusNode) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

// SetFocus focuses or unfocuses a session. Focusing beyond the project's
// limit evicts the least recently focused session, reported in the result's
// Evicted field. The result always describes every non-closed session of the
// project.
func (m *Manager) SetFocus(projectID, sessionID string, focused bool) (model.FocusState, error) {
	const op = "set focus"
	p, err := m.lookupProject(projectID)
	if err != nil {
		return model.FocusState{}, err
	}
	e := m.lookup(sessionID)
	if e == nil || e.project != p {
		return model.FocusState{}, model.NewError(model.KindNotFound, op, "session %s not found in project %s", sessionID, projectID)
	}

	p.transitions.Lock()
	defer p.transitions.Unlock()
	p.mu.Lock()
	e.mu.Lock()
	closed := e.sess.State == model.SessionStateClosed
	e.mu.Unlock()
	if focused && closed {
		p.mu.Unlock()
		return model.FocusState{}, model.NewError(model.KindValidation, op, "session %s is closed", sessionID)
	}

	var evicted []string
	changed := []*entry{e}
	if focused {
		if id, ok := p.focus.add(sessionID); ok {
			evicted = append(evicted, id)
			if old := p.entryLocked(id); old != nil {
				old.focused.Store(false)
				changed = append(changed, old)
			}
		}
	} else {
		p.focus.remove(sessionID)
	}
	e.focused.Store(focused)
	p.focus.version++
	version := p.focus.version

	now := m.now()
	for _, c := range changed {
		c.mu.Lock()
		c.sess.FocusVersion = version
		if c == e && !closed {
			c.sess.LastActivityAt = now
		}
		c.mu.Unlock()
	}

	state := m.focusStateLocked(p)
	state.Evicted = evicted
	p.mu.Unlock()

	flag := "unfocused"
	if focused {
		flag = "focused"
	}
	ev := m.logger.Debug().Str("project_id", projectID).Str("session_id", sessionID).Str("focus", flag).Uint64("version", version)
	if len(evicted) > 0 {
		ev = ev.Strs("evicted", evicted)
	}
	ev.Msg("focus changed")

	m.pub.Publish(events.Event{
		Type:      events.FocusChanged,
		ProjectID: projectID,
		SessionID: sessionID,
		State:     flag,
		Focused:   state.FocusedIDs(),
		Evicted:   evicted,
		Version:   version,
	})
	return state, nil
}

// GetFocus returns the complete focus state of the project.
func (m *Manager) GetFocus(projectID string) (model.FocusState, error) {
	p, err := m.lookupProject(projectID)
	if err != nil {
		return model.FocusState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return m.focusStateLocked(p), nil
}

func (m *Manager) focusStateLocked(p *project) model.FocusState {
	state := model.FocusState{
		ProjectID:    p.id,
		Sessions:     make([]model.FocusEntry, 0, len(p.sessions)),
		FocusVersion: p.focus.version,
	}
	for _, e := range p.sessions {
		e.mu.Lock()
		closed := e.sess.State == model.SessionStateClosed
		e.mu.Unlock()
		if closed {
			continue
		}
		state.Sessions = append(state.Sessions, model.FocusEntry{ID: e.sess.ID, Focused: p.focus.contains(e.sess.ID)})
	}
	return state
}
