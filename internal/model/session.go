package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionState represents the lifecycle state of a terminal session.
type SessionState string

const (
	SessionStateInitializing SessionState = "initializing"
	SessionStateActive       SessionState = "active"
	SessionStateSuspended    SessionState = "suspended"
	SessionStateClosed       SessionState = "closed"
)

// HasProcess reports whether a session in this state owns a live process.
func (s SessionState) HasProcess() bool {
	return s == SessionStateActive || s == SessionStateSuspended
}

// SessionMode selects what the session runs.
type SessionMode string

const (
	SessionModeNormal    SessionMode = "normal"
	SessionModeAssistant SessionMode = "assistant"
)

// Valid reports whether m is a known mode.
func (m SessionMode) Valid() bool {
	return m == SessionModeNormal || m == SessionModeAssistant
}

// SuspendReason records why a session was suspended.
type SuspendReason string

const (
	SuspendReasonNone       SuspendReason = ""
	SuspendReasonProject    SuspendReason = "project"
	SuspendReasonConnection SuspendReason = "connection"
)

// CloseReason records why a session was closed.
type CloseReason string

const (
	CloseReasonExplicit   CloseReason = "explicit"
	CloseReasonSpawnError CloseReason = "spawn_error"
	CloseReasonIdle       CloseReason = "idle"
	CloseReasonExited     CloseReason = "process_exited"
	CloseReasonShutdown   CloseReason = "shutdown"
)

// Session is a read-only descriptor of a terminal session.
// Managers hand out copies; mutating one has no effect on manager state.
type Session struct {
	ID               string        `json:"id"`
	ProjectID        string        `json:"projectId"`
	Mode             SessionMode   `json:"mode"`
	State            SessionState  `json:"status"`
	SuspendReason    SuspendReason `json:"suspendReason,omitempty"`
	CloseReason      CloseReason   `json:"closeReason,omitempty"`
	WorkingDirectory string        `json:"workingDirectory"`
	PID              int           `json:"pid,omitempty"`
	Focused          bool          `json:"focused"`
	FocusVersion     uint64        `json:"focusVersion"`
	CreatedAt        time.Time     `json:"createdAt"`
	LastActivityAt   time.Time     `json:"lastActivity"`
	ClosedAt         *time.Time    `json:"closedAt,omitempty"`
}

// Project is a logical grouping of sessions.
type Project struct {
	ID         string   `json:"id"`
	Path       string   `json:"path"`
	SessionIDs []string `json:"sessionIds"`
	Suspended  bool     `json:"suspended"`
}

// FocusEntry is one session's focus flag inside a FocusState.
type FocusEntry struct {
	ID      string `json:"id"`
	Focused bool   `json:"focused"`
}

// FocusState is the complete focus picture of a project.
type FocusState struct {
	ProjectID    string       `json:"projectId"`
	Sessions     []FocusEntry `json:"sessions"`
	FocusVersion uint64       `json:"focusVersion"`
	Evicted      []string     `json:"evicted,omitempty"`
}

// FocusedIDs returns the ids flagged as focused.
func (f *FocusState) FocusedIDs() []string {
	var ids []string
	for _, e := range f.Sessions {
		if e.Focused {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	ProjectID   string      `json:"projectId"`
	ProjectPath string      `json:"projectPath"`
	Mode        SessionMode `json:"mode"`
	Cwd         string      `json:"cwd"`
}

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Validate validates the create session request.
func (r *CreateSessionRequest) Validate() error {
	if r.ProjectID == "" {
		return NewError(KindValidation, "create session", "projectId is required")
	}
	if !projectIDPattern.MatchString(r.ProjectID) {
		return NewError(KindValidation, "create session", "invalid projectId %q", r.ProjectID)
	}
	if r.Mode == "" {
		r.Mode = SessionModeNormal
	}
	if !r.Mode.Valid() {
		return NewError(KindValidation, "create session", "invalid mode %q", r.Mode)
	}
	return nil
}

// ValidProjectID reports whether id is an acceptable project id.
func ValidProjectID(id string) bool {
	return projectIDPattern.MatchString(id)
}

// NewSessionID returns a fresh id of the form session_{unixmillis}_{random}.
func NewSessionID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), random)
}
