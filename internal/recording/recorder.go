package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

var sessionIDPattern = regexp.MustCompile(`^session_\d+_\w+$`)

// Recorder keeps one asciicast file per session under a directory.
type Recorder struct {
	dir    string
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	casts map[string]*Cast
}

// NewRecorder records into dir, creating it if needed.
func NewRecorder(dir string, logger zerolog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	return &Recorder{
		dir:    dir,
		now:    time.Now,
		logger: logger.With().Str("component", "recording").Logger(),
		casts:  make(map[string]*Cast),
	}, nil
}

// Path returns the recording file of a session.
func (r *Recorder) Path(sessionID string) (string, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return "", model.NewError(model.KindValidation, "recording", "invalid session id %q", sessionID)
	}
	return filepath.Join(r.dir, sessionID+".cast"), nil
}

// Open starts recording a session.
func (r *Recorder) Open(sess model.Session, cols, rows uint16) error {
	path, err := r.Path(sess.ID)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create recording: %w", err)
	}
	cast, err := NewCast(f, Header{
		Width:  int(cols),
		Height: int(rows),
		Title:  sess.ProjectID + "/" + sess.ID,
		Env:    map[string]string{"TERM": "xterm-256color"},
	}, r.now)
	if err != nil {
		f.Close()
		return err
	}

	r.mu.Lock()
	old := r.casts[sess.ID]
	r.casts[sess.ID] = cast
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (r *Recorder) cast(sessionID string) *Cast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.casts[sessionID]
}

// Output records terminal output of a session.
func (r *Recorder) Output(sessionID string, data []byte) {
	if c := r.cast(sessionID); c != nil {
		r.check(sessionID, c.WriteOutput(data))
	}
}

// Input records input sent to a session.
func (r *Recorder) Input(sessionID string, data []byte) {
	if c := r.cast(sessionID); c != nil {
		r.check(sessionID, c.WriteInput(data))
	}
}

// Resize records a terminal resize of a session.
func (r *Recorder) Resize(sessionID string, cols, rows uint16) {
	if c := r.cast(sessionID); c != nil {
		r.check(sessionID, c.WriteResize(cols, rows))
	}
}

// Close ends a session's recording. The file stays on disk.
func (r *Recorder) Close(sessionID string) {
	r.mu.Lock()
	c := r.casts[sessionID]
	delete(r.casts, sessionID)
	r.mu.Unlock()
	if c != nil {
		r.check(sessionID, c.Close())
	}
}

// check stops recording a session whose file can no longer be written.
func (r *Recorder) check(sessionID string, err error) {
	if err == nil {
		return
	}
	r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("recording stopped")
	r.mu.Lock()
	c := r.casts[sessionID]
	delete(r.casts, sessionID)
	r.mu.Unlock()
	if c != nil {
		c.Close()
	}
}
