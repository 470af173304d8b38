package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/termmux/internal/events"
	"github.com/remote-agent-terminal/termmux/internal/model"
)

// HistoryWriter persists session lifecycle events. Events are queued by the
// bus handler and written by Run so that publishers never wait on the
// database.
type HistoryWriter struct {
	repo   *SessionRepository
	logger zerolog.Logger
	queue  chan events.Event

	mu      sync.Mutex
	dropped int
}

// NewHistoryWriter creates a writer with room for queueSize pending events.
func NewHistoryWriter(repo *SessionRepository, queueSize int, logger zerolog.Logger) *HistoryWriter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &HistoryWriter{
		repo:   repo,
		logger: logger.With().Str("component", "history").Logger(),
		queue:  make(chan events.Event, queueSize),
	}
}

// Observe subscribes the writer to the bus.
func (w *HistoryWriter) Observe(sub events.Subscriber) (unsubscribe func()) {
	return sub.Subscribe(w.Handle)
}

// Handle queues lifecycle events. It never blocks; a full queue drops the
// event.
func (w *HistoryWriter) Handle(e events.Event) {
	switch e.Type {
	case events.SessionCreated, events.SessionActive, events.SessionSuspended,
		events.SessionResumed, events.SessionClosed, events.SessionError:
	default:
		return
	}
	select {
	case w.queue <- e:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		w.logger.Warn().Str("event", string(e.Type)).Str("session_id", e.SessionID).Msg("history queue full, event dropped")
	}
}

// Dropped returns how many events were lost to a full queue.
func (w *HistoryWriter) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Run writes queued events until ctx is done, then drains what is left.
func (w *HistoryWriter) Run(ctx context.Context) error {
	for {
		select {
		case e := <-w.queue:
			w.write(ctx, e)
		case <-ctx.Done():
			w.drain()
			return nil
		}
	}
}

func (w *HistoryWriter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-w.queue:
			w.write(ctx, e)
		default:
			return
		}
	}
}

func (w *HistoryWriter) write(ctx context.Context, e events.Event) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}

	var err error
	switch e.Type {
	case events.SessionCreated:
		err = w.repo.Create(ctx, &HistoryRecord{
			ID:        e.SessionID,
			ProjectID: e.ProjectID,
			Mode:      model.SessionMode(e.Mode),
			State:     model.SessionState(e.State),
			Cwd:       e.Cwd,
			CreatedAt: at,
			UpdatedAt: at,
		})
	case events.SessionActive, events.SessionSuspended, events.SessionResumed:
		err = w.repo.UpdateState(ctx, e.SessionID, model.SessionState(e.State), pidFromDetail(e.Detail), at)
	case events.SessionClosed:
		err = w.repo.MarkClosed(ctx, e.SessionID, e.Reason, e.Detail, at)
	case events.SessionError:
		err = w.repo.SetDetail(ctx, e.SessionID, e.Kind+": "+e.Detail, at)
	}
	if err != nil {
		w.logger.Error().Err(err).Str("event", string(e.Type)).Str("session_id", e.SessionID).Msg("failed to write session history")
	}
}

// pidFromDetail reads the "pid N" detail attached to activation events.
func pidFromDetail(detail string) int {
	var pid int
	if _, err := fmt.Sscanf(detail, "pid %d", &pid); err != nil {
		return 0
	}
	return pid
}

// Prune deletes closed rows older than keep, once per interval, until ctx is
// done. A non-positive keep disables pruning.
func (w *HistoryWriter) Prune(ctx context.Context, keep, interval time.Duration) error {
	if keep <= 0 {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := w.repo.DeleteClosedBefore(ctx, now.Add(-keep))
			if err != nil {
				w.logger.Error().Err(err).Msg("failed to prune session history")
				continue
			}
			if n > 0 {
				w.logger.Info().Int64("deleted", n).Msg("session history pruned")
			}
		}
	}
}
