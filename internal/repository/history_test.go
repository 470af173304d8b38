package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/termmux/internal/db"
	"github.com/remote-agent-terminal/termmux/internal/events"
	"github.com/remote-agent-terminal/termmux/internal/model"
)

func newTestRepo(t *testing.T) *SessionRepository {
	t.Helper()
	testDB, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })
	return NewSessionRepository(testDB)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSessionRepository_Lifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := &HistoryRecord{
		ID:        "session_1_a",
		ProjectID: "proj1",
		Mode:      model.SessionModeNormal,
		State:     model.SessionStateInitializing,
		Cwd:       "/tmp",
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, repo.Create(ctx, rec))

	ok, err := repo.Exists(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.UpdateState(ctx, rec.ID, model.SessionStateActive, 4242, t0.Add(time.Second)))
	require.NoError(t, repo.UpdateState(ctx, rec.ID, model.SessionStateSuspended, 0, t0.Add(2*time.Second)))

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateSuspended, got.State)
	require.NotNil(t, got.PID, "pid survives later updates without one")
	assert.Equal(t, 4242, *got.PID)
	assert.Nil(t, got.ClosedAt)

	require.NoError(t, repo.SetDetail(ctx, rec.ID, "SpawnError: boom", t0.Add(3*time.Second)))
	require.NoError(t, repo.MarkClosed(ctx, rec.ID, "spawn_error", "", t0.Add(4*time.Second)))

	got, err = repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateClosed, got.State)
	assert.Equal(t, "spawn_error", got.CloseReason)
	assert.Equal(t, "SpawnError: boom", got.Detail, "empty close detail keeps the previous one")
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(t0.Add(4*time.Second)))
}

func TestSessionRepository_ClosedRowIsFinal(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &HistoryRecord{
		ID: "s1", ProjectID: "p", Mode: model.SessionModeNormal,
		State: model.SessionStateInitializing, CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, repo.MarkClosed(ctx, "s1", "process_exited", "exit code 0", t0.Add(time.Second)))
	require.NoError(t, repo.UpdateState(ctx, "s1", model.SessionStateActive, 9, t0.Add(2*time.Second)))

	got, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateClosed, got.State)
	assert.Nil(t, got.PID)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Second)))
}

func TestSessionRepository_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetByID(ctx, "missing")
	assert.True(t, errors.Is(err, model.ErrSessionNotFound))
	assert.True(t, errors.Is(repo.UpdateState(ctx, "missing", model.SessionStateActive, 1, t0), model.ErrSessionNotFound))
	assert.True(t, errors.Is(repo.MarkClosed(ctx, "missing", "idle", "", t0), model.ErrSessionNotFound))

	ok, err := repo.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionRepository_ListByProject(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i, id := range []string{"s1", "s2", "s3"} {
		at := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, &HistoryRecord{
			ID: id, ProjectID: "proj1", Mode: model.SessionModeNormal,
			State: model.SessionStateActive, CreatedAt: at, UpdatedAt: at,
		}))
	}
	require.NoError(t, repo.Create(ctx, &HistoryRecord{
		ID: "other", ProjectID: "proj2", Mode: model.SessionModeNormal,
		State: model.SessionStateActive, CreatedAt: t0, UpdatedAt: t0,
	}))

	all, err := repo.ListByProject(ctx, "proj1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"s3", "s2", "s1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	limited, err := repo.ListByProject(ctx, "proj1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := repo.ListByProject(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestSessionRepository_DeleteClosedBefore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"old", "recent", "open"} {
		require.NoError(t, repo.Create(ctx, &HistoryRecord{
			ID: id, ProjectID: "p", Mode: model.SessionModeNormal,
			State: model.SessionStateActive, CreatedAt: t0, UpdatedAt: t0,
		}))
	}
	require.NoError(t, repo.MarkClosed(ctx, "old", "idle", "", t0.Add(time.Hour)))
	require.NoError(t, repo.MarkClosed(ctx, "recent", "idle", "", t0.Add(3*time.Hour)))

	n, err := repo.DeleteClosedBefore(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := repo.ListByProject(ctx, "p", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestHistoryWriter_PersistsLifecycleEvents(t *testing.T) {
	repo := newTestRepo(t)
	bus := events.NewBus(zerolog.Nop())
	w := NewHistoryWriter(repo, 16, zerolog.Nop())
	w.Observe(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	bus.Publish(events.Event{Type: events.SessionCreated, SessionID: "s1", ProjectID: "proj1",
		State: "initializing", Mode: "assistant", Cwd: "/work", Time: t0})
	bus.Publish(events.Event{Type: events.SessionActive, SessionID: "s1", ProjectID: "proj1",
		State: "active", Detail: "pid 77", Time: t0.Add(time.Second)})
	bus.Publish(events.Event{Type: events.BytesStreamed, SessionID: "s1", Bytes: 10})
	bus.Publish(events.Event{Type: events.SessionClosed, SessionID: "s1", ProjectID: "proj1",
		State: "closed", Reason: "process_exited", Detail: "exit code 0", Time: t0.Add(time.Minute)})

	require.Eventually(t, func() bool {
		rec, err := repo.GetByID(context.Background(), "s1")
		return err == nil && rec.State == model.SessionStateClosed
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	rec, err := repo.GetByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionModeAssistant, rec.Mode)
	assert.Equal(t, "/work", rec.Cwd)
	require.NotNil(t, rec.PID)
	assert.Equal(t, 77, *rec.PID)
	assert.Equal(t, "process_exited", rec.CloseReason)
	assert.Equal(t, "exit code 0", rec.Detail)
	assert.Zero(t, w.Dropped())
}

func TestHistoryWriter_DropsWhenQueueFull(t *testing.T) {
	w := NewHistoryWriter(newTestRepo(t), 1, zerolog.Nop())

	w.Handle(events.Event{Type: events.SessionCreated, SessionID: "a"})
	w.Handle(events.Event{Type: events.SessionCreated, SessionID: "b"})
	w.Handle(events.Event{Type: events.BytesStreamed, SessionID: "c"})

	assert.Equal(t, 1, w.Dropped())
}

func TestHistoryWriter_DrainsOnShutdown(t *testing.T) {
	repo := newTestRepo(t)
	w := NewHistoryWriter(repo, 8, zerolog.Nop())
	w.Handle(events.Event{Type: events.SessionCreated, SessionID: "s1", ProjectID: "p",
		State: "initializing", Mode: "normal", Time: t0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))

	ok, err := repo.Exists(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPidFromDetail(t *testing.T) {
	assert.Equal(t, 123, pidFromDetail("pid 123"))
	assert.Zero(t, pidFromDetail(""))
	assert.Zero(t, pidFromDetail("exit code 1"))
}

func TestHistoryWriter_Prune(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, repo.Create(ctx, &HistoryRecord{
		ID: "old", ProjectID: "p", Mode: model.SessionModeNormal,
		State: model.SessionStateActive, CreatedAt: old, UpdatedAt: old,
	}))
	require.NoError(t, repo.MarkClosed(ctx, "old", "idle", "", old))

	w := NewHistoryWriter(repo, 8, zerolog.Nop())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Prune(runCtx, 24*time.Hour, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		ok, err := repo.Exists(ctx, "old")
		return err == nil && !ok
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
