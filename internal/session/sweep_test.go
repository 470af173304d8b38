package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

func TestSweep_ClosesIdleSessions(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 30 * time.Minute
	h := newHarness(t, cfg)

	idle := h.createActive(t, "p1")
	busy := h.createActive(t, "p1")

	h.clock.Advance(20 * time.Minute)
	h.mgr.Touch(busy.ID)
	assert.Empty(t, h.mgr.Sweep())

	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, []string{idle.ID}, h.mgr.Sweep())

	got, _ := h.mgr.GetSession(idle.ID)
	assert.Equal(t, model.SessionStateClosed, got.State)
	assert.Equal(t, model.CloseReasonIdle, got.CloseReason)

	got, _ = h.mgr.GetSession(busy.ID)
	assert.Equal(t, model.SessionStateActive, got.State)
}

func TestSweep_ForgetsClosedSessionsAfterRetention(t *testing.T) {
	cfg := testConfig()
	cfg.ClosedRetention = 10 * time.Minute
	h := newHarness(t, cfg)

	s := h.createActive(t, "p1")
	h.mgr.CloseSession(s.ID)

	h.clock.Advance(9 * time.Minute)
	h.mgr.Sweep()
	_, err := h.mgr.GetSession(s.ID)
	require.NoError(t, err, "still visible within retention")

	h.clock.Advance(time.Minute)
	h.mgr.Sweep()
	_, err = h.mgr.GetSession(s.ID)
	assert.Error(t, err)

	list, err := h.mgr.ListSessions("p1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = time.Millisecond
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.mgr.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
