package hub

import (
	"context"
	"testing"
	"time"

	"github.com/DoyleJ11/typerace-backend/internal/engine"
	"github.com/DoyleJ11/typerace-backend/internal/fanout"
	"github.com/DoyleJ11/typerace-backend/internal/lobby"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedText string

func (f fixedText) Next() string { return string(f) }

func newTestHub(t *testing.T) (*Hub, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	h := NewHub(context.Background(), Options{
		Rules: engine.Rules{Countdown: 3 * time.Second, CountdownTick: time.Second, Grace: 5 * time.Second, MaxRace: time.Minute},
		Texts: fixedText("hello world"),
		Clock: clock,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h, clock
}

func count(t *testing.T, h *Hub) int {
	t.Helper()
	n, err := h.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestJoinCreatesSessionOnce(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	_, lb1, err := h.Join(ctx, "ZED123", "alice", "", make(fanout.Outbox, 16))
	require.NoError(t, err)
	_, lb2, err := h.Join(ctx, "ZED123", "bob", "", make(fanout.Outbox, 16))
	require.NoError(t, err)

	assert.Same(t, lb1, lb2)
	got, err := h.Get(ctx, "ZED123")
	require.NoError(t, err)
	assert.Same(t, lb1, got)
	assert.Equal(t, 1, count(t, h))
}

func TestSessionsAreIndependent(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	_, a, err := h.Join(ctx, "AAAAAA", "alice", "", make(fanout.Outbox, 16))
	require.NoError(t, err)
	_, b, err := h.Join(ctx, "BBBBBB", "alice", "", make(fanout.Outbox, 16))
	require.NoError(t, err, "display names are only unique within a session")

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, count(t, h))
}

func TestReconnectToUnknownSession(t *testing.T) {
	h, _ := newTestHub(t)
	_, _, err := h.Join(context.Background(), "NOPE00", "alice", "some-token", make(fanout.Outbox, 16))
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, count(t, h))
}

func TestFailedFirstJoinDoesNotLeakSession(t *testing.T) {
	h, _ := newTestHub(t)
	_, _, err := h.Join(context.Background(), "EMPTY1", "   ", "", make(fanout.Outbox, 16))
	assert.ErrorIs(t, err, engine.ErrInvalidPayload)

	require.Eventually(t, func() bool { return count(t, h) == 0 }, time.Second, 10*time.Millisecond)
}

func TestEmptySessionIsRemoved(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	out := make(fanout.Outbox, 16)
	r, lb, err := h.Join(ctx, "GONE00", "alice", "", out)
	require.NoError(t, err)

	require.NoError(t, lb.Submit(ctx, out, engine.Command{Type: engine.CmdLeave, ParticipantID: r.ParticipantID}))
	select {
	case <-lb.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not dispose")
	}
	require.Eventually(t, func() bool { return count(t, h) == 0 }, time.Second, 10*time.Millisecond)

	got, err := h.Get(ctx, "GONE00")
	require.NoError(t, err)
	assert.Nil(t, got)

	// a reconnect token for the disposed session has nowhere to go
	_, _, err = h.Join(ctx, "GONE00", "alice", r.Token, make(fanout.Outbox, 16))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// a fresh join gets a fresh session
	_, lb2, err := h.Join(ctx, "GONE00", "alice", "", make(fanout.Outbox, 16))
	require.NoError(t, err)
	assert.NotSame(t, lb, lb2)
}

func TestReconnectThroughHub(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	out := make(fanout.Outbox, 16)
	r, lb, err := h.Join(ctx, "BACK00", "alice", "", out)
	require.NoError(t, err)
	_, _, err = h.Join(ctx, "BACK00", "bob", "", make(fanout.Outbox, 16))
	require.NoError(t, err)

	require.NoError(t, lb.Disconnect(ctx, r.ParticipantID, out))
	again, lb2, err := h.Join(ctx, "BACK00", "alice", r.Token, make(fanout.Outbox, 16))
	require.NoError(t, err)
	assert.Same(t, lb, lb2)
	assert.Equal(t, r.ParticipantID, again.ParticipantID)
}

func TestShutdownClosesSessions(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	out := make(fanout.Outbox, 16)
	_, lb, err := h.Join(ctx, "STOP00", "alice", "", out)
	require.NoError(t, err)

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(sctx))

	select {
	case <-lb.Done():
	default:
		t.Fatal("session still running after shutdown")
	}
	_, err = lb.View(ctx)
	assert.ErrorIs(t, err, lobby.ErrClosed)

	_, _, err = h.Join(ctx, "STOP00", "bob", "", make(fanout.Outbox, 16))
	assert.Error(t, err)
}
