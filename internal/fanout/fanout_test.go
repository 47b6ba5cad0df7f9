package fanout

import (
	"testing"
	"time"

	"github.com/DoyleJ11/typerace-backend/internal/engine"
	"github.com/DoyleJ11/typerace-backend/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func drain(ch Outbox) []types.ServerMessage {
	var out []types.ServerMessage
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestPublishKeepsTransitionBeforeProgress(t *testing.T) {
	f := New(zap.NewNop())
	a, b := make(Outbox, 8), make(Outbox, 8)
	f.Attach("a", a)
	f.Attach("b", b)

	start := time.Unix(1700000000, 0)
	dropped := f.Publish([]engine.Event{
		{Type: engine.EvtRaceStarted, Passage: "go fast", StartTime: start},
		{Type: engine.EvtLobbyChanged, Status: engine.StatusRacing},
		{Type: engine.EvtProgress, ParticipantID: "a", Progress: 12},
	})
	require.Empty(t, dropped)

	gotB := drain(b)
	require.Len(t, gotB, 3)
	assert.Equal(t, types.RaceStart{PassageText: "go fast", StartTime: start}, gotB[0])
	assert.IsType(t, types.LobbyState{}, gotB[1])
	assert.Equal(t, types.OpponentProgress{ParticipantID: "a", Progress: 12}, gotB[2])

	// The sender does not get its own progress echoed back.
	assert.Len(t, drain(a), 2)
}

func TestPublishFinisherGetsAck(t *testing.T) {
	f := New(zap.NewNop())
	a, b := make(Outbox, 4), make(Outbox, 4)
	f.Attach("a", a)
	f.Attach("b", b)

	f.Publish([]engine.Event{{
		Type:          engine.EvtParticipantFinished,
		ParticipantID: "a",
		DisplayName:   "ada",
		Rank:          1,
		Stats:         &engine.Stats{WordsPerMinute: 80, Accuracy: 97, ElapsedSeconds: 45},
		Standings:     []engine.Standing{{ParticipantID: "a", DisplayName: "ada", Rank: 1, Completed: true}},
	}})

	toA := drain(a)
	require.Len(t, toA, 1)
	ack := toA[0].(types.ParticipantFinished)
	require.NotNil(t, ack.YourRank)
	assert.Equal(t, 1, *ack.YourRank)
	assert.Len(t, ack.Standings, 1)

	toB := drain(b)
	require.Len(t, toB, 1)
	notice := toB[0].(types.ParticipantFinished)
	assert.Nil(t, notice.YourRank)
	assert.Equal(t, 80.0, notice.Stats.WordsPerMinute)
}

func TestSlowParticipant(t *testing.T) {
	f := New(zap.NewNop())
	slow, ok := make(Outbox, 1), make(Outbox, 8)
	f.Attach("slow", slow)
	f.Attach("ok", ok)

	// Progress is advisory and simply skipped when the outbox is full.
	f.Publish([]engine.Event{
		{Type: engine.EvtProgress, ParticipantID: "ok", Progress: 1},
		{Type: engine.EvtProgress, ParticipantID: "ok", Progress: 2},
	})
	assert.True(t, f.Owns("slow", slow))

	// A state transition that cannot be delivered cuts the connection instead.
	dropped := f.Publish([]engine.Event{{Type: engine.EvtLobbyChanged, Status: engine.StatusRacing}})
	assert.Equal(t, []string{"slow"}, dropped)
	assert.False(t, f.Owns("slow", slow))
	assert.Equal(t, 1, f.Connected())

	_, open := <-slow // buffered progress
	assert.True(t, open)
	_, open = <-slow
	assert.False(t, open, "detached outbox must be closed")
}

func TestAttachReplacesConnection(t *testing.T) {
	f := New(zap.NewNop())
	old, fresh := make(Outbox, 1), make(Outbox, 1)
	f.Attach("a", old)
	f.Attach("a", fresh)

	_, open := <-old
	assert.False(t, open)
	assert.True(t, f.Owns("a", fresh))
	assert.False(t, f.Owns("a", old))
	assert.Equal(t, 1, f.Connected())
}

func TestViewWhileRacing(t *testing.T) {
	start := time.Unix(1700000000, 0)
	s := engine.State{
		Status:    engine.StatusRacing,
		Passage:   "abc",
		StartTime: start,
		Roster:    []engine.Participant{{ID: "a", DisplayName: "ada", Connection: engine.DisconnectedGrace, Progress: 40}},
	}
	v := View("KEY", s, start.Add(1500*time.Millisecond))
	assert.Equal(t, "racing", v.Status)
	assert.Equal(t, 1.5, v.ElapsedSeconds)
	require.NotNil(t, v.StartTime)
	assert.Equal(t, "disconnected-grace", v.Roster[0].Connection)
	assert.Nil(t, v.Roster[0].Rank)
	assert.Empty(t, v.Standings)
}
