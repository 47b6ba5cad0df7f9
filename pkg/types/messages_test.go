package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeClientTagsType(t *testing.T) {
	b, err := EncodeClient(LeaveLobby{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"leaveLobby"}`, string(b))

	b, err = EncodeClient(JoinLobby{DisplayName: "ada"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"joinLobby","displayName":"ada"}`, string(b))
}

func TestDecodeClient(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"raceFinished","wordsPerMinute":80,"accuracy":97}`))
	require.NoError(t, err)

	fin, ok := msg.(*RaceFinished)
	require.True(t, ok, "got %T", msg)
	require.NotNil(t, fin.WordsPerMinute)
	assert.Equal(t, 80.0, *fin.WordsPerMinute)
	assert.Nil(t, fin.ElapsedSeconds, "missing field must stay nil")

	_, err = DecodeClient([]byte(`{"type":"selfDestruct"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = DecodeClient([]byte(`{"type":"progressUpdate","progress":"lots"}`))
	assert.Error(t, err)

	_, err = DecodeClient([]byte(`not json`))
	assert.Error(t, err)
}

func TestServerRoundTripKeepsEmbeddedView(t *testing.T) {
	rank := 1
	in := SessionSnapshot{
		ParticipantID:  "p1",
		ReconnectToken: "tok",
		SessionView: SessionView{
			SessionKey: "ABC123",
			Status:     "finished",
			Standings:  []Standing{{Rank: &rank, DisplayName: "ada", Completed: true}},
		},
	}
	b, err := EncodeServer(in)
	require.NoError(t, err)

	out, err := DecodeServer(b)
	require.NoError(t, err)
	snap, ok := out.(*SessionSnapshot)
	require.True(t, ok, "got %T", out)
	assert.Equal(t, "ABC123", snap.SessionKey)
	require.Len(t, snap.Standings, 1)
	assert.Equal(t, 1, *snap.Standings[0].Rank)
}
