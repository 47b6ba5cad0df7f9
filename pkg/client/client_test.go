package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DoyleJ11/typerace-backend/pkg/types"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffStaysWithinCap(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	for attempt := range 40 {
		ceil := min(b.Max, b.Base<<min(attempt, 31))
		for range 20 {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.Less(t, d, ceil)
		}
	}
	assert.Zero(t, Backoff{}.Delay(3))
}

func TestBackoffExhausted(t *testing.T) {
	assert.False(t, Backoff{}.Exhausted(1000))
	b := Backoff{MaxAttempts: 3}
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
}

// fakeServer answers joins with the scripted handler, one per connection.
type fakeServer struct {
	joins chan types.JoinLobby
	conns []func(ctx context.Context, c *websocket.Conn)
	n     atomic.Int32
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(r.Context())
	if err != nil {
		return
	}
	msg, err := types.DecodeClient(data)
	if err != nil {
		return
	}
	f.joins <- *msg.(*types.JoinLobby)

	i := int(f.n.Add(1)) - 1
	f.conns[min(i, len(f.conns)-1)](r.Context(), conn)
}

func write(ctx context.Context, c *websocket.Conn, msg types.ServerMessage) {
	data, _ := types.EncodeServer(msg)
	_ = c.Write(ctx, websocket.MessageText, data)
}

func readUntilClosed(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func newClient(srv *httptest.Server) *Client {
	return New(Options{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Session:     "ABC123",
		DisplayName: "ada",
		Backoff:     Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
	})
}

func TestRejoinsWithToken(t *testing.T) {
	fs := &fakeServer{joins: make(chan types.JoinLobby, 4)}
	fs.conns = []func(context.Context, *websocket.Conn){
		func(ctx context.Context, c *websocket.Conn) {
			write(ctx, c, types.SessionSnapshot{ParticipantID: "p1", ReconnectToken: "tok-1"})
			// drop without a close handshake
		},
		func(ctx context.Context, c *websocket.Conn) {
			write(ctx, c, types.SessionSnapshot{ParticipantID: "p1", ReconnectToken: "tok-1"})
			readUntilClosed(ctx, c)
		},
	}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	cl := newClient(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cl.Run(ctx) }()

	first := <-fs.joins
	assert.Equal(t, "ada", first.DisplayName)
	assert.Empty(t, first.ReconnectToken)

	second := <-fs.joins
	assert.Equal(t, "tok-1", second.ReconnectToken)

	for range 2 {
		select {
		case ev := <-cl.Events():
			_, ok := ev.(*types.SessionSnapshot)
			assert.True(t, ok)
		case <-ctx.Done():
			t.Fatal("no snapshot delivered")
		}
	}
	assert.Equal(t, "p1", cl.ParticipantID())
	assert.Equal(t, "tok-1", cl.Token())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	_, open := <-cl.Events()
	assert.False(t, open)
}

func TestRefusedJoinStopsRun(t *testing.T) {
	fs := &fakeServer{joins: make(chan types.JoinLobby, 4)}
	fs.conns = []func(context.Context, *websocket.Conn){
		func(ctx context.Context, c *websocket.Conn) {
			write(ctx, c, types.LobbyError{Message: "display name taken", Code: types.CodeNameTaken})
			readUntilClosed(ctx, c)
		},
	}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := newClient(srv).Run(ctx)

	var je *JoinError
	require.True(t, errors.As(err, &je))
	assert.Equal(t, types.CodeNameTaken, je.Code)
}

func TestSendWithoutConnection(t *testing.T) {
	cl := New(Options{URL: "ws://127.0.0.1:1/ws", Session: "X"})
	assert.ErrorIs(t, cl.Send(context.Background(), types.RaceAgain{}), ErrNotConnected)
}

func TestGivesUpWhenServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	cl := New(Options{
		URL:         endpoint,
		Session:     "ABC123",
		DisplayName: "ada",
		Backoff:     Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := cl.Run(ctx)
	require.ErrorIs(t, err, ErrGaveUp)
	assert.NoError(t, ctx.Err())
	_, open := <-cl.Events()
	assert.False(t, open)
}
