// Package client connects to a race session over the event channel and keeps
// the connection alive across drops, rejoining with the reconnect token the
// server handed out.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/DoyleJ11/typerace-backend/pkg/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrGaveUp       = errors.New("client: reconnect attempts exhausted")
)

// JoinError is returned by Run when the server refuses the join. Retrying
// would be refused the same way.
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string { return fmt.Sprintf("join refused: %s (%s)", e.Message, e.Code) }

type Options struct {
	URL         string // websocket endpoint, e.g. ws://localhost:8080/ws
	Session     string
	DisplayName string
	Backoff     Backoff
	Logger      *zap.Logger
	Dial        *websocket.DialOptions
}

type Client struct {
	opts   Options
	log    *zap.Logger
	events chan types.ServerMessage

	mu            sync.Mutex
	conn          *websocket.Conn
	token         string
	participantID string
	left          bool
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	return &Client{
		opts:   opts,
		log:    opts.Logger.With(zap.String("session", opts.Session)),
		events: make(chan types.ServerMessage, 64),
	}
}

// Events delivers every server message in order. It is closed when Run returns.
func (c *Client) Events() <-chan types.ServerMessage { return c.events }

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// Send writes one message on the current connection.
func (c *Client) Send(ctx context.Context, msg types.ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := types.EncodeClient(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Leave tells the server this participant is done and stops reconnecting.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	c.left = true
	c.mu.Unlock()
	return c.Send(ctx, types.LeaveLobby{})
}

// Run holds a connection to the session until ctx is done, Leave is called,
// the server refuses the join, or Backoff.MaxAttempts connects fail in a row.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	attempt := 0
	for {
		joined, err := c.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var je *JoinError
		if errors.As(err, &je) {
			return err
		}
		if c.hasLeft() {
			return nil
		}
		if joined {
			attempt = 0
		} else {
			attempt++
			if c.opts.Backoff.Exhausted(attempt) {
				return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, attempt, err)
			}
		}

		d := c.opts.Backoff.Delay(attempt)
		c.log.Info("connection lost, retrying", zap.Error(err), zap.Duration("in", d), zap.Int("attempt", attempt))

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) hasLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

// connect runs one connection. joined reports whether the server accepted
// the join before the connection ended.
func (c *Client) connect(ctx context.Context) (joined bool, err error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return false, err
	}
	q := u.Query()
	q.Set("session", c.opts.Session)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), c.opts.Dial)
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	token := c.token
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, types.JoinLobby{DisplayName: c.opts.DisplayName, ReconnectToken: token}); err != nil {
		return false, err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return joined, err
		}
		msg, err := types.DecodeServer(data)
		if err != nil {
			c.log.Warn("undecodable server message", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case *types.SessionSnapshot:
			joined = true
			c.mu.Lock()
			c.token, c.participantID = m.ReconnectToken, m.ParticipantID
			c.mu.Unlock()
		case *types.LobbyError:
			if !joined {
				return false, &JoinError{Code: m.Code, Message: m.Message}
			}
		}

		select {
		case c.events <- msg:
		case <-ctx.Done():
			return joined, ctx.Err()
		}
	}
}
