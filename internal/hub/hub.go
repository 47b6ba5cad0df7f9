package hub

import (
	"context"
	"errors"

	"github.com/DoyleJ11/typerace-backend/internal/engine"
	"github.com/DoyleJ11/typerace-backend/internal/fanout"
	"github.com/DoyleJ11/typerace-backend/internal/lobby"
	"github.com/DoyleJ11/typerace-backend/internal/results"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrSessionNotFound is returned when a reconnect token names a session that
// no longer exists.
var ErrSessionNotFound = errors.New("session not found")

var errShutdown = errors.New("hub shut down")

// joinAttempts bounds retries when a join races with session disposal.
const joinAttempts = 3

type HubMsg interface{ isHubMsg() }

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type EnsureLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

// RemoveLobby is sent by a lobby that disposed itself. Lobby identifies the
// instance, so a newer session registered under the same code is kept.
type RemoveLobby struct {
	Code  string
	Lobby *lobby.Lobby
}

type CountLobbies struct {
	Reply chan int
}

type ShutdownHub struct{}

func (GetLobby) isHubMsg()     {}
func (EnsureLobby) isHubMsg()  {}
func (RemoveLobby) isHubMsg()  {}
func (CountLobbies) isHubMsg() {}
func (ShutdownHub) isHubMsg()  {}

type Options struct {
	Rules   engine.Rules
	Texts   engine.TextSource
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Results results.Sink
}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	opts    Options
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	stopped []*lobby.Lobby // lobbies open at shutdown
}

func NewHub(parent context.Context, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		opts:    opts,
		log:     opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case GetLobby:
				msg.Reply <- h.live(msg.Code) // may be nil

			case EnsureLobby:
				if lb := h.live(msg.Code); lb != nil {
					msg.Reply <- lb
					break
				}
				lb := h.newLobby(msg.Code)
				h.lobbies[msg.Code] = lb
				h.log.Info("session created", zap.String("session", msg.Code), zap.Int("sessions", len(h.lobbies)))
				msg.Reply <- lb

			case RemoveLobby:
				if h.lobbies[msg.Code] == msg.Lobby {
					delete(h.lobbies, msg.Code)
					h.log.Info("session removed", zap.String("session", msg.Code), zap.Int("sessions", len(h.lobbies)))
				}

			case CountLobbies:
				msg.Reply <- len(h.lobbies)

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

// live returns the registered lobby for code unless it is already closing.
func (h *Hub) live(code string) *lobby.Lobby {
	lb := h.lobbies[code]
	if lb == nil || lb.Closed() {
		return nil
	}
	return lb
}

func (h *Hub) newLobby(code string) *lobby.Lobby {
	return lobby.NewLobby(h.ctx, lobby.Options{
		Key:     code,
		Rules:   h.opts.Rules,
		Texts:   h.opts.Texts,
		Clock:   h.opts.Clock,
		Logger:  h.log,
		Results: h.opts.Results,
		OnEmpty: func(lb *lobby.Lobby) {
			select {
			case h.inbox <- RemoveLobby{Code: code, Lobby: lb}:
			case <-h.ctx.Done():
			}
		},
	})
}

func (h *Hub) shutdown() {
	for _, lb := range h.lobbies {
		lb.Close()
		h.stopped = append(h.stopped, lb)
	}
	clear(h.lobbies)
	h.cancel()
	h.log.Info("hub stopped", zap.Int("sessions_closed", len(h.stopped)))
}

func (h *Hub) ask(ctx context.Context, m HubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-h.done:
		return errShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) lookup(ctx context.Context, code string, create bool) (*lobby.Lobby, error) {
	reply := make(chan *lobby.Lobby, 1)
	var m HubMsg = GetLobby{Code: code, Reply: reply}
	if create {
		m = EnsureLobby{Code: code, Reply: reply}
	}
	if err := h.ask(ctx, m); err != nil {
		return nil, err
	}
	select {
	case lb := <-reply:
		return lb, nil
	case <-h.done:
		return nil, errShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the live session for code, or nil.
func (h *Hub) Get(ctx context.Context, code string) (*lobby.Lobby, error) {
	return h.lookup(ctx, code, false)
}

// Join routes a participant into the session for code. A join without a
// token creates the session if needed; a join with a token must find it.
func (h *Hub) Join(ctx context.Context, code, displayName, token string, out fanout.Outbox) (lobby.JoinResult, *lobby.Lobby, error) {
	for range joinAttempts {
		lb, err := h.lookup(ctx, code, token == "")
		if err != nil {
			return lobby.JoinResult{}, nil, err
		}
		if lb == nil {
			return lobby.JoinResult{}, nil, ErrSessionNotFound
		}

		r, err := lb.Join(ctx, displayName, token, out)
		if errors.Is(err, lobby.ErrClosed) {
			if token != "" {
				return lobby.JoinResult{}, nil, ErrSessionNotFound
			}
			continue
		}
		return r, lb, err
	}
	return lobby.JoinResult{}, nil, lobby.ErrClosed
}

func (h *Hub) Count(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	if err := h.ask(ctx, CountLobbies{Reply: reply}); err != nil {
		return 0, err
	}
	select {
	case n := <-reply:
		return n, nil
	case <-h.done:
		return 0, errShutdown
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Shutdown closes every session and waits for their goroutines to stop.
func (h *Hub) Shutdown(ctx context.Context) error {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, lb := range h.stopped {
		select {
		case <-lb.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
