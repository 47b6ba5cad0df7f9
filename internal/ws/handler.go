package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/DoyleJ11/typerace-backend/internal/engine"
	"github.com/DoyleJ11/typerace-backend/internal/fanout"
	"github.com/DoyleJ11/typerace-backend/internal/hub"
	"github.com/DoyleJ11/typerace-backend/internal/lobby"
	"github.com/DoyleJ11/typerace-backend/pkg/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	OriginPatterns []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	OutboxSize     int
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 15 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadLimit:    4096,
		OutboxSize:   32,
	}
}

// session is one websocket connection. lb, pid and out are set once a
// joinLobby succeeds; before that replies go straight to the socket.
type session struct {
	conn *websocket.Conn
	hub  *hub.Hub
	cfg  Config
	log  *zap.Logger
	code string

	lb  *lobby.Lobby
	pid string
	out fanout.Outbox
}

func Handler(h *hub.Hub, cfg Config, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("session")
		if code == "" {
			code = r.URL.Query().Get("code")
		}
		if code == "" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: cfg.OriginPatterns,
		})
		if err != nil {
			log.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(cfg.ReadLimit)

		s := &session{
			conn: conn,
			hub:  h,
			cfg:  cfg,
			log:  log.With(zap.String("session", code), zap.String("remote", r.RemoteAddr)),
			code: code,
		}
		s.serve(r.Context())
	}
}

func (s *session) serve(ctx context.Context) {
	if !s.awaitJoin(ctx) {
		return
	}
	s.log = s.log.With(zap.String("participant", s.pid))

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.pingLoop(gctx) })

	err := s.readLoop(gctx)
	if st := websocket.CloseStatus(err); st != websocket.StatusNormalClosure && st != websocket.StatusGoingAway {
		s.log.Debug("connection read ended", zap.Error(err))
	}
	cancel()
	s.conn.CloseNow()
	_ = g.Wait()

	// Waits for room in the inbox; only the lobby closing ends it early.
	if err := s.lb.Disconnect(context.Background(), s.pid, s.out); err != nil && !errors.Is(err, lobby.ErrClosed) {
		s.log.Warn("disconnect not delivered", zap.Error(err))
	}
}

// awaitJoin reads until a joinLobby succeeds. It reports false when the
// connection ended first.
func (s *session) awaitJoin(ctx context.Context) bool {
	for {
		msg, err := s.read(ctx)
		if err != nil {
			if errors.Is(err, errBadFrame) {
				continue
			}
			return false
		}

		join, ok := msg.(*types.JoinLobby)
		if !ok {
			s.write(ctx, types.LobbyError{Message: "join the session first", Code: types.CodeNotJoined})
			continue
		}

		out := make(fanout.Outbox, s.cfg.OutboxSize)
		r, lb, err := s.hub.Join(ctx, s.code, join.DisplayName, join.ReconnectToken, out)
		if err != nil {
			s.log.Debug("join rejected", zap.String("name", join.DisplayName), zap.Error(err))
			s.write(ctx, types.LobbyError{Message: err.Error(), Code: errorCode(err)})
			if ctx.Err() != nil {
				return false
			}
			continue
		}
		s.lb, s.pid, s.out = lb, r.ParticipantID, out
		return true
	}
}

var errBadFrame = errors.New("bad frame")

// read returns the next decoded client message. Frames that do not decode are
// answered with InvalidPayload and reported as errBadFrame.
func (s *session) read(ctx context.Context) (types.ClientMessage, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		s.write(ctx, types.LobbyError{Message: "expected a text frame", Code: types.CodeInvalidPayload})
		return nil, errBadFrame
	}
	msg, err := types.DecodeClient(data)
	if err != nil {
		s.write(ctx, types.LobbyError{Message: err.Error(), Code: types.CodeInvalidPayload})
		return nil, errBadFrame
	}
	return msg, nil
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		msg, err := s.read(ctx)
		if errors.Is(err, errBadFrame) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *session) dispatch(ctx context.Context, msg types.ClientMessage) error {
	cmd := engine.Command{ParticipantID: s.pid}

	switch m := msg.(type) {
	case *types.JoinLobby:
		s.write(ctx, types.LobbyError{Message: "already joined", Code: types.CodeStaleOperation})
		return nil

	case *types.LeaveLobby:
		cmd.Type = engine.CmdLeave

	case *types.ProgressUpdate:
		if m.Progress == nil {
			s.write(ctx, types.RaceError{Message: "progress is required", Code: types.CodeInvalidPayload})
			return nil
		}
		cmd.Type = engine.CmdProgress
		cmd.Progress = *m.Progress
		if !s.lb.Offer(s.out, cmd) {
			s.log.Debug("session busy, progress dropped")
		}
		return nil

	case *types.RaceFinished:
		if m.WordsPerMinute == nil || m.Accuracy == nil || m.ElapsedSeconds == nil {
			s.write(ctx, types.RaceError{Message: "wordsPerMinute, accuracy and elapsedSeconds are required", Code: types.CodeInvalidPayload})
			return nil
		}
		cmd.Type = engine.CmdFinish
		cmd.Stats = engine.Stats{
			WordsPerMinute: *m.WordsPerMinute,
			Accuracy:       *m.Accuracy,
			ElapsedSeconds: *m.ElapsedSeconds,
		}

	case *types.RaceAgain:
		cmd.Type = engine.CmdRaceAgain

	default:
		s.write(ctx, types.LobbyError{Message: "unsupported message", Code: types.CodeInvalidPayload})
		return nil
	}

	return s.lb.Submit(ctx, s.out, cmd)
}

// writeLoop drains the outbox onto the socket. The lobby closes the outbox
// when this connection is no longer the participant's.
func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.out:
			if !ok {
				return s.conn.Close(websocket.StatusNormalClosure, "session closed")
			}
			if err := s.write(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (s *session) pingLoop(ctx context.Context) error {
	if s.cfg.PingInterval <= 0 {
		return nil
	}
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				s.log.Info("ping failed, dropping connection", zap.Error(err))
				s.conn.CloseNow()
				return err
			}
		}
	}
}

func (s *session) write(ctx context.Context, msg types.ServerMessage) error {
	payload, err := types.EncodeServer(msg)
	if err != nil {
		s.log.Error("encode server message", zap.String("type", msg.ServerType()), zap.Error(err))
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, payload)
}

// errorCode maps registry and session errors onto wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, hub.ErrSessionNotFound), errors.Is(err, lobby.ErrClosed):
		return types.CodeSessionNotFound
	default:
		return engine.Code(err)
	}
}
