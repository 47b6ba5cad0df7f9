package lobby

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/typerace-backend/internal/engine"
	"github.com/DoyleJ11/typerace-backend/internal/fanout"
	"github.com/DoyleJ11/typerace-backend/internal/results"
	"github.com/DoyleJ11/typerace-backend/pkg/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrClosed is returned for requests that reach a lobby after it was disposed.
var ErrClosed = errors.New("lobby closed")

type Msg interface{ isLobbyMsg() }

type Join struct {
	DisplayName string
	Token       string
	Outbox      fanout.Outbox // where this client wants to receive messages
	Reply       chan JoinResult
}

func (Join) isLobbyMsg() {}

type JoinResult struct {
	ParticipantID string
	Token         string
	Err           error
}

// FromClient carries a command from an already joined connection. Outbox
// identifies the connection; commands from a replaced connection are ignored.
type FromClient struct {
	Outbox fanout.Outbox
	Cmd    engine.Command
}

func (FromClient) isLobbyMsg() {}

type Disconnect struct {
	ParticipantID string
	Outbox        fanout.Outbox
}

func (Disconnect) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type timerFired struct {
	key timerKey
	gen uint64
}

func (timerFired) isLobbyMsg() {}

type View struct {
	Key        string
	Version    int
	NumClients int
	Timers     int
	At         time.Time
	State      engine.State
}

type Options struct {
	Key     string
	Rules   engine.Rules
	Texts   engine.TextSource
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Results results.Sink
	// OnEmpty is called from the lobby goroutine once the last participant
	// is gone, after which the lobby accepts no more messages.
	OnEmpty func(*Lobby)
}

type Lobby struct {
	key     string
	inbox   chan Msg
	machine *engine.Machine
	version int
	fan     *fanout.Fanout
	timers  *timers
	clock   clockwork.Clock
	log     *zap.Logger
	results results.Sink
	onEmpty func(*Lobby)
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewLobby(parent context.Context, opts Options) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Results == nil {
		opts.Results = results.Nop{}
	}
	log := opts.Logger.With(zap.String("session", opts.Key))

	l := &Lobby{
		key:     opts.Key,
		inbox:   make(chan Msg, 64),
		machine: engine.NewMachine(opts.Rules, opts.Texts),
		fan:     fanout.New(log),
		clock:   opts.Clock,
		log:     log,
		results: opts.Results,
		onEmpty: opts.OnEmpty,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	l.timers = newTimers(opts.Clock, l.post)

	go l.loop()
	return l
}

// Done is closed once the lobby stops processing messages.
func (l *Lobby) Done() <-chan struct{} { return l.done }

// Closed reports whether the lobby has been disposed or shut down. It may
// turn true before Done is closed.
func (l *Lobby) Closed() bool { return l.ctx.Err() != nil }

func (l *Lobby) loop() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				msg.Reply <- l.join(msg)

			case FromClient:
				pid := msg.Cmd.ParticipantID
				if !l.fan.Owns(pid, msg.Outbox) {
					l.log.Debug("ignoring command from replaced connection", zap.String("participant", pid))
					break
				}
				events, err := l.step(msg.Cmd)
				l.react(events)
				if err != nil && !l.fan.Error(pid, lobbyScoped(msg.Cmd.Type), err) {
					l.lost(pid)
				}

			case Disconnect:
				if !l.fan.Owns(msg.ParticipantID, msg.Outbox) {
					break
				}
				l.fan.Detach(msg.ParticipantID)
				events, _ := l.step(engine.Command{Type: engine.CmdDisconnect, ParticipantID: msg.ParticipantID})
				l.react(events)

			case timerFired:
				cmd, ok := l.timers.fired(msg)
				if !ok {
					break
				}
				events, err := l.step(cmd)
				if err != nil {
					l.log.Debug("timer command rejected", zap.String("command", string(cmd.Type)), zap.Error(err))
				}
				l.react(events)

			case GetState:
				msg.Reply <- View{
					Key:        l.key,
					Version:    l.version,
					NumClients: l.fan.Connected(),
					Timers:     l.timers.pending(),
					At:         l.clock.Now(),
					State:      l.machine.State(),
				}

			case Shutdown:
				l.shutdown()
				return
			}

			if l.Closed() {
				return
			}
		}
	}
}

func (l *Lobby) join(msg Join) JoinResult {
	events, err := l.step(engine.Command{
		Type:        engine.CmdJoin,
		DisplayName: msg.DisplayName,
		Token:       msg.Token,
		NewID:       uuid.NewString(),
		NewToken:    uuid.NewString(),
	})
	if err != nil {
		l.react(events)
		if len(l.machine.State().Roster) == 0 {
			// created for this join and nobody got in
			l.dispose()
		}
		return JoinResult{Err: err}
	}

	var pid string
	for _, ev := range events {
		if ev.Type == engine.EvtParticipantJoined || ev.Type == engine.EvtParticipantReconnected {
			pid = ev.ParticipantID
			if ev.Takeover {
				l.log.Info("connection replaced", zap.String("participant", pid))
			}
		}
	}

	s := l.machine.State()
	p := s.Find(pid)
	l.fan.Attach(pid, msg.Outbox)
	delivered := l.fan.Snapshot(pid, p.Token, l.key, s, l.clock.Now())
	l.log.Info("participant joined",
		zap.String("participant", pid),
		zap.String("name", p.DisplayName),
		zap.Int("roster", len(s.Roster)))

	l.react(events)
	if !delivered {
		l.lost(pid)
	}
	return JoinResult{ParticipantID: pid, Token: p.Token}
}

// lost moves a participant whose connection was cut by the server into grace.
func (l *Lobby) lost(id string) {
	events, _ := l.step(engine.Command{Type: engine.CmdDisconnect, ParticipantID: id})
	l.react(events)
}

// step applies one command at the current time.
func (l *Lobby) step(cmd engine.Command) ([]engine.Event, error) {
	cmd.At = l.clock.Now()
	events, err := l.machine.Apply(cmd)
	if len(events) > 0 {
		l.version++
	}
	return events, err
}

// react performs the side effects of a batch of events: timers first, then
// delivery, then lifecycle.
func (l *Lobby) react(events []engine.Event) {
	now := l.clock.Now()
	empty := false

	for _, ev := range events {
		switch ev.Type {
		case engine.EvtCountdownStarted, engine.EvtCountdownTick:
			if ev.Type == engine.EvtCountdownStarted {
				l.log.Info("countdown started", zap.Int("seconds", ev.Remaining))
			}
			l.timers.arm(timerKey{kind: timerCountdown}, ev.Deadline.Sub(now))

		case engine.EvtCountdownAborted:
			l.log.Info("countdown aborted")
			l.timers.disarm(timerKey{kind: timerCountdown})

		case engine.EvtRaceStarted:
			l.log.Info("race started", zap.Time("start", ev.StartTime), zap.Time("deadline", ev.Deadline))
			l.timers.disarm(timerKey{kind: timerCountdown})
			l.timers.arm(timerKey{kind: timerRace}, ev.Deadline.Sub(now))

		case engine.EvtRaceTimedOut:
			l.log.Info("race timed out", zap.Strings("unfinished", ev.Unfinished))

		case engine.EvtRaceCompleted:
			l.timers.disarm(timerKey{kind: timerRace})
			l.publishResult(ev, now)

		case engine.EvtParticipantDisconnected:
			l.log.Info("participant disconnected", zap.String("participant", ev.ParticipantID), zap.Time("grace_until", ev.Deadline))
			l.timers.arm(timerKey{kind: timerGrace, participantID: ev.ParticipantID}, ev.Deadline.Sub(now))

		case engine.EvtParticipantReconnected:
			l.timers.disarm(timerKey{kind: timerGrace, participantID: ev.ParticipantID})

		case engine.EvtSessionEmpty:
			empty = true
		}
	}

	dropped := l.fan.Publish(events)

	// Departed participants get the batch above, then their connection closes.
	for _, ev := range events {
		if ev.Type == engine.EvtParticipantLeft {
			l.log.Info("participant left", zap.String("participant", ev.ParticipantID))
			l.timers.disarm(timerKey{kind: timerGrace, participantID: ev.ParticipantID})
			l.fan.Detach(ev.ParticipantID)
		}
	}

	for _, id := range dropped {
		l.lost(id)
	}

	if empty {
		l.dispose()
	}
}

func (l *Lobby) publishResult(ev engine.Event, now time.Time) {
	s := l.machine.State()
	r := results.Result{
		SessionKey: l.key,
		Round:      s.Round,
		StartTime:  s.StartTime,
		FinishedAt: now,
		Complete:   ev.Complete,
		Standings:  fanout.Standings(ev.Standings),
	}
	sink, log := l.results, l.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.Publish(ctx, r); err != nil {
			log.Warn("publish race result", zap.Error(err))
		}
	}()
}

func (l *Lobby) dispose() {
	if l.Closed() {
		return
	}
	l.log.Info("session empty, disposing")
	l.shutdown()
	if l.onEmpty != nil {
		l.onEmpty(l)
	}
}

func (l *Lobby) shutdown() {
	l.timers.stopAll()
	l.fan.CloseAll()
	l.cancel()
}

func (l *Lobby) post(m Msg) {
	select {
	case l.inbox <- m:
	case <-l.done:
	}
}

func lobbyScoped(t engine.CommandType) bool {
	return t != engine.CmdProgress && t != engine.CmdFinish
}

func (l *Lobby) send(ctx context.Context, m Msg) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.inbox <- m:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join admits a participant, or restores one when token matches. Messages for
// the participant are delivered to out until the lobby closes it.
func (l *Lobby) Join(ctx context.Context, displayName, token string, out fanout.Outbox) (JoinResult, error) {
	reply := make(chan JoinResult, 1)
	if err := l.send(ctx, Join{DisplayName: displayName, Token: token, Outbox: out, Reply: reply}); err != nil {
		return JoinResult{}, err
	}
	select {
	case r := <-reply:
		return r, r.Err
	case <-l.done:
		select {
		case r := <-reply:
			return r, r.Err
		default:
			return JoinResult{}, ErrClosed
		}
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}
}

// Submit queues a command that must not be dropped.
func (l *Lobby) Submit(ctx context.Context, out fanout.Outbox, cmd engine.Command) error {
	return l.send(ctx, FromClient{Outbox: out, Cmd: cmd})
}

// Offer queues an advisory command, dropping it if the lobby is backed up.
func (l *Lobby) Offer(out fanout.Outbox, cmd engine.Command) bool {
	select {
	case l.inbox <- FromClient{Outbox: out, Cmd: cmd}:
		return true
	default:
		return false
	}
}

func (l *Lobby) Disconnect(ctx context.Context, participantID string, out fanout.Outbox) error {
	return l.send(ctx, Disconnect{ParticipantID: participantID, Outbox: out})
}

func (l *Lobby) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := l.send(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-l.done:
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Snapshot renders a view in wire form.
func (v View) Snapshot() types.SessionView {
	return fanout.View(v.Key, v.State, v.At)
}

func (l *Lobby) Close() { l.cancel() }
