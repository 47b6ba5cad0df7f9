// Package fanout relays engine events to the connected participants of one
// session. It holds no session state beyond the participant -> outbox table
// and is driven only from the owning lobby goroutine.
package fanout

import (
	"time"

	"github.com/DoyleJ11/typerace-backend/internal/engine"
	"github.com/DoyleJ11/typerace-backend/pkg/types"
	"go.uber.org/zap"
)

type Outbox = chan types.ServerMessage

type Fanout struct {
	log      *zap.Logger
	outboxes map[string]Outbox
	order    []string // attach order, so every recipient sees the same sequence
}

func New(log *zap.Logger) *Fanout {
	return &Fanout{log: log, outboxes: make(map[string]Outbox)}
}

// Attach binds id to out. A previous outbox for id is closed and replaced.
func (f *Fanout) Attach(id string, out Outbox) {
	if prev, ok := f.outboxes[id]; ok {
		if prev != out {
			close(prev)
		}
	} else {
		f.order = append(f.order, id)
	}
	f.outboxes[id] = out
}

// Detach closes the outbox bound to id, telling the connection no more
// messages will follow.
func (f *Fanout) Detach(id string) {
	out, ok := f.outboxes[id]
	if !ok {
		return
	}
	close(out)
	delete(f.outboxes, id)
	for i, o := range f.order {
		if o == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Owns reports whether out is the live outbox for id. Messages from a
// connection that was replaced must be ignored.
func (f *Fanout) Owns(id string, out Outbox) bool {
	cur, ok := f.outboxes[id]
	return ok && cur == out
}

func (f *Fanout) Connected() int { return len(f.outboxes) }

func (f *Fanout) CloseAll() {
	for _, id := range append([]string(nil), f.order...) {
		f.Detach(id)
	}
}

// Publish translates events into wire messages in order. Participants whose
// outbox was too full for a message that must not be lost are detached and
// returned; the caller decides what that means for the session.
func (f *Fanout) Publish(events []engine.Event) (dropped []string) {
	for _, ev := range events {
		switch ev.Type {
		case engine.EvtLobbyChanged:
			dropped = append(dropped, f.broadcast("", LobbyState(ev))...)

		case engine.EvtRaceStarted:
			dropped = append(dropped, f.broadcast("", types.RaceStart{PassageText: ev.Passage, StartTime: ev.StartTime})...)

		case engine.EvtProgress:
			f.relayProgress(ev)

		case engine.EvtParticipantFinished:
			notice := types.ParticipantFinished{
				ParticipantID: ev.ParticipantID,
				DisplayName:   ev.DisplayName,
				Rank:          ev.Rank,
				Stats:         stats(ev.Stats),
			}
			dropped = append(dropped, f.broadcast(ev.ParticipantID, notice)...)

			rank := ev.Rank
			ack := notice
			ack.YourRank = &rank
			ack.Standings = Standings(ev.Standings)
			if !f.Send(ev.ParticipantID, ack) {
				dropped = append(dropped, ev.ParticipantID)
			}

		case engine.EvtRaceTimedOut:
			dropped = append(dropped, f.broadcast("", types.RaceTimeout{
				Message:                "race time limit reached",
				UnfinishedDisplayNames: nonNil(ev.Unfinished),
			})...)

		case engine.EvtRaceCompleted:
			dropped = append(dropped, f.broadcast("", types.RaceResults{
				FinalStandings: Standings(ev.Standings),
				Complete:       ev.Complete,
			})...)
		}
	}
	return dropped
}

// Send delivers one message that must not be lost. On a full outbox the
// participant is detached and false is returned.
func (f *Fanout) Send(id string, msg types.ServerMessage) bool {
	out, ok := f.outboxes[id]
	if !ok {
		return true
	}
	select {
	case out <- msg:
		return true
	default:
		f.log.Warn("outbox full, detaching participant",
			zap.String("participant", id),
			zap.String("message", msg.ServerType()))
		f.Detach(id)
		return false
	}
}

// Error reports a rejected command to its originator only.
func (f *Fanout) Error(id string, lobbyScoped bool, err error) bool {
	code := engine.Code(err)
	if lobbyScoped {
		return f.Send(id, types.LobbyError{Message: err.Error(), Code: code})
	}
	return f.Send(id, types.RaceError{Message: err.Error(), Code: code})
}

// Snapshot sends the full session state to one participant.
func (f *Fanout) Snapshot(id, token, key string, s engine.State, now time.Time) bool {
	return f.Send(id, types.SessionSnapshot{
		ParticipantID:  id,
		ReconnectToken: token,
		SessionView:    View(key, s, now),
	})
}

func (f *Fanout) broadcast(except string, msg types.ServerMessage) (dropped []string) {
	for _, id := range append([]string(nil), f.order...) {
		if id == except {
			continue
		}
		if !f.Send(id, msg) {
			dropped = append(dropped, id)
		}
	}
	return dropped
}

// relayProgress is advisory: a full outbox just misses this update.
func (f *Fanout) relayProgress(ev engine.Event) {
	msg := types.OpponentProgress{ParticipantID: ev.ParticipantID, Progress: ev.Progress}
	for _, id := range f.order {
		if id == ev.ParticipantID {
			continue
		}
		select {
		case f.outboxes[id] <- msg:
		default:
			f.log.Debug("dropping progress for slow participant", zap.String("participant", id))
		}
	}
}

func LobbyState(ev engine.Event) types.LobbyState {
	return types.LobbyState{
		Status:             string(ev.Status),
		Roster:             Roster(ev.Roster),
		CountdownRemaining: ev.Remaining,
	}
}

func View(key string, s engine.State, now time.Time) types.SessionView {
	v := types.SessionView{
		SessionKey:         key,
		Status:             string(s.Status),
		Roster:             Roster(s.Roster),
		PassageText:        s.Passage,
		CountdownRemaining: s.CountdownRemaining,
	}
	if s.Status == engine.StatusRacing || s.Status == engine.StatusFinished {
		start := s.StartTime
		v.StartTime = &start
	}
	if s.Status == engine.StatusRacing {
		v.ElapsedSeconds = max(now.Sub(s.StartTime).Seconds(), 0)
	}
	if s.Status == engine.StatusFinished {
		v.Standings = Standings(engine.Standings(s))
	}
	return v
}

func Roster(ps []engine.Participant) []types.RosterEntry {
	out := make([]types.RosterEntry, 0, len(ps))
	for _, p := range ps {
		out = append(out, types.RosterEntry{
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Connection:    string(p.Connection),
			Progress:      p.Progress,
			Finished:      p.Finished,
			Rank:          rankPtr(p.Rank),
		})
	}
	return out
}

func Standings(in []engine.Standing) []types.Standing {
	out := make([]types.Standing, 0, len(in))
	for _, s := range in {
		out = append(out, types.Standing{
			Rank:           rankPtr(s.Rank),
			ParticipantID:  s.ParticipantID,
			DisplayName:    s.DisplayName,
			WordsPerMinute: s.Stats.WordsPerMinute,
			Accuracy:       s.Stats.Accuracy,
			ElapsedSeconds: s.Stats.ElapsedSeconds,
			Completed:      s.Completed,
		})
	}
	return out
}

func stats(s *engine.Stats) types.Stats {
	if s == nil {
		return types.Stats{}
	}
	return types.Stats{WordsPerMinute: s.WordsPerMinute, Accuracy: s.Accuracy, ElapsedSeconds: s.ElapsedSeconds}
}

func rankPtr(rank int) *int {
	if rank == 0 {
		return nil
	}
	return &rank
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
