package lobby

import (
	"time"

	"github.com/DoyleJ11/typerace-backend/internal/engine"
	"github.com/jonboulle/clockwork"
)

type timerKind int

const (
	timerCountdown timerKind = iota
	timerRace
	timerGrace
)

type timerKey struct {
	kind          timerKind
	participantID string // grace only
}

type timerEntry struct {
	t   clockwork.Timer
	gen uint64
}

// timers schedules engine commands. A timer that fires after being re-armed
// or disarmed carries an old generation and is discarded in fired.
type timers struct {
	clock   clockwork.Clock
	post    func(Msg)
	gen     uint64
	entries map[timerKey]timerEntry
}

func newTimers(clock clockwork.Clock, post func(Msg)) *timers {
	return &timers{clock: clock, post: post, entries: make(map[timerKey]timerEntry)}
}

func (ts *timers) arm(key timerKey, d time.Duration) {
	ts.disarm(key)
	ts.gen++
	gen := ts.gen
	t := ts.clock.AfterFunc(max(d, 0), func() {
		ts.post(timerFired{key: key, gen: gen})
	})
	ts.entries[key] = timerEntry{t: t, gen: gen}
}

func (ts *timers) disarm(key timerKey) {
	if e, ok := ts.entries[key]; ok {
		e.t.Stop()
		delete(ts.entries, key)
	}
}

func (ts *timers) stopAll() {
	for key := range ts.entries {
		ts.disarm(key)
	}
}

// fired turns a current timer into the command it stands for.
func (ts *timers) fired(msg timerFired) (engine.Command, bool) {
	e, ok := ts.entries[msg.key]
	if !ok || e.gen != msg.gen {
		return engine.Command{}, false
	}
	delete(ts.entries, msg.key)

	switch msg.key.kind {
	case timerCountdown:
		return engine.Command{Type: engine.CmdCountdownTick}, true
	case timerRace:
		return engine.Command{Type: engine.CmdRaceTimeout}, true
	default:
		return engine.Command{Type: engine.CmdGraceExpired, ParticipantID: msg.key.participantID}, true
	}
}

func (ts *timers) pending() int { return len(ts.entries) }
