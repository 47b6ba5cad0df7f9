package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const charsPerWord = 5

func (s State) Clone() State {
	c := s
	c.Roster = make([]Participant, len(s.Roster))
	for i, p := range s.Roster {
		if p.Stats != nil {
			stats := *p.Stats
			p.Stats = &stats
		}
		c.Roster[i] = p
	}
	return c
}

// Find returns the participant with the given id, or nil.
func (s State) Find(id string) *Participant {
	for i := range s.Roster {
		if s.Roster[i].ID == id {
			return &s.Roster[i]
		}
	}
	return nil
}

func (m *Machine) byID(id string) *Participant { return m.s.Find(id) }

func (m *Machine) byToken(token string) *Participant {
	for i := range m.s.Roster {
		if m.s.Roster[i].Token == token {
			return &m.s.Roster[i]
		}
	}
	return nil
}

func (m *Machine) nameTaken(name string) bool {
	for _, p := range m.s.Roster {
		if p.Connection != Left && strings.EqualFold(p.DisplayName, name) {
			return true
		}
	}
	return false
}

func (m *Machine) activeCount() int {
	n := 0
	for _, p := range m.s.Roster {
		if p.Connection != Left {
			n++
		}
	}
	return n
}

// allFinished ignores participants that have left the race.
func (m *Machine) allFinished() bool {
	for _, p := range m.s.Roster {
		if p.Connection != Left && !p.Finished {
			return false
		}
	}
	return true
}

func (m *Machine) remove(id string) {
	for i := range m.s.Roster {
		if m.s.Roster[i].ID == id {
			m.s.Roster = append(m.s.Roster[:i], m.s.Roster[i+1:]...)
			return
		}
	}
}

// racer resolves a participant that may still report progress or finish.
func (m *Machine) racer(id string) (*Participant, error) {
	if m.s.Status != StatusRacing {
		return nil, ErrStaleOperation
	}
	p := m.byID(id)
	if p == nil {
		return nil, ErrUnknownParticipant
	}
	if p.Connection == Left || p.Finished {
		return nil, ErrStaleOperation
	}
	return p, nil
}

// assignRank is the only place a rank is written. A violation here means the
// single-writer guarantee was broken somewhere, which is not recoverable.
func (m *Machine) assignRank(p *Participant, rank int) {
	if rank < 1 || p.Rank != 0 {
		panic(fmt.Sprintf("engine: invalid rank %d for participant %s (holds %d)", rank, p.ID, p.Rank))
	}
	for _, o := range m.s.Roster {
		if o.Rank == rank {
			panic(fmt.Sprintf("engine: rank %d already held by %s", rank, o.ID))
		}
	}
	p.Rank = rank
}

func (m *Machine) standings() []Standing {
	return Standings(m.s)
}

// Standings orders ranked participants first, then everyone else who raced
// in join order.
func Standings(s State) []Standing {
	var out []Standing
	for _, p := range s.Roster {
		if !p.Finished && p.Rank == 0 {
			continue
		}
		st := Standing{ParticipantID: p.ID, DisplayName: p.DisplayName, Rank: p.Rank, Completed: p.Completed}
		if p.Stats != nil {
			st.Stats = *p.Stats
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Rank, out[j].Rank
		switch {
		case a == 0:
			return false
		case b == 0:
			return true
		default:
			return a < b
		}
	})
	return out
}

func allCompleted(standings []Standing) bool {
	for _, s := range standings {
		if !s.Completed {
			return false
		}
	}
	return true
}

func partialStats(passage string, progress float64, elapsed time.Duration) Stats {
	stats := Stats{ElapsedSeconds: math.Max(elapsed.Seconds(), 0)}
	minutes := elapsed.Minutes()
	if minutes <= 0 {
		return stats
	}
	words := progress / 100 * float64(utf8.RuneCountInString(passage)) / charsPerWord
	stats.WordsPerMinute = words / minutes
	return stats
}

func countdownSteps(r Rules) int {
	if r.CountdownTick <= 0 || r.Countdown <= 0 {
		return 0
	}
	return int((r.Countdown + r.CountdownTick - 1) / r.CountdownTick)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func validPercent(v float64) bool { return finite(v) && v >= 0 && v <= 100 }

func validStats(s Stats) bool {
	return finite(s.WordsPerMinute) && s.WordsPerMinute >= 0 &&
		validPercent(s.Accuracy) &&
		finite(s.ElapsedSeconds) && s.ElapsedSeconds >= 0
}

// Code maps an engine error to its wire error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrLobbyFull):
		return "LobbyFull"
	case errors.Is(err, ErrNameTaken):
		return "NameTaken"
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnsupportedCommand):
		return "InvalidPayload"
	case errors.Is(err, ErrStaleOperation), errors.Is(err, ErrUnknownParticipant):
		return "StaleOperation"
	case errors.Is(err, ErrRaceInProgress):
		return "RaceInProgress"
	default:
		return "Internal"
	}
}
