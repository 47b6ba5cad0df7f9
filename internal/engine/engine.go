package engine

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

var ErrLobbyFull = errors.New("lobby full")
var ErrNameTaken = errors.New("display name taken")
var ErrInvalidPayload = errors.New("invalid payload")
var ErrStaleOperation = errors.New("stale operation")
var ErrRaceInProgress = errors.New("race in progress")
var ErrUnknownParticipant = errors.New("unknown participant")
var ErrUnsupportedCommand = errors.New("unsupported command")

const (
	MaxRoster     = 6
	MinRacers     = 2
	MaxNameLength = 32
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCountdown Status = "countdown"
	StatusRacing    Status = "racing"
	StatusFinished  Status = "finished"
)

type Connection string

const (
	Connected         Connection = "connected"
	DisconnectedGrace Connection = "disconnected-grace"
	Left              Connection = "left"
)

type Stats struct {
	WordsPerMinute float64
	Accuracy       float64
	ElapsedSeconds float64
}

type Participant struct {
	ID            string
	DisplayName   string
	Token         string
	Connection    Connection
	Progress      float64
	Raced         bool // still in the session when the race started
	Finished      bool
	Completed     bool // finished by typing the passage, not by timeout or leaving
	Rank          int  // 0 until a completion is accepted
	Stats         *Stats
	GraceDeadline time.Time
}

type Rules struct {
	Countdown     time.Duration
	CountdownTick time.Duration
	Grace         time.Duration
	MaxRace       time.Duration
}

func DefaultRules() Rules {
	return Rules{
		Countdown:     5 * time.Second,
		CountdownTick: time.Second,
		Grace:         30 * time.Second,
		MaxRace:       120 * time.Second,
	}
}

type State struct {
	Status             Status
	Roster             []Participant // join order
	Passage            string
	CountdownRemaining int
	StartDeadline      time.Time
	StartTime          time.Time
	RaceDeadline       time.Time
	NextRank           int
	Round              int
}

// TextSource hands out the passage for the next race. It must not block.
type TextSource interface {
	Next() string
}

type CommandType string

const (
	CmdJoin          CommandType = "Join"
	CmdLeave         CommandType = "Leave"
	CmdDisconnect    CommandType = "Disconnect"
	CmdGraceExpired  CommandType = "GraceExpired"
	CmdProgress      CommandType = "Progress"
	CmdFinish        CommandType = "Finish"
	CmdRaceAgain     CommandType = "RaceAgain"
	CmdCountdownTick CommandType = "CountdownTick"
	CmdRaceTimeout   CommandType = "RaceTimeout"
)

/*
	CmdJoin          -> EvtParticipantJoined | EvtParticipantReconnected -> (EvtCountdownStarted) -> EvtLobbyChanged
	CmdLeave         -> EvtParticipantLeft -> (EvtCountdownAborted | EvtRaceCompleted | EvtSessionEmpty) -> EvtLobbyChanged
	CmdDisconnect    -> EvtParticipantDisconnected -> EvtLobbyChanged
	CmdGraceExpired  -> same as CmdLeave
	CmdProgress      -> EvtProgress
	CmdFinish        -> EvtParticipantFinished -> (EvtRaceCompleted -> EvtLobbyChanged)
	CmdCountdownTick -> EvtCountdownTick | EvtRaceStarted -> EvtLobbyChanged
	CmdRaceTimeout   -> EvtRaceTimedOut -> EvtRaceCompleted -> EvtLobbyChanged
	CmdRaceAgain     -> EvtRaceReset -> (EvtCountdownStarted) -> EvtLobbyChanged
*/

type Command struct {
	Type          CommandType
	At            time.Time
	ParticipantID string

	// Join
	DisplayName string
	Token       string // presented reconnect token, may be empty
	NewID       string // identity to assign if a new participant is created
	NewToken    string

	Progress float64
	Stats    Stats
}

type EventType string

const (
	EvtParticipantJoined       EventType = "ParticipantJoined"
	EvtParticipantReconnected  EventType = "ParticipantReconnected"
	EvtParticipantDisconnected EventType = "ParticipantDisconnected"
	EvtParticipantLeft         EventType = "ParticipantLeft"
	EvtLobbyChanged            EventType = "LobbyChanged"
	EvtCountdownStarted        EventType = "CountdownStarted"
	EvtCountdownTick           EventType = "CountdownTick"
	EvtCountdownAborted        EventType = "CountdownAborted"
	EvtRaceStarted             EventType = "RaceStarted"
	EvtProgress                EventType = "Progress"
	EvtParticipantFinished     EventType = "ParticipantFinished"
	EvtRaceTimedOut            EventType = "RaceTimedOut"
	EvtRaceCompleted           EventType = "RaceCompleted"
	EvtRaceReset               EventType = "RaceReset"
	EvtSessionEmpty            EventType = "SessionEmpty"
)

type Standing struct {
	ParticipantID string
	DisplayName   string
	Rank          int // 0 when the participant did not complete
	Stats         Stats
	Completed     bool
}

type Event struct {
	Type          EventType
	ParticipantID string
	DisplayName   string
	Takeover      bool // reconnect replaced a connection that was still live

	Status    Status
	Roster    []Participant
	Remaining int
	Deadline  time.Time

	Passage   string
	StartTime time.Time

	Progress float64
	Rank     int
	Stats    *Stats

	Unfinished []string
	Standings  []Standing
	Complete   bool
}

type Machine struct {
	rules Rules
	texts TextSource
	s     State
}

func NewMachine(rules Rules, texts TextSource) *Machine {
	return &Machine{
		rules: rules,
		texts: texts,
		s:     State{Status: StatusWaiting},
	}
}

func (m *Machine) Rules() Rules { return m.rules }

// State returns a deep copy safe to hand to other goroutines.
func (m *Machine) State() State { return m.s.Clone() }

var handlers = map[CommandType]func(*Machine, Command) ([]Event, error){
	CmdJoin:          (*Machine).join,
	CmdLeave:         (*Machine).leave,
	CmdDisconnect:    (*Machine).disconnect,
	CmdGraceExpired:  (*Machine).graceExpired,
	CmdProgress:      (*Machine).progress,
	CmdFinish:        (*Machine).finish,
	CmdRaceAgain:     (*Machine).raceAgain,
	CmdCountdownTick: (*Machine).countdownTick,
	CmdRaceTimeout:   (*Machine).raceTimeout,
}

// Apply runs one command against the session. Unlike a pure reject, the
// returned events are meaningful even when err != nil: a command arriving at
// or after the race deadline first closes the race out, and those events must
// still be delivered.
func (m *Machine) Apply(cmd Command) ([]Event, error) {
	h, ok := handlers[cmd.Type]
	if !ok {
		return nil, ErrUnsupportedCommand
	}

	var events []Event
	if m.s.Status == StatusRacing && cmd.Type != CmdRaceTimeout && !cmd.At.Before(m.s.RaceDeadline) {
		events = append(events, m.timeout(cmd.At)...)
	}

	evs, err := h(m, cmd)
	return append(events, evs...), err
}

func (m *Machine) join(cmd Command) ([]Event, error) {
	if cmd.Token != "" {
		if p := m.byToken(cmd.Token); p != nil && p.Connection != Left {
			takeover := p.Connection == Connected
			p.Connection = Connected
			p.GraceDeadline = time.Time{}
			return []Event{
				{Type: EvtParticipantReconnected, ParticipantID: p.ID, DisplayName: p.DisplayName, Takeover: takeover},
				m.lobbyChanged(),
			}, nil
		}
	}

	name := strings.TrimSpace(cmd.DisplayName)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength || cmd.NewID == "" {
		return nil, ErrInvalidPayload
	}
	if m.s.Status == StatusRacing || m.s.Status == StatusFinished {
		return nil, ErrRaceInProgress
	}
	if len(m.s.Roster) >= MaxRoster {
		return nil, ErrLobbyFull
	}
	if m.nameTaken(name) {
		return nil, ErrNameTaken
	}

	m.s.Roster = append(m.s.Roster, Participant{
		ID:          cmd.NewID,
		DisplayName: name,
		Token:       cmd.NewToken,
		Connection:  Connected,
	})

	events := []Event{{Type: EvtParticipantJoined, ParticipantID: cmd.NewID, DisplayName: name}}
	events = append(events, m.maybeStartCountdown(cmd.At)...)
	return append(events, m.lobbyChanged()), nil
}

func (m *Machine) leave(cmd Command) ([]Event, error) {
	p := m.byID(cmd.ParticipantID)
	if p == nil {
		return nil, ErrUnknownParticipant
	}
	if p.Connection == Left {
		return nil, ErrStaleOperation
	}
	return m.depart(p, cmd.At), nil
}

func (m *Machine) disconnect(cmd Command) ([]Event, error) {
	p := m.byID(cmd.ParticipantID)
	if p == nil {
		return nil, ErrUnknownParticipant
	}
	if p.Connection != Connected {
		return nil, ErrStaleOperation
	}
	if m.rules.Grace <= 0 {
		return m.depart(p, cmd.At), nil
	}

	p.Connection = DisconnectedGrace
	p.GraceDeadline = cmd.At.Add(m.rules.Grace)
	return []Event{
		{Type: EvtParticipantDisconnected, ParticipantID: p.ID, DisplayName: p.DisplayName, Deadline: p.GraceDeadline},
		m.lobbyChanged(),
	}, nil
}

func (m *Machine) graceExpired(cmd Command) ([]Event, error) {
	p := m.byID(cmd.ParticipantID)
	if p == nil {
		return nil, ErrUnknownParticipant
	}
	// Reconnected in the meantime, or a timer from an earlier disconnect.
	if p.Connection != DisconnectedGrace || cmd.At.Before(p.GraceDeadline) {
		return nil, ErrStaleOperation
	}
	return m.depart(p, cmd.At), nil
}

// depart handles both explicit leave and grace expiry.
func (m *Machine) depart(p *Participant, at time.Time) []Event {
	id, name := p.ID, p.DisplayName
	p.GraceDeadline = time.Time{}

	events := []Event{{Type: EvtParticipantLeft, ParticipantID: id, DisplayName: name}}

	switch m.s.Status {
	case StatusWaiting:
		m.remove(id)

	case StatusCountdown:
		p.Connection = Left
		if m.activeCount() < MinRacers {
			m.abortCountdown()
			events = append(events, Event{Type: EvtCountdownAborted})
		}

	case StatusRacing:
		p.Connection = Left
		if m.allFinished() {
			events = append(events, m.completeRace(at, false)...)
		}

	case StatusFinished:
		p.Connection = Left
	}

	if m.activeCount() == 0 {
		return append(events, Event{Type: EvtSessionEmpty})
	}
	return append(events, m.lobbyChanged())
}

func (m *Machine) progress(cmd Command) ([]Event, error) {
	p, err := m.racer(cmd.ParticipantID)
	if err != nil {
		return nil, err
	}
	if !validPercent(cmd.Progress) {
		return nil, ErrInvalidPayload
	}
	// Out-of-order or repeated updates never move progress backwards.
	if cmd.Progress <= p.Progress {
		return nil, nil
	}

	p.Progress = cmd.Progress
	return []Event{{Type: EvtProgress, ParticipantID: p.ID, Progress: p.Progress}}, nil
}

func (m *Machine) finish(cmd Command) ([]Event, error) {
	p, err := m.racer(cmd.ParticipantID)
	if err != nil {
		return nil, err
	}
	if !validStats(cmd.Stats) {
		return nil, ErrInvalidPayload
	}

	stats := cmd.Stats
	stats.ElapsedSeconds = min(stats.ElapsedSeconds, m.rules.MaxRace.Seconds())

	rank := m.s.NextRank
	m.s.NextRank++
	m.assignRank(p, rank)
	p.Finished = true
	p.Completed = true
	p.Progress = 100
	p.Stats = &stats

	events := []Event{{
		Type:          EvtParticipantFinished,
		ParticipantID: p.ID,
		DisplayName:   p.DisplayName,
		Rank:          rank,
		Stats:         &stats,
		Standings:     m.standings(),
	}}
	if m.allFinished() {
		events = append(events, m.completeRace(cmd.At, false)...)
		events = append(events, m.lobbyChanged())
	}
	return events, nil
}

func (m *Machine) raceAgain(cmd Command) ([]Event, error) {
	p := m.byID(cmd.ParticipantID)
	if p == nil {
		return nil, ErrUnknownParticipant
	}
	if m.s.Status != StatusFinished || p.Connection != Connected {
		return nil, ErrStaleOperation
	}

	kept := m.s.Roster[:0]
	for _, r := range m.s.Roster {
		if r.Connection == Left {
			continue
		}
		r.Progress = 0
		r.Raced = false
		r.Finished = false
		r.Completed = false
		r.Rank = 0
		r.Stats = nil
		kept = append(kept, r)
	}
	m.s = State{Status: StatusWaiting, Roster: kept, Round: m.s.Round}

	events := []Event{{Type: EvtRaceReset, ParticipantID: p.ID, DisplayName: p.DisplayName}}
	events = append(events, m.maybeStartCountdown(cmd.At)...)
	return append(events, m.lobbyChanged()), nil
}

func (m *Machine) countdownTick(cmd Command) ([]Event, error) {
	if m.s.Status != StatusCountdown {
		return nil, ErrStaleOperation
	}

	m.s.CountdownRemaining--
	if m.s.CountdownRemaining <= 0 {
		return append(m.startRace(cmd.At), m.lobbyChanged()), nil
	}
	return []Event{
		{Type: EvtCountdownTick, Remaining: m.s.CountdownRemaining, Deadline: cmd.At.Add(m.rules.CountdownTick)},
		m.lobbyChanged(),
	}, nil
}

func (m *Machine) raceTimeout(cmd Command) ([]Event, error) {
	if m.s.Status != StatusRacing || cmd.At.Before(m.s.RaceDeadline) {
		return nil, ErrStaleOperation
	}
	return m.timeout(cmd.At), nil
}

func (m *Machine) maybeStartCountdown(at time.Time) []Event {
	if m.s.Status != StatusWaiting || m.activeCount() < MinRacers {
		return nil
	}

	m.s.Status = StatusCountdown
	m.s.Passage = m.texts.Next()
	m.s.CountdownRemaining = countdownSteps(m.rules)
	m.s.StartDeadline = at.Add(time.Duration(m.s.CountdownRemaining) * m.rules.CountdownTick)

	if m.s.CountdownRemaining == 0 {
		return m.startRace(at)
	}
	return []Event{{
		Type:      EvtCountdownStarted,
		Remaining: m.s.CountdownRemaining,
		Passage:   m.s.Passage,
		Deadline:  at.Add(m.rules.CountdownTick),
	}}
}

func (m *Machine) abortCountdown() {
	m.s.Status = StatusWaiting
	m.s.Passage = ""
	m.s.CountdownRemaining = 0
	m.s.StartDeadline = time.Time{}

	// Slots held by departed participants are only kept once a race is underway.
	kept := m.s.Roster[:0]
	for _, p := range m.s.Roster {
		if p.Connection != Left {
			kept = append(kept, p)
		}
	}
	m.s.Roster = kept
}

func (m *Machine) startRace(at time.Time) []Event {
	m.s.Status = StatusRacing
	m.s.CountdownRemaining = 0
	m.s.StartDeadline = time.Time{}
	m.s.StartTime = at
	m.s.RaceDeadline = at.Add(m.rules.MaxRace)
	m.s.NextRank = 1
	m.s.Round++
	for i := range m.s.Roster {
		m.s.Roster[i].Progress = 0
		m.s.Roster[i].Raced = m.s.Roster[i].Connection != Left
	}

	return []Event{{
		Type:      EvtRaceStarted,
		Passage:   m.s.Passage,
		StartTime: m.s.StartTime,
		Deadline:  m.s.RaceDeadline,
	}}
}

func (m *Machine) timeout(at time.Time) []Event {
	var unfinished []string
	for _, p := range m.s.Roster {
		if p.Raced && !p.Finished {
			unfinished = append(unfinished, p.DisplayName)
		}
	}

	events := []Event{{Type: EvtRaceTimedOut, Unfinished: unfinished}}
	events = append(events, m.completeRace(at, true)...)
	return append(events, m.lobbyChanged())
}

// completeRace closes out every racer that did not complete and moves the
// session to Finished. Slots left during the countdown are not scored.
func (m *Machine) completeRace(at time.Time, timedOut bool) []Event {
	elapsed := m.rules.MaxRace
	if !timedOut {
		elapsed = min(at.Sub(m.s.StartTime), m.rules.MaxRace)
	}

	for i := range m.s.Roster {
		p := &m.s.Roster[i]
		if !p.Raced || p.Finished {
			continue
		}
		stats := partialStats(m.s.Passage, p.Progress, elapsed)
		p.Finished = true
		p.Completed = false
		p.Stats = &stats
	}
	m.s.Status = StatusFinished

	standings := m.standings()
	return []Event{{Type: EvtRaceCompleted, Standings: standings, Complete: allCompleted(standings)}}
}

func (m *Machine) lobbyChanged() Event {
	s := m.s.Clone()
	return Event{
		Type:      EvtLobbyChanged,
		Status:    s.Status,
		Roster:    s.Roster,
		Remaining: s.CountdownRemaining,
	}
}
