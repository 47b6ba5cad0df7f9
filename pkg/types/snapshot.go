package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server -> Client. Same tagging as the client direction.

const (
	TypeLobbyState          = "lobbyState"
	TypeSessionSnapshot     = "sessionSnapshot"
	TypeRaceStart           = "raceStart"
	TypeOpponentProgress    = "opponentProgress"
	TypeParticipantFinished = "participantFinished"
	TypeRaceResults         = "raceResults"
	TypeRaceTimeout         = "raceTimeout"
	TypeRaceError           = "raceError"
	TypeLobbyError          = "lobbyError"
)

// Error codes carried by raceError and lobbyError.
const (
	CodeLobbyFull       = "LobbyFull"
	CodeNameTaken       = "NameTaken"
	CodeInvalidPayload  = "InvalidPayload"
	CodeStaleOperation  = "StaleOperation"
	CodeSessionNotFound = "SessionNotFound"
	CodeRaceInProgress  = "RaceInProgress"
	CodeNotJoined       = "NotJoined"
	CodeInternal        = "Internal"
)

type ServerMessage interface{ ServerType() string }

type RosterEntry struct {
	ParticipantID string  `json:"participantId"`
	DisplayName   string  `json:"displayName"`
	Connection    string  `json:"connection"` // connected | disconnected-grace | left
	Progress      float64 `json:"progress"`
	Finished      bool    `json:"finished"`
	Rank          *int    `json:"rank"`
}

type Stats struct {
	WordsPerMinute float64 `json:"wordsPerMinute"`
	Accuracy       float64 `json:"accuracy"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

type Standing struct {
	Rank           *int    `json:"rank"` // null when the participant did not complete
	ParticipantID  string  `json:"participantId"`
	DisplayName    string  `json:"displayName"`
	WordsPerMinute float64 `json:"wordsPerMinute"`
	Accuracy       float64 `json:"accuracy"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	Completed      bool    `json:"completed"`
}

type LobbyState struct {
	Status             string        `json:"status"`
	Roster             []RosterEntry `json:"roster"`
	CountdownRemaining int           `json:"countdownRemaining"`
}

// SessionView is the full state of a session at one instant.
type SessionView struct {
	SessionKey         string        `json:"sessionKey"`
	Status             string        `json:"status"`
	Roster             []RosterEntry `json:"roster"`
	PassageText        string        `json:"passageText,omitempty"`
	CountdownRemaining int           `json:"countdownRemaining"`
	StartTime          *time.Time    `json:"startTime,omitempty"`
	ElapsedSeconds     float64       `json:"elapsedSeconds"`
	Standings          []Standing    `json:"standings,omitempty"`
}

// SessionSnapshot is sent to a participant on join and on every reconnect so
// it can resume without replaying missed events.
type SessionSnapshot struct {
	ParticipantID  string `json:"participantId"`
	ReconnectToken string `json:"reconnectToken"`
	SessionView
}

type RaceStart struct {
	PassageText string    `json:"passageText"`
	StartTime   time.Time `json:"startTime"`
}

type OpponentProgress struct {
	ParticipantID string  `json:"participantId"`
	Progress      float64 `json:"progress"`
}

// ParticipantFinished carries YourRank and Standings only in the copy sent to
// the finisher.
type ParticipantFinished struct {
	ParticipantID string     `json:"participantId"`
	DisplayName   string     `json:"displayName"`
	Rank          int        `json:"rank"`
	Stats         Stats      `json:"stats"`
	YourRank      *int       `json:"yourRank,omitempty"`
	Standings     []Standing `json:"standings,omitempty"`
}

type RaceResults struct {
	FinalStandings []Standing `json:"finalStandings"`
	Complete       bool       `json:"complete"`
}

type RaceTimeout struct {
	Message                string   `json:"message"`
	UnfinishedDisplayNames []string `json:"unfinishedDisplayNames"`
}

type RaceError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type LobbyError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (LobbyState) ServerType() string          { return TypeLobbyState }
func (SessionSnapshot) ServerType() string     { return TypeSessionSnapshot }
func (RaceStart) ServerType() string           { return TypeRaceStart }
func (OpponentProgress) ServerType() string    { return TypeOpponentProgress }
func (ParticipantFinished) ServerType() string { return TypeParticipantFinished }
func (RaceResults) ServerType() string         { return TypeRaceResults }
func (RaceTimeout) ServerType() string         { return TypeRaceTimeout }
func (RaceError) ServerType() string           { return TypeRaceError }
func (LobbyError) ServerType() string          { return TypeLobbyError }

var serverTypes = map[string]func() ServerMessage{
	TypeLobbyState:          func() ServerMessage { return &LobbyState{} },
	TypeSessionSnapshot:     func() ServerMessage { return &SessionSnapshot{} },
	TypeRaceStart:           func() ServerMessage { return &RaceStart{} },
	TypeOpponentProgress:    func() ServerMessage { return &OpponentProgress{} },
	TypeParticipantFinished: func() ServerMessage { return &ParticipantFinished{} },
	TypeRaceResults:         func() ServerMessage { return &RaceResults{} },
	TypeRaceTimeout:         func() ServerMessage { return &RaceTimeout{} },
	TypeRaceError:           func() ServerMessage { return &RaceError{} },
	TypeLobbyError:          func() ServerMessage { return &LobbyError{} },
}

func EncodeServer(msg ServerMessage) ([]byte, error) {
	return encode(msg.ServerType(), msg)
}

// DecodeServer returns a pointer to the concrete message named by "type".
func DecodeServer(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	newMsg, ok := serverTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	msg := newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}
