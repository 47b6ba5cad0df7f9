package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client -> Server. Every frame is a JSON object tagged by "type":
//
//	{"type":"joinLobby","displayName":"ada","reconnectToken":"..."}
//	{"type":"leaveLobby"}
//	{"type":"progressUpdate","progress":42.5}
//	{"type":"raceFinished","wordsPerMinute":80,"accuracy":97,"elapsedSeconds":45}
//	{"type":"raceAgain"}

const (
	TypeJoinLobby      = "joinLobby"
	TypeLeaveLobby     = "leaveLobby"
	TypeProgressUpdate = "progressUpdate"
	TypeRaceFinished   = "raceFinished"
	TypeRaceAgain      = "raceAgain"
)

var ErrUnknownType = errors.New("unknown message type")

type ClientMessage interface{ ClientType() string }

type JoinLobby struct {
	DisplayName    string `json:"displayName"`
	ReconnectToken string `json:"reconnectToken,omitempty"`
}

type LeaveLobby struct{}

// Numeric fields are pointers so a missing field can be told apart from zero.
type ProgressUpdate struct {
	Progress *float64 `json:"progress"`
}

type RaceFinished struct {
	WordsPerMinute *float64 `json:"wordsPerMinute"`
	Accuracy       *float64 `json:"accuracy"`
	ElapsedSeconds *float64 `json:"elapsedSeconds"`
}

type RaceAgain struct{}

func (JoinLobby) ClientType() string      { return TypeJoinLobby }
func (LeaveLobby) ClientType() string     { return TypeLeaveLobby }
func (ProgressUpdate) ClientType() string { return TypeProgressUpdate }
func (RaceFinished) ClientType() string   { return TypeRaceFinished }
func (RaceAgain) ClientType() string      { return TypeRaceAgain }

var clientTypes = map[string]func() ClientMessage{
	TypeJoinLobby:      func() ClientMessage { return &JoinLobby{} },
	TypeLeaveLobby:     func() ClientMessage { return &LeaveLobby{} },
	TypeProgressUpdate: func() ClientMessage { return &ProgressUpdate{} },
	TypeRaceFinished:   func() ClientMessage { return &RaceFinished{} },
	TypeRaceAgain:      func() ClientMessage { return &RaceAgain{} },
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeClient returns a pointer to the concrete message named by "type".
func DecodeClient(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	newMsg, ok := clientTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	msg := newMsg()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return msg, nil
}

func EncodeClient(msg ClientMessage) ([]byte, error) {
	return encode(msg.ClientType(), msg)
}

// encode writes body as a JSON object with "type" as its first member.
func encode(typ string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if len(b) < 2 || b[0] != '{' {
		return nil, fmt.Errorf("encode %s: body is not an object", typ)
	}
	head, err := json.Marshal(envelope{Type: typ})
	if err != nil {
		return nil, err
	}
	if len(b) == 2 {
		return head, nil
	}
	out := append(head[:len(head)-1], ',')
	return append(out, b[1:]...), nil
}
