// Package wire defines the client<->server JSON message envelopes described
// in spec.md §6. Every message carries a "type" discriminator;
// DecodeClientMessage parses each inbound frame into one typed
// ClientMessage, and the Room's handler switches on its Type in one place —
// callers never switch on raw maps.
package wire

import (
	"encoding/json"
	"fmt"
)

// RawAvatar is an opaque avatar descriptor carried through the server
// without interpretation.
type RawAvatar = json.RawMessage

// ClientMessage is the decoded form of one inbound client frame.
type ClientMessage struct {
	Type string

	// auth
	Pubkey string
	MapID  *int

	// auth_response
	Signature json.RawMessage

	// position
	X, Y, Z, Ry      float64
	Animation        string
	Expression       string
	HasAnimation     bool
	HasExpression    bool

	// subscribe_cells
	Cells []string

	// chat / dm / emoji
	Text  string
	To    string
	Emoji string

	// join
	Avatar RawAvatar
}

type rawClientMessage struct {
	Type string `json:"type"`

	Pubkey string `json:"pubkey"`
	MapID  *int   `json:"mapId"`

	Signature json.RawMessage `json:"signature"`

	X          *float64 `json:"x"`
	Y          *float64 `json:"y"`
	Z          *float64 `json:"z"`
	Ry         *float64 `json:"ry"`
	Animation  *string  `json:"animation"`
	Expression *string  `json:"expression"`

	Cells []string `json:"cells"`

	Text  string `json:"text"`
	To    string `json:"to"`
	Emoji string `json:"emoji"`

	Avatar RawAvatar `json:"avatar"`
}

// DecodeClientMessage parses one inbound frame. A malformed frame (bad JSON,
// missing discriminator) returns an error; per spec.md §4.C.6 the caller
// must treat this as a silent drop, never a fatal error.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var raw rawClientMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	if raw.Type == "" {
		return ClientMessage{}, fmt.Errorf("decode client message: missing type")
	}

	msg := ClientMessage{
		Type:      raw.Type,
		Pubkey:    raw.Pubkey,
		MapID:     raw.MapID,
		Signature: raw.Signature,
		Cells:     raw.Cells,
		Text:      raw.Text,
		To:        raw.To,
		Emoji:     raw.Emoji,
		Avatar:    raw.Avatar,
	}
	if raw.X != nil {
		msg.X = *raw.X
	}
	if raw.Y != nil {
		msg.Y = *raw.Y
	}
	if raw.Z != nil {
		msg.Z = *raw.Z
	}
	if raw.Ry != nil {
		msg.Ry = *raw.Ry
	}
	if raw.Animation != nil {
		msg.Animation = *raw.Animation
		msg.HasAnimation = true
	}
	if raw.Expression != nil {
		msg.Expression = *raw.Expression
		msg.HasExpression = true
	}
	return msg, nil
}

// ServerMessage is anything with a "type" field and its own JSON shape; the
// transport layer marshals it verbatim.
type ServerMessage interface {
	MessageType() string
}

// AuthChallenge — server -> client.
type AuthChallenge struct {
	Challenge string `json:"challenge"`
}

func (AuthChallenge) MessageType() string { return "auth_challenge" }

// PeerInfo is one entry in a Welcome snapshot.
type PeerInfo struct {
	Pubkey   string    `json:"pubkey"`
	Position Position3 `json:"position"`
	Avatar   RawAvatar `json:"avatar,omitempty"`
}

// Position3 is the wire shape of a position.
type Position3 struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	Ry float64 `json:"ry"`
}

// Welcome — server -> client, sent once on successful auth.
type Welcome struct {
	Peers []PeerInfo `json:"peers"`
	MapID int        `json:"mapId"`
}

func (Welcome) MessageType() string { return "welcome" }

// PeerJoin — broadcast when a peer authenticates or updates its avatar.
type PeerJoin struct {
	MsgID  uint64    `json:"msgId"`
	Pubkey string    `json:"pubkey"`
	Avatar RawAvatar `json:"avatar,omitempty"`
}

func (PeerJoin) MessageType() string { return "peer_join" }

// PeerLeave — broadcast when a peer disconnects or is displaced.
type PeerLeave struct {
	MsgID  uint64 `json:"msgId"`
	Pubkey string `json:"pubkey"`
}

func (PeerLeave) MessageType() string { return "peer_leave" }

// PeerPosition — AOI-filtered position broadcast.
type PeerPosition struct {
	MsgID      uint64  `json:"msgId"`
	Pubkey     string  `json:"pubkey"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Ry         float64 `json:"ry"`
	Animation  string  `json:"animation,omitempty"`
	Expression string  `json:"expression,omitempty"`
}

func (PeerPosition) MessageType() string { return "peer_position" }

// PeerChat — broadcast chat message.
type PeerChat struct {
	MsgID  uint64 `json:"msgId"`
	Pubkey string `json:"pubkey"`
	Text   string `json:"text"`
}

func (PeerChat) MessageType() string { return "peer_chat" }

// PeerDM — directed message to a single target.
type PeerDM struct {
	MsgID  uint64 `json:"msgId"`
	Pubkey string `json:"pubkey"`
	Text   string `json:"text"`
}

func (PeerDM) MessageType() string { return "peer_dm" }

// PeerEmoji — broadcast emote.
type PeerEmoji struct {
	MsgID  uint64 `json:"msgId"`
	Pubkey string `json:"pubkey"`
	Emoji  string `json:"emoji"`
}

func (PeerEmoji) MessageType() string { return "peer_emoji" }

// GameEvent — pluggable game-event hook payload (§3 Room optional hook).
type GameEvent struct {
	MsgID uint64          `json:"msgId"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (GameEvent) MessageType() string { return "game_event" }

// ErrorMessage — see the error taxonomy in spec.md §7.
type ErrorMessage struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (ErrorMessage) MessageType() string { return "error" }

// Pong — reply to a client ping.
type Pong struct{}

func (Pong) MessageType() string { return "pong" }

// Marshal renders a ServerMessage to its wire JSON, injecting the type tag.
func Marshal(msg ServerMessage) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal server message: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("marshal server message: %w", err)
	}
	typeTag, _ := json.Marshal(msg.MessageType())
	fields["type"] = typeTag
	return json.Marshal(fields)
}

// Error codes from spec.md §7.
const (
	CodeCapacity       = "CAPACITY"
	CodeTimeout        = "TIMEOUT"
	CodeInvalidMap     = "INVALID_MAP"
	CodeMapNotServed   = "MAP_NOT_SERVED"
	CodeAuthRequired   = "AUTH_REQUIRED"
	CodeAuthFailed     = "AUTH_FAILED"
	CodeReplaced       = "REPLACED"
	CodeJoinFailed     = "JOIN_FAILED"
)
