// Package signal pairs a host and an opponent per room and forwards WebRTC
// negotiation messages between them, over WebSocket (Relay) or by polling
// (Mailbox).
package signal

import (
	"encoding/json"
	"errors"
	"time"
)

// RoomID identifies a signaling room. One room serves one session.
type RoomID string

// Role is the part a connection plays in a room.
type Role string

const (
	RoleHost     Role = "host"
	RoleOpponent Role = "opponent"
	RoleViewer   Role = "viewer"
)

// Message types.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeStatus       = "status"
	TypeRoomStatus   = "room-status"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
)

var (
	ErrInvalidRole = errors.New("invalid role")
	ErrInvalidRoom = errors.New("invalid room id")
	ErrNotJoined   = errors.New("role has not joined the room")
	ErrRelayClosed = errors.New("relay stopped")
)

// ParseRole validates s.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleHost, RoleOpponent, RoleViewer:
		return r, nil
	}
	return "", ErrInvalidRole
}

// Peer reports whether the role takes part in negotiation.
func (r Role) Peer() bool {
	return r == RoleHost || r == RoleOpponent
}

// Opposite returns the negotiation counterpart of a peer role.
func (r Role) Opposite() Role {
	switch r {
	case RoleHost:
		return RoleOpponent
	case RoleOpponent:
		return RoleHost
	}
	return ""
}

// Message is the WebSocket wire envelope.
type Message struct {
	Type string          `json:"type"`
	From Role            `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RoomStatus answers a viewer's "who is here" query.
type RoomStatus struct {
	Host     bool `json:"host"`
	Opponent bool `json:"opponent"`
	Viewers  int  `json:"viewers"`
}

// Signal is one queued message of the polling API.
type Signal struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	From      Role            `json:"from"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ICEServer is the browser RTCIceServer shape.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// DefaultICEServers are public STUN servers used when none are configured.
var DefaultICEServers = []ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
