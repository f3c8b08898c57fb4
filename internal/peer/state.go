package peer

import "errors"

// State is the lifecycle of a Client.
type State int

const (
	StateUninitialized State = iota
	StateFetchingICEConfig
	StateConnectionCreated
	StateAwaitingAnswer
	StateAwaitingOffer
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateUninitialized:     "uninitialized",
	StateFetchingICEConfig: "fetching-ice-config",
	StateConnectionCreated: "connection-created",
	StateAwaitingAnswer:    "awaiting-answer",
	StateAwaitingOffer:     "awaiting-offer",
	StateConnected:         "connected",
	StateDisconnected:      "disconnected",
	StateFailed:            "failed",
	StateClosed:            "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	ErrInvalidState     = errors.New("operation not allowed in current state")
	ErrWrongRole        = errors.New("operation not allowed for this role")
	ErrNotJoined        = errors.New("client has not joined the room")
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrDisconnected     = errors.New("peer connection disconnected")
)

// transitions lists the legal successors of each state. Every live state may
// also move to StateClosed.
var transitions = map[State][]State{
	StateUninitialized:     {StateFetchingICEConfig},
	StateFetchingICEConfig: {StateConnectionCreated, StateFailed},
	StateConnectionCreated: {StateAwaitingAnswer, StateAwaitingOffer, StateConnected, StateDisconnected, StateFailed},
	StateAwaitingAnswer:    {StateAwaitingAnswer, StateConnected, StateDisconnected, StateFailed},
	StateAwaitingOffer:     {StateConnected, StateDisconnected, StateFailed},
	StateConnected:         {StateDisconnected, StateFailed},
	StateDisconnected:      {StateConnected, StateFailed},
	StateFailed:            {},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// live reports whether s still has a usable peer connection.
func (s State) live() bool {
	return s >= StateConnectionCreated && s != StateFailed && s != StateClosed
}
