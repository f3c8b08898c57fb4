package signal

import (
	"encoding/json"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// DefaultMailboxSize bounds each inbox. When full, the oldest signal is dropped.
const DefaultMailboxSize = 64

// Mailbox defines the concurrency-safe contract of the polling signaling API.
type Mailbox interface {
	// Join registers role in room. Joining an occupied role replaces the
	// previous holder and clears its inbox; signals queued for a role that
	// was never joined are kept for it.
	Join(room RoomID, role Role) error

	// Leave clears role's slot and inbox and tells the remaining peer. The room
	// is deleted once neither peer is joined.
	Leave(room RoomID, role Role) error

	// Send queues a signal for the opposite role of from.
	Send(room RoomID, from Role, typ string, data json.RawMessage) (Signal, error)

	// Drain returns and removes every signal queued for role, oldest first.
	// Each signal is returned at most once.
	Drain(room RoomID, role Role) ([]Signal, error)

	// Status reports which peers are joined. ok is false for unknown rooms.
	Status(room RoomID) (st RoomStatus, ok bool)

	// ActiveRooms returns the number of rooms with at least one peer.
	ActiveRooms() int
}

type mailboxSlot struct {
	joined bool
	inbox  []Signal
}

type mailboxRoom struct {
	slots map[Role]*mailboxSlot
}

func (r *mailboxRoom) slot(role Role) *mailboxSlot {
	s, ok := r.slots[role]
	if !ok {
		s = &mailboxSlot{}
		r.slots[role] = s
	}
	return s
}

func (r *mailboxRoom) joined(role Role) bool {
	s, ok := r.slots[role]
	return ok && s.joined
}

func (r *mailboxRoom) empty() bool {
	return !r.joined(RoleHost) && !r.joined(RoleOpponent)
}

// InMemoryMailbox is a concurrency-safe in-memory implementation of Mailbox.
type InMemoryMailbox struct {
	mu    sync.RWMutex
	rooms map[RoomID]*mailboxRoom
	size  int
	clock clock.Clock
}

// NewInMemoryMailbox constructs a mailbox whose inboxes hold at most size
// signals. size <= 0 means DefaultMailboxSize.
func NewInMemoryMailbox(size int, clk clock.Clock) *InMemoryMailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	if clk == nil {
		clk = clock.New()
	}
	return &InMemoryMailbox{rooms: make(map[RoomID]*mailboxRoom), size: size, clock: clk}
}

func peerRole(role Role) error {
	if !role.Peer() {
		return ErrInvalidRole
	}
	return nil
}

// Join implements Mailbox.Join.
func (m *InMemoryMailbox) Join(room RoomID, role Role) error {
	if room == "" {
		return ErrInvalidRoom
	}
	if err := peerRole(role); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreateRoomLocked(room).slot(role)
	if s.joined {
		s.inbox = nil
	}
	s.joined = true
	return nil
}

// Leave implements Mailbox.Leave.
func (m *InMemoryMailbox) Leave(room RoomID, role Role) error {
	if err := peerRole(role); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[room]
	if !ok {
		// Leaving twice is a no-op.
		return nil
	}
	s := r.slot(role)
	wasJoined := s.joined
	s.joined = false
	s.inbox = nil

	if r.empty() {
		delete(m.rooms, room)
		return nil
	}
	if wasJoined {
		m.enqueueLocked(r.slot(role.Opposite()), Signal{
			Type: TypePeerLeft,
			From: role,
			Data: mustJSON(map[string]Role{"role": role}),
		})
	}
	return nil
}

// Send implements Mailbox.Send.
func (m *InMemoryMailbox) Send(room RoomID, from Role, typ string, data json.RawMessage) (Signal, error) {
	if err := peerRole(from); err != nil {
		return Signal{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[room]
	if !ok || !r.joined(from) {
		return Signal{}, ErrNotJoined
	}
	sig := Signal{Type: typ, From: from, Data: data}
	return m.enqueueLocked(r.slot(from.Opposite()), sig), nil
}

// Drain implements Mailbox.Drain.
func (m *InMemoryMailbox) Drain(room RoomID, role Role) ([]Signal, error) {
	if err := peerRole(role); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[room]
	if !ok || !r.joined(role) {
		return nil, ErrNotJoined
	}
	s := r.slot(role)
	out := s.inbox
	s.inbox = nil
	return out, nil
}

// Status implements Mailbox.Status.
func (m *InMemoryMailbox) Status(room RoomID) (RoomStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[room]
	if !ok {
		return RoomStatus{}, false
	}
	return RoomStatus{Host: r.joined(RoleHost), Opponent: r.joined(RoleOpponent)}, true
}

// ActiveRooms implements Mailbox.ActiveRooms.
func (m *InMemoryMailbox) ActiveRooms() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// getOrCreateRoomLocked returns an existing room or creates a new one.
// Caller must hold m.mu in write mode.
func (m *InMemoryMailbox) getOrCreateRoomLocked(id RoomID) *mailboxRoom {
	if r, ok := m.rooms[id]; ok {
		return r
	}
	r := &mailboxRoom{slots: make(map[Role]*mailboxSlot, 2)}
	m.rooms[id] = r
	return r
}

// enqueueLocked stamps sig and appends it to s, dropping the oldest entry
// when the inbox is full. Caller must hold m.mu in write mode.
func (m *InMemoryMailbox) enqueueLocked(s *mailboxSlot, sig Signal) Signal {
	sig.ID = uuid.NewString()
	sig.CreatedAt = m.clock.Now().UTC()
	if len(s.inbox) >= m.size {
		s.inbox = append(s.inbox[:0], s.inbox[len(s.inbox)-m.size+1:]...)
	}
	s.inbox = append(s.inbox, sig)
	return sig
}
