package signal

import (
	"context"
	"log/slog"
	"time"

	"matchstream/internal/platform/logger"
	"matchstream/internal/platform/metrics"

	"github.com/benbjohnson/clock"
)

// Endpoint is one connected socket as seen by the relay.
type Endpoint interface {
	ID() string
	// Send queues msg without blocking and reports whether it was accepted.
	Send(msg Message) bool
	Close()
}

// Room holds the sockets of one room.
type Room struct {
	ID        RoomID
	Host      Endpoint
	Opponent  Endpoint
	Viewers   map[Endpoint]struct{}
	CreatedAt time.Time
}

// Status counts who is connected.
func (r *Room) Status() RoomStatus {
	return RoomStatus{Host: r.Host != nil, Opponent: r.Opponent != nil, Viewers: len(r.Viewers)}
}

func (r *Room) slot(role Role) *Endpoint {
	switch role {
	case RoleHost:
		return &r.Host
	case RoleOpponent:
		return &r.Opponent
	}
	return nil
}

// roleOf returns the current role of ep, or "" when ep holds no slot.
func (r *Room) roleOf(ep Endpoint) Role {
	switch {
	case r.Host != nil && r.Host == ep:
		return RoleHost
	case r.Opponent != nil && r.Opponent == ep:
		return RoleOpponent
	}
	if _, ok := r.Viewers[ep]; ok {
		return RoleViewer
	}
	return ""
}

// RoomTable is the relay's room state. It is only touched by the Run loop.
type RoomTable map[RoomID]*Room

// Relay forwards negotiation messages between the host and opponent of each
// room. All room state is owned by the Run goroutine; the exported methods
// send it requests and wait for them to be applied.
type Relay struct {
	rooms   RoomTable
	ops     chan func(RoomTable)
	stopped chan struct{}
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

func WithRelayLogger(log *slog.Logger) RelayOption {
	return func(r *Relay) { r.log = logger.OrNop(log) }
}

func WithRelayMetrics(m *metrics.Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func WithRelayClock(c clock.Clock) RelayOption {
	return func(r *Relay) { r.clock = c }
}

// NewRelay returns a relay over rooms. A nil table starts empty.
func NewRelay(rooms RoomTable, opts ...RelayOption) *Relay {
	if rooms == nil {
		rooms = make(RoomTable)
	}
	r := &Relay{
		rooms:   rooms,
		ops:     make(chan func(RoomTable)),
		stopped: make(chan struct{}),
		log:     logger.Nop(),
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run applies requests until ctx is cancelled, then closes every socket.
func (r *Relay) Run(ctx context.Context) error {
	defer close(r.stopped)
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case op := <-r.ops:
			op(r.rooms)
		}
	}
}

func (r *Relay) shutdown() {
	for id, room := range r.rooms {
		if room.Host != nil {
			room.Host.Close()
		}
		if room.Opponent != nil {
			room.Opponent.Close()
		}
		for v := range room.Viewers {
			v.Close()
		}
		delete(r.rooms, id)
	}
	r.metrics.SetActiveRooms(0)
}

// do runs fn on the loop goroutine and waits for it.
func (r *Relay) do(ctx context.Context, fn func(RoomTable)) error {
	done := make(chan struct{})
	op := func(t RoomTable) {
		defer close(done)
		fn(t)
	}
	select {
	case r.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrRelayClosed
	}
	<-done
	return nil
}

func (r *Relay) room(t RoomTable, id RoomID) *Room {
	room, ok := t[id]
	if !ok {
		room = &Room{ID: id, Viewers: make(map[Endpoint]struct{}), CreatedAt: r.clock.Now()}
		t[id] = room
		r.metrics.SetActiveRooms(len(t))
	}
	return room
}

// CreateRoom opens the room for a session and returns its id. Creating an
// existing room is a no-op.
func (r *Relay) CreateRoom(ctx context.Context, sessionID string) (RoomID, error) {
	if sessionID == "" {
		return "", ErrInvalidRoom
	}
	id := RoomID(sessionID)
	err := r.do(ctx, func(t RoomTable) { r.room(t, id) })
	return id, err
}

// Connect attaches ep to the room under role. A host or opponent connection
// replaces, and closes, the socket previously holding that role.
func (r *Relay) Connect(ctx context.Context, id RoomID, role Role, ep Endpoint) error {
	if id == "" {
		return ErrInvalidRoom
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	return r.do(ctx, func(t RoomTable) {
		room := r.room(t, id)
		log := r.log.With(slog.String("room_id", string(id)), slog.String("role", string(role)), slog.String("conn_id", ep.ID()))

		if role == RoleViewer {
			room.Viewers[ep] = struct{}{}
			log.Debug("viewer connected", slog.Int("viewers", len(room.Viewers)))
			return
		}

		slot := room.slot(role)
		if old := *slot; old != nil && old != ep {
			log.Info("replacing connection", slog.String("old_conn_id", old.ID()))
			old.Close()
		}
		*slot = ep
		log.Info("peer connected")

		if other := *room.slot(role.Opposite()); other != nil {
			other.Send(Message{Type: TypePeerJoined, Data: mustJSON(map[string]Role{"role": role})})
		}
	})
}

// Relay forwards msg from ep to the other peer of the room. Messages to an
// absent peer, from viewers or from a replaced socket are dropped. A status
// message is answered to the sender only.
func (r *Relay) Relay(ctx context.Context, id RoomID, from Endpoint, msg Message) error {
	return r.do(ctx, func(t RoomTable) {
		room, ok := t[id]
		if !ok {
			r.drop(id, msg, "no room")
			return
		}
		role := room.roleOf(from)
		if role == "" {
			r.drop(id, msg, "sender does not hold a slot")
			return
		}
		if msg.Type == TypeStatus {
			from.Send(Message{Type: TypeRoomStatus, Data: mustJSON(room.Status())})
			return
		}
		if !role.Peer() {
			r.drop(id, msg, "viewers do not negotiate")
			return
		}

		target := *room.slot(role.Opposite())
		if target == nil {
			r.drop(id, msg, "target not connected")
			return
		}
		msg.From = role
		if !target.Send(msg) {
			r.drop(id, msg, "target send buffer full")
			return
		}
		r.metrics.IncSignalsRelayed(msg.Type)
	})
}

func (r *Relay) drop(id RoomID, msg Message, reason string) {
	r.metrics.IncSignalsDropped(msg.Type)
	r.log.Debug("signal dropped",
		slog.String("room_id", string(id)),
		slog.String("type", msg.Type),
		slog.String("reason", reason))
}

// Close detaches ep. The remaining peer is told who left, and the room is
// deleted once neither host nor opponent is connected, or once its last
// viewer leaves an otherwise empty room. Closing a socket that was already
// replaced changes nothing.
func (r *Relay) Close(ctx context.Context, id RoomID, ep Endpoint) error {
	return r.do(ctx, func(t RoomTable) {
		room, ok := t[id]
		if !ok {
			return
		}
		role := room.roleOf(ep)
		switch role {
		case "":
			return
		case RoleViewer:
			delete(room.Viewers, ep)
		default:
			*room.slot(role) = nil
			r.log.Info("peer disconnected", slog.String("room_id", string(id)), slog.String("role", string(role)))
			if other := *room.slot(role.Opposite()); other != nil {
				other.Send(Message{Type: TypePeerLeft, Data: mustJSON(map[string]Role{"role": role})})
			}
		}

		if room.Host == nil && room.Opponent == nil && (role.Peer() || len(room.Viewers) == 0) {
			delete(t, id)
			r.metrics.SetActiveRooms(len(t))
			r.log.Info("room closed", slog.String("room_id", string(id)))
		}
	})
}

// Status reports who is connected to room id.
func (r *Relay) Status(ctx context.Context, id RoomID) (RoomStatus, bool, error) {
	var (
		st RoomStatus
		ok bool
	)
	err := r.do(ctx, func(t RoomTable) {
		var room *Room
		if room, ok = t[id]; ok {
			st = room.Status()
		}
	})
	return st, ok, err
}

// ActiveRooms returns the number of open rooms.
func (r *Relay) ActiveRooms(ctx context.Context) (int, error) {
	var n int
	err := r.do(ctx, func(t RoomTable) { n = len(t) })
	return n, err
}
