// Package peer is the client side of a match: it negotiates one WebRTC
// connection between the host and the opponent through the signaling server.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"matchstream/internal/platform/logger"
	"matchstream/internal/platform/task"
	"matchstream/internal/signal"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultPollInterval is how often inbound signals are fetched.
const DefaultPollInterval = time.Second

const signalTimeout = 10 * time.Second

// Observer receives client events. Calls are serialised.
type Observer interface {
	OnStateChange(s State)
	OnError(err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	State func(State)
	Error func(error)
}

func (o ObserverFuncs) OnStateChange(s State) {
	if o.State != nil {
		o.State(s)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// Config describes one client.
type Config struct {
	Room         signal.RoomID
	Role         signal.Role
	PollInterval time.Duration
	Clock        clock.Clock
	Log          *slog.Logger
	Observer     Observer
}

// Client is one side of the host/opponent connection.
type Client struct {
	room      signal.RoomID
	role      signal.Role
	interval  time.Duration
	clock     clock.Clock
	log       *slog.Logger
	observer  Observer
	signaling Signaling
	media     MediaProvider

	mu      sync.Mutex
	state   State
	pc      *webrtc.PeerConnection
	local   MediaSource
	joined  bool
	pending []webrtc.ICECandidateInit
	poller  *task.Task
	ctx     context.Context
	cancel  context.CancelFunc

	emitMu sync.Mutex
}

// NewClient returns an uninitialized client.
func NewClient(cfg Config, sig Signaling, media MediaProvider) (*Client, error) {
	if cfg.Role != signal.RoleHost && cfg.Role != signal.RoleOpponent {
		return nil, fmt.Errorf("%w: %q", signal.ErrInvalidRole, cfg.Role)
	}
	if cfg.Room == "" {
		return nil, signal.ErrInvalidRoom
	}
	c := &Client{
		room:      cfg.Room,
		role:      cfg.Role,
		interval:  cfg.PollInterval,
		clock:     cfg.Clock,
		log:       logger.OrNop(cfg.Log).With(slog.String("room_id", string(cfg.Room)), slog.String("role", string(cfg.Role))),
		observer:  cfg.Observer,
		signaling: sig,
		media:     media,
	}
	if c.interval <= 0 {
		c.interval = DefaultPollInterval
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.observer == nil {
		c.observer = ObserverFuncs{}
	}
	return c, nil
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role returns the client's role.
func (c *Client) Role() signal.Role { return c.role }

// setStateLocked moves to next when legal and reports whether it did.
// Caller must hold c.mu; the observer is called after unlocking via emit.
func (c *Client) setStateLocked(next State) bool {
	if !CanTransition(c.state, next) {
		return false
	}
	c.state = next
	return true
}

func (c *Client) emitState(s State) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.log.Debug("state changed", slog.String("state", s.String()))
	c.observer.OnStateChange(s)
}

func (c *Client) emitError(err error) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.observer.OnError(err)
}

func (c *Client) transition(next State) bool {
	c.mu.Lock()
	ok := c.setStateLocked(next)
	c.mu.Unlock()
	if ok {
		c.emitState(next)
	}
	return ok
}

// Initialize fetches the ICE configuration, creates the peer connection and
// starts polling for inbound signals. An ICE fetch failure falls back to the
// public STUN servers.
func (c *Client) Initialize(ctx context.Context) error {
	if !c.transition(StateFetchingICEConfig) {
		return fmt.Errorf("initialize in %s: %w", c.State(), ErrInvalidState)
	}

	servers, err := c.signaling.ICEServers(ctx)
	if err != nil || len(servers) == 0 {
		msg := "no ice servers configured"
		if err != nil {
			msg = err.Error()
		}
		c.log.Warn("ice config unavailable, using public stun", slog.String("error", msg))
		servers = signal.DefaultICEServers
	}

	pc, err := c.newPeerConnection(servers)
	if err != nil {
		c.transition(StateFailed)
		c.emitError(err)
		return fmt.Errorf("create peer connection: %w", err)
	}

	c.mu.Lock()
	c.pc = pc
	c.ctx, c.cancel = context.WithCancel(context.Background())
	ok := c.setStateLocked(StateConnectionCreated)
	if ok {
		c.poller = task.Repeat(c.ctx, c.clock, c.interval, c.poll)
	}
	c.mu.Unlock()
	if !ok {
		_ = pc.Close()
		return fmt.Errorf("initialize: %w", ErrInvalidState)
	}
	c.emitState(StateConnectionCreated)
	c.log.Info("peer connection created", slog.Int("ice_servers", len(servers)))
	return nil
}

func (c *Client) newPeerConnection(servers []signal.ICEServer) (*webrtc.PeerConnection, error) {
	me := &webrtc.MediaEngine{}
	if err := c.media.ConfigureMediaEngine(me); err != nil {
		return nil, fmt.Errorf("configure codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(registry))

	cfg := webrtc.Configuration{}
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			ice.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, ice)
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(c.onICECandidate)
	pc.OnConnectionStateChange(c.onConnectionState)
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info("remote track", slog.String("kind", tr.Kind().String()), slog.String("codec", tr.Codec().MimeType))
	})
	return pc, nil
}

func (c *Client) onICECandidate(cand *webrtc.ICECandidate) {
	if cand == nil {
		return
	}
	c.mu.Lock()
	ctx, joined := c.ctx, c.joined
	c.mu.Unlock()
	if ctx == nil || !joined {
		return
	}
	data, err := json.Marshal(cand.ToJSON())
	if err != nil {
		return
	}
	if err := c.send(ctx, signal.TypeICECandidate, data); err != nil {
		c.log.Debug("send ice candidate failed", slog.String("error", err.Error()))
	}
}

func (c *Client) onConnectionState(s webrtc.PeerConnectionState) {
	var (
		next State
		err  error
	)
	switch s {
	case webrtc.PeerConnectionStateConnected:
		next = StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		next, err = StateDisconnected, ErrDisconnected
	case webrtc.PeerConnectionStateFailed:
		next, err = StateFailed, ErrConnectionFailed
	default:
		return
	}
	if !c.transition(next) {
		return
	}
	if err != nil {
		c.log.Warn("peer connection lost", slog.String("state", next.String()))
		c.emitError(err)
	}
}

// JoinRoom registers the client's role with the signaling server. A failure
// leaves the connection usable but blocks offer and answer exchange.
func (c *Client) JoinRoom(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if !st.live() {
		return fmt.Errorf("join in %s: %w", st, ErrInvalidState)
	}

	if err := c.signaling.Join(ctx, c.room, c.role); err != nil {
		c.log.Warn("join room failed", slog.String("error", err.Error()))
		return fmt.Errorf("join room: %w", err)
	}

	c.mu.Lock()
	c.joined = true
	moved := c.role == signal.RoleOpponent && c.setStateLocked(StateAwaitingOffer)
	c.mu.Unlock()
	if moved {
		c.emitState(StateAwaitingOffer)
	}
	c.log.Info("joined room")
	return nil
}

// InitLocalStream attaches local media. Capture failures fall back to the
// synthetic source; c.UseMock skips capture entirely.
func (c *Client) InitLocalStream(ctx context.Context, cons Constraints) (SourceKind, error) {
	c.mu.Lock()
	st, pc, has := c.state, c.pc, c.local != nil
	c.mu.Unlock()
	if !st.live() || pc == nil {
		return "", fmt.Errorf("init local stream in %s: %w", st, ErrInvalidState)
	}
	if has {
		return "", fmt.Errorf("local stream already attached: %w", ErrInvalidState)
	}

	var src MediaSource
	if !cons.UseMock {
		var err error
		src, err = c.media.Capture(ctx, cons)
		if err != nil {
			c.log.Warn("media capture failed, using synthetic source", slog.String("error", err.Error()))
			src = nil
		}
	}
	if src == nil {
		var err error
		src, err = c.media.Synthetic(string(c.role), cons)
		if err != nil {
			return "", fmt.Errorf("synthetic media: %w", err)
		}
	}

	for _, tr := range src.Tracks() {
		if _, err := pc.AddTrack(tr); err != nil {
			_ = src.Close()
			return "", fmt.Errorf("add track: %w", err)
		}
	}

	c.mu.Lock()
	c.local = src
	c.mu.Unlock()
	c.log.Info("local stream ready", slog.String("source", string(src.Kind())), slog.Int("tracks", len(src.Tracks())))
	return src.Kind(), nil
}

// CreateOffer publishes an SDP offer. Host only.
func (c *Client) CreateOffer(ctx context.Context) error {
	if c.role != signal.RoleHost {
		return ErrWrongRole
	}
	c.mu.Lock()
	st, pc, joined, hasLocal := c.state, c.pc, c.joined, c.local != nil
	c.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	if st != StateConnectionCreated && st != StateAwaitingAnswer {
		return fmt.Errorf("create offer in %s: %w", st, ErrInvalidState)
	}

	if !hasLocal && len(pc.GetTransceivers()) == 0 {
		addRecvOnlyTransceivers(pc, c.log)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	data, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	if err := c.send(ctx, signal.TypeOffer, data); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	c.transition(StateAwaitingAnswer)
	c.log.Info("offer sent")
	return nil
}

// HandleSignal applies one inbound signal. Unknown types are ignored.
func (c *Client) HandleSignal(ctx context.Context, sig signal.Signal) error {
	switch sig.Type {
	case signal.TypeOffer:
		return c.handleOffer(ctx, sig.Data)
	case signal.TypeAnswer:
		return c.handleAnswer(sig.Data)
	case signal.TypeICECandidate:
		return c.handleCandidate(sig.Data)
	case signal.TypePeerLeft:
		c.log.Info("peer left the room")
		return nil
	default:
		c.log.Debug("ignoring signal", slog.String("type", sig.Type))
		return nil
	}
}

func (c *Client) livePC() (*webrtc.PeerConnection, State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.live() || c.pc == nil {
		return nil, c.state, fmt.Errorf("%s: %w", c.state, ErrInvalidState)
	}
	return c.pc, c.state, nil
}

func (c *Client) handleOffer(ctx context.Context, data json.RawMessage) error {
	if c.role != signal.RoleOpponent {
		return fmt.Errorf("offer: %w", ErrWrongRole)
	}
	pc, _, err := c.livePC()
	if err != nil {
		return err
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(data, &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	out, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	if err := c.send(ctx, signal.TypeAnswer, out); err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	c.log.Info("answer sent")
	return nil
}

func (c *Client) handleAnswer(data json.RawMessage) error {
	if c.role != signal.RoleHost {
		return fmt.Errorf("answer: %w", ErrWrongRole)
	}
	pc, st, err := c.livePC()
	if err != nil {
		return err
	}
	if st != StateAwaitingAnswer {
		return fmt.Errorf("answer in %s: %w", st, ErrInvalidState)
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(data, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	c.flushCandidates(pc)
	c.log.Info("answer applied")
	return nil
}

func (c *Client) handleCandidate(data json.RawMessage) error {
	pc, _, err := c.livePC()
	if err != nil {
		return err
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if pc.RemoteDescription() == nil {
		c.mu.Lock()
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	return pc.AddICECandidate(cand)
}

// flushCandidates applies candidates that arrived before the remote description.
func (c *Client) flushCandidates(pc *webrtc.PeerConnection) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			c.log.Debug("add buffered candidate failed", slog.String("error", err.Error()))
		}
	}
}

// PendingCandidates returns how many candidates wait for a remote description.
func (c *Client) PendingCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) send(ctx context.Context, typ string, data json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()
	return c.signaling.Send(ctx, c.room, c.role, typ, data)
}

// poll drains inbound signals. Errors are logged and retried on the next tick.
func (c *Client) poll(ctx context.Context) {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		return
	}
	sigs, err := c.signaling.Poll(ctx, c.room, c.role)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Debug("poll failed", slog.String("error", err.Error()))
		}
		return
	}
	for _, s := range sigs {
		if err := c.HandleSignal(ctx, s); err != nil {
			c.log.Warn("signal rejected", slog.String("type", s.Type), slog.String("error", err.Error()))
			if !errors.Is(err, ErrWrongRole) && !errors.Is(err, ErrInvalidState) {
				c.emitError(err)
			}
		}
	}
}

// Disconnect stops polling, releases local media, closes the connection and
// tells the server the client left. Local resources are released even when
// the server cannot be reached.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	poller, cancel, local, pc, joined := c.poller, c.cancel, c.local, c.pc, c.joined
	c.poller, c.local, c.pc, c.joined, c.pending = nil, nil, nil, false, nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	poller.Stop()
	if cancel != nil {
		cancel()
	}
	if local != nil {
		if err := local.Close(); err != nil {
			c.log.Debug("close local media", slog.String("error", err.Error()))
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			c.log.Debug("close peer connection", slog.String("error", err.Error()))
		}
	}
	if joined {
		if err := c.signaling.Leave(ctx, c.room, c.role); err != nil {
			c.log.Warn("leave room failed", slog.String("error", err.Error()))
		}
	}
	c.emitState(StateClosed)
	c.log.Info("disconnected")
	return nil
}

// addRecvOnlyTransceivers gives an offer without local media valid m-lines.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, log *slog.Logger) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warn("add recvonly transceiver", slog.String("kind", kind.String()), slog.String("error", err.Error()))
		}
	}
}
