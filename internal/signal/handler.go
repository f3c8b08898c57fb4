package signal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"matchstream/internal/platform/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
)

// DefaultRateLimit is the per-IP request budget per minute on the polling API.
const DefaultRateLimit = 600

// Handler exposes the relay and the mailbox over HTTP.
type Handler struct {
	relay      *Relay
	mailbox    Mailbox
	iceServers []ICEServer
	rateLimit  int
	log        *slog.Logger
	upgrader   websocket.Upgrader
}

// NewHandler returns a Handler. Empty iceServers means DefaultICEServers;
// rateLimit <= 0 means DefaultRateLimit.
func NewHandler(relay *Relay, mailbox Mailbox, iceServers []ICEServer, rateLimit int, log *slog.Logger) *Handler {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}
	return &Handler{
		relay:      relay,
		mailbox:    mailbox,
		iceServers: iceServers,
		rateLimit:  rateLimit,
		log:        logger.OrNop(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ICEServersFromURLs groups each configured URL into its own server entry.
func ICEServersFromURLs(urls []string) []ICEServer {
	out := make([]ICEServer, 0, len(urls))
	for _, u := range urls {
		out = append(out, ICEServer{URLs: []string{u}})
	}
	return out
}

// Routes mounts the signaling endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWS)
	r.Get("/ice-servers", h.GetICEServers)
	r.Post("/rooms", h.CreateRoom)
	r.Route("/rooms/{room_id}", func(r chi.Router) {
		r.Use(httprate.Limit(h.rateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			}),
		))
		r.Post("/join", h.Join)
		r.Post("/leave", h.Leave)
		r.Get("/status", h.GetStatus)
		r.Post("/signals", h.PostSignal)
		r.Get("/signals", h.GetSignals)
	})
}

// ServeWS handles GET /ws?room_id=&role=.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	room := RoomID(r.URL.Query().Get("room_id"))
	role, err := ParseRole(r.URL.Query().Get("role"))
	if room == "" || err != nil {
		writeError(w, http.StatusBadRequest, "room_id and a valid role are required")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := newWSConn(ws, h.relay, room, role, h.log)
	if err := h.relay.Connect(r.Context(), room, role, c); err != nil {
		h.log.Warn("relay connect failed", slog.String("room_id", string(room)), slog.String("error", err.Error()))
		_ = ws.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// GetICEServers handles GET /ice-servers.
func (h *Handler) GetICEServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ice_servers": h.iceServers})
}

type createRoomRequest struct {
	SessionID string `json:"session_id"`
}

// CreateRoom handles POST /rooms. Body: { "session_id": "match-1" }.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if h.relay == nil {
		writeError(w, http.StatusServiceUnavailable, "relay unavailable")
		return
	}
	id, err := h.relay.CreateRoom(r.Context(), req.SessionID)
	switch {
	case errors.Is(err, ErrInvalidRoom):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error("create room failed", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "relay unavailable")
		return
	}
	h.log.Info("room created", slog.String("room_id", string(id)))
	writeJSON(w, http.StatusCreated, map[string]RoomID{"room_id": id})
}

type roleRequest struct {
	Role string `json:"role"`
}

type signalRequest struct {
	Role string          `json:"role"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Join handles POST /rooms/{room_id}/join. Body: { "role": "host" }.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	room := RoomID(chi.URLParam(r, "room_id"))
	var req roleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	role, err := ParseRole(req.Role)
	if err == nil {
		err = h.mailbox.Join(room, role)
	}
	if err != nil {
		h.writeMailboxError(w, err)
		return
	}
	h.log.Info("room joined", slog.String("room_id", string(room)), slog.String("role", string(role)))
	writeJSON(w, http.StatusOK, map[string]any{"room_id": room, "role": role})
}

// Leave handles POST /rooms/{room_id}/leave. Body: { "role": "host" }.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	room := RoomID(chi.URLParam(r, "room_id"))
	var req roleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	role, err := ParseRole(req.Role)
	if err == nil {
		err = h.mailbox.Leave(room, role)
	}
	if err != nil {
		h.writeMailboxError(w, err)
		return
	}
	h.log.Info("room left", slog.String("room_id", string(room)), slog.String("role", string(role)))
	w.WriteHeader(http.StatusNoContent)
}

// GetStatus handles GET /rooms/{room_id}/status. It merges WebSocket and
// polling participants.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	room := RoomID(chi.URLParam(r, "room_id"))

	st, found := h.mailbox.Status(room)
	if h.relay != nil {
		live, ok, err := h.relay.Status(r.Context(), room)
		if err != nil && !errors.Is(err, ErrRelayClosed) {
			writeError(w, http.StatusServiceUnavailable, "relay unavailable")
			return
		}
		if ok {
			found = true
			st.Host = st.Host || live.Host
			st.Opponent = st.Opponent || live.Opponent
			st.Viewers += live.Viewers
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, Message{Type: TypeRoomStatus, Data: mustJSON(st)})
}

// PostSignal handles POST /rooms/{room_id}/signals.
// Body: { "role": "host", "type": "offer", "data": {...} }.
func (h *Handler) PostSignal(w http.ResponseWriter, r *http.Request) {
	room := RoomID(chi.URLParam(r, "room_id"))
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	role, err := ParseRole(req.Role)
	if err != nil {
		h.writeMailboxError(w, err)
		return
	}
	sig, err := h.mailbox.Send(room, role, req.Type, req.Data)
	if err != nil {
		h.writeMailboxError(w, err)
		return
	}
	h.log.Debug("signal queued",
		slog.String("room_id", string(room)),
		slog.String("role", string(role)),
		slog.String("type", req.Type))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": sig.ID})
}

// GetSignals handles GET /rooms/{room_id}/signals?role=.
func (h *Handler) GetSignals(w http.ResponseWriter, r *http.Request) {
	room := RoomID(chi.URLParam(r, "room_id"))
	role, err := ParseRole(r.URL.Query().Get("role"))
	if err != nil {
		h.writeMailboxError(w, err)
		return
	}
	sigs, err := h.mailbox.Drain(room, role)
	if err != nil {
		h.writeMailboxError(w, err)
		return
	}
	if sigs == nil {
		sigs = []Signal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": sigs})
}

func (h *Handler) writeMailboxError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRole), errors.Is(err, ErrInvalidRoom):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotJoined):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("signaling request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error is the JSON error body returned by the API.
type Error struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Error{Error: msg})
}
