package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// wsConn adapts a gorilla WebSocket to the relay's Endpoint.
type wsConn struct {
	id    string
	room  RoomID
	role  Role
	conn  *websocket.Conn
	relay *Relay
	log   *slog.Logger

	send      chan []byte
	quit      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, relay *Relay, room RoomID, role Role, log *slog.Logger) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:    id,
		room:  room,
		role:  role,
		conn:  conn,
		relay: relay,
		log:   log.With(slog.String("room_id", string(room)), slog.String("role", string(role)), slog.String("conn_id", id)),
		send:  make(chan []byte, sendBuffer),
		quit:  make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg Message) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and closes the socket.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

// readPump feeds inbound messages to the relay until the socket fails, then
// detaches the connection.
func (c *wsConn) readPump() {
	ctx := context.Background()
	defer func() {
		if err := c.relay.Close(ctx, c.room, c); err != nil {
			c.log.Debug("detach after relay stop", slog.String("error", err.Error()))
		}
		c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			c.log.Debug("ignoring malformed message")
			continue
		}
		if err := c.relay.Relay(ctx, c.room, c, msg); err != nil {
			return
		}
	}
}

// writePump owns all writes to the socket.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
