package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/metrics"
	"github.com/huddlehq/huddle/backend/go/internal/v1/protocol"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

const (
	// writeWait is the deadline for a single socket write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// side gives up on it. Pings go out at pingPeriod to keep it fed.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds one inbound frame. SDP blobs are the largest
	// legitimate payload and stay well under this.
	maxMessageSize = 64 * 1024
)

// wsConnection defines the WebSocket operations the client needs, so
// pump tests can script a connection without a network.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	Close() error
}

// Client is one authenticated socket. It implements
// types.ClientInterface; the identity is fixed at the handshake and
// never changes for the life of the connection.
type Client struct {
	conn     wsConnection
	hub      *Hub
	socketId types.SocketIdType
	identity types.Identity

	mu     sync.RWMutex
	closed bool

	send         chan []byte // room fan-out, chat
	prioritySend chan []byte // errors, SDP, SFU control
}

func newClient(hub *Hub, conn wsConnection, identity types.Identity) *Client {
	return &Client{
		conn:         conn,
		hub:          hub,
		socketId:     types.SocketIdType("socket_" + uuid.NewString()),
		identity:     identity,
		send:         make(chan []byte, 256),
		prioritySend: make(chan []byte, 64),
	}
}

// GetSocketId satisfies types.ClientInterface.
func (c *Client) GetSocketId() types.SocketIdType {
	return c.socketId
}

// GetIdentity satisfies types.ClientInterface.
func (c *Client) GetIdentity() types.Identity {
	return c.identity
}

// Disconnect tears the connection down. Closing the channels makes the
// writePump drain its buffers, send the close frame, and close the
// socket, which in turn unblocks the readPump.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.send)
	close(c.prioritySend)
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// isPriority routes errors and signaling control onto the priority
// channel; chat and presence fan-out ride the normal one.
func isPriority(eventType string) bool {
	if eventType == protocol.EventError {
		return true
	}
	return strings.HasPrefix(eventType, "webrtc:") || strings.HasPrefix(eventType, "sfu:")
}

// SendEvent satisfies types.ClientInterface. Sends never block: a slow
// consumer drops messages rather than stalling the sender's room.
func (c *Client) SendEvent(ev *protocol.Event) {
	if c.isClosed() {
		logging.GetLogger().Debug("skipping send to closed client", zap.String("socket_id", string(c.socketId)))
		return
	}

	data, err := ev.Encode()
	if err != nil {
		logging.Error(context.Background(), "failed to encode event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	// The closed flag is read without holding the lock across the send,
	// so a concurrent Disconnect can still close the channel under us.
	defer func() {
		if r := recover(); r != nil {
			logging.GetLogger().Debug("send raced client teardown", zap.String("socket_id", string(c.socketId)))
		}
	}()

	if isPriority(ev.Type) {
		select {
		case c.prioritySend <- data:
		default:
			logging.Error(context.Background(), "priority channel full, dropping message",
				zap.String("socket_id", string(c.socketId)), zap.String("type", ev.Type))
		}
		return
	}

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "send channel full, dropping message",
			zap.String("socket_id", string(c.socketId)), zap.String("type", ev.Type))
	}
}

// SendRaw satisfies types.ClientInterface for pre-encoded broadcasts.
func (c *Client) SendRaw(data []byte) {
	if c.isClosed() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.GetLogger().Debug("send raced client teardown", zap.String("socket_id", string(c.socketId)))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "send channel full, dropping message",
			zap.String("socket_id", string(c.socketId)))
	}
}

// readPump reads frames off the socket and hands envelopes to the hub
// dispatcher. It owns the connection's read side and runs until the
// socket drops, at which point the hub unregisters the client and the
// registry schedules the reap.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		ev, err := protocol.Decode(data)
		if err != nil {
			logging.Warn(context.Background(), "dropping malformed frame",
				zap.String("socket_id", string(c.socketId)), zap.Error(err))
			continue
		}

		c.hub.dispatch(context.Background(), c, ev)
	}
}

// writePump owns the connection's write side: it multiplexes the two
// outbound channels with priority preference and keeps the connection
// alive with pings. Per-socket ordering comes from this single loop.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		// Drain priority messages first without starving the others.
		select {
		case message, ok := <-c.prioritySend:
			if !c.writeOrClose(message, ok) {
				return
			}
			continue
		default:
		}

		select {
		case message, ok := <-c.prioritySend:
			if !c.writeOrClose(message, ok) {
				return
			}
		case message, ok := <-c.send:
			if !c.writeOrClose(message, ok) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeOrClose writes one frame, or the close frame when the channel
// has been closed by Disconnect. Returns false when the pump must exit.
func (c *Client) writeOrClose(message []byte, ok bool) bool {
	if !ok {
		_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
		return false
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		logging.GetLogger().Debug("socket write failed",
			zap.String("socket_id", string(c.socketId)), zap.Error(err))
		return false
	}
	return true
}
