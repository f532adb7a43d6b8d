// Package relay is the socket edge of the session layer: it
// authenticates WebSocket handshakes, owns the per-connection read and
// write pumps, and routes every JSON envelope to the registry, the
// media session, or another peer. Outbound relayed messages are rebuilt
// by the server; a client can never speak as a peer it is not.
package relay

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/huddlehq/huddle/backend/go/internal/v1/config"
	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/metrics"
	"github.com/huddlehq/huddle/backend/go/internal/v1/protocol"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// RoomService is the registry surface the relay dispatches room,
// participant, and admin events to.
type RoomService interface {
	Join(ctx context.Context, client types.ClientInterface, roomID types.RoomIdType, passcode string) (*protocol.RoomJoinedPayload, error)
	CreateRoom(ctx context.Context, client types.ClientInterface, payload protocol.CreateRoomPayload) (*protocol.RoomJoinedPayload, error)
	Leave(ctx context.Context, client types.ClientInterface, roomID types.RoomIdType) error
	EndCall(ctx context.Context, client types.ClientInterface, roomID types.RoomIdType) error
	UpdateMediaState(ctx context.Context, client types.ClientInterface, payload protocol.UpdateMediaStatePayload) error
	HandleDisconnect(client types.ClientInterface)

	RoomOf(socketId types.SocketIdType) (types.RoomIdType, bool)
	ParticipantOf(socketId types.SocketIdType) (types.ParticipantRef, bool)
	ConnectedClients(roomID types.RoomIdType, except types.SocketIdType) []types.ClientInterface
	ClientByPeer(roomID types.RoomIdType, peerId types.PeerIdType) (types.ClientInterface, bool)

	RoomStats(roomID types.RoomIdType) (*protocol.RoomStats, error)
	AllRooms() *protocol.AllRoomsPayload
}

// MediaService is the SFU surface the relay dispatches sfu:* events to.
type MediaService interface {
	JoinRoom(ctx context.Context, client types.ClientInterface, payload protocol.SfuJoinPayload) error
	CreateTransport(ctx context.Context, client types.ClientInterface, payload protocol.CreateTransportPayload) error
	ConnectTransport(ctx context.Context, client types.ClientInterface, payload protocol.ConnectTransportPayload) error
	Produce(ctx context.Context, client types.ClientInterface, payload protocol.ProducePayload) error
	Consume(ctx context.Context, client types.ClientInterface, payload protocol.ConsumePayload) error
	ResumeConsumer(ctx context.Context, client types.ClientInterface, payload protocol.ResumeConsumerPayload) error
	PauseProducer(ctx context.Context, client types.ClientInterface, payload protocol.PauseProducerPayload) error
}

// AuthLimiter gates handshake attempts per IP before any token work.
// A rejected attempt has its response written already.
type AuthLimiter interface {
	AllowSocket(c *gin.Context) bool
}

// Hub accepts socket handshakes and tracks every live client on this
// node. Room state lives in the registry; the hub only owns sockets.
type Hub struct {
	rooms    RoomService
	media    MediaService
	verifier types.TokenVerifier
	limiter  AuthLimiter

	allowedOrigins []string
	iceServers     []protocol.ICEServer

	mu      sync.Mutex
	clients map[types.SocketIdType]*Client
	closed  bool
}

// NewHub wires the relay over its collaborators. The ICE server list
// handed to mesh clients is fixed at startup from config.
func NewHub(rooms RoomService, media MediaService, verifier types.TokenVerifier, limiter AuthLimiter, cfg *config.Config) *Hub {
	return &Hub{
		rooms:          rooms,
		media:          media,
		verifier:       verifier,
		limiter:        limiter,
		allowedOrigins: cfg.ParseAllowedOrigins(),
		iceServers:     cfg.ICEServers(),
		clients:        make(map[types.SocketIdType]*Client),
	}
}

// ServeWs is the GET /ws gin handler. Authentication happens before the
// upgrade so a bad token costs one HTTP response, not a socket.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.AllowSocket(c) {
		return // response written by the limiter
	}

	token, fromHeader := extractToken(c)
	if token == "" {
		metrics.AuthenticationAttempts.WithLabelValues("missing_token").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided", "code": protocol.CodeAuthenticationFailed})
		return
	}

	identity, err := h.verifier.Verify(c.Request.Context(), token)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("invalid_token").Inc()
		logging.Warn(c.Request.Context(), "handshake token rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": protocol.CodeAuthenticationFailed})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("bad_origin").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgrade(c, fromHeader)
	if err != nil {
		return
	}
	metrics.AuthenticationAttempts.WithLabelValues("success").Inc()

	h.HandleConnection(conn, *identity)
}

// HandleConnection registers an upgraded connection and starts its
// pumps. Split from ServeWs so tests can drive scripted connections.
func (h *Hub) HandleConnection(conn wsConnection, identity types.Identity) *Client {
	client := newClient(h, conn, identity)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.clients[client.socketId] = client
	h.mu.Unlock()

	metrics.IncConnection()
	logging.Info(context.Background(), "socket connected",
		zap.String("socket_id", string(client.socketId)),
		zap.String("user_id", string(identity.UserId)),
		zap.Bool("guest", identity.IsGuest()))

	go client.writePump()
	go client.readPump()
	return client
}

// unregister runs when a client's read pump exits. The registry marks
// the participant disconnected and schedules the reap.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, known := h.clients[c.socketId]
	delete(h.clients, c.socketId)
	h.mu.Unlock()
	if !known {
		return
	}

	c.Disconnect()
	h.rooms.HandleDisconnect(c)
	logging.Info(context.Background(), "socket disconnected",
		zap.String("socket_id", string(c.socketId)),
		zap.String("user_id", string(c.identity.UserId)))
}

// Shutdown disconnects every client and refuses new connections.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.Disconnect()
	}
	logging.Info(ctx, "relay hub shut down", zap.Int("clients", len(clients)))
}

// extractToken pulls the bearer token from the Sec-WebSocket-Protocol
// header ("access_token, <jwt>") with a ?token= query fallback for
// clients that cannot set subprotocols.
func extractToken(c *gin.Context) (token string, fromHeader bool) {
	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	if headerVal != "" {
		for _, part := range strings.Split(headerVal, ",") {
			part = strings.TrimSpace(part)
			if part == "" || part == "access_token" {
				continue
			}
			return part, true
		}
	}
	if qt := c.Query("token"); qt != "" {
		return qt, false
	}
	return "", false
}

// validateOrigin enforces the allow-list by scheme and host. A missing
// Origin header is a non-browser client and is allowed; the token gate
// already ran.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return err
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(r.Context(), "origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowed", allowedOrigins))
	return errOriginNotAllowed
}

var errOriginNotAllowed = protocol.NewError(protocol.CodeAuthenticationFailed, "origin not allowed")

// upgrade performs the WebSocket upgrade, echoing the access_token
// subprotocol back when the token rode the header.
func (h *Hub) upgrade(c *gin.Context, tokenFromHeader bool) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	responseHeader := http.Header{}
	if tokenFromHeader {
		responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return nil, err
	}
	return conn, nil
}
