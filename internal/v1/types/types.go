// Package types holds the shared domain types and collaborator
// interfaces of the session layer. It exists so the registry, relay,
// and media packages can agree on contracts without importing each
// other.
package types

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/huddlehq/huddle/backend/go/internal/v1/protocol"
)

// --- Core Domain Types ---

// RoleType defines the different roles a participant can hold in a room.
type RoleType string

// RoomIdType represents a unique identifier for a live room.
type RoomIdType string

// PeerIdType represents a server-assigned identifier for a participant
// within a room. Clients never choose it.
type PeerIdType string

// SocketIdType represents a unique identifier for one socket connection.
type SocketIdType string

// UserIdType represents an authenticated user id, or a guest id
// carrying the GuestUserPrefix marker.
type UserIdType string

// Role constants define the participant hierarchy.
const (
	RoleTypeHost        RoleType = "host"
	RoleTypeModerator   RoleType = "moderator"
	RoleTypeParticipant RoleType = "participant"
	RoleTypeGuest       RoleType = "guest"
	RoleTypeUnknown     RoleType = "unknown"
)

// GuestUserPrefix marks user ids minted for guests. Guest participant
// transitions are never written to the call store.
const GuestUserPrefix = "guest:"

// IsGuestUser reports whether id carries the guest marker.
func IsGuestUser(id UserIdType) bool {
	return strings.HasPrefix(string(id), GuestUserPrefix)
}

// CallStatusType tracks a call record through its lifecycle.
type CallStatusType string

const (
	CallStatusWaiting CallStatusType = "waiting"
	CallStatusLive    CallStatusType = "live"
	CallStatusEnded   CallStatusType = "ended"
)

// CallAccessType controls who may join a call.
type CallAccessType string

const (
	CallAccessPublic      CallAccessType = "public"
	CallAccessInvitedOnly CallAccessType = "invited_only"
)

// Identity is the authenticated user attached to a socket at the
// handshake. The session layer never mutates it.
type Identity struct {
	UserId      UserIdType `json:"id"`
	DisplayName string     `json:"displayName"`
	Email       string     `json:"email,omitempty"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
}

// IsGuest reports whether the identity was minted for a guest.
func (i Identity) IsGuest() bool { return IsGuestUser(i.UserId) }

// Info converts the identity to its wire snapshot.
func (i Identity) Info() protocol.UserInfo {
	return protocol.UserInfo{
		ID:          string(i.UserId),
		DisplayName: i.DisplayName,
		Email:       i.Email,
		AvatarURL:   i.AvatarURL,
	}
}

// CallRecord is the durable view of a call as held by the call store.
type CallRecord struct {
	CallId          string
	RoomId          RoomIdType
	Name            string
	HostUserId      UserIdType
	Status          CallStatusType
	CallType        CallAccessType
	PasscodeHash    string
	MaxParticipants int
	InvitedEmails   []string
	CreatedAt       time.Time
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int64
}

// IsTerminal reports whether the call can no longer be joined.
func (c *CallRecord) IsTerminal() bool { return c.Status == CallStatusEnded }

// HasPasscode reports whether joining requires a passcode.
func (c *CallRecord) HasPasscode() bool { return c.PasscodeHash != "" }

// ParticipantRef is the registry's answer to socket lookups. It is a
// snapshot; holding one confers no room state.
type ParticipantRef struct {
	RoomId RoomIdType
	PeerId PeerIdType
	UserId UserIdType
	Role   RoleType
	User   Identity
}

// --- Shared Interfaces ---

// TokenVerifier validates bearer tokens presented at the socket
// handshake and returns the identity they assert.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// ErrCallNotFound is returned by CallStore lookups for unknown rooms.
var ErrCallNotFound = errors.New("call not found")

// CallStore persists call records and participant status transitions.
// Every mutation is idempotent. Callers log failures and continue on
// in-memory state; store errors never block session progress.
type CallStore interface {
	GetByRoomId(ctx context.Context, roomId RoomIdType) (*CallRecord, error)
	Create(ctx context.Context, record *CallRecord) error
	AddParticipant(ctx context.Context, callId string, userId UserIdType, role RoleType) error
	UpdateParticipantStatus(ctx context.Context, callId string, userId UserIdType, isConnected bool, socketId SocketIdType) error
	Start(ctx context.Context, callId string) error
	End(ctx context.Context, callId string, duration time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// ClientInterface defines the behavior the registry and media layers
// need from a connected socket, without depending on the relay package.
type ClientInterface interface {
	GetSocketId() SocketIdType
	GetIdentity() Identity
	SendEvent(ev *protocol.Event)
	SendRaw(data []byte)
	Disconnect()
}

// MediaProvider defines the SFU operations the registry drives during
// room lifecycle transitions.
type MediaProvider interface {
	ClosePeer(socketId SocketIdType)
	CloseRoom(roomId RoomIdType)
	RoomActive(roomId RoomIdType) bool
}

// RegistryView defines the lookups the media layer performs against
// live room state.
type RegistryView interface {
	RoomOf(socketId SocketIdType) (RoomIdType, bool)
	ParticipantOf(socketId SocketIdType) (ParticipantRef, bool)
	ConnectedClients(roomId RoomIdType, except SocketIdType) []ClientInterface
}
