package registry

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/huddlehq/huddle/backend/go/internal/v1/protocol"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
)

const (
	// MaxParticipants caps the per-room participant count regardless of
	// the call record's own limit.
	MaxParticipants = 100

	// DefaultMaxParticipants applies when a call record carries no limit.
	DefaultMaxParticipants = 10
)

// Participant is one user's presence in a room. PeerId is minted by the
// server and survives reconnects; SocketId tracks the current
// connection.
type Participant struct {
	PeerId      types.PeerIdType
	UserId      types.UserIdType
	SocketId    types.SocketIdType
	User        types.Identity
	Role        types.RoleType
	JoinedAt    time.Time
	LeftAt      time.Time
	IsConnected bool
	MediaState  protocol.MediaState
}

// Info converts the participant to its wire snapshot.
func (p *Participant) Info() protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		PeerID:      string(p.PeerId),
		UserID:      string(p.UserId),
		DisplayName: p.User.DisplayName,
		AvatarURL:   p.User.AvatarURL,
		Role:        string(p.Role),
		IsConnected: p.IsConnected,
		JoinedAt:    p.JoinedAt.UnixMilli(),
		MediaState:  p.MediaState,
	}
}

// Room is the authoritative in-memory state of one live call. All
// mutations happen under mu; the registry serializes cross-room work
// above it.
type Room struct {
	ID         types.RoomIdType
	CallId     string
	HostUserId types.UserIdType

	mu           sync.RWMutex
	status       types.CallStatusType
	settings     protocol.RoomSettings
	passcodeHash string
	invited      map[string]struct{}
	participants map[types.PeerIdType]*Participant
	clients      map[types.SocketIdType]types.ClientInterface
	socketPeers  map[types.SocketIdType]types.PeerIdType
	createdAt    time.Time
	startedAt    time.Time
	emptySince   time.Time
}

// newRoom builds a room from a call record. The record's limit is
// clamped into [1, MaxParticipants].
func newRoom(record *types.CallRecord, now time.Time) *Room {
	limit := record.MaxParticipants
	if limit <= 0 {
		limit = DefaultMaxParticipants
	}
	if limit > MaxParticipants {
		limit = MaxParticipants
	}

	invited := make(map[string]struct{}, len(record.InvitedEmails))
	for _, email := range record.InvitedEmails {
		invited[email] = struct{}{}
	}

	return &Room{
		ID:         record.RoomId,
		CallId:     record.CallId,
		HostUserId: record.HostUserId,
		status:     types.CallStatusWaiting,
		settings: protocol.RoomSettings{
			Name:            record.Name,
			MaxParticipants: limit,
			CallType:        string(record.CallType),
			HasPasscode:     record.HasPasscode(),
		},
		passcodeHash: record.PasscodeHash,
		invited:      invited,
		participants: make(map[types.PeerIdType]*Participant),
		clients:      make(map[types.SocketIdType]types.ClientInterface),
		socketPeers:  make(map[types.SocketIdType]types.PeerIdType),
		createdAt:    now,
	}
}

// Settings returns the room configuration echoed to joiners.
func (r *Room) Settings() protocol.RoomSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// Status returns the room's lifecycle status.
func (r *Room) Status() types.CallStatusType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// participantByUserLocked finds the participant bound to userId.
func (r *Room) participantByUserLocked(userId types.UserIdType) *Participant {
	for _, p := range r.participants {
		if p.UserId == userId {
			return p
		}
	}
	return nil
}

// participantBySocketLocked finds the participant bound to socketId.
func (r *Room) participantBySocketLocked(socketId types.SocketIdType) *Participant {
	peerId, ok := r.socketPeers[socketId]
	if !ok {
		return nil
	}
	return r.participants[peerId]
}

// connectedCountLocked counts participants with a live socket.
func (r *Room) connectedCountLocked() int {
	count := 0
	for _, p := range r.participants {
		if p.IsConnected {
			count++
		}
	}
	return count
}

// snapshotParticipantsLocked renders every participant's wire snapshot.
func (r *Room) snapshotParticipantsLocked() []protocol.ParticipantInfo {
	out := make([]protocol.ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p.Info())
	}
	return out
}

// connectedClientsLocked collects the live sockets in the room, skipping
// except.
func (r *Room) connectedClientsLocked(except types.SocketIdType) []types.ClientInterface {
	out := make([]types.ClientInterface, 0, len(r.clients))
	for socketId, client := range r.clients {
		if socketId == except {
			continue
		}
		out = append(out, client)
	}
	return out
}

// refLocked snapshots a participant into a registry lookup answer.
func (r *Room) refLocked(p *Participant) types.ParticipantRef {
	return types.ParticipantRef{
		RoomId: r.ID,
		PeerId: p.PeerId,
		UserId: p.UserId,
		Role:   p.Role,
		User:   p.User,
	}
}

// isEmptyLocked reports whether no participants remain at all,
// connected or not.
func (r *Room) isEmptyLocked() bool {
	return len(r.participants) == 0
}

// isInvitedLocked reports whether email may join an invite-only call.
func (r *Room) isInvitedLocked(email string) bool {
	_, ok := r.invited[email]
	return ok
}

// Broadcast sends an event to every connected client in the room except
// the one named. Client sends are buffered and never block.
func (r *Room) Broadcast(ev *protocol.Event, except types.SocketIdType) {
	r.mu.RLock()
	targets := r.connectedClientsLocked(except)
	r.mu.RUnlock()

	for _, client := range targets {
		client.SendEvent(ev)
	}
}

// HashPasscode digests a plaintext passcode for storage. Records hold
// the digest only.
func HashPasscode(passcode string) string {
	sum := sha256.Sum256([]byte(passcode))
	return hex.EncodeToString(sum[:])
}

// passcodeMatches compares a candidate passcode against a stored digest
// in constant time. An empty digest means the room has no passcode.
func passcodeMatches(digest, passcode string) bool {
	if digest == "" {
		return true
	}
	expected, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	candidate := sha256.Sum256([]byte(passcode))
	if len(expected) != len(candidate) {
		return false
	}
	return subtle.ConstantTimeCompare(candidate[:], expected) == 1
}
