package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoleTypeConstants(t *testing.T) {
	assert.Equal(t, RoleType("host"), RoleTypeHost)
	assert.Equal(t, RoleType("moderator"), RoleTypeModerator)
	assert.Equal(t, RoleType("participant"), RoleTypeParticipant)
	assert.Equal(t, RoleType("guest"), RoleTypeGuest)
	assert.Equal(t, RoleType("unknown"), RoleTypeUnknown)
}

func TestIdTypes(t *testing.T) {
	assert.Equal(t, "room-456", string(RoomIdType("room-456")))
	assert.Equal(t, "peer_abc", string(PeerIdType("peer_abc")))
	assert.Equal(t, "socket_abc", string(SocketIdType("socket_abc")))
	assert.Equal(t, "user-123", string(UserIdType("user-123")))
}

func TestIsGuestUser(t *testing.T) {
	tests := []struct {
		name string
		id   UserIdType
		want bool
	}{
		{"guest id", UserIdType(GuestUserPrefix + "abc"), true},
		{"regular id", "auth0|12345", false},
		{"empty id", "", false},
		{"prefix only", UserIdType(GuestUserPrefix), true},
		{"marker mid-string is not a guest", "user-guest:abc", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsGuestUser(tt.id))
		})
	}
}

func TestIdentity_IsGuest(t *testing.T) {
	guest := Identity{UserId: UserIdType(GuestUserPrefix + "abc"), DisplayName: "Visitor"}
	user := Identity{UserId: "auth0|12345", DisplayName: "Alice"}

	assert.True(t, guest.IsGuest())
	assert.False(t, user.IsGuest())
}

func TestIdentity_Info(t *testing.T) {
	id := Identity{
		UserId:      "user-1",
		DisplayName: "Alice",
		Email:       "alice@example.com",
		AvatarURL:   "https://cdn.example.com/a.png",
	}

	info := id.Info()
	assert.Equal(t, "user-1", info.ID)
	assert.Equal(t, "Alice", info.DisplayName)
	assert.Equal(t, "alice@example.com", info.Email)
	assert.Equal(t, "https://cdn.example.com/a.png", info.AvatarURL)
}

func TestCallRecord_IsTerminal(t *testing.T) {
	record := &CallRecord{Status: CallStatusWaiting}
	assert.False(t, record.IsTerminal())

	record.Status = CallStatusLive
	assert.False(t, record.IsTerminal())

	record.Status = CallStatusEnded
	assert.True(t, record.IsTerminal())
}

func TestCallRecord_HasPasscode(t *testing.T) {
	open := &CallRecord{}
	assert.False(t, open.HasPasscode())

	locked := &CallRecord{PasscodeHash: "deadbeef"}
	assert.True(t, locked.HasPasscode())
}

func TestCallStatusLifecycleValues(t *testing.T) {
	assert.Equal(t, CallStatusType("waiting"), CallStatusWaiting)
	assert.Equal(t, CallStatusType("live"), CallStatusLive)
	assert.Equal(t, CallStatusType("ended"), CallStatusEnded)

	assert.Equal(t, CallAccessType("public"), CallAccessPublic)
	assert.Equal(t, CallAccessType("invited_only"), CallAccessInvitedOnly)
}

func TestCallRecordFields(t *testing.T) {
	now := time.Now()
	record := CallRecord{
		CallId:          "call_123",
		RoomId:          "room-1",
		Name:            "Standup",
		HostUserId:      "user-1",
		Status:          CallStatusLive,
		CallType:        CallAccessInvitedOnly,
		MaxParticipants: 10,
		InvitedEmails:   []string{"bob@example.com"},
		CreatedAt:       now,
		StartedAt:       now,
	}

	assert.Equal(t, RoomIdType("room-1"), record.RoomId)
	assert.Equal(t, UserIdType("user-1"), record.HostUserId)
	assert.Len(t, record.InvitedEmails, 1)
	assert.False(t, record.IsTerminal())
}
