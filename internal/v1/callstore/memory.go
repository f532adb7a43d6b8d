package callstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
)

// MemoryStore implements types.CallStore in process memory. It backs
// development mode when Redis is disabled; records do not survive a
// restart.
type MemoryStore struct {
	mu           sync.RWMutex
	byRoom       map[types.RoomIdType]*types.CallRecord
	roomByCall   map[string]types.RoomIdType
	participants map[types.RoomIdType]map[types.UserIdType]participantEntry
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRoom:       make(map[types.RoomIdType]*types.CallRecord),
		roomByCall:   make(map[string]types.RoomIdType),
		participants: make(map[types.RoomIdType]map[types.UserIdType]participantEntry),
	}
}

// GetByRoomId implements types.CallStore.
func (m *MemoryStore) GetByRoomId(_ context.Context, roomId types.RoomIdType) (*types.CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.byRoom[roomId]
	if !ok {
		return nil, types.ErrCallNotFound
	}
	return cloneRecord(record), nil
}

// Create implements types.CallStore.
func (m *MemoryStore) Create(_ context.Context, record *types.CallRecord) error {
	if record == nil || record.RoomId == "" || record.CallId == "" {
		return errors.New("call record requires roomId and callId")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.byRoom[record.RoomId] = cloneRecord(record)
	m.roomByCall[record.CallId] = record.RoomId
	return nil
}

// AddParticipant implements types.CallStore. Guest transitions are
// never persisted.
func (m *MemoryStore) AddParticipant(_ context.Context, callId string, userId types.UserIdType, role types.RoleType) error {
	if types.IsGuestUser(userId) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	roomId, ok := m.roomByCall[callId]
	if !ok {
		return nil
	}
	if m.participants[roomId] == nil {
		m.participants[roomId] = make(map[types.UserIdType]participantEntry)
	}

	now := time.Now().UnixMilli()
	m.participants[roomId][userId] = participantEntry{
		Role:        string(role),
		IsConnected: true,
		JoinedAt:    now,
		UpdatedAt:   now,
	}
	return nil
}

// UpdateParticipantStatus implements types.CallStore.
func (m *MemoryStore) UpdateParticipantStatus(_ context.Context, callId string, userId types.UserIdType, isConnected bool, socketId types.SocketIdType) error {
	if types.IsGuestUser(userId) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	roomId, ok := m.roomByCall[callId]
	if !ok {
		return nil
	}
	if m.participants[roomId] == nil {
		m.participants[roomId] = make(map[types.UserIdType]participantEntry)
	}

	entry := m.participants[roomId][userId]
	entry.IsConnected = isConnected
	entry.SocketId = string(socketId)
	entry.UpdatedAt = time.Now().UnixMilli()
	m.participants[roomId][userId] = entry
	return nil
}

// Start implements types.CallStore.
func (m *MemoryStore) Start(_ context.Context, callId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.recordForCallLocked(callId)
	if record == nil || record.Status == types.CallStatusLive || record.Status == types.CallStatusEnded {
		return nil
	}
	record.Status = types.CallStatusLive
	record.StartedAt = time.Now()
	return nil
}

// End implements types.CallStore.
func (m *MemoryStore) End(_ context.Context, callId string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := m.recordForCallLocked(callId)
	if record == nil || record.Status == types.CallStatusEnded {
		return nil
	}
	record.Status = types.CallStatusEnded
	record.EndedAt = time.Now()
	record.DurationSeconds = int64(duration.Seconds())
	return nil
}

// Ping implements types.CallStore. Memory is always reachable.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements types.CallStore.
func (m *MemoryStore) Close() error { return nil }

// ParticipantStatus exposes a stored participant row for tests and
// diagnostics.
func (m *MemoryStore) ParticipantStatus(roomId types.RoomIdType, userId types.UserIdType) (role string, isConnected bool, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.participants[roomId][userId]
	return entry.Role, entry.IsConnected, ok
}

func (m *MemoryStore) recordForCallLocked(callId string) *types.CallRecord {
	roomId, ok := m.roomByCall[callId]
	if !ok {
		return nil
	}
	return m.byRoom[roomId]
}

func cloneRecord(r *types.CallRecord) *types.CallRecord {
	clone := *r
	clone.InvitedEmails = append([]string(nil), r.InvitedEmails...)
	return &clone
}
