package registry

import (
	"context"
	"sync"
	"time"

	"github.com/huddlehq/huddle/backend/go/internal/v1/protocol"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
)

// fakeClient is a scripted types.ClientInterface that records every
// event sent to it.
type fakeClient struct {
	socketId types.SocketIdType
	identity types.Identity

	mu           sync.Mutex
	events       []*protocol.Event
	disconnected bool
}

func newFakeClient(socketId string, userId string, displayName string) *fakeClient {
	return &fakeClient{
		socketId: types.SocketIdType(socketId),
		identity: types.Identity{
			UserId:      types.UserIdType(userId),
			DisplayName: displayName,
			Email:       displayName + "@example.com",
		},
	}
}

func (c *fakeClient) GetSocketId() types.SocketIdType { return c.socketId }

func (c *fakeClient) GetIdentity() types.Identity { return c.identity }

func (c *fakeClient) SendEvent(ev *protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *fakeClient) SendRaw(data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		return
	}
	c.SendEvent(ev)
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *fakeClient) eventsOfType(eventType string) []*protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Event
	for _, ev := range c.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// fakeStore is an in-memory types.CallStore that records which
// operations were issued.
type statusCall struct {
	callId    string
	userId    types.UserIdType
	connected bool
}

type fakeStore struct {
	mu      sync.Mutex
	records map[types.RoomIdType]*types.CallRecord

	addParticipantCalls []types.UserIdType
	statusCalls         []statusCall
	startCalls          []string
	endCalls            []string
	getErr              error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[types.RoomIdType]*types.CallRecord)}
}

func (s *fakeStore) put(record *types.CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.RoomId] = record
}

func (s *fakeStore) GetByRoomId(_ context.Context, roomId types.RoomIdType) (*types.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	record, ok := s.records[roomId]
	if !ok {
		return nil, types.ErrCallNotFound
	}
	copied := *record
	return &copied, nil
}

func (s *fakeStore) Create(_ context.Context, record *types.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.RoomId]; !ok {
		copied := *record
		s.records[record.RoomId] = &copied
	}
	return nil
}

func (s *fakeStore) AddParticipant(_ context.Context, _ string, userId types.UserIdType, _ types.RoleType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addParticipantCalls = append(s.addParticipantCalls, userId)
	return nil
}

func (s *fakeStore) UpdateParticipantStatus(_ context.Context, callId string, userId types.UserIdType, isConnected bool, _ types.SocketIdType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls = append(s.statusCalls, statusCall{callId: callId, userId: userId, connected: isConnected})
	return nil
}

func (s *fakeStore) Start(_ context.Context, callId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls = append(s.startCalls, callId)
	return nil
}

func (s *fakeStore) End(_ context.Context, callId string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endCalls = append(s.endCalls, callId)
	return nil
}

func (s *fakeStore) Ping(_ context.Context) error { return nil }

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) participantCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.addParticipantCalls) + len(s.statusCalls)
}

func (s *fakeStore) endedCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.endCalls...)
}

// fakeMedia records the SFU teardown hooks driven by the registry.
type fakeMedia struct {
	mu          sync.Mutex
	closedPeers []types.SocketIdType
	closedRooms []types.RoomIdType
	active      map[types.RoomIdType]bool
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{active: make(map[types.RoomIdType]bool)}
}

func (m *fakeMedia) ClosePeer(socketId types.SocketIdType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedPeers = append(m.closedPeers, socketId)
}

func (m *fakeMedia) CloseRoom(roomId types.RoomIdType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedRooms = append(m.closedRooms, roomId)
}

func (m *fakeMedia) RoomActive(roomId types.RoomIdType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[roomId]
}

func (m *fakeMedia) roomsClosed() []types.RoomIdType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.RoomIdType(nil), m.closedRooms...)
}
