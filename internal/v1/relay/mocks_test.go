package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/huddlehq/huddle/backend/go/internal/v1/protocol"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
)

// --- scripted websocket connection ---

// scriptedConn implements wsConnection for pump tests. Frames queued
// with queueFrame are returned by ReadMessage; after the queue drains,
// ReadMessage blocks until the connection closes.
type scriptedConn struct {
	mu      sync.Mutex
	frames  [][]byte
	pending chan []byte
	closed  chan struct{}
	once    sync.Once

	writes     [][]byte
	writeTypes []int
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		pending: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *scriptedConn) queueFrame(data []byte) {
	c.pending <- data
}

func (c *scriptedConn) queueEvent(eventType string, payload any) {
	raw, _ := json.Marshal(payload)
	data, _ := (&protocol.Event{Type: eventType, Payload: raw}).Encode()
	c.queueFrame(data)
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.pending:
		return 1, data, nil // websocket.TextMessage
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *scriptedConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTypes = append(c.writeTypes, messageType)
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *scriptedConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *scriptedConn) SetReadDeadline(time.Time) error   { return nil }
func (c *scriptedConn) SetReadLimit(int64)                {}
func (c *scriptedConn) SetPongHandler(func(string) error) {}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// writtenEvents decodes every text frame written so far.
func (c *scriptedConn) writtenEvents() []*protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Event
	for i, data := range c.writes {
		if c.writeTypes[i] != 1 {
			continue
		}
		if ev, err := protocol.Decode(data); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

func testIdentity(userId string) types.Identity {
	return types.Identity{
		UserId:      types.UserIdType(userId),
		DisplayName: userId,
	}
}

// --- fake peer client (broadcast targets) ---

type fakePeer struct {
	socketId types.SocketIdType
	identity types.Identity

	mu     sync.Mutex
	events []*protocol.Event
}

func newFakePeer(socketId, userId string) *fakePeer {
	return &fakePeer{
		socketId: types.SocketIdType(socketId),
		identity: types.Identity{UserId: types.UserIdType(userId), DisplayName: userId},
	}
}

func (p *fakePeer) GetSocketId() types.SocketIdType { return p.socketId }
func (p *fakePeer) GetIdentity() types.Identity     { return p.identity }
func (p *fakePeer) SendRaw([]byte)                  {}
func (p *fakePeer) Disconnect()                     {}

func (p *fakePeer) SendEvent(ev *protocol.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePeer) eventsOfType(eventType string) []*protocol.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*protocol.Event
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// --- fake room service ---

type fakeRooms struct {
	mu sync.Mutex

	joinSnapshot *protocol.RoomJoinedPayload
	joinErr      error
	createErr    error

	refs    map[types.SocketIdType]types.ParticipantRef
	peers   map[types.PeerIdType]types.ClientInterface
	clients map[types.RoomIdType][]types.ClientInterface

	leaveCalls   []types.RoomIdType
	endCalls     []types.RoomIdType
	disconnects  []types.SocketIdType
	mediaUpdates []protocol.UpdateMediaStatePayload

	stats    *protocol.RoomStats
	statsErr error
	allRooms *protocol.AllRoomsPayload
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{
		refs:    make(map[types.SocketIdType]types.ParticipantRef),
		peers:   make(map[types.PeerIdType]types.ClientInterface),
		clients: make(map[types.RoomIdType][]types.ClientInterface),
	}
}

// admit registers a client as a room member for relay lookups.
func (f *fakeRooms) admit(client types.ClientInterface, roomId types.RoomIdType, peerId types.PeerIdType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[client.GetSocketId()] = types.ParticipantRef{
		RoomId: roomId,
		PeerId: peerId,
		UserId: client.GetIdentity().UserId,
		User:   client.GetIdentity(),
	}
	f.peers[peerId] = client
	f.clients[roomId] = append(f.clients[roomId], client)
}

func (f *fakeRooms) Join(ctx context.Context, client types.ClientInterface, roomID types.RoomIdType, passcode string) (*protocol.RoomJoinedPayload, error) {
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	if f.joinSnapshot != nil {
		return f.joinSnapshot, nil
	}
	return &protocol.RoomJoinedPayload{RoomID: string(roomID)}, nil
}

func (f *fakeRooms) CreateRoom(ctx context.Context, client types.ClientInterface, payload protocol.CreateRoomPayload) (*protocol.RoomJoinedPayload, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &protocol.RoomJoinedPayload{
		RoomID:   payload.ID,
		Settings: protocol.RoomSettings{Name: payload.Name, MaxParticipants: 10},
		IsHost:   true,
	}, nil
}

func (f *fakeRooms) Leave(ctx context.Context, client types.ClientInterface, roomID types.RoomIdType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaveCalls = append(f.leaveCalls, roomID)
	return nil
}

func (f *fakeRooms) EndCall(ctx context.Context, client types.ClientInterface, roomID types.RoomIdType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls = append(f.endCalls, roomID)
	return nil
}

func (f *fakeRooms) UpdateMediaState(ctx context.Context, client types.ClientInterface, payload protocol.UpdateMediaStatePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaUpdates = append(f.mediaUpdates, payload)
	return nil
}

func (f *fakeRooms) HandleDisconnect(client types.ClientInterface) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, client.GetSocketId())
}

func (f *fakeRooms) RoomOf(socketId types.SocketIdType) (types.RoomIdType, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.refs[socketId]
	return ref.RoomId, ok
}

func (f *fakeRooms) ParticipantOf(socketId types.SocketIdType) (types.ParticipantRef, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.refs[socketId]
	return ref, ok
}

func (f *fakeRooms) ConnectedClients(roomID types.RoomIdType, except types.SocketIdType) []types.ClientInterface {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ClientInterface
	for _, client := range f.clients[roomID] {
		if client.GetSocketId() == except {
			continue
		}
		out = append(out, client)
	}
	return out
}

func (f *fakeRooms) ClientByPeer(roomID types.RoomIdType, peerId types.PeerIdType) (types.ClientInterface, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	client, ok := f.peers[peerId]
	return client, ok
}

func (f *fakeRooms) RoomStats(roomID types.RoomIdType) (*protocol.RoomStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	if f.stats != nil {
		return f.stats, nil
	}
	return &protocol.RoomStats{RoomID: string(roomID)}, nil
}

func (f *fakeRooms) AllRooms() *protocol.AllRoomsPayload {
	if f.allRooms != nil {
		return f.allRooms
	}
	return &protocol.AllRoomsPayload{Rooms: []protocol.RoomStats{}}
}

func (f *fakeRooms) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnects)
}

// --- fake media service ---

type fakeMedia struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeMedia) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeMedia) JoinRoom(ctx context.Context, client types.ClientInterface, payload protocol.SfuJoinPayload) error {
	return f.record("join")
}

func (f *fakeMedia) CreateTransport(ctx context.Context, client types.ClientInterface, payload protocol.CreateTransportPayload) error {
	return f.record("create-transport")
}

func (f *fakeMedia) ConnectTransport(ctx context.Context, client types.ClientInterface, payload protocol.ConnectTransportPayload) error {
	return f.record("connect-transport")
}

func (f *fakeMedia) Produce(ctx context.Context, client types.ClientInterface, payload protocol.ProducePayload) error {
	return f.record("produce")
}

func (f *fakeMedia) Consume(ctx context.Context, client types.ClientInterface, payload protocol.ConsumePayload) error {
	return f.record("consume")
}

func (f *fakeMedia) ResumeConsumer(ctx context.Context, client types.ClientInterface, payload protocol.ResumeConsumerPayload) error {
	return f.record("resume-consumer")
}

func (f *fakeMedia) PauseProducer(ctx context.Context, client types.ClientInterface, payload protocol.PauseProducerPayload) error {
	return f.record("pause-producer")
}

func (f *fakeMedia) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
