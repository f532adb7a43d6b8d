package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/huddlehq/huddle/backend/go/internal/v1/protocol"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"github.com/huddlehq/huddle/backend/go/pkg/sfu"
)

// fakeClient records events sent to one socket.
type fakeClient struct {
	socketId types.SocketIdType
	identity types.Identity

	mu     sync.Mutex
	events []*protocol.Event
}

func newFakeClient(socketId string, userId string) *fakeClient {
	return &fakeClient{
		socketId: types.SocketIdType(socketId),
		identity: types.Identity{UserId: types.UserIdType(userId), DisplayName: userId},
	}
}

func (c *fakeClient) GetSocketId() types.SocketIdType { return c.socketId }
func (c *fakeClient) GetIdentity() types.Identity     { return c.identity }
func (c *fakeClient) SendRaw([]byte)                  {}
func (c *fakeClient) Disconnect()                     {}

func (c *fakeClient) SendEvent(ev *protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
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

// fakeView is a scripted types.RegistryView.
type fakeView struct {
	mu      sync.Mutex
	rooms   map[types.SocketIdType]types.RoomIdType
	refs    map[types.SocketIdType]types.ParticipantRef
	clients map[types.RoomIdType][]*fakeClient
}

func newFakeView() *fakeView {
	return &fakeView{
		rooms:   make(map[types.SocketIdType]types.RoomIdType),
		refs:    make(map[types.SocketIdType]types.ParticipantRef),
		clients: make(map[types.RoomIdType][]*fakeClient),
	}
}

// admit registers a client as a room member with a fixed peer id.
func (v *fakeView) admit(client *fakeClient, roomId types.RoomIdType, peerId types.PeerIdType) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rooms[client.socketId] = roomId
	v.refs[client.socketId] = types.ParticipantRef{
		RoomId: roomId,
		PeerId: peerId,
		UserId: client.identity.UserId,
		User:   client.identity,
	}
	v.clients[roomId] = append(v.clients[roomId], client)
}

func (v *fakeView) RoomOf(socketId types.SocketIdType) (types.RoomIdType, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	roomId, ok := v.rooms[socketId]
	return roomId, ok
}

func (v *fakeView) ParticipantOf(socketId types.SocketIdType) (types.ParticipantRef, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ref, ok := v.refs[socketId]
	return ref, ok
}

func (v *fakeView) ConnectedClients(roomId types.RoomIdType, except types.SocketIdType) []types.ClientInterface {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []types.ClientInterface
	for _, client := range v.clients[roomId] {
		if client.socketId == except {
			continue
		}
		out = append(out, client)
	}
	return out
}

// --- fake sfu stack ---

type fakeWorker struct {
	mu      sync.Mutex
	routers []*fakeRouter
	died    chan error
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{died: make(chan error, 1)}
}

func (w *fakeWorker) NewRouter(context.Context) (sfu.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := &fakeRouter{
		id:         fmt.Sprintf("router-%d", len(w.routers)+1),
		consumable: make(map[string]bool),
	}
	w.routers = append(w.routers, r)
	return r, nil
}

func (w *fakeWorker) Died() <-chan error { return w.died }
func (w *fakeWorker) Close() error       { return nil }

type fakeRouter struct {
	id string

	mu         sync.Mutex
	consumable map[string]bool
	closed     bool
	transports int
}

func (r *fakeRouter) ID() string { return r.id }

func (r *fakeRouter) RTPCapabilities() json.RawMessage {
	return json.RawMessage(`{"codecs":[{"mimeType":"video/VP8","clockRate":90000}]}`)
}

func (r *fakeRouter) CanConsume(producerID string, _ json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumable[producerID]
}

func (r *fakeRouter) NewTransport(context.Context) (sfu.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports++
	return &fakeTransport{
		id:     fmt.Sprintf("%s-trans-%d", r.id, r.transports),
		router: r,
	}, nil
}

func (r *fakeRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRouter) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeRouter) allowConsume(producerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumable[producerID] = true
}

type fakeTransport struct {
	id     string
	router *fakeRouter

	mu        sync.Mutex
	connected bool
	closed    bool
	dtls      json.RawMessage
	produced  int
	consumed  int
	onClose   []func()
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Info() sfu.TransportInfo {
	return sfu.TransportInfo{
		ID:             t.id,
		ICEParameters:  json.RawMessage(`{"usernameFragment":"u","password":"p"}`),
		ICECandidates:  json.RawMessage(`[]`),
		DTLSParameters: json.RawMessage(`{"fingerprints":[]}`),
	}
}

func (t *fakeTransport) Connect(dtlsParameters json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	t.connected = true
	t.dtls = dtlsParameters
	return nil
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) Produce(kind sfu.MediaKind, _ json.RawMessage) (sfu.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.produced++
	p := &fakeProducer{id: fmt.Sprintf("%s-prod-%d", t.id, t.produced), kind: kind}
	t.router.allowConsume(p.id)
	return p, nil
}

func (t *fakeTransport) Consume(producerID string, _ json.RawMessage) (sfu.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumed++
	return &fakeConsumer{
		id:         fmt.Sprintf("%s-cons-%d", t.id, t.consumed),
		producerID: producerID,
		kind:       sfu.MediaKindVideo,
		paused:     true,
	}, nil
}

func (t *fakeTransport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	hooks := t.onClose
	t.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeProducer struct {
	id   string
	kind sfu.MediaKind

	mu     sync.Mutex
	paused bool
	closed bool
}

func (p *fakeProducer) ID() string          { return p.id }
func (p *fakeProducer) Kind() sfu.MediaKind { return p.kind }

func (p *fakeProducer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *fakeProducer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

func (p *fakeProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeConsumer struct {
	id         string
	producerID string
	kind       sfu.MediaKind

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *fakeConsumer) ID() string                     { return c.id }
func (c *fakeConsumer) ProducerID() string             { return c.producerID }
func (c *fakeConsumer) Kind() sfu.MediaKind            { return c.kind }
func (c *fakeConsumer) RTPParameters() json.RawMessage { return json.RawMessage(`{"ssrc":1}`) }

func (c *fakeConsumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *fakeConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
