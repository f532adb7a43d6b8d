// Package media owns the per-room SFU topology: one router per room,
// per-peer transports, and the producer/consumer bookkeeping between
// them. It drives the pkg/sfu worker and speaks to clients through the
// protocol events; room membership stays with the registry, which this
// package only reads.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/protocol"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"github.com/huddlehq/huddle/backend/go/pkg/sfu"
	"go.uber.org/zap"
)

// Session manages SFU state for every room on this node. It implements
// types.MediaProvider for the registry's lifecycle hooks.
type Session struct {
	worker sfu.Worker
	view   types.RegistryView

	mu    sync.Mutex
	rooms map[types.RoomIdType]*sfuRoom
	peers map[types.SocketIdType]*peerState
}

// sfuRoom is one room's media domain: a router plus the peers using it.
type sfuRoom struct {
	router sfu.Router
	peers  map[types.SocketIdType]*peerState
}

// New builds a media session manager over a worker and a registry view.
func New(worker sfu.Worker, view types.RegistryView) *Session {
	return &Session{
		worker: worker,
		view:   view,
		rooms:  make(map[types.RoomIdType]*sfuRoom),
		peers:  make(map[types.SocketIdType]*peerState),
	}
}

var errNotJoined = protocol.NewError(protocol.CodeRoomNotFound, "media session not joined")

// peerAndRoom resolves the caller's SFU state.
func (s *Session) peerAndRoom(socketId types.SocketIdType) (*peerState, *sfuRoom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer := s.peers[socketId]
	if peer == nil {
		return nil, nil
	}
	return peer, s.rooms[peer.roomId]
}

// JoinRoom switches the caller's room presence into SFU mode: the room
// router is created on first use, the caller learns its capabilities,
// and every producer already live in the room is announced to it.
func (s *Session) JoinRoom(ctx context.Context, client types.ClientInterface, payload protocol.SfuJoinPayload) error {
	socketId := client.GetSocketId()
	roomID := types.RoomIdType(payload.RoomID)

	current, ok := s.view.RoomOf(socketId)
	if !ok || current != roomID {
		return protocol.NewError(protocol.CodeRoomNotFound, "join the room before its media session")
	}
	ref, ok := s.view.ParticipantOf(socketId)
	if !ok {
		return protocol.NewError(protocol.CodeRoomNotFound, "join the room before its media session")
	}

	room, err := s.roomOrCreate(ctx, roomID)
	if err != nil {
		return fmt.Errorf("create router for room %s: %w", roomID, err)
	}

	type announcement struct {
		peerID     types.PeerIdType
		producerID string
		kind       sfu.MediaKind
	}
	var announcements []announcement

	s.mu.Lock()
	peer := room.peers[socketId]
	if peer == nil {
		peer = newPeerState(client, ref.PeerId, roomID)
		room.peers[socketId] = peer
		s.peers[socketId] = peer
	}
	for otherSocket, other := range room.peers {
		if otherSocket == socketId {
			continue
		}
		for _, producer := range other.producers {
			announcements = append(announcements, announcement{
				peerID:     other.peerId,
				producerID: producer.ID(),
				kind:       producer.Kind(),
			})
		}
	}
	s.mu.Unlock()

	if ev, err := protocol.NewEvent(protocol.EventSfuRouterRTPCapabilities, protocol.RouterRTPCapabilitiesPayload{
		RTPCapabilities: room.router.RTPCapabilities(),
	}); err == nil {
		client.SendEvent(ev)
	}

	// Late joiners learn about every live producer; there is no replay
	// of past media.
	for _, a := range announcements {
		if ev, err := protocol.NewEvent(protocol.EventSfuNewProducer, protocol.NewProducerPayload{
			PeerID:     string(a.peerID),
			ProducerID: a.producerID,
			Kind:       string(a.kind),
		}); err == nil {
			client.SendEvent(ev)
		}
	}

	logging.Info(ctx, "peer joined media session",
		zap.String("room_id", string(roomID)),
		zap.String("peer_id", string(ref.PeerId)))
	return nil
}

// roomOrCreate resolves a room's SFU domain, creating the router
// outside the session lock.
func (s *Session) roomOrCreate(ctx context.Context, roomID types.RoomIdType) (*sfuRoom, error) {
	s.mu.Lock()
	room := s.rooms[roomID]
	s.mu.Unlock()
	if room != nil {
		return room, nil
	}

	router, err := s.worker.NewRouter(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing := s.rooms[roomID]; existing != nil {
		s.mu.Unlock()
		_ = router.Close()
		return existing, nil
	}
	room = &sfuRoom{
		router: router,
		peers:  make(map[types.SocketIdType]*peerState),
	}
	s.rooms[roomID] = room
	s.mu.Unlock()
	return room, nil
}

// CreateTransport allocates one directional transport on the room
// router and hands its ICE/DTLS half back to the client.
func (s *Session) CreateTransport(ctx context.Context, client types.ClientInterface, payload protocol.CreateTransportPayload) error {
	if payload.Direction != "send" && payload.Direction != "recv" {
		return protocol.NewError(protocol.CodeInternal, "transport direction must be send or recv")
	}

	socketId := client.GetSocketId()
	peer, room := s.peerAndRoom(socketId)
	if peer == nil || room == nil {
		return errNotJoined
	}

	transport, err := room.router.NewTransport(ctx)
	if err != nil {
		return fmt.Errorf("create %s transport: %w", payload.Direction, err)
	}
	transportID := transport.ID()
	transport.OnClose(func() {
		s.handleTransportClosed(socketId, transportID)
	})

	var replaced sfu.Transport
	s.mu.Lock()
	peer.transports = append(peer.transports, transport)
	switch payload.Direction {
	case "send":
		replaced = peer.sendTransport
		peer.sendTransport = transport
	case "recv":
		replaced = peer.recvTransport
		peer.recvTransport = transport
	}
	s.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close()
	}

	info := transport.Info()
	if ev, err := protocol.NewEvent(protocol.EventSfuTransportCreated, protocol.TransportCreatedPayload{
		ID:             info.ID,
		Direction:      payload.Direction,
		ICEParameters:  info.ICEParameters,
		ICECandidates:  info.ICECandidates,
		DTLSParameters: info.DTLSParameters,
	}); err == nil {
		client.SendEvent(ev)
	}
	return nil
}

// ConnectTransport applies the client's DTLS parameters to the named
// transport, or to the most recently created one still waiting for its
// handshake. Connecting twice is a no-op at the transport.
func (s *Session) ConnectTransport(ctx context.Context, client types.ClientInterface, payload protocol.ConnectTransportPayload) error {
	peer, _ := s.peerAndRoom(client.GetSocketId())
	if peer == nil {
		return errNotJoined
	}

	s.mu.Lock()
	var transport sfu.Transport
	if payload.TransportID != "" {
		transport = peer.transportByID(payload.TransportID)
	} else {
		transport = peer.unconnectedTransport()
	}
	s.mu.Unlock()
	if transport == nil {
		return protocol.NewError(protocol.CodeInternal, "no transport awaiting connection")
	}

	if err := transport.Connect(payload.DTLSParameters); err != nil {
		return fmt.Errorf("connect transport %s: %w", transport.ID(), err)
	}

	if ev, err := protocol.NewEvent(protocol.EventSfuTransportConnected, protocol.TransportConnectedPayload{
		TransportID: transport.ID(),
	}); err == nil {
		client.SendEvent(ev)
	}
	return nil
}

// Produce publishes a track on the caller's send transport and
// announces it to the rest of the room.
func (s *Session) Produce(ctx context.Context, client types.ClientInterface, payload protocol.ProducePayload) error {
	kind := sfu.MediaKind(payload.Kind)
	if !kind.Valid() {
		return protocol.NewError(protocol.CodeInternal, "media kind must be audio or video")
	}

	socketId := client.GetSocketId()
	peer, _ := s.peerAndRoom(socketId)
	if peer == nil {
		return errNotJoined
	}

	s.mu.Lock()
	send := peer.sendTransport
	s.mu.Unlock()
	if send == nil {
		return protocol.NewError(protocol.CodeInternal, "create a send transport first")
	}

	producer, err := send.Produce(kind, payload.RTPParameters)
	if err != nil {
		return fmt.Errorf("produce %s: %w", kind, err)
	}

	s.mu.Lock()
	peer.producers = append(peer.producers, producer)
	peerID := peer.peerId
	roomID := peer.roomId
	s.mu.Unlock()

	if ev, err := protocol.NewEvent(protocol.EventSfuProducerCreated, protocol.ProducerCreatedPayload{
		ID: producer.ID(),
	}); err == nil {
		client.SendEvent(ev)
	}

	if ev, err := protocol.NewEvent(protocol.EventSfuNewProducer, protocol.NewProducerPayload{
		PeerID:     string(peerID),
		ProducerID: producer.ID(),
		Kind:       string(kind),
	}); err == nil {
		for _, other := range s.view.ConnectedClients(roomID, socketId) {
			other.SendEvent(ev)
		}
	}

	logging.Info(ctx, "producer created",
		zap.String("room_id", string(roomID)),
		zap.String("peer_id", string(peerID)),
		zap.String("producer_id", producer.ID()),
		zap.String("kind", string(kind)))
	return nil
}

// Consume subscribes the caller to another peer's producer. The
// consumer starts paused; the client resumes it once its receiver is
// wired.
func (s *Session) Consume(ctx context.Context, client types.ClientInterface, payload protocol.ConsumePayload) error {
	socketId := client.GetSocketId()
	peer, room := s.peerAndRoom(socketId)
	if peer == nil || room == nil {
		return errNotJoined
	}

	s.mu.Lock()
	recv := peer.recvTransport
	var producerPeerID types.PeerIdType
	found := false
	for _, other := range room.peers {
		if other.producerByID(payload.ProducerID) != nil {
			producerPeerID = other.peerId
			found = true
			break
		}
	}
	s.mu.Unlock()

	if recv == nil {
		return protocol.NewError(protocol.CodeInternal, "create a recv transport first")
	}
	if !found || !room.router.CanConsume(payload.ProducerID, payload.RTPCapabilities) {
		return protocol.NewError(protocol.CodeUnconsumable, "cannot consume this producer")
	}

	consumer, err := recv.Consume(payload.ProducerID, payload.RTPCapabilities)
	if err != nil {
		return fmt.Errorf("consume producer %s: %w", payload.ProducerID, err)
	}

	s.mu.Lock()
	peer.consumers[consumer.ID()] = &consumerRec{
		consumer:       consumer,
		producerID:     payload.ProducerID,
		producerPeerID: producerPeerID,
	}
	s.mu.Unlock()

	if ev, err := protocol.NewEvent(protocol.EventSfuConsumerCreated, protocol.ConsumerCreatedPayload{
		ID:             consumer.ID(),
		ProducerID:     payload.ProducerID,
		Kind:           string(consumer.Kind()),
		RTPParameters:  consumer.RTPParameters(),
		ProducerPeerID: string(producerPeerID),
	}); err == nil {
		client.SendEvent(ev)
	}
	return nil
}

// ResumeConsumer unpauses one of the caller's consumers.
func (s *Session) ResumeConsumer(ctx context.Context, client types.ClientInterface, payload protocol.ResumeConsumerPayload) error {
	peer, _ := s.peerAndRoom(client.GetSocketId())
	if peer == nil {
		return errNotJoined
	}

	s.mu.Lock()
	rec := peer.consumers[payload.ConsumerID]
	s.mu.Unlock()
	if rec == nil {
		return protocol.NewError(protocol.CodeInternal, "unknown consumer")
	}

	if err := rec.consumer.Resume(); err != nil {
		return fmt.Errorf("resume consumer %s: %w", payload.ConsumerID, err)
	}

	if ev, err := protocol.NewEvent(protocol.EventSfuConsumerResumed, protocol.ConsumerResumedPayload{
		ConsumerID: payload.ConsumerID,
	}); err == nil {
		client.SendEvent(ev)
	}
	return nil
}

// PauseProducer pauses or resumes one of the caller's producers and
// reflects the state to the room. Without an explicit id the most
// recent video producer is targeted, then the most recent audio one.
func (s *Session) PauseProducer(ctx context.Context, client types.ClientInterface, payload protocol.PauseProducerPayload) error {
	socketId := client.GetSocketId()
	peer, _ := s.peerAndRoom(socketId)
	if peer == nil {
		return errNotJoined
	}

	s.mu.Lock()
	var producer sfu.Producer
	if payload.ProducerID != "" {
		producer = peer.producerByID(payload.ProducerID)
	} else {
		producer = peer.latestProducer(sfu.MediaKindVideo)
		if producer == nil {
			producer = peer.latestProducer(sfu.MediaKindAudio)
		}
	}
	roomID := peer.roomId
	s.mu.Unlock()
	if producer == nil {
		return protocol.NewError(protocol.CodeInternal, "no producer to pause")
	}

	if payload.Pause {
		producer.Pause()
	} else {
		producer.Resume()
	}

	if ev, err := protocol.NewEvent(protocol.EventSfuProducerPaused, protocol.ProducerPausedPayload{
		ProducerID: producer.ID(),
		Paused:     payload.Pause,
	}); err == nil {
		for _, other := range s.view.ConnectedClients(roomID, socketId) {
			other.SendEvent(ev)
		}
	}
	return nil
}

// --- Lifecycle hooks (types.MediaProvider) ---

// ClosePeer tears down one peer's SFU footprint: subscribers of its
// producers are told first, then the transports close and cascade. The
// last peer out closes the room router.
func (s *Session) ClosePeer(socketId types.SocketIdType) {
	s.mu.Lock()
	peer := s.peers[socketId]
	if peer == nil {
		s.mu.Unlock()
		return
	}
	delete(s.peers, socketId)
	room := s.rooms[peer.roomId]
	roomEmpty := false
	if room != nil {
		delete(room.peers, socketId)
		roomEmpty = len(room.peers) == 0
	}
	producers := append([]sfu.Producer(nil), peer.producers...)
	transports := append([]sfu.Transport(nil), peer.transports...)
	roomID := peer.roomId
	s.mu.Unlock()

	for _, producer := range producers {
		s.notifyProducerClosed(roomID, producer.ID())
	}
	for _, transport := range transports {
		_ = transport.Close()
	}

	if roomEmpty && room != nil {
		s.mu.Lock()
		if current := s.rooms[roomID]; current == room && len(room.peers) == 0 {
			delete(s.rooms, roomID)
		} else {
			room = nil
		}
		s.mu.Unlock()
		if room != nil {
			_ = room.router.Close()
			logging.Info(context.Background(), "media room closed, last peer left",
				zap.String("room_id", string(roomID)))
		}
	}
}

// CloseRoom tears down a room's entire media domain. Registry hook for
// end-call and reaping.
func (s *Session) CloseRoom(roomId types.RoomIdType) {
	s.mu.Lock()
	room := s.rooms[roomId]
	if room == nil {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, roomId)
	for socketId := range room.peers {
		delete(s.peers, socketId)
	}
	s.mu.Unlock()

	_ = room.router.Close()
	logging.Info(context.Background(), "media room closed",
		zap.String("room_id", string(roomId)))
}

// RoomActive reports whether a room has live SFU state.
func (s *Session) RoomActive(roomId types.RoomIdType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomId]
	return ok
}

// notifyProducerClosed tells every subscriber of a producer that its
// consumer is gone and drops the bookkeeping. The consumer objects
// themselves close with the producer's cascade; closing again here is
// a no-op.
func (s *Session) notifyProducerClosed(roomID types.RoomIdType, producerID string) {
	type note struct {
		client     types.ClientInterface
		consumerID string
		consumer   sfu.Consumer
	}
	var notes []note

	s.mu.Lock()
	if room := s.rooms[roomID]; room != nil {
		for _, other := range room.peers {
			for _, rec := range other.consumersOf(producerID) {
				notes = append(notes, note{
					client:     other.client,
					consumerID: rec.consumer.ID(),
					consumer:   rec.consumer,
				})
				delete(other.consumers, rec.consumer.ID())
			}
		}
	}
	s.mu.Unlock()

	for _, n := range notes {
		_ = n.consumer.Close()
		if ev, err := protocol.NewEvent(protocol.EventSfuConsumerClosed, protocol.ConsumerClosedPayload{
			ConsumerID: n.consumerID,
		}); err == nil {
			n.client.SendEvent(ev)
		}
	}
}

// handleTransportClosed runs when a transport dies underneath us (ICE
// failure or DTLS close). The peer's records shed everything the
// transport carried.
func (s *Session) handleTransportClosed(socketId types.SocketIdType, transportID string) {
	s.mu.Lock()
	peer := s.peers[socketId]
	if peer == nil {
		s.mu.Unlock()
		return
	}
	var producers []sfu.Producer
	if peer.sendTransport != nil && peer.sendTransport.ID() == transportID {
		producers = peer.producers
		peer.producers = nil
	}
	if peer.recvTransport != nil && peer.recvTransport.ID() == transportID {
		peer.consumers = make(map[string]*consumerRec)
	}
	peer.dropTransport(transportID)
	roomID := peer.roomId
	s.mu.Unlock()

	for _, producer := range producers {
		s.notifyProducerClosed(roomID, producer.ID())
	}
}
