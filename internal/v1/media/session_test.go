package media

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/huddlehq/huddle/backend/go/internal/v1/protocol"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	session *Session
	worker  *fakeWorker
	view    *fakeView
}

func newFixture() *fixture {
	worker := newFakeWorker()
	view := newFakeView()
	return &fixture{
		session: New(worker, view),
		worker:  worker,
		view:    view,
	}
}

// joinPeer admits a client to the registry view and the media session.
func (f *fixture) joinPeer(t *testing.T, client *fakeClient, roomId string, peerId string) {
	t.Helper()
	f.view.admit(client, types.RoomIdType(roomId), types.PeerIdType(peerId))
	require.NoError(t, f.session.JoinRoom(context.Background(), client, protocol.SfuJoinPayload{
		RoomID:          roomId,
		RTPCapabilities: json.RawMessage(`{"codecs":[]}`),
	}))
}

// setupTransports gives a joined peer a connected send and recv
// transport.
func (f *fixture) setupTransports(t *testing.T, client *fakeClient) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.session.CreateTransport(ctx, client, protocol.CreateTransportPayload{Direction: "send"}))
	require.NoError(t, f.session.ConnectTransport(ctx, client, protocol.ConnectTransportPayload{DTLSParameters: json.RawMessage(`{}`)}))
	require.NoError(t, f.session.CreateTransport(ctx, client, protocol.CreateTransportPayload{Direction: "recv"}))
	require.NoError(t, f.session.ConnectTransport(ctx, client, protocol.ConnectTransportPayload{DTLSParameters: json.RawMessage(`{}`)}))
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, code, perr.Code)
}

func TestJoinRoom_RequiresRoomMembership(t *testing.T) {
	f := newFixture()

	err := f.session.JoinRoom(context.Background(), newFakeClient("s1", "user-1"), protocol.SfuJoinPayload{RoomID: "room-1"})
	assertCode(t, err, protocol.CodeRoomNotFound)
	assert.False(t, f.session.RoomActive("room-1"))
}

func TestJoinRoom_AnnouncesCapabilitiesAndExistingProducers(t *testing.T) {
	f := newFixture()
	alice := newFakeClient("s1", "user-1")
	f.joinPeer(t, alice, "room-1", "peer-a")

	require.Len(t, alice.eventsOfType(protocol.EventSfuRouterRTPCapabilities), 1)
	assert.True(t, f.session.RoomActive("room-1"))

	f.setupTransports(t, alice)
	require.NoError(t, f.session.Produce(context.Background(), alice, protocol.ProducePayload{
		Kind:          "video",
		RTPParameters: json.RawMessage(`{"ssrc":1}`),
	}))

	// The late joiner learns about the producer already live.
	bob := newFakeClient("s2", "user-2")
	f.joinPeer(t, bob, "room-1", "peer-b")

	announcements := bob.eventsOfType(protocol.EventSfuNewProducer)
	require.Len(t, announcements, 1)
	payload, err := protocol.DecodePayload[protocol.NewProducerPayload](announcements[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "peer-a", payload.PeerID)
	assert.Equal(t, "video", payload.Kind)
}

func TestCreateTransport(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	err := f.session.CreateTransport(ctx, newFakeClient("s9", "user-9"), protocol.CreateTransportPayload{Direction: "send"})
	assertCode(t, err, protocol.CodeRoomNotFound)

	alice := newFakeClient("s1", "user-1")
	f.joinPeer(t, alice, "room-1", "peer-a")

	err = f.session.CreateTransport(ctx, alice, protocol.CreateTransportPayload{Direction: "sideways"})
	assertCode(t, err, protocol.CodeInternal)

	require.NoError(t, f.session.CreateTransport(ctx, alice, protocol.CreateTransportPayload{Direction: "send"}))
	created := alice.eventsOfType(protocol.EventSfuTransportCreated)
	require.Len(t, created, 1)
	payload, err := protocol.DecodePayload[protocol.TransportCreatedPayload](created[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "send", payload.Direction)
	assert.NotEmpty(t, payload.ID)
	assert.NotEmpty(t, payload.ICEParameters)

	// A replacement send transport closes the one it displaces.
	first := f.worker.routers[0]
	require.NoError(t, f.session.CreateTransport(ctx, alice, protocol.CreateTransportPayload{Direction: "send"}))
	first.mu.Lock()
	assert.Equal(t, 2, first.transports)
	first.mu.Unlock()

	peer, _ := f.session.peerAndRoom("s1")
	require.NotNil(t, peer)
	assert.Len(t, peer.transports, 1, "displaced transport dropped via its close hook")
}

func TestConnectTransport_TargetsMostRecentUnconnected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := newFakeClient("s1", "user-1")
	f.joinPeer(t, alice, "room-1", "peer-a")

	err := f.session.ConnectTransport(ctx, alice, protocol.ConnectTransportPayload{DTLSParameters: json.RawMessage(`{}`)})
	assertCode(t, err, protocol.CodeInternal)

	require.NoError(t, f.session.CreateTransport(ctx, alice, protocol.CreateTransportPayload{Direction: "send"}))
	require.NoError(t, f.session.CreateTransport(ctx, alice, protocol.CreateTransportPayload{Direction: "recv"}))

	dtls := json.RawMessage(`{"role":"client"}`)
	require.NoError(t, f.session.ConnectTransport(ctx, alice, protocol.ConnectTransportPayload{DTLSParameters: dtls}))

	peer, _ := f.session.peerAndRoom("s1")
	require.NotNil(t, peer)
	assert.False(t, peer.sendTransport.Connected(), "older transport untouched")
	assert.True(t, peer.recvTransport.Connected(), "most recent unconnected transport wins")

	acks := alice.eventsOfType(protocol.EventSfuTransportConnected)
	require.Len(t, acks, 1)
	payload, err := protocol.DecodePayload[protocol.TransportConnectedPayload](acks[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, peer.recvTransport.ID(), payload.TransportID)
}

func TestProduce_FanOutExcludesProducer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	alice := newFakeClient("s1", "user-1")
	bob := newFakeClient("s2", "user-2")
	carol := newFakeClient("s3", "user-3")
	f.joinPeer(t, alice, "room-1", "peer-a")
	f.joinPeer(t, bob, "room-1", "peer-b")
	f.joinPeer(t, carol, "room-1", "peer-c")
	f.setupTransports(t, alice)

	require.NoError(t, f.session.Produce(ctx, alice, protocol.ProducePayload{
		Kind:          "video",
		RTPParameters: json.RawMessage(`{"ssrc":42}`),
	}))

	require.Len(t, alice.eventsOfType(protocol.EventSfuProducerCreated), 1)
	assert.Empty(t, alice.eventsOfType(protocol.EventSfuNewProducer), "producer does not hear its own announcement")
	assert.Len(t, bob.eventsOfType(protocol.EventSfuNewProducer), 1)
	assert.Len(t, carol.eventsOfType(protocol.EventSfuNewProducer), 1)
}

func TestProduce_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	alice := newFakeClient("s1", "user-1")
	f.joinPeer(t, alice, "room-1", "peer-a")

	err := f.session.Produce(ctx, alice, protocol.ProducePayload{Kind: "screen"})
	assertCode(t, err, protocol.CodeInternal)

	err = f.session.Produce(ctx, alice, protocol.ProducePayload{Kind: "audio"})
	assertCode(t, err, protocol.CodeInternal)
}

func TestConsume(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	alice := newFakeClient("s1", "user-1")
	bob := newFakeClient("s2", "user-2")
	f.joinPeer(t, alice, "room-1", "peer-a")
	f.joinPeer(t, bob, "room-1", "peer-b")
	f.setupTransports(t, alice)
	f.setupTransports(t, bob)

	require.NoError(t, f.session.Produce(ctx, alice, protocol.ProducePayload{
		Kind:          "video",
		RTPParameters: json.RawMessage(`{"ssrc":42}`),
	}))
	announced := bob.eventsOfType(protocol.EventSfuNewProducer)
	require.Len(t, announced, 1)
	producer, err := protocol.DecodePayload[protocol.NewProducerPayload](announced[0].Payload)
	require.NoError(t, err)

	err = f.session.Consume(ctx, bob, protocol.ConsumePayload{ProducerID: "prod-missing"})
	assertCode(t, err, protocol.CodeUnconsumable)

	require.NoError(t, f.session.Consume(ctx, bob, protocol.ConsumePayload{
		ProducerID:      producer.ProducerID,
		RTPCapabilities: json.RawMessage(`{"codecs":[]}`),
	}))

	created := bob.eventsOfType(protocol.EventSfuConsumerCreated)
	require.Len(t, created, 1)
	payload, err := protocol.DecodePayload[protocol.ConsumerCreatedPayload](created[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, producer.ProducerID, payload.ProducerID)
	assert.Equal(t, "peer-a", payload.ProducerPeerID)

	// Created paused; resume acks and unpauses.
	peer, _ := f.session.peerAndRoom("s2")
	require.NotNil(t, peer)
	rec := peer.consumers[payload.ID]
	require.NotNil(t, rec)
	assert.True(t, rec.consumer.Paused())

	require.NoError(t, f.session.ResumeConsumer(ctx, bob, protocol.ResumeConsumerPayload{ConsumerID: payload.ID}))
	assert.False(t, rec.consumer.Paused())
	require.Len(t, bob.eventsOfType(protocol.EventSfuConsumerResumed), 1)
}

func TestPauseProducer_DefaultsToLatestVideo(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	alice := newFakeClient("s1", "user-1")
	bob := newFakeClient("s2", "user-2")
	f.joinPeer(t, alice, "room-1", "peer-a")
	f.joinPeer(t, bob, "room-1", "peer-b")
	f.setupTransports(t, alice)

	require.NoError(t, f.session.Produce(ctx, alice, protocol.ProducePayload{Kind: "audio", RTPParameters: json.RawMessage(`{"ssrc":1}`)}))
	require.NoError(t, f.session.Produce(ctx, alice, protocol.ProducePayload{Kind: "video", RTPParameters: json.RawMessage(`{"ssrc":2}`)}))

	require.NoError(t, f.session.PauseProducer(ctx, alice, protocol.PauseProducerPayload{Pause: true}))

	peer, _ := f.session.peerAndRoom("s1")
	require.NotNil(t, peer)
	require.Len(t, peer.producers, 2)
	assert.False(t, peer.producers[0].Paused(), "audio producer untouched")
	assert.True(t, peer.producers[1].Paused(), "video producer paused")

	paused := bob.eventsOfType(protocol.EventSfuProducerPaused)
	require.Len(t, paused, 1)
	payload, err := protocol.DecodePayload[protocol.ProducerPausedPayload](paused[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, peer.producers[1].ID(), payload.ProducerID)
	assert.True(t, payload.Paused)

	// Resume through the same path.
	require.NoError(t, f.session.PauseProducer(ctx, alice, protocol.PauseProducerPayload{Pause: false}))
	assert.False(t, peer.producers[1].Paused())
}

func TestClosePeer_NotifiesSubscribersAndClosesRouterWhenEmpty(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	alice := newFakeClient("s1", "user-1")
	bob := newFakeClient("s2", "user-2")
	f.joinPeer(t, alice, "room-1", "peer-a")
	f.joinPeer(t, bob, "room-1", "peer-b")
	f.setupTransports(t, alice)
	f.setupTransports(t, bob)

	require.NoError(t, f.session.Produce(ctx, alice, protocol.ProducePayload{Kind: "video", RTPParameters: json.RawMessage(`{"ssrc":1}`)}))
	producer, err := protocol.DecodePayload[protocol.NewProducerPayload](bob.eventsOfType(protocol.EventSfuNewProducer)[0].Payload)
	require.NoError(t, err)
	require.NoError(t, f.session.Consume(ctx, bob, protocol.ConsumePayload{
		ProducerID:      producer.ProducerID,
		RTPCapabilities: json.RawMessage(`{"codecs":[]}`),
	}))

	alicePeer, _ := f.session.peerAndRoom("s1")
	require.NotNil(t, alicePeer)
	var aliceTransports []*fakeTransport
	for _, tr := range alicePeer.transports {
		aliceTransports = append(aliceTransports, tr.(*fakeTransport))
	}

	f.session.ClosePeer("s1")

	// Bob's consumer of Alice's producer is closed and he is told.
	closedEvents := bob.eventsOfType(protocol.EventSfuConsumerClosed)
	require.Len(t, closedEvents, 1)
	bobPeer, _ := f.session.peerAndRoom("s2")
	require.NotNil(t, bobPeer)
	assert.Empty(t, bobPeer.consumers)

	for _, tr := range aliceTransports {
		assert.True(t, tr.isClosed())
	}
	assert.True(t, f.session.RoomActive("room-1"), "bob still holds the room open")

	f.session.ClosePeer("s2")
	assert.False(t, f.session.RoomActive("room-1"))
	assert.True(t, f.worker.routers[0].isClosed(), "last peer out closes the router")

	// Idempotent.
	f.session.ClosePeer("s2")
}

func TestCloseRoom(t *testing.T) {
	f := newFixture()
	alice := newFakeClient("s1", "user-1")
	f.joinPeer(t, alice, "room-1", "peer-a")

	f.session.CloseRoom("room-1")
	assert.False(t, f.session.RoomActive("room-1"))
	assert.True(t, f.worker.routers[0].isClosed())

	peer, _ := f.session.peerAndRoom("s1")
	assert.Nil(t, peer)

	// Closing an unknown room is a no-op.
	f.session.CloseRoom("room-2")
}

func TestTransportFailure_DropsProducersAndNotifies(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	alice := newFakeClient("s1", "user-1")
	bob := newFakeClient("s2", "user-2")
	f.joinPeer(t, alice, "room-1", "peer-a")
	f.joinPeer(t, bob, "room-1", "peer-b")
	f.setupTransports(t, alice)
	f.setupTransports(t, bob)

	require.NoError(t, f.session.Produce(ctx, alice, protocol.ProducePayload{Kind: "video", RTPParameters: json.RawMessage(`{"ssrc":1}`)}))
	producer, err := protocol.DecodePayload[protocol.NewProducerPayload](bob.eventsOfType(protocol.EventSfuNewProducer)[0].Payload)
	require.NoError(t, err)
	require.NoError(t, f.session.Consume(ctx, bob, protocol.ConsumePayload{
		ProducerID:      producer.ProducerID,
		RTPCapabilities: json.RawMessage(`{"codecs":[]}`),
	}))

	// Simulate the underlying connection dying: closing the transport
	// fires the registered close hook.
	alicePeer, _ := f.session.peerAndRoom("s1")
	require.NotNil(t, alicePeer)
	send := alicePeer.sendTransport.(*fakeTransport)
	require.NoError(t, send.Close())

	alicePeer, _ = f.session.peerAndRoom("s1")
	require.NotNil(t, alicePeer)
	assert.Nil(t, alicePeer.sendTransport)
	assert.Empty(t, alicePeer.producers)

	require.Len(t, bob.eventsOfType(protocol.EventSfuConsumerClosed), 1)
}
