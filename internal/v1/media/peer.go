package media

import (
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"github.com/huddlehq/huddle/backend/go/pkg/sfu"
)

// peerState is one participant's SFU footprint: up to two transports
// and the producers/consumers they carry. Fields are guarded by the
// session lock.
type peerState struct {
	socketId types.SocketIdType
	peerId   types.PeerIdType
	roomId   types.RoomIdType
	client   types.ClientInterface

	// transports in creation order; sendTransport/recvTransport alias
	// the directional ones.
	transports    []sfu.Transport
	sendTransport sfu.Transport
	recvTransport sfu.Transport

	// producers in creation order, for the id-less pause path.
	producers []sfu.Producer

	consumers map[string]*consumerRec
}

// consumerRec ties a consumer to the peer that owns its producer.
type consumerRec struct {
	consumer       sfu.Consumer
	producerID     string
	producerPeerID types.PeerIdType
}

func newPeerState(client types.ClientInterface, peerId types.PeerIdType, roomId types.RoomIdType) *peerState {
	return &peerState{
		socketId:  client.GetSocketId(),
		peerId:    peerId,
		roomId:    roomId,
		client:    client,
		consumers: make(map[string]*consumerRec),
	}
}

// unconnectedTransport picks the most recently created transport that
// has not completed its DTLS handshake yet.
func (p *peerState) unconnectedTransport() sfu.Transport {
	for i := len(p.transports) - 1; i >= 0; i-- {
		if !p.transports[i].Connected() {
			return p.transports[i]
		}
	}
	return nil
}

// transportByID resolves one of the peer's transports.
func (p *peerState) transportByID(id string) sfu.Transport {
	for _, t := range p.transports {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// dropTransport removes a closed transport and its directional alias.
func (p *peerState) dropTransport(id string) {
	for i, t := range p.transports {
		if t.ID() == id {
			p.transports = append(p.transports[:i], p.transports[i+1:]...)
			break
		}
	}
	if p.sendTransport != nil && p.sendTransport.ID() == id {
		p.sendTransport = nil
	}
	if p.recvTransport != nil && p.recvTransport.ID() == id {
		p.recvTransport = nil
	}
}

// producerByID resolves one of the peer's producers.
func (p *peerState) producerByID(id string) sfu.Producer {
	for _, producer := range p.producers {
		if producer.ID() == id {
			return producer
		}
	}
	return nil
}

// latestProducer picks the peer's most recent producer of kind.
func (p *peerState) latestProducer(kind sfu.MediaKind) sfu.Producer {
	for i := len(p.producers) - 1; i >= 0; i-- {
		if p.producers[i].Kind() == kind {
			return p.producers[i]
		}
	}
	return nil
}

// consumersOf lists the peer's consumers subscribed to producerID.
func (p *peerState) consumersOf(producerID string) []*consumerRec {
	var out []*consumerRec
	for _, rec := range p.consumers {
		if rec.producerID == producerID {
			out = append(out, rec)
		}
	}
	return out
}
