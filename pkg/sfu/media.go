package sfu

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/metrics"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// pionProducer is a client-published stream: an RTP receiver plus the
// fan-out list of consumers subscribed to it.
type pionProducer struct {
	id        string
	kind      MediaKind
	codec     webrtc.RTPCodecParameters
	transport *pionTransport
	receiver  *webrtc.RTPReceiver
	track     *webrtc.TrackRemote

	mu          sync.Mutex
	paused      bool
	closed      bool
	subscribers map[string]*pionConsumer
}

func (p *pionProducer) ID() string { return p.id }

func (p *pionProducer) Kind() MediaKind { return p.kind }

// Pause implements Producer. The forward loop keeps reading so the
// receiver stays healthy; packets are dropped instead of forwarded.
func (p *pionProducer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *pionProducer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

func (p *pionProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// forward pumps RTP from the producing client to every unpaused
// subscriber. Runs until the receiver stops.
func (p *pionProducer) forward() {
	buf := make([]byte, 1500)
	for {
		n, _, err := p.track.Read(buf)
		if err != nil {
			return
		}
		if p.Paused() {
			continue
		}
		for _, consumer := range p.snapshotSubscribers() {
			if consumer.Paused() {
				continue
			}
			if _, err := consumer.track.Write(buf[:n]); err != nil {
				// A dead pipe means the consumer side is gone; detach
				// it so the loop stops paying for it.
				p.removeSubscriber(consumer.id)
			}
		}
	}
}

func (p *pionProducer) addSubscriber(c *pionConsumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[c.id] = c
}

func (p *pionProducer) removeSubscriber(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribers, id)
}

func (p *pionProducer) snapshotSubscribers() []*pionConsumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*pionConsumer, 0, len(p.subscribers))
	for _, c := range p.subscribers {
		out = append(out, c)
	}
	return out
}

// requestKeyframe relays a PLI from a consumer back to the producing
// client.
func (p *pionProducer) requestKeyframe() {
	if p.kind != MediaKindVideo {
		return
	}
	_, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(p.track.SSRC())},
	})
	if err != nil {
		logging.Debug(context.Background(), "failed to relay PLI",
			zap.String("producer_id", p.id), zap.Error(err))
	}
}

// Close implements Producer. Subscribed consumers close with it (S1
// lives at the transport; this keeps the index clean when a producer
// goes away on its own).
func (p *pionProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subscribers := make([]*pionConsumer, 0, len(p.subscribers))
	for _, c := range p.subscribers {
		subscribers = append(subscribers, c)
	}
	p.subscribers = make(map[string]*pionConsumer)
	p.mu.Unlock()

	for _, c := range subscribers {
		_ = c.Close()
	}
	err := p.receiver.Stop()
	p.transport.router.dropProducer(p.id)
	p.transport.dropProducer(p.id)
	metrics.SfuProducersActive.WithLabelValues(string(p.kind)).Dec()
	return err
}

// pionConsumer is a server-forwarded subscription: a local track bound
// to an RTP sender on the consuming peer's transport.
type pionConsumer struct {
	id        string
	producer  *pionProducer
	transport *pionTransport
	sender    *webrtc.RTPSender
	track     *webrtc.TrackLocalStaticRTP
	rtpParams json.RawMessage

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *pionConsumer) ID() string { return c.id }

func (c *pionConsumer) ProducerID() string { return c.producer.id }

func (c *pionConsumer) Kind() MediaKind { return c.producer.kind }

func (c *pionConsumer) RTPParameters() json.RawMessage { return c.rtpParams }

// Resume implements Consumer. The client calls it once its receiver
// track is wired; a keyframe request follows so video starts clean.
func (c *pionConsumer) Resume() error {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.producer.requestKeyframe()
	return nil
}

func (c *pionConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// watchRTCP reads receiver reports from the consuming client and
// relays keyframe requests to the producer. Runs until the sender
// stops.
func (c *pionConsumer) watchRTCP() {
	buf := make([]byte, 1500)
	for {
		n, _, err := c.sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyframe()
			}
		}
	}
}

// Close implements Consumer. Idempotent.
func (c *pionConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.producer.removeSubscriber(c.id)
	err := c.sender.Stop()
	c.transport.dropConsumer(c.id)
	metrics.SfuConsumersActive.Dec()
	return err
}
