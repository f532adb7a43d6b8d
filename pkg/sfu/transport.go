package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/metrics"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// connectParameters is the blob clients send in sfu:connect-transport.
// The worker runs ICE-lite, so the client bundles its ICE credentials
// with the DTLS fingerprints; no candidate exchange happens toward the
// server.
type connectParameters struct {
	Role         string `json:"role,omitempty"`
	Fingerprints []struct {
		Algorithm string `json:"algorithm"`
		Value     string `json:"value"`
	} `json:"fingerprints"`
	ICEParameters struct {
		UsernameFragment string `json:"usernameFragment"`
		Password         string `json:"password"`
	} `json:"iceParameters"`
}

// pionTransport is one ICE/DTLS association built from the ORTC API:
// gatherer, ICE transport, DTLS transport, and the producers and
// consumers riding on it.
type pionTransport struct {
	id     string
	router *pionRouter

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	info     TransportInfo

	mu        sync.Mutex
	connected bool
	closed    bool
	producers map[string]*pionProducer
	consumers map[string]*pionConsumer
	onClose   []func()
}

// newTransport creates the ICE/DTLS stack and gathers host candidates
// so the returned transport's Info is complete.
func newTransport(ctx context.Context, r *pionRouter) (*pionTransport, error) {
	api := r.worker.api

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("create ICE gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("create DTLS transport: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather candidates: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("read local candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("read local ICE parameters: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("read local DTLS parameters: %w", err)
	}

	rawICEParams, err := json.Marshal(iceParams)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("marshal ICE parameters: %w", err)
	}
	rawCandidates, err := json.Marshal(candidates)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("marshal candidates: %w", err)
	}
	rawDTLSParams, err := json.Marshal(dtlsParams)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("marshal DTLS parameters: %w", err)
	}

	t := &pionTransport{
		id:        "trans_" + uuid.NewString(),
		router:    r,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		producers: make(map[string]*pionProducer),
		consumers: make(map[string]*pionConsumer),
	}
	t.info = TransportInfo{
		ID:             t.id,
		ICEParameters:  rawICEParams,
		ICECandidates:  rawCandidates,
		DTLSParameters: rawDTLSParams,
	}

	// The transport dies with its connection: a failed or closed ICE
	// state cascades into a full close, which closes every child.
	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		switch state {
		case webrtc.ICETransportStateFailed, webrtc.ICETransportStateDisconnected, webrtc.ICETransportStateClosed:
			go func() { _ = t.Close() }()
		}
	})

	return t, nil
}

func (t *pionTransport) ID() string { return t.id }

func (t *pionTransport) Info() TransportInfo { return t.info }

// Connect implements Transport. Starts ICE (controlled, lite side) and
// the DTLS handshake with the client's parameters. Repeat calls no-op.
func (t *pionTransport) Connect(raw json.RawMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport is closed")
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.mu.Unlock()

	var params connectParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("decode DTLS parameters: %w", err)
	}
	if len(params.Fingerprints) == 0 {
		return errors.New("DTLS parameters carry no fingerprints")
	}

	role := webrtc.ICERoleControlled
	remoteICE := webrtc.ICEParameters{
		UsernameFragment: params.ICEParameters.UsernameFragment,
		Password:         params.ICEParameters.Password,
	}
	if err := t.ice.Start(nil, remoteICE, &role); err != nil {
		return fmt.Errorf("start ICE transport: %w", err)
	}

	fingerprints := make([]webrtc.DTLSFingerprint, 0, len(params.Fingerprints))
	for _, f := range params.Fingerprints {
		fingerprints = append(fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	dtlsRole := webrtc.DTLSRoleClient
	if params.Role == "server" {
		dtlsRole = webrtc.DTLSRoleServer
	}
	if err := t.dtls.Start(webrtc.DTLSParameters{Role: dtlsRole, Fingerprints: fingerprints}); err != nil {
		return fmt.Errorf("start DTLS transport: %w", err)
	}

	logging.Debug(context.Background(), "sfu transport connected", zap.String("transport_id", t.id))
	return nil
}

func (t *pionTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Produce implements Transport.
func (t *pionTransport) Produce(kind MediaKind, raw json.RawMessage) (Producer, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}

	var params rtpParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode RTP parameters: %w", err)
	}
	codec, ok := codecByMimeType(t.router.worker.codecs, params.MimeType)
	if !ok {
		return nil, fmt.Errorf("unsupported codec %q", params.MimeType)
	}
	if kindOfMimeType(codec.MimeType) != kind {
		return nil, fmt.Errorf("codec %q is not %s", params.MimeType, kind)
	}
	if params.SSRC == 0 {
		return nil, errors.New("RTP parameters carry no SSRC")
	}

	codecType := webrtc.RTPCodecTypeVideo
	if kind == MediaKindAudio {
		codecType = webrtc.RTPCodecTypeAudio
	}
	receiver, err := t.router.worker.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create RTP receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.SSRC),
				PayloadType: webrtc.PayloadType(params.PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("start RTP receiver: %w", err)
	}

	producer := &pionProducer{
		id:          newProducerID(),
		kind:        kind,
		codec:       codec,
		transport:   t,
		receiver:    receiver,
		track:       receiver.Track(),
		subscribers: make(map[string]*pionConsumer),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = receiver.Stop()
		return nil, errors.New("transport is closed")
	}
	t.producers[producer.id] = producer
	t.mu.Unlock()

	if err := t.router.registerProducer(producer); err != nil {
		_ = producer.Close()
		return nil, err
	}

	metrics.SfuProducersActive.WithLabelValues(string(kind)).Inc()
	go producer.forward()
	return producer, nil
}

// Consume implements Transport. The consumer starts paused.
func (t *pionTransport) Consume(producerID string, rtpCaps json.RawMessage) (Consumer, error) {
	producer, ok := t.router.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}
	if !capabilitiesInclude(rtpCaps, producer.codec.MimeType) {
		return nil, fmt.Errorf("capabilities cannot consume codec %q", producer.codec.MimeType)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(producer.codec.RTPCodecCapability, producer.id, "huddle-"+producer.id)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	sender, err := t.router.worker.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create RTP sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("start RTP sender: %w", err)
	}

	var ssrc uint32
	if len(sendParams.Encodings) > 0 {
		ssrc = uint32(sendParams.Encodings[0].SSRC)
	}
	rawParams, err := json.Marshal(rtpParameters{
		MimeType:    producer.codec.MimeType,
		PayloadType: uint8(producer.codec.PayloadType),
		ClockRate:   producer.codec.ClockRate,
		Channels:    producer.codec.Channels,
		SSRC:        ssrc,
	})
	if err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("marshal consumer RTP parameters: %w", err)
	}

	consumer := &pionConsumer{
		id:        newConsumerID(),
		producer:  producer,
		transport: t,
		sender:    sender,
		track:     track,
		rtpParams: rawParams,
		paused:    true,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, errors.New("transport is closed")
	}
	t.consumers[consumer.id] = consumer
	t.mu.Unlock()

	producer.addSubscriber(consumer)
	metrics.SfuConsumersActive.Inc()
	go consumer.watchRTCP()
	return consumer, nil
}

// OnClose implements Transport.
func (t *pionTransport) OnClose(fn func()) {
	t.mu.Lock()
	closed := t.closed
	if !closed {
		t.onClose = append(t.onClose, fn)
	}
	t.mu.Unlock()
	if closed {
		fn()
	}
}

// Close implements Transport. Children close first, then the ICE/DTLS
// stack. Idempotent.
func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*pionProducer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*pionConsumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	hooks := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}

	var errs []error
	if err := t.dtls.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.ice.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := t.gatherer.Close(); err != nil {
		errs = append(errs, err)
	}
	t.router.dropTransport(t.id)
	for _, fn := range hooks {
		fn()
	}
	logging.Debug(context.Background(), "sfu transport closed", zap.String("transport_id", t.id))
	return errors.Join(errs...)
}

// dropProducer removes a closed producer from the transport.
func (t *pionTransport) dropProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

// dropConsumer removes a closed consumer from the transport.
func (t *pionTransport) dropConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}
