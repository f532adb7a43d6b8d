package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/metrics"
	"go.uber.org/zap"
)

// pionRouter is one room's routing domain. It indexes every producer
// in the room so any transport can consume it.
type pionRouter struct {
	id     string
	worker *PionWorker

	mu         sync.Mutex
	transports map[string]*pionTransport
	producers  map[string]*pionProducer
	closed     bool
}

func (r *pionRouter) ID() string { return r.id }

// RTPCapabilities implements Router.
func (r *pionRouter) RTPCapabilities() json.RawMessage {
	return routerCapabilities(r.worker.codecs)
}

// CanConsume implements Router: the producer must exist and the client
// capabilities must list its codec.
func (r *pionRouter) CanConsume(producerID string, rtpCaps json.RawMessage) bool {
	r.mu.Lock()
	producer, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return capabilitiesInclude(rtpCaps, producer.codec.MimeType)
}

// NewTransport implements Router. The transport gathers its host
// candidates before it is returned, so Info() is complete.
func (r *pionRouter) NewTransport(ctx context.Context) (Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("router is closed")
	}
	r.mu.Unlock()

	t, err := newTransport(ctx, r)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return nil, errors.New("router is closed")
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	metrics.SfuTransportsActive.Inc()
	return t, nil
}

// Close implements Router. Closes every transport, cascading to their
// producers and consumers.
func (r *pionRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*pionTransport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]*pionTransport)
	r.mu.Unlock()

	var errs []error
	for _, t := range transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.worker.dropRouter(r.id)
	logging.Info(context.Background(), "sfu router closed", zap.String("router_id", r.id))
	return errors.Join(errs...)
}

// registerProducer indexes a new producer for room-wide consumption.
func (r *pionRouter) registerProducer(p *pionProducer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("router is closed")
	}
	r.producers[p.id] = p
	return nil
}

// dropProducer removes a closed producer from the index.
func (r *pionRouter) dropProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

// producer resolves a producer by id.
func (r *pionRouter) producer(id string) (*pionProducer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// dropTransport removes a closed transport from the index.
func (r *pionRouter) dropTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[id]; ok {
		delete(r.transports, id)
		metrics.SfuTransportsActive.Dec()
	}
}

// newConsumerID and newProducerID keep id minting in one place.
func newProducerID() string { return "prod_" + uuid.NewString() }

func newConsumerID() string { return "cons_" + uuid.NewString() }
