// Package sfu wraps a media-routing worker behind narrow interfaces.
// The topology mirrors an SFU: one Worker per process, one Router per
// room, per-peer Transports carrying Producers (client publishes) and
// Consumers (client subscribes). RTP/DTLS parameter blobs stay opaque
// json.RawMessage at this boundary so the signaling layer never
// interprets media parameters.
package sfu

import (
	"context"
	"encoding/json"
)

// MediaKind identifies a producer or consumer media type.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind.
func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// Config is the worker network binding.
type Config struct {
	// ListenIP is the local bind address for RTC traffic.
	ListenIP string
	// AnnouncedIP replaces ListenIP in candidates when the worker sits
	// behind NAT 1:1. Empty means announce ListenIP.
	AnnouncedIP string
	// MinPort and MaxPort bound the ephemeral UDP range.
	MinPort uint16
	MaxPort uint16
}

// TransportInfo is the server half of a newly created transport. The
// client uses it to set up its side of the ICE/DTLS association.
type TransportInfo struct {
	ID             string
	ICEParameters  json.RawMessage
	ICECandidates  json.RawMessage
	DTLSParameters json.RawMessage
}

// Worker owns the media engine. A single worker handle is shared by
// every room; it is internally synchronized.
type Worker interface {
	// NewRouter creates an independent routing domain, one per room.
	NewRouter(ctx context.Context) (Router, error)
	// Died fires once if the worker fails fatally. The process is
	// expected to exit shortly after so a supervisor restarts it.
	Died() <-chan error
	Close() error
}

// Router multiplexes producers to consumers within one room.
type Router interface {
	ID() string
	// RTPCapabilities is the codec set announced to joining clients.
	RTPCapabilities() json.RawMessage
	// CanConsume reports whether a client with the given capabilities
	// can receive the named producer.
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	NewTransport(ctx context.Context) (Transport, error)
	Close() error
}

// Transport is one peer-facing ICE/DTLS association. Closing a
// transport closes every producer and consumer it carries.
type Transport interface {
	ID() string
	Info() TransportInfo
	// Connect applies the client's DTLS parameters. Calling it again on
	// a connected transport is a no-op.
	Connect(dtlsParameters json.RawMessage) error
	Connected() bool
	Produce(kind MediaKind, rtpParameters json.RawMessage) (Producer, error)
	Consume(producerID string, rtpCapabilities json.RawMessage) (Consumer, error)
	// OnClose registers a hook invoked once when the transport closes,
	// whether by Close or by the underlying connection failing.
	OnClose(fn func())
	Close() error
}

// Producer is a client-published media source.
type Producer interface {
	ID() string
	Kind() MediaKind
	Pause()
	Resume()
	Paused() bool
	Close() error
}

// Consumer is a server-forwarded subscription to one producer. It is
// created paused; the client resumes it once its receiver is wired.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	// RTPParameters describe the stream the server will send.
	RTPParameters() json.RawMessage
	Resume() error
	Paused() bool
	Close() error
}
