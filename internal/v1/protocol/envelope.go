// Package protocol defines the JSON wire format spoken over signaling
// sockets: the event envelope, the event names, the payload shapes, and
// the error taxonomy surfaced to clients. It has no dependencies on the
// rest of the session layer so every other package can import it.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the envelope for every message crossing a signaling socket,
// in either direction. Payload stays raw so the relay can route on Type
// without decoding bodies it only forwards.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      int64           `json:"ts,omitempty"`
	AckId   string          `json:"ackId,omitempty"`
}

// NewEvent wraps payload in an envelope stamped with the current time.
func NewEvent(eventType string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{Type: eventType, Payload: raw, Ts: time.Now().UnixMilli()}, nil
}

// Encode renders the envelope to bytes ready for a socket write.
func (e *Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return data, nil
}

// Decode parses one raw socket frame into an envelope.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("decode event: missing type")
	}
	return &ev, nil
}

// DecodePayload unmarshals an envelope payload into a concrete payload
// struct. The zero value is returned alongside any error.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("decode payload: empty payload")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
