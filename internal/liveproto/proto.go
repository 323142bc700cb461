// Package liveproto defines the JSON messages exchanged between the gateway
// and a device over the liveness WebSocket.
package liveproto

import (
	"encoding/json"
	"time"
)

// Message kinds identify the type of payload carried by a [Message].
const (
	KindPing      = "ping"
	KindPong      = "pong"
	KindTelemetry = "telemetry"
	KindPush      = "push"
	KindRevoked   = "revoked"
	KindError     = "error"
)

// Message is the envelope exchanged on the liveness channel. Payload is
// opaque to the gateway core.
type Message struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	SentAt  time.Time       `json:"sent_at,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IsControl reports whether kind is written ahead of queued data.
func IsControl(kind string) bool {
	switch kind {
	case KindPing, KindPong, KindRevoked, KindError:
		return true
	default:
		return false
	}
}

// NewPayloadMessage marshals v into a message of the given kind.
func NewPayloadMessage(kind, id string, v any) (Message, error) {
	msg := Message{Kind: kind, ID: id, SentAt: time.Now().UTC()}
	if v == nil {
		return msg, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		msg.Payload = append(json.RawMessage(nil), raw...)
		return msg, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	msg.Payload = b
	return msg, nil
}
