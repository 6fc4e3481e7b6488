// Package transport manages one persistent websocket connection to a
// relay room: dialing, heartbeats, outbound buffering while offline,
// reconnection with backoff, and typed dispatch of inbound messages.
package transport

import (
	"encoding/json"
	"fmt"
)

// Message types carried in Envelope.Type. The set is open: handlers
// can be registered for any type string.
const (
	TypeDelta     = "delta"
	TypeAwareness = "awareness"
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Envelope is the wire frame exchanged with the relay.
type Envelope struct {
	Type   string          `json:"type"`
	Sender string          `json:"sender"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals v into an envelope of the given type.
func NewEnvelope(msgType, sender string, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("transport: encode %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Sender: sender, Data: data}, nil
}

// Heartbeat is the payload of ping and pong frames.
type Heartbeat struct {
	TS int64 `json:"ts"` // unix milliseconds
}

// Membership is the payload of join and leave frames.
type Membership struct {
	User string `json:"user"`
}
