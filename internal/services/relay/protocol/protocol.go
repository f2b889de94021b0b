// Package protocol defines the relay WebSocket frames shared by the server
// and the Go client.
//
// Every frame is a JSON envelope {type, request_id, payload}. Each type has
// one fixed payload shape.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	// TypePublish is sent by clients: PublishPayload.
	TypePublish = "relay.publish"
	// TypeTyping is sent by clients with an empty payload and relayed to
	// other sessions with TypingPayload.
	TypeTyping = "relay.typing"

	TypeWelcome  = "relay.welcome"
	TypeAck      = "relay.ack"
	TypeMessage  = "relay.message"
	TypePresence = "relay.presence"
	TypeError    = "relay.error"
)

// Connect query parameters.
const (
	QueryUser         = "user"
	QueryLastSequence = "last_sequence"
	QuerySessionID    = "sid"
	QuerySeen         = "seen"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Error codes.
const (
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeUnavailable       = "UNAVAILABLE"
)

// Frame is the wire envelope.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// PublishPayload asks the relay to record and broadcast content. Retries
// must reuse the same DedupToken.
type PublishPayload struct {
	Content    string `json:"content"`
	DedupToken string `json:"dedup_token"`
}

// WelcomePayload is the first frame on every connection.
type WelcomePayload struct {
	SessionID      string `json:"session_id"`
	Recovered      bool   `json:"recovered"`
	LatestSequence int64  `json:"latest_sequence"`
}

// AckPayload acknowledges a recorded publish. Duplicate is set when the
// token had already been recorded; Sequence is the original one.
type AckPayload struct {
	Status    string `json:"status"`
	Sequence  int64  `json:"sequence"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// MessagePayload carries one accepted message, replayed or live.
type MessagePayload struct {
	Content  string `json:"content"`
	Sequence int64  `json:"sequence"`
}

// PresencePayload reports a user coming online or going offline.
type PresencePayload struct {
	User   string `json:"user"`
	Status string `json:"status"`
}

// TypingPayload reports that a user is typing.
type TypingPayload struct {
	User string `json:"user"`
}

// ErrorEnvelope wraps ErrorPayload.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload describes a rejected frame or connection.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// NewFrame encodes payload into a frame of the given type.
func NewFrame(frameType string, requestID string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, RequestID: requestID, Payload: raw}, nil
}

// DecodePayload decodes the payload of f into T.
func DecodePayload[T any](f Frame) (T, error) {
	var payload T
	if len(f.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return payload, nil
}
