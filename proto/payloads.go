package proto

import (
	"encoding/json"
	"fmt"
)

// StateSyncPayload carries the authority's current state broadcast.
// Value is opaque to the client; Phase is a monotonic label.
type StateSyncPayload struct {
	Value float64 `json:"value"`
	Phase string  `json:"phase,omitempty"`
}

type ContextUpdatePayload struct {
	Context   map[string]string `json:"context,omitempty"`
	ForceSync bool              `json:"force_sync,omitempty"`
}

type EventPayload struct {
	Content string            `json:"content"`
	Context map[string]string `json:"context,omitempty"`
}

// EventAckPayload references the id of the event message being
// acknowledged.
type EventAckPayload struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// AuthPayload identifies the client right after transport-open.
type AuthPayload struct {
	ClientID     string   `json:"client_id"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type AuthAckPayload struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

type PingPayload struct {
	Seq int64 `json:"seq"`
}

type PongPayload struct {
	Seq int64 `json:"seq"`
}

// ParsePayload decodes a message's payload into the struct its Type
// dictates. Unrecognized types return an error rather than a blob.
func ParsePayload(msg Message) (any, error) {
	var v any
	switch msg.Type {
	case TypeStateSync:
		v = &StateSyncPayload{}
	case TypeContextUpdate:
		v = &ContextUpdatePayload{}
	case TypeEvent:
		v = &EventPayload{}
	case TypeEventAck:
		v = &EventAckPayload{}
	case TypeError:
		v = &ErrorPayload{}
	case TypeAuth:
		v = &AuthPayload{}
	case TypeAuthAck:
		v = &AuthAckPayload{}
	case TypePing:
		v = &PingPayload{}
	case TypePong:
		v = &PongPayload{}
	default:
		return nil, fmt.Errorf("no payload schema for message type %q", msg.Type)
	}
	if len(msg.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	return v, nil
}

// CorrelationID extracts the pending-request id an inbound message
// refers to, if any. Acks and errors reference the originating id in
// their payload; everything else correlates by envelope id.
func CorrelationID(msg Message) string {
	switch msg.Type {
	case TypeEventAck:
		var p EventAckPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil && p.EventID != "" {
			return p.EventID
		}
	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil && p.RequestID != "" {
			return p.RequestID
		}
	}
	return msg.ID
}
