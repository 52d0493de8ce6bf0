package proto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message type values on the wire. New types are added here, never
// inferred from payload shape.
const (
	TypeStateSync     = "state_sync"
	TypeContextUpdate = "context_update"
	TypeEvent         = "event"
	TypeEventAck      = "event_ack"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeError         = "error"

	// Handshake types exchanged before a connection is eligible to
	// carry traffic.
	TypeAuth    = "auth"
	TypeAuthAck = "auth_ack"
)

// Priority governs transmission order in the outbound queue. It is a
// local attribute and does not appear in the wire envelope.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"` // raw JSON; schema is keyed by Type
	Timestamp int64           `json:"timestamp"`         // sender wall clock, unix millis; staleness checks only
}

// NewMessage builds an envelope with a fresh id and the given payload
// marshalled in. Marshal errors surface here so callers fail fast on a
// bad payload instead of at send time.
func NewMessage(msgType string, payload any) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = raw
	}
	return msg, nil
}
