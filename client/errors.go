package client

import (
	"errors"
	"fmt"
)

var (
	// ErrResponseTimeout is a local failure: the underlying send is not
	// retracted and may still succeed remotely (at-least-once, not
	// exactly-once).
	ErrResponseTimeout = errors.New("timed out waiting for response")

	ErrDisconnected   = errors.New("client is disconnected")
	ErrQueueOverflow  = errors.New("outbound queue is full")
	ErrBufferOverflow = errors.New("offline buffer is full")
)

// TransportError wraps a connection-level failure. It never reaches
// application code as a return value; it drives failover and reconnect.
type TransportError struct {
	ConnID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on connection %s: %v", e.ConnID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeError marks a connection attempt whose application-level
// handshake failed or was rejected. The attempt is treated as failed;
// the pool itself survives.
type HandshakeError struct {
	Status string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %v", e.Err)
	}
	return fmt.Sprintf("handshake rejected with status %q", e.Status)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
