package client

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mindmirror/mindlink/proto"
)

// Local event names dispatched alongside wire message types. Lifecycle
// events are emitted by the pool and supervisor; applications may
// subscribe to any of them.
const (
	EventConnected        = "connected"
	EventDisconnected     = "disconnected"
	EventConnectionSwitch = "connection_switch"
	EventStatusChange     = "status_change"
	EventQueueOverflow    = "queue_overflow"
	EventBufferOverflow   = "buffer_overflow"
	EventMessageFailed    = "message_failed"
	EventMilestone        = "milestone"
	// EventUnknown is the catch-all for unroutable message types.
	EventUnknown = "unknown"
)

type Handler func(msg proto.Message)

type subscription struct {
	id string
	fn Handler
}

// dispatcher routes messages by type to registered handlers in
// registration order. Handler panics are recovered and logged; one bad
// handler never breaks the others or the connection.
type dispatcher struct {
	mu         sync.RWMutex
	handlers   map[string][]subscription
	unroutable atomic.Int64
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string][]subscription)}
}

// on registers a handler and returns its subscription id for off.
func (d *dispatcher) on(msgType string, h Handler) string {
	id := uuid.NewString()
	d.mu.Lock()
	d.handlers[msgType] = append(d.handlers[msgType], subscription{id: id, fn: h})
	d.mu.Unlock()
	return id
}

func (d *dispatcher) off(msgType, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.handlers[msgType]
	for i, s := range subs {
		if s.id == id {
			d.handlers[msgType] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// dispatch invokes handlers for the message's type. Unroutable types
// fall through to the unknown catch-all if registered, else they are
// silently counted.
func (d *dispatcher) dispatch(msgType string, msg proto.Message) {
	d.mu.RLock()
	subs := d.handlers[msgType]
	if len(subs) == 0 {
		subs = d.handlers[EventUnknown]
	}
	// Copy so handlers may register/unregister without deadlocking.
	run := make([]subscription, len(subs))
	copy(run, subs)
	d.mu.RUnlock()

	if len(run) == 0 {
		d.unroutable.Add(1)
		return
	}
	for _, s := range run {
		invoke(msgType, s, msg)
	}
}

func invoke(msgType string, s subscription, msg proto.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Handler panicked", "type", msgType, "subscription", s.id, "panic", r)
		}
	}()
	s.fn(msg)
}

func (d *dispatcher) unroutableCount() int64 {
	return d.unroutable.Load()
}
