package client

import (
	"sync"

	"github.com/mindmirror/mindlink/proto"
)

type response struct {
	msg proto.Message
	err error
}

// pendingTable correlates outbound messages awaiting a reply to their
// eventual response. Every registration gets exactly one terminal
// resolution: success, timeout, or cancellation on disconnect.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan response
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan response)}
}

func (t *pendingTable) register(id string) <-chan response {
	ch := make(chan response, 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()
	return ch
}

// resolve completes the waiter for id with the inbound message. Returns
// false when no entry is registered, e.g. it already timed out.
func (t *pendingTable) resolve(id string, msg proto.Message) bool {
	return t.complete(id, response{msg: msg})
}

// fail completes the waiter for id with an error. Returns false when a
// resolution already landed.
func (t *pendingTable) fail(id string, err error) bool {
	return t.complete(id, response{err: err})
}

func (t *pendingTable) complete(id string, r response) bool {
	t.mu.Lock()
	ch, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- r
	return true
}

// failAll rejects every outstanding entry, used on disconnect.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = make(map[string]chan response)
	t.mu.Unlock()
	for _, ch := range waiters {
		ch <- response{err: err}
	}
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
