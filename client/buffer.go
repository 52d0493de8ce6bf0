package client

import (
	"sync"
	"time"

	"github.com/mindmirror/mindlink/proto"
)

// bufferedEvent is a locally-generated event that could not be sent.
// Its id is stable across replays so the authority can de-duplicate.
type bufferedEvent struct {
	id        string
	content   string
	context   map[string]string
	createdAt time.Time
	priority  proto.Priority
	inFlight  bool
}

// offlineBuffer holds events awaiting transmission, in submission
// order. Entries leave only on event_ack or an explicit clear; a send
// alone never removes anything.
type offlineBuffer struct {
	mu       sync.Mutex
	capacity int
	entries  []bufferedEvent
}

func newOfflineBuffer(capacity int) *offlineBuffer {
	return &offlineBuffer{capacity: capacity}
}

// add appends an event. When full, the oldest non-high entry is evicted
// and returned; if every entry is high priority the incoming event is
// dropped with ErrBufferOverflow.
func (b *offlineBuffer) add(ev bufferedEvent) (*bufferedEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted *bufferedEvent
	if len(b.entries) >= b.capacity {
		idx := -1
		for i, e := range b.entries {
			if e.priority != proto.PriorityHigh {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, ErrBufferOverflow
		}
		e := b.entries[idx]
		b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
		evicted = &e
	}
	b.entries = append(b.entries, ev)
	return evicted, nil
}

// ack removes the entry the authority acknowledged.
func (b *offlineBuffer) ack(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.id == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

// pendingReplay marks every idle entry in-flight and returns copies in
// original submission order. Entries already in flight are skipped, so
// overlapping replays never duplicate.
func (b *offlineBuffer) pendingReplay() []bufferedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bufferedEvent
	for i := range b.entries {
		if b.entries[i].inFlight {
			continue
		}
		b.entries[i].inFlight = true
		out = append(out, b.entries[i])
	}
	return out
}

// clearInFlight makes one entry eligible for replay again, used when
// its re-submission could not be queued.
func (b *offlineBuffer) clearInFlight(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entries {
		if b.entries[i].id == id {
			b.entries[i].inFlight = false
			return
		}
	}
}

// resetInFlight clears every marker; unacked entries replay on the next
// reconnect.
func (b *offlineBuffer) resetInFlight() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entries {
		b.entries[i].inFlight = false
	}
}

func (b *offlineBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *offlineBuffer) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}
