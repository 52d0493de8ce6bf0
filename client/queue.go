package client

import (
	"sync"

	"github.com/mindmirror/mindlink/proto"
)

type queuedMessage struct {
	msg      proto.Message
	priority proto.Priority
	retries  int
}

// messageQueue is the bounded, priority-aware outbound buffer. All high
// messages drain before any normal, before any low; FIFO within a tier.
type messageQueue struct {
	mu       sync.Mutex
	capacity int
	tiers    [3][]queuedMessage
}

func newMessageQueue(capacity int) *messageQueue {
	return &messageQueue{capacity: capacity}
}

// enqueue never blocks. When the queue is full it evicts the oldest
// low-priority message to make room and returns it; with no low
// candidate the incoming message is dropped and ErrQueueOverflow
// returned.
func (q *messageQueue) enqueue(qm queuedMessage) (*queuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted *queuedMessage
	if q.depthLocked() >= q.capacity {
		low := q.tiers[proto.PriorityLow]
		if len(low) == 0 {
			return nil, ErrQueueOverflow
		}
		e := low[0]
		q.tiers[proto.PriorityLow] = low[1:]
		evicted = &e
	}
	q.tiers[qm.priority] = append(q.tiers[qm.priority], qm)
	return evicted, nil
}

// requeueFront puts a failed send back at the head of its tier so it is
// retried before newer peers of the same priority. Capacity is not
// rechecked; the message just vacated its slot.
func (q *messageQueue) requeueFront(qm queuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tier := q.tiers[qm.priority]
	q.tiers[qm.priority] = append([]queuedMessage{qm}, tier...)
}

func (q *messageQueue) pop() (queuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := proto.PriorityHigh; p <= proto.PriorityLow; p++ {
		if len(q.tiers[p]) > 0 {
			qm := q.tiers[p][0]
			q.tiers[p] = q.tiers[p][1:]
			return qm, true
		}
	}
	return queuedMessage{}, false
}

func (q *messageQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *messageQueue) depthLocked() int {
	return len(q.tiers[proto.PriorityHigh]) + len(q.tiers[proto.PriorityNormal]) + len(q.tiers[proto.PriorityLow])
}
