package client

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mindmirror/mindlink/proto"
)

type connState int

const (
	connConnecting connState = iota
	connOpen
	connError
	connClosed
)

func (s connState) String() string {
	switch s {
	case connConnecting:
		return "connecting"
	case connOpen:
		return "open"
	case connError:
		return "error"
	case connClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// poolConn is one pool member: a handshaken transport plus liveness
// bookkeeping. Counters are observability only.
type poolConn struct {
	id        string
	transport Transport
	clock     clockwork.Clock

	mu           sync.Mutex
	state        connState
	lastActivity time.Time
	sent         int64
	received     int64
	errs         int64
}

func newPoolConn(t Transport, clock clockwork.Clock) *poolConn {
	return &poolConn{
		id:           uuid.NewString(),
		transport:    t,
		clock:        clock,
		state:        connOpen,
		lastActivity: clock.Now(),
	}
}

func (pc *poolConn) send(msg proto.Message) error {
	if err := pc.transport.Send(msg); err != nil {
		pc.mu.Lock()
		pc.errs++
		pc.mu.Unlock()
		return err
	}
	pc.mu.Lock()
	pc.sent++
	pc.lastActivity = pc.clock.Now()
	pc.mu.Unlock()
	return nil
}

func (pc *poolConn) noteReceived() {
	pc.mu.Lock()
	pc.received++
	pc.lastActivity = pc.clock.Now()
	pc.mu.Unlock()
}

func (pc *poolConn) setState(s connState) {
	pc.mu.Lock()
	pc.state = s
	pc.mu.Unlock()
}

func (pc *poolConn) currentState() connState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// pool holds the parallel connections to the one endpoint. Exactly one
// member is active whenever at least one is open; the active member is
// the sole target for new outbound traffic.
type pool struct {
	mu      sync.RWMutex
	members []*poolConn
	active  *poolConn
}

func newPool() *pool {
	return &pool{}
}

// add inserts an open member. The first member added while no active
// exists becomes active; later members are warm standbys.
func (p *pool) add(pc *poolConn) (becameActive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members = append(p.members, pc)
	if p.active == nil {
		p.active = pc
		return true
	}
	return false
}

func (p *pool) getActive() *poolConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// remove drops a failed member. If it was active the next open standby
// is promoted and returned. openLeft reports how many open members
// remain so the caller can hand control to the reconnection supervisor.
// found is false when the member was already removed, making duplicate
// failure reports no-ops.
func (p *pool) remove(id string) (found, wasActive bool, promoted *poolConn, openLeft int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, m := range p.members {
		if m.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, false, nil, p.openCountLocked()
	}
	member := p.members[idx]
	p.members = append(p.members[:idx], p.members[idx+1:]...)

	if p.active == member {
		wasActive = true
		p.active = nil
		for _, m := range p.members {
			if m.currentState() == connOpen {
				p.active = m
				promoted = m
				break
			}
		}
	}
	return true, wasActive, promoted, p.openCountLocked()
}

func (p *pool) openCountLocked() int {
	n := 0
	for _, m := range p.members {
		if m.currentState() == connOpen {
			n++
		}
	}
	return n
}

func (p *pool) openCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.openCountLocked()
}

// closeAll tears down every member and empties the pool.
func (p *pool) closeAll() {
	p.mu.Lock()
	members := p.members
	p.members = nil
	p.active = nil
	p.mu.Unlock()
	for _, m := range members {
		m.setState(connClosed)
		m.transport.Close()
	}
}

func (p *pool) totals() (sent, received int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.members {
		m.mu.Lock()
		sent += m.sent
		received += m.received
		m.mu.Unlock()
	}
	return sent, received
}
