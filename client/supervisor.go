package client

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Status is the observable connection lifecycle state. It exists for
// UI/telemetry; no business logic branches on it.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	// StatusOffline is terminal: the retry budget is exhausted and only
	// ForceSync restarts the counter.
	StatusOffline Status = "offline"
)

// backoffDelay returns min(cap, base * 2^attempt) for attempt >= 0.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap || delay <= 0 {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// supervisor drives exponential-backoff reconnect attempts. The connect
// function is supplied by the client and re-establishes the pool.
type supervisor struct {
	clock       clockwork.Clock
	base        time.Duration
	cap         time.Duration
	maxAttempts int // -1 = unlimited
	connect     func() error
	onStatus    func(Status)

	mu       sync.Mutex
	status   Status
	attempts int

	kick chan struct{}
}

func newSupervisor(cfg Config, connect func() error, onStatus func(Status)) *supervisor {
	return &supervisor{
		clock:       cfg.Clock,
		base:        cfg.ReconnectBase,
		cap:         cfg.ReconnectCap,
		maxAttempts: cfg.MaxReconnectAttempts,
		connect:     connect,
		onStatus:    onStatus,
		status:      StatusDisconnected,
		kick:        make(chan struct{}, 1),
	}
}

func (s *supervisor) run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-s.kick:
		}
		s.reconnect(done)
	}
}

func (s *supervisor) reconnect(done <-chan struct{}) {
	for {
		s.mu.Lock()
		attempt := s.attempts
		s.mu.Unlock()

		if s.maxAttempts >= 0 && attempt >= s.maxAttempts {
			slog.Warn("Reconnect budget exhausted, going offline", "attempts", attempt)
			s.setStatus(StatusOffline)
			return
		}

		s.setStatus(StatusReconnecting)
		delay := backoffDelay(s.base, s.cap, attempt)
		select {
		case <-done:
			return
		case <-s.clock.After(delay):
		}

		s.setStatus(StatusConnecting)
		if err := s.connect(); err != nil {
			s.mu.Lock()
			s.attempts++
			n := s.attempts
			s.mu.Unlock()
			slog.Warn("Reconnect attempt failed", "attempt", n, "error", err)
			continue
		}

		s.resetAttempts()
		s.setStatus(StatusConnected)
		return
	}
}

// trigger schedules a reconnect cycle. Safe to call repeatedly; cycles
// never stack.
func (s *supervisor) trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// restart resets the attempt counter and, if the supervisor gave up,
// kicks a fresh cycle. This is the ForceSync escape hatch from the
// terminal Offline status.
func (s *supervisor) restart() {
	s.mu.Lock()
	s.attempts = 0
	offline := s.status == StatusOffline
	s.mu.Unlock()
	if offline {
		s.trigger()
	}
}

func (s *supervisor) resetAttempts() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

func (s *supervisor) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *supervisor) currentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *supervisor) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed && s.onStatus != nil {
		s.onStatus(st)
	}
}
