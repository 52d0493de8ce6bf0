package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestBackoffDelay_MonotonicUpToCap(t *testing.T) {
	base := 500 * time.Millisecond
	cap := 30 * time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		delay := backoffDelay(base, cap, attempt)
		if delay < prev {
			t.Errorf("attempt %d: delay %v decreased from %v", attempt, delay, prev)
		}
		if delay > cap {
			t.Errorf("attempt %d: delay %v exceeds cap %v", attempt, delay, cap)
		}
		prev = delay
	}

	if got := backoffDelay(base, cap, 0); got != base {
		t.Errorf("attempt 0: expected base %v, got %v", base, got)
	}
	if got := backoffDelay(base, cap, 2); got != 2*time.Second {
		t.Errorf("attempt 2: expected 2s, got %v", got)
	}
	if got := backoffDelay(base, cap, 50); got != cap {
		t.Errorf("attempt 50: expected cap %v, got %v", cap, got)
	}
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *statusRecorder) last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func TestSupervisor_ResetsAttemptsAfterSuccess(t *testing.T) {
	fc := clockwork.NewFakeClock()
	cfg := Config{
		ReconnectBase:        time.Second,
		ReconnectCap:         4 * time.Second,
		MaxReconnectAttempts: -1,
		Clock:                fc,
	}.withDefaults()

	var mu sync.Mutex
	calls := 0
	connect := func() error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("dial refused")
		}
		return nil
	}

	rec := &statusRecorder{}
	s := newSupervisor(cfg, connect, rec.record)

	done := make(chan struct{})
	defer close(done)
	go s.run(done)

	s.trigger()
	// Three cycles: two failures then success. Each cycle waits on one
	// backoff timer.
	for i := 0; i < 3; i++ {
		fc.BlockUntil(1)
		fc.Advance(4 * time.Second)
	}

	waitFor(t, time.Second, func() bool { return rec.last() == StatusConnected },
		"supervisor never reached connected")
	if got := s.attemptCount(); got != 0 {
		t.Errorf("expected attempt counter reset to 0, got %d", got)
	}
}

func TestSupervisor_GivesUpAfterMaxAttemptsAndRestarts(t *testing.T) {
	fc := clockwork.NewFakeClock()
	cfg := Config{
		ReconnectBase:        time.Second,
		ReconnectCap:         4 * time.Second,
		MaxReconnectAttempts: 2,
		Clock:                fc,
	}.withDefaults()

	var mu sync.Mutex
	calls := 0
	failUntil := 2
	connect := func() error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= failUntil {
			return errors.New("dial refused")
		}
		return nil
	}

	rec := &statusRecorder{}
	s := newSupervisor(cfg, connect, rec.record)

	done := make(chan struct{})
	defer close(done)
	go s.run(done)

	s.trigger()
	for i := 0; i < 2; i++ {
		fc.BlockUntil(1)
		fc.Advance(4 * time.Second)
	}

	waitFor(t, time.Second, func() bool { return rec.last() == StatusOffline },
		"supervisor never went offline")

	// ForceSync path: restart resets the counter and kicks a new cycle,
	// which now succeeds.
	s.restart()
	fc.BlockUntil(1)
	fc.Advance(4 * time.Second)

	waitFor(t, time.Second, func() bool { return rec.last() == StatusConnected },
		"supervisor never reconnected after restart")
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}
