package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mindmirror/mindlink/proto"
)

func testConfig(d *fakeDialer, clock clockwork.Clock) Config {
	return Config{
		Endpoint:      "fake://authority",
		Dialer:        d.dial,
		Clock:         clock,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectCap:  50 * time.Millisecond,
	}
}

func eventContent(t *testing.T, msg proto.Message) string {
	t.Helper()
	var p proto.EventPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.Fatalf("invalid event payload: %v", err)
	}
	return p.Content
}

func TestClient_ConnectAndSubmit(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(testConfig(newFakeDialer(ft), clockwork.NewFakeClock()))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	if auths := ft.sentOfType(proto.TypeAuth); len(auths) != 1 {
		t.Fatalf("expected 1 auth message, got %d", len(auths))
	}

	c.Submit("hello", map[string]string{"mood": "curious"})

	waitFor(t, time.Second, func() bool { return len(ft.sentOfType(proto.TypeEvent)) == 1 },
		"event never transmitted")
	if got := eventContent(t, ft.sentOfType(proto.TypeEvent)[0]); got != "hello" {
		t.Errorf("expected content hello, got %q", got)
	}

	metrics := c.GetMetrics()
	if !metrics.Connected {
		t.Error("expected connected metrics")
	}
	if metrics.OpenConnections != 1 {
		t.Errorf("expected 1 open connection, got %d", metrics.OpenConnections)
	}
}

func TestClient_ConnectFailsWhenAllAttemptsFail(t *testing.T) {
	ft := newFakeTransport()
	ft.dialErr = errors.New("connection refused")
	ft2 := newFakeTransport()
	ft2.dialErr = errors.New("connection refused")

	cfg := testConfig(newFakeDialer(ft, ft2), clockwork.NewFakeClock())
	cfg.PoolSize = 2
	c := NewClient(cfg)

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect to fail when every attempt fails")
	}
	if c.GetMetrics().Connected {
		t.Error("client should not report connected")
	}
}

func TestClient_HandshakeRejected(t *testing.T) {
	ft := newFakeTransport()
	ft.authStatus = "denied"
	c := NewClient(testConfig(newFakeDialer(ft), clockwork.NewFakeClock()))

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect to fail on rejected handshake")
	}
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) {
		t.Fatalf("expected HandshakeError, got %v", err)
	}
	if hsErr.Status != "denied" {
		t.Errorf("expected status denied, got %q", hsErr.Status)
	}
}

func TestClient_OfflineSubmitReplaysExactlyOnce(t *testing.T) {
	ft := newFakeTransport()
	ft.mu.Lock()
	ft.autoAck = false
	ft.mu.Unlock()
	c := NewClient(testConfig(newFakeDialer(ft), clockwork.NewFakeClock()))

	// Submitted while disconnected: lands in the offline buffer.
	c.Submit("while offline", nil)
	if got := c.GetMetrics().BufferedCount; got != 1 {
		t.Fatalf("expected 1 buffered event, got %d", got)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, time.Second, func() bool { return len(ft.sentOfType(proto.TypeEvent)) == 1 },
		"buffered event never replayed")

	// Overlapping replays must not duplicate the in-flight entry.
	c.replay()
	c.replay()
	time.Sleep(20 * time.Millisecond)
	if got := len(ft.sentOfType(proto.TypeEvent)); got != 1 {
		t.Fatalf("expected exactly one transmission, got %d", got)
	}

	// Removal happens on acknowledgment, never merely on send.
	if got := c.GetMetrics().BufferedCount; got != 1 {
		t.Fatalf("expected event still buffered before ack, got %d", got)
	}
	sent := ft.sentOfType(proto.TypeEvent)[0]
	ft.push(mustMessage(proto.TypeEventAck, proto.EventAckPayload{EventID: sent.ID, Status: "ok"}))

	waitFor(t, time.Second, func() bool { return c.GetMetrics().BufferedCount == 0 },
		"ack never drained the buffer")
}

func TestClient_FailoverTransparency(t *testing.T) {
	ft1 := newFakeTransport()
	ft2 := newFakeTransport()
	dialer := newFakeDialer(ft1, ft2)

	cfg := testConfig(dialer, clockwork.NewFakeClock())
	cfg.PoolSize = 2
	c := NewClient(cfg)

	var switches atomic.Int64
	c.On(EventConnectionSwitch, func(proto.Message) { switches.Add(1) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	// Find the active connection by probing.
	c.Submit("probe", nil)
	waitFor(t, time.Second, func() bool { return len(dialer.allEventSends()) == 1 },
		"probe never transmitted")

	active, standby := ft1, ft2
	if len(ft2.sentOfType(proto.TypeEvent)) == 1 {
		active, standby = ft2, ft1
	}

	// Kill the active connection; the standby must take over.
	active.Close()
	waitFor(t, time.Second, func() bool { return switches.Load() == 1 },
		"failover never happened")

	c.Submit("after failover", nil)
	waitFor(t, time.Second, func() bool { return len(standby.sentOfType(proto.TypeEvent)) == 1 },
		"submit after failover never transmitted")
	if got := eventContent(t, standby.sentOfType(proto.TypeEvent)[0]); got != "after failover" {
		t.Errorf("unexpected content %q", got)
	}

	if switches.Load() != 1 {
		t.Errorf("expected exactly one connection switch, got %d", switches.Load())
	}
	if !c.GetMetrics().Connected {
		t.Error("caller must not observe a disconnect during failover")
	}
}

func TestClient_SendAndAwaitResolves(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(testConfig(newFakeDialer(ft), clockwork.NewRealClock()))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	type result struct {
		msg proto.Message
		err error
	}
	results := make(chan result, 1)
	go func() {
		msg, err := c.SendAndAwait(context.Background(), proto.TypeContextUpdate,
			proto.ContextUpdatePayload{ForceSync: true}, 5*time.Second)
		results <- result{msg, err}
	}()

	waitFor(t, time.Second, func() bool { return len(ft.sentOfType(proto.TypeContextUpdate)) == 1 },
		"request never transmitted")
	request := ft.sentOfType(proto.TypeContextUpdate)[0]

	// Authority answers with the request's id echoed in the envelope.
	reply := mustMessage(proto.TypeStateSync, proto.StateSyncPayload{Value: 0.42, Phase: "emergent"})
	reply.ID = request.ID
	ft.push(reply)

	r := <-results
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.msg.Type != proto.TypeStateSync {
		t.Errorf("expected state_sync reply, got %s", r.msg.Type)
	}
	if c.GetMetrics().PendingResponses != 0 {
		t.Error("pending table should be empty after resolution")
	}
}

func TestClient_TimeoutIsolation(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(testConfig(newFakeDialer(ft), clockwork.NewRealClock()))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	errA := make(chan error, 1)
	go func() {
		_, err := c.SendAndAwait(context.Background(), proto.TypeContextUpdate,
			proto.ContextUpdatePayload{}, 30*time.Millisecond)
		errA <- err
	}()

	type result struct {
		msg proto.Message
		err error
	}
	resB := make(chan result, 1)
	go func() {
		msg, err := c.SendAndAwait(context.Background(), proto.TypeContextUpdate,
			proto.ContextUpdatePayload{}, 10*time.Second)
		resB <- result{msg, err}
	}()

	waitFor(t, time.Second, func() bool { return len(ft.sentOfType(proto.TypeContextUpdate)) == 2 },
		"requests never transmitted")

	if err := <-errA; !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("expected ErrResponseTimeout for a, got %v", err)
	}
	// The concurrently pending await for a different id is unaffected.
	if got := c.GetMetrics().PendingResponses; got != 1 {
		t.Fatalf("expected 1 still-pending response, got %d", got)
	}

	for _, request := range ft.sentOfType(proto.TypeContextUpdate) {
		reply := mustMessage(proto.TypeStateSync, proto.StateSyncPayload{Value: 0.1})
		reply.ID = request.ID
		ft.push(reply)
	}

	r := <-resB
	if r.err != nil {
		t.Fatalf("b should resolve cleanly, got %v", r.err)
	}
}

func TestClient_DisconnectRejectsPendingKeepsBuffer(t *testing.T) {
	ft := newFakeTransport()
	dialer := newFakeDialer(ft)
	c := NewClient(testConfig(dialer, clockwork.NewFakeClock()))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	pendingErr := make(chan error, 1)
	go func() {
		_, err := c.SendAndAwait(context.Background(), proto.TypeContextUpdate,
			proto.ContextUpdatePayload{}, time.Hour)
		pendingErr <- err
	}()
	waitFor(t, time.Second, func() bool { return c.GetMetrics().PendingResponses == 1 },
		"await never registered")

	c.Disconnect()

	if err := <-pendingErr; !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}

	// Offline submissions accumulate for the next session.
	c.Submit("for later", nil)
	if got := c.GetMetrics().BufferedCount; got != 1 {
		t.Fatalf("expected 1 buffered event, got %d", got)
	}

	// A later connect resumes and replays the kept buffer.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, time.Second, func() bool { return c.GetMetrics().BufferedCount == 0 },
		"kept buffer never replayed after reconnect")
}

func TestClient_StateSyncAppliesAndMilestoneOnce(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(testConfig(newFakeDialer(ft), clockwork.NewFakeClock()))

	var milestones atomic.Int64
	c.On(EventMilestone, func(proto.Message) { milestones.Add(1) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	sync := mustMessage(proto.TypeStateSync, proto.StateSyncPayload{Value: 0.3, Phase: "emergent"})
	ft.push(sync)
	ft.push(mustMessage(proto.TypeStateSync, proto.StateSyncPayload{Value: 0.3, Phase: "emergent"}))

	waitFor(t, time.Second, func() bool { return c.GetState().Value == 0.3 },
		"state never applied")
	waitFor(t, time.Second, func() bool { return len(c.GetState().History) == 2 },
		"second sync never applied")

	if got := milestones.Load(); got != 1 {
		t.Errorf("expected exactly one milestone event, got %d", got)
	}
	if phase := c.GetState().Phase; phase != "emergent" {
		t.Errorf("expected phase emergent, got %q", phase)
	}
}

func TestClient_ExhaustedRetriesMoveEventToBuffer(t *testing.T) {
	ft := newFakeTransport()
	cfg := testConfig(newFakeDialer(ft), clockwork.NewFakeClock())
	cfg.MaxSendRetries = 1
	c := NewClient(cfg)

	var failed atomic.Int64
	c.On(EventMessageFailed, func(proto.Message) { failed.Add(1) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	ft.setSendErr(errors.New("broken pipe"))
	c.Submit("doomed", nil)

	waitFor(t, time.Second, func() bool { return failed.Load() == 1 },
		"message_failed never emitted")
	waitFor(t, time.Second, func() bool { return c.GetMetrics().BufferedCount == 1 },
		"failed event never buffered for replay")
}

func TestClient_HeartbeatMissesTriggerFailover(t *testing.T) {
	ft1 := newFakeTransport()
	ft1.mu.Lock()
	ft1.autoPong = false
	ft1.mu.Unlock()
	ft2 := newFakeTransport()
	ft2.mu.Lock()
	ft2.autoPong = false
	ft2.mu.Unlock()

	cfg := testConfig(newFakeDialer(ft1, ft2), clockwork.NewRealClock())
	cfg.PoolSize = 2
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatMisses = 2
	c := NewClient(cfg)

	var switches atomic.Int64
	c.On(EventConnectionSwitch, func(proto.Message) { switches.Add(1) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, 2*time.Second, func() bool { return switches.Load() >= 1 },
		"missed pongs never triggered failover")
}
