package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mindmirror/mindlink/proto"
)

// Payloads of locally-emitted lifecycle events.
type StatusChangePayload struct {
	Status string `json:"status"`
}

type ConnectionSwitchPayload struct {
	FromConnID string `json:"from_conn_id"`
	ToConnID   string `json:"to_conn_id"`
}

type MilestonePayload struct {
	Name      string  `json:"name"`
	Threshold float64 `json:"threshold"`
	Value     float64 `json:"value"`
}

type Metrics struct {
	Connected          bool   `json:"connected"`
	Status             string `json:"status"`
	QueueDepth         int    `json:"queue_depth"`
	BufferedCount      int    `json:"buffered_count"`
	ReconnectAttempts  int    `json:"reconnect_attempts"`
	PendingResponses   int    `json:"pending_responses"`
	OpenConnections    int    `json:"open_connections"`
	MessagesSent       int64  `json:"messages_sent"`
	MessagesReceived   int64  `json:"messages_received"`
	UnroutableMessages int64  `json:"unroutable_messages"`
}

type inboundMessage struct {
	conn *poolConn
	msg  proto.Message
}

// Client keeps a local mirror of the remote authority's state coherent
// over an unreliable connection: it pools transports, queues outbound
// work by priority, buffers events while offline and replays them once
// connectivity returns. Construct with NewClient and pass the instance
// to whoever needs it; there is no package-level singleton.
type Client struct {
	cfg        Config
	clock      clockwork.Clock
	instanceID string

	queue      *messageQueue
	pending    *pendingTable
	store      *stateStore
	buffer     *offlineBuffer
	dispatcher *dispatcher
	pool       *pool
	super      *supervisor

	wake chan struct{}

	mu        sync.Mutex
	running   bool
	connected bool
	done      chan struct{}
	inbound   chan inboundMessage

	hbMu          sync.Mutex
	hbSeq         int64
	hbOutstanding int
}

func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:        cfg,
		clock:      cfg.Clock,
		instanceID: uuid.NewString(),
		queue:      newMessageQueue(cfg.QueueCapacity),
		pending:    newPendingTable(),
		store:      newStateStore(cfg.HistoryCapacity, cfg.Milestones),
		buffer:     newOfflineBuffer(cfg.BufferCapacity),
		dispatcher: newDispatcher(),
		pool:       newPool(),
		wake:       make(chan struct{}, 1),
	}
	c.super = newSupervisor(cfg, c.reconnectPool, func(st Status) {
		c.emitLocal(EventStatusChange, StatusChangePayload{Status: string(st)})
	})

	// Internal listener: a successful (re)connection drives replay of
	// the offline buffer.
	c.dispatcher.on(EventConnected, func(proto.Message) { c.replay() })

	return c
}

// InstanceID is the generated id this client declares during the
// handshake.
func (c *Client) InstanceID() string { return c.instanceID }

// Connect establishes up to PoolSize connections concurrently. It
// succeeds if at least one connection completes its handshake and
// returns the joined dial errors only when every attempt fails.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.done = make(chan struct{})
	c.inbound = make(chan inboundMessage, 128)
	done, inbound := c.done, c.inbound
	c.mu.Unlock()

	// A trigger left over from a previous session must not fire now.
	select {
	case <-c.super.kick:
	default:
	}

	c.super.setStatus(StatusConnecting)
	if err := c.establishPool(ctx, done, inbound); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.super.setStatus(StatusDisconnected)
		return err
	}

	go c.dispatchLoop(done, inbound)
	go c.drainLoop(done)
	go c.heartbeatLoop(done)
	go c.super.run(done)

	c.super.setStatus(StatusConnected)
	return nil
}

// Disconnect stops the supervisor, closes every pool connection and
// rejects all outstanding awaits with ErrDisconnected. The outbound
// queue and offline buffer are left intact so a later Connect resumes
// where this session left off.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.connected = false
	done := c.done
	c.mu.Unlock()

	close(done)
	c.pool.closeAll()
	c.pending.failAll(ErrDisconnected)
	c.buffer.resetInFlight()
	c.resetHeartbeat()
	c.super.setStatus(StatusDisconnected)
	slog.Info("Client disconnected", "buffered", c.buffer.size(), "queued", c.queue.depth())
}

// Submit hands a locally-generated event to the sync core. It never
// blocks and never fails for being offline: disconnected submissions
// land in the offline buffer for replay. A "priority" key in the
// context ("high"/"low") selects the transmission tier.
func (c *Client) Submit(content string, eventCtx map[string]string) {
	ev := bufferedEvent{
		id:        uuid.NewString(),
		content:   content,
		context:   eventCtx,
		createdAt: c.clock.Now(),
		priority:  priorityFromContext(eventCtx),
	}
	if !c.isConnected() {
		c.bufferEvent(ev)
		return
	}
	c.enqueueOut(queuedMessage{msg: c.eventMessage(ev), priority: ev.priority})
}

// SendAndAwait enqueues a message expecting a reply and blocks until
// the correlated response arrives, the timeout elapses, or ctx is
// cancelled. A timeout is local only: the send is not retracted and may
// still take effect remotely (at-least-once, not exactly-once).
func (c *Client) SendAndAwait(ctx context.Context, msgType string, payload any, timeout time.Duration) (proto.Message, error) {
	if timeout <= 0 {
		timeout = c.cfg.MessageTimeout
	}
	msg, err := proto.NewMessage(msgType, payload)
	if err != nil {
		return proto.Message{}, err
	}

	ch := c.pending.register(msg.ID)
	if err := c.enqueueOut(queuedMessage{msg: msg, priority: proto.PriorityNormal}); err != nil {
		c.pending.fail(msg.ID, err)
		<-ch
		return proto.Message{}, err
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-c.clock.After(timeout):
		if c.pending.fail(msg.ID, ErrResponseTimeout) {
			return proto.Message{}, ErrResponseTimeout
		}
		r := <-ch
		return r.msg, r.err
	case <-ctx.Done():
		if c.pending.fail(msg.ID, ctx.Err()) {
			return proto.Message{}, ctx.Err()
		}
		r := <-ch
		return r.msg, r.err
	}
}

// On registers a handler for a wire message type or local event name
// and returns a subscription id for Off.
func (c *Client) On(msgType string, h Handler) string {
	return c.dispatcher.on(msgType, h)
}

func (c *Client) Off(msgType, subscriptionID string) bool {
	return c.dispatcher.off(msgType, subscriptionID)
}

// GetState returns an immutable snapshot of the mirrored state.
func (c *Client) GetState() Snapshot {
	return c.store.snapshot()
}

// TrendDirection compares the two most recent state samples.
func (c *Client) TrendDirection() Trend {
	return c.store.trend()
}

// ForceSync restarts the reconnect attempt counter (the escape hatch
// from the terminal Offline status) and, when connected, asks the
// authority for a fresh state broadcast.
func (c *Client) ForceSync() {
	c.super.restart()
	if !c.isConnected() {
		return
	}
	msg, err := proto.NewMessage(proto.TypeContextUpdate, proto.ContextUpdatePayload{ForceSync: true})
	if err != nil {
		return
	}
	c.enqueueOut(queuedMessage{msg: msg, priority: proto.PriorityHigh})
}

func (c *Client) GetMetrics() Metrics {
	sent, received := c.pool.totals()
	return Metrics{
		Connected:          c.isConnected(),
		Status:             string(c.super.currentStatus()),
		QueueDepth:         c.queue.depth(),
		BufferedCount:      c.buffer.size(),
		ReconnectAttempts:  c.super.attemptCount(),
		PendingResponses:   c.pending.size(),
		OpenConnections:    c.pool.openCount(),
		MessagesSent:       sent,
		MessagesReceived:   received,
		UnroutableMessages: c.dispatcher.unroutableCount(),
	}
}

// ClearBuffer discards every buffered offline event.
func (c *Client) ClearBuffer() {
	c.buffer.clear()
}

// --- connection establishment ---

func (c *Client) establishPool(ctx context.Context, done chan struct{}, inbound chan inboundMessage) error {
	type result struct {
		pc  *poolConn
		err error
	}
	results := make(chan result, c.cfg.PoolSize)
	for i := 0; i < c.cfg.PoolSize; i++ {
		go func() {
			pc, err := c.dialAndHandshake(ctx)
			results <- result{pc: pc, err: err}
		}()
	}

	var errs []error
	var conns []*poolConn
	for i := 0; i < c.cfg.PoolSize; i++ {
		r := <-results
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		conns = append(conns, r.pc)
	}
	if len(conns) == 0 {
		return fmt.Errorf("all %d connection attempts to %s failed: %w",
			c.cfg.PoolSize, c.cfg.Endpoint, errors.Join(errs...))
	}

	// conns is in handshake completion order; the first becomes active,
	// the rest are warm standbys.
	for _, pc := range conns {
		c.pool.add(pc)
		go c.readLoop(pc, done, inbound)
	}
	slog.Info("Connection pool established", "open", len(conns), "failed", len(errs))

	c.setConnected(true)
	c.resetHeartbeat()
	c.emitLocal(EventConnected, nil)
	c.wakeDrainer()
	return nil
}

// reconnectPool is the supervisor's connect function.
func (c *Client) reconnectPool() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrDisconnected
	}
	done, inbound := c.done, c.inbound
	c.mu.Unlock()
	return c.establishPool(context.Background(), done, inbound)
}

func (c *Client) dialAndHandshake(ctx context.Context) (*poolConn, error) {
	t := c.cfg.Dialer()

	dialDone := make(chan error, 1)
	go func() { dialDone <- t.Connect(c.cfg.Endpoint) }()
	select {
	case err := <-dialDone:
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.cfg.Endpoint, err)
		}
	case <-c.clock.After(c.cfg.ConnectTimeout):
		t.Close()
		return nil, fmt.Errorf("dial %s: attempt timed out", c.cfg.Endpoint)
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}

	hsDone := make(chan error, 1)
	go func() { hsDone <- c.handshake(t) }()
	select {
	case err := <-hsDone:
		if err != nil {
			t.Close()
			return nil, err
		}
	case <-c.clock.After(c.cfg.HandshakeTimeout):
		t.Close()
		return nil, &HandshakeError{Status: "timeout"}
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}

	return newPoolConn(t, c.clock), nil
}

// handshake identifies this client instance and waits for the server's
// verdict. The connection is not eligible to carry traffic before the
// ack arrives.
func (c *Client) handshake(t Transport) error {
	authMsg, err := proto.NewMessage(proto.TypeAuth, proto.AuthPayload{
		ClientID:     c.instanceID,
		Platform:     c.cfg.Platform,
		Capabilities: c.cfg.Capabilities,
	})
	if err != nil {
		return &HandshakeError{Err: err}
	}
	if err := t.Send(authMsg); err != nil {
		return &HandshakeError{Err: err}
	}

	for {
		msg, err := t.Read()
		if err != nil {
			return &HandshakeError{Err: err}
		}
		if msg.Type != proto.TypeAuthAck {
			slog.Debug("Skipping pre-handshake message", "type", msg.Type)
			continue
		}
		var ack proto.AuthAckPayload
		if err := json.Unmarshal(msg.Payload, &ack); err != nil {
			return &HandshakeError{Err: fmt.Errorf("invalid auth_ack payload: %w", err)}
		}
		if ack.Status != "ok" {
			return &HandshakeError{Status: ack.Status}
		}
		slog.Debug("Handshake accepted", "session", ack.SessionID)
		return nil
	}
}

// --- inbound path ---

func (c *Client) readLoop(pc *poolConn, done chan struct{}, inbound chan inboundMessage) {
	for {
		msg, err := pc.transport.Read()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			c.handleConnError(pc, err)
			return
		}
		pc.noteReceived()
		select {
		case inbound <- inboundMessage{conn: pc, msg: msg}:
		case <-done:
			return
		}
	}
}

// dispatchLoop serializes all inbound handling: every wire message from
// every pooled connection funnels through here, so the state store and
// pending table see one arrival order.
func (c *Client) dispatchLoop(done chan struct{}, inbound chan inboundMessage) {
	for {
		select {
		case <-done:
			return
		case in := <-inbound:
			c.route(in.msg)
		}
	}
}

func (c *Client) route(msg proto.Message) {
	slog.Debug("Message received", "type", msg.Type, "id", msg.ID, "size", len(msg.Payload))

	switch msg.Type {
	case proto.TypePong:
		c.notePong()
		return
	case proto.TypePing:
		c.replyPong(msg)
		return
	case proto.TypeAuthAck:
		slog.Warn("Received auth_ack outside handshake", "id", msg.ID)
		return
	case proto.TypeEventAck:
		var ack proto.EventAckPayload
		if err := json.Unmarshal(msg.Payload, &ack); err == nil && ack.EventID != "" {
			if c.buffer.ack(ack.EventID) {
				slog.Debug("Buffered event acknowledged", "event_id", ack.EventID)
			}
		}
	case proto.TypeStateSync:
		c.applyStateSync(msg)
	}

	// Pending-response resolution takes precedence over type handlers.
	if id := proto.CorrelationID(msg); id != "" && c.pending.resolve(id, msg) {
		return
	}
	c.dispatcher.dispatch(msg.Type, msg)
}

func (c *Client) applyStateSync(msg proto.Message) {
	var p proto.StateSyncPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		slog.Warn("Invalid state_sync payload", "error", err, "payload", string(msg.Payload))
		return
	}
	crossed := c.store.applyInbound(p, c.clock.Now())
	for _, m := range crossed {
		slog.Info("Milestone reached", "name", m.Name, "threshold", m.Threshold, "value", p.Value)
		c.emitLocal(EventMilestone, MilestonePayload{Name: m.Name, Threshold: m.Threshold, Value: p.Value})
	}
}

// --- outbound path ---

// enqueueOut admits a message to the bounded queue, surfacing eviction
// and overflow as observable events, and wakes the drainer.
func (c *Client) enqueueOut(qm queuedMessage) error {
	evicted, err := c.queue.enqueue(qm)
	if err != nil {
		slog.Warn("Outbound queue full, dropping message", "type", qm.msg.Type, "id", qm.msg.ID)
		c.emitRaw(EventQueueOverflow, qm.msg)
		return err
	}
	if evicted != nil {
		slog.Warn("Evicted low-priority message to make room", "id", evicted.msg.ID)
		c.emitRaw(EventMessageFailed, evicted.msg)
	}
	c.wakeDrainer()
	return nil
}

func (c *Client) wakeDrainer() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) drainLoop(done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-c.wake:
		}
		c.drain()
	}
}

// drain pops by priority order while an active connection exists. With
// an empty queue or no active connection it is a no-op. A failed send
// ends the pass; failover or the next enqueue wakes it again.
func (c *Client) drain() {
	for {
		pc := c.pool.getActive()
		if pc == nil {
			return
		}
		qm, ok := c.queue.pop()
		if !ok {
			return
		}
		if err := pc.send(qm.msg); err != nil {
			slog.Warn("Send failed", "type", qm.msg.Type, "id", qm.msg.ID, "retries", qm.retries, "error", err)
			qm.retries++
			if qm.retries < c.cfg.MaxSendRetries {
				c.queue.requeueFront(qm)
			} else {
				c.emitRaw(EventMessageFailed, qm.msg)
				c.stashFailedEvent(qm)
			}
			return
		}
	}
}

// stashFailedEvent moves an event whose retry budget is exhausted into
// the offline buffer so it replays on the next reconnection.
func (c *Client) stashFailedEvent(qm queuedMessage) {
	if qm.msg.Type != proto.TypeEvent {
		return
	}
	var p proto.EventPayload
	if err := json.Unmarshal(qm.msg.Payload, &p); err != nil {
		return
	}
	c.bufferEvent(bufferedEvent{
		id:        qm.msg.ID,
		content:   p.Content,
		context:   p.Context,
		createdAt: c.clock.Now(),
		priority:  qm.priority,
	})
}

func (c *Client) bufferEvent(ev bufferedEvent) {
	evicted, err := c.buffer.add(ev)
	if err != nil {
		slog.Warn("Offline buffer full, dropping event", "id", ev.id)
		c.emitRaw(EventBufferOverflow, c.eventMessage(ev))
		return
	}
	if evicted != nil {
		slog.Warn("Evicted oldest buffered event to make room", "id", evicted.id)
		c.emitRaw(EventMessageFailed, c.eventMessage(*evicted))
	}
}

// replay re-submits buffered events through the normal queue path in
// original submission order. Removal happens only on event_ack, never
// merely on send; overlapping replays are guarded by in-flight markers.
func (c *Client) replay() {
	pending := c.buffer.pendingReplay()
	if len(pending) == 0 {
		return
	}
	slog.Info("Replaying offline buffer", "count", len(pending))
	for _, ev := range pending {
		if err := c.enqueueOut(queuedMessage{msg: c.eventMessage(ev), priority: ev.priority}); err != nil {
			// Could not queue it; make it eligible for the next replay.
			c.buffer.clearInFlight(ev.id)
		}
	}
}

// eventMessage builds the wire message for a local event, keeping the
// event's id so the authority can de-duplicate replays.
func (c *Client) eventMessage(ev bufferedEvent) proto.Message {
	payload, _ := json.Marshal(proto.EventPayload{Content: ev.content, Context: ev.context})
	return proto.Message{
		ID:        ev.id,
		Type:      proto.TypeEvent,
		Payload:   payload,
		Timestamp: c.clock.Now().UnixMilli(),
	}
}

// --- failure handling ---

func (c *Client) handleConnError(pc *poolConn, err error) {
	if !c.isRunning() {
		return
	}
	terr := &TransportError{ConnID: pc.id, Err: err}
	slog.Warn("Connection failed", "conn", pc.id, "error", terr)

	pc.setState(connError)
	pc.transport.Close()

	found, wasActive, promoted, openLeft := c.pool.remove(pc.id)
	if !found {
		return
	}
	if wasActive && promoted != nil {
		slog.Info("Failover to standby connection", "from", pc.id, "to", promoted.id)
		c.resetHeartbeat()
		c.emitLocal(EventConnectionSwitch, ConnectionSwitchPayload{FromConnID: pc.id, ToConnID: promoted.id})
		c.wakeDrainer()
	}
	if openLeft == 0 {
		c.setConnected(false)
		c.buffer.resetInFlight()
		c.emitLocal(EventDisconnected, nil)
		c.super.trigger()
	}
}

// --- heartbeat ---

var errHeartbeat = errors.New("heartbeat: pong budget exhausted")

// heartbeatLoop pings the active connection each interval. Missing
// HeartbeatMisses consecutive pongs takes the same path as a
// transport-level close.
func (c *Client) heartbeatLoop(done chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
		}

		pc := c.pool.getActive()
		if pc == nil {
			c.resetHeartbeat()
			continue
		}

		c.hbMu.Lock()
		missed := c.hbOutstanding
		if missed >= c.cfg.HeartbeatMisses {
			c.hbOutstanding = 0
			c.hbMu.Unlock()
			c.handleConnError(pc, errHeartbeat)
			continue
		}
		c.hbOutstanding++
		seq := c.hbSeq
		c.hbSeq++
		c.hbMu.Unlock()

		msg, err := proto.NewMessage(proto.TypePing, proto.PingPayload{Seq: seq})
		if err != nil {
			continue
		}
		if err := pc.send(msg); err != nil {
			slog.Debug("Heartbeat send failed", "conn", pc.id, "error", err)
		}
	}
}

func (c *Client) notePong() {
	c.hbMu.Lock()
	c.hbOutstanding = 0
	c.hbMu.Unlock()
}

func (c *Client) resetHeartbeat() {
	c.hbMu.Lock()
	c.hbOutstanding = 0
	c.hbMu.Unlock()
}

func (c *Client) replyPong(ping proto.Message) {
	pc := c.pool.getActive()
	if pc == nil {
		return
	}
	var p proto.PingPayload
	_ = json.Unmarshal(ping.Payload, &p)
	msg, err := proto.NewMessage(proto.TypePong, proto.PongPayload{Seq: p.Seq})
	if err != nil {
		return
	}
	if err := pc.send(msg); err != nil {
		slog.Debug("Pong send failed", "conn", pc.id, "error", err)
	}
}

// --- helpers ---

func (c *Client) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// emitLocal dispatches a locally-generated event to handlers.
func (c *Client) emitLocal(event string, payload any) {
	msg, err := proto.NewMessage(event, payload)
	if err != nil {
		return
	}
	c.dispatcher.dispatch(event, msg)
}

// emitRaw dispatches an existing message under a local event name, e.g.
// the dropped message itself under message_failed.
func (c *Client) emitRaw(event string, msg proto.Message) {
	c.dispatcher.dispatch(event, msg)
}

func priorityFromContext(eventCtx map[string]string) proto.Priority {
	switch eventCtx["priority"] {
	case "high":
		return proto.PriorityHigh
	case "low":
		return proto.PriorityLow
	default:
		return proto.PriorityNormal
	}
}
