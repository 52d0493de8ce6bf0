package client

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Milestone is a one-time, non-reversible threshold crossing of the
// mirrored state value.
type Milestone struct {
	Name      string  `json:"name"`
	Threshold float64 `json:"threshold"`
}

// DefaultMilestones is the fixed ascending threshold table used when
// none is configured.
var DefaultMilestones = []Milestone{
	{Name: "emergent", Threshold: 0.25},
	{Name: "coherent", Threshold: 0.5},
	{Name: "resonant", Threshold: 0.75},
	{Name: "lucid", Threshold: 0.9},
}

type Config struct {
	// Endpoint is the server address, e.g. "ws://host:8080/sync" or a
	// host:port for the TCP transport.
	Endpoint string

	// PoolSize is the number of parallel connections to the endpoint.
	PoolSize int

	// ReconnectBase and ReconnectCap bound the exponential backoff:
	// delay = min(cap, base * 2^attempt).
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// MaxReconnectAttempts of -1 (or 0, treated as unset) retries
	// forever. A positive value that is exceeded parks the client in
	// the terminal Offline status until ForceSync.
	MaxReconnectAttempts int

	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many consecutive unanswered pings count as
	// a dead connection.
	HeartbeatMisses int

	// MessageTimeout is the default SendAndAwait timeout.
	MessageTimeout time.Duration

	QueueCapacity  int
	BufferCapacity int

	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration

	// MaxSendRetries is the per-message retry budget for failed sends.
	MaxSendRetries int

	// Platform tag declared during the handshake.
	Platform     string
	Capabilities []string

	// Milestones must be in ascending threshold order.
	Milestones      []Milestone
	HistoryCapacity int

	// Dialer produces a fresh Transport per pool member. Defaults to
	// the WebSocket transport.
	Dialer func() Transport

	// Clock is swappable for tests.
	Clock clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 500 * time.Millisecond
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = -1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = 2
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 10 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 512
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MaxSendRetries <= 0 {
		c.MaxSendRetries = 3
	}
	if c.Platform == "" {
		c.Platform = "go"
	}
	if c.Milestones == nil {
		c.Milestones = DefaultMilestones
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = 64
	}
	if c.Dialer == nil {
		c.Dialer = func() Transport { return NewWebSocketTransport() }
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}
