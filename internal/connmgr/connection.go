// Package connmgr implements the per-connection state machine, bounded
// outbound priority queue, and heartbeat liveness check: one read
// goroutine, one heartbeat ticker goroutine, and mutex-guarded socket
// writes, with a connection transitioning to DRAINING on an unanswered
// heartbeat ping or a malformed-frame flood.
package connmgr

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mudvault/mesh/internal/envelope"
	"github.com/mudvault/mesh/internal/metrics"
)

// State is a connection's position in the CONNECTING -> AUTHENTICATING
// -> LIVE -> DRAINING -> CLOSED state machine.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateLive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// DefaultAuthDeadline bounds time spent in AUTHENTICATING.
	DefaultAuthDeadline = 10 * time.Second
	// DefaultHeartbeatInterval is H, the ping cadence while LIVE.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultOutboundQueueSize bounds the per-connection send queue.
	DefaultOutboundQueueSize = 256
	// DefaultDrainDeadline bounds how long DRAINING waits to flush before
	// forcing CLOSED.
	DefaultDrainDeadline = 5 * time.Second
)

// ErrClosed is returned by Send once a connection has reached CLOSED.
var ErrClosed = errors.New("connmgr: connection closed")

// Connection wraps one accepted websocket peer and owns its read loop,
// write loop, heartbeat timer, and outbound queue.
type Connection struct {
	ID    string
	conn  *websocket.Conn
	log   zerolog.Logger

	mu             sync.Mutex
	state          State
	mudName        string
	lastPong       time.Time
	pingSentAt     time.Time
	malformed      int
	malformedSince time.Time

	queue    *outboundQueue
	wake     chan struct{}
	closeCh  chan struct{}
	closeErr error
	once     sync.Once

	heartbeatInterval time.Duration
	authDeadline      time.Duration
	drainDeadline     time.Duration

	// MalformedThreshold fault-escalates a connection to DRAINING once
	// this many malformed frames arrive within MalformedWindow.
	MalformedThreshold int
	MalformedWindow    time.Duration

	// Metrics, when set, receives counters for queue drops and heartbeat
	// timeouts. Left nil in tests that don't care about observability.
	Metrics *metrics.Registry

	onInbound func(frame []byte)
	onClose   func(c *Connection)
}

// NewConnection wraps conn in a Connection, in the CONNECTING state.
// heartbeatInterval and queueCapacity fall back to their package defaults
// when zero, so callers that don't have operator configuration handy (e.g.
// tests) can pass 0.
func NewConnection(id string, conn *websocket.Conn, log zerolog.Logger, heartbeatInterval time.Duration, queueCapacity int, onInbound func([]byte), onClose func(*Connection)) *Connection {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	if queueCapacity <= 0 {
		queueCapacity = DefaultOutboundQueueSize
	}
	return &Connection{
		ID:                 id,
		conn:               conn,
		log:                log.With().Str("connID", id).Logger(),
		state:              StateConnecting,
		queue:              newOutboundQueue(queueCapacity),
		wake:               make(chan struct{}, 1),
		closeCh:            make(chan struct{}),
		heartbeatInterval:  heartbeatInterval,
		authDeadline:       DefaultAuthDeadline,
		drainDeadline:      DefaultDrainDeadline,
		MalformedThreshold: 5,
		MalformedWindow:    time.Minute,
		onInbound:          onInbound,
		onClose:            onClose,
	}
}

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MUDName returns the authenticated identity, if any.
func (c *Connection) MUDName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mudName
}

// MarkAuthenticated transitions CONNECTING/AUTHENTICATING -> LIVE and
// records the connection's identity.
func (c *Connection) MarkAuthenticated(mudName string) {
	c.mu.Lock()
	c.mudName = mudName
	c.state = StateLive
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// MarkAuthenticating transitions CONNECTING -> AUTHENTICATING on first
// frame and arms authDeadline: a connection still sitting in
// AUTHENTICATING once the deadline fires is drained.
func (c *Connection) MarkAuthenticating() {
	c.mu.Lock()
	first := c.state == StateConnecting
	if first {
		c.state = StateAuthenticating
	}
	c.mu.Unlock()
	if !first {
		return
	}
	time.AfterFunc(c.authDeadline, func() {
		c.mu.Lock()
		stillAuthenticating := c.state == StateAuthenticating
		c.mu.Unlock()
		if stillAuthenticating {
			c.Drain("auth_timeout")
		}
	})
}

// RecordPong updates last_pong on receipt of a matching pong frame.
func (c *Connection) RecordPong() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// RecordMalformed increments the malformed-frame counter, resetting it
// if MalformedWindow has elapsed since the first frame in the current
// window, and reports whether the threshold has now been crossed.
func (c *Connection) RecordMalformed() (overThreshold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.malformed == 0 || now.Sub(c.malformedSince) > c.MalformedWindow {
		c.malformed = 0
		c.malformedSince = now
	}
	c.malformed++
	return c.malformed >= c.MalformedThreshold
}

// Send enqueues frame at priority for delivery by the write pump. It
// never blocks: a full queue applies the drop-oldest-of-same-priority
// policy.
func (c *Connection) Send(frame []byte, priority int) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	dropped := c.queue.Enqueue(frame, priority)
	c.mu.Unlock()

	if dropped {
		c.log.Warn().Int("priority", priority).Msg("outbound queue full, dropped oldest frame of same priority")
		if c.Metrics != nil {
			c.Metrics.MessagesDropped.WithLabelValues(strconv.Itoa(priority)).Inc()
		}
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the connection's read loop, write pump, and heartbeat
// timer until the connection closes or ctx is cancelled. It returns
// once the connection has reached CLOSED.
func (c *Connection) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.readLoop(ctx) }()
	go func() { defer wg.Done(); c.writePump(ctx) }()

	go c.heartbeatLoop(ctx)

	wg.Wait()
	c.transitionClosed()
}

func (c *Connection) readLoop(ctx context.Context) {
	defer c.requestClose()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.MarkAuthenticating()
		if c.onInbound != nil {
			c.onInbound(data)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Connection) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			c.flush()
			return
		case <-c.wake:
			c.drainQueue()
		}
	}
}

func (c *Connection) drainQueue() {
	for {
		c.mu.Lock()
		item := c.queue.Dequeue()
		c.mu.Unlock()
		if item == nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, item.frame); err != nil {
			return
		}
	}
}

// flush drains the queue once more with drainDeadline, used when
// transitioning DRAINING -> CLOSED.
func (c *Connection) flush() {
	deadline := time.Now().Add(c.drainDeadline)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		item := c.queue.Dequeue()
		c.mu.Unlock()
		if item == nil {
			return
		}
		_ = c.conn.WriteMessage(websocket.TextMessage, item.frame)
	}
}

// heartbeatLoop sends an outbound ping every heartbeatInterval and drains
// the connection if the previous ping's pong never arrived before the next
// tick, i.e. a sent ping going unanswered for a whole heartbeatInterval.
func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			isLive := c.state == StateLive
			// pingSentAt is only set by the previous tick's sendPing, so a
			// ping still awaiting its pong here has gone a full tick unanswered.
			overdue := c.pingSentAt.After(c.lastPong)
			c.mu.Unlock()
			if !isLive {
				continue
			}
			if overdue {
				if c.Metrics != nil {
					c.Metrics.HeartbeatTimeout.Inc()
				}
				c.Drain("heartbeat_timeout")
				return
			}
			c.sendPing()
		}
	}
}

// sendPing builds and enqueues an outbound ping envelope and records the
// send time so the next tick can tell whether its pong is overdue.
func (c *Connection) sendPing() {
	ping := &envelope.Envelope{
		Version:   envelope.ProtocolVersion,
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      envelope.TypePing,
		From:      envelope.Endpoint{MUD: "mesh"},
		Metadata:  envelope.DefaultMetadata(),
	}
	if err := envelope.EncodePayload(ping, &envelope.HeartbeatPayload{Timestamp: time.Now().Unix()}); err != nil {
		c.log.Warn().Err(err).Msg("connmgr: failed to encode outbound ping")
		return
	}
	frame, err := envelope.Encode(ping)
	if err != nil {
		c.log.Warn().Err(err).Msg("connmgr: failed to encode outbound ping")
		return
	}
	c.mu.Lock()
	c.pingSentAt = time.Now()
	c.mu.Unlock()
	_ = c.Send(frame, ping.Metadata.Priority)
}

// Drain transitions LIVE -> DRAINING with reason, stopping new inbound
// processing and starting the flush-then-close sequence.
func (c *Connection) Drain(reason string) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateDraining {
		c.mu.Unlock()
		return
	}
	c.state = StateDraining
	c.mu.Unlock()
	c.log.Info().Str("reason", reason).Msg("connection draining")
	c.requestClose()
}

func (c *Connection) requestClose() {
	c.once.Do(func() { close(c.closeCh) })
}

func (c *Connection) transitionClosed() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	_ = c.conn.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
}
