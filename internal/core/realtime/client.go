// Package realtime implements the reconnecting websocket transport client.
// It owns one physical connection, buffers subscribe/unsubscribe intents
// while offline, and recovers missed messages after a reconnect via a
// timestamp-based sync request.
package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/replisync/replisync/internal/core/observability/log"
	"github.com/replisync/replisync/pkg/clock"
	"github.com/replisync/replisync/pkg/sequence"
)

// ErrClientClosed is returned once Close has been called; a closed client
// never dials again.
var ErrClientClosed = errors.New("realtime: client closed")

// Config holds the transport client settings.
type Config struct {
	// Host is the server host[:port]. The scheme is wss, relaxed to ws only
	// for loopback hosts.
	Host string
	// Path is the fixed real-time endpoint path.
	Path string

	BackoffBase time.Duration
	BackoffMax  time.Duration
	// MaxAttempts bounds consecutive failed dials; 0 means unlimited.
	MaxAttempts int

	// IntentQueueLimit bounds the offline subscribe/unsubscribe queue;
	// pushing past it drops the oldest intent.
	IntentQueueLimit int

	DialTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Path:             "/realtime",
		BackoffBase:      500 * time.Millisecond,
		BackoffMax:       30 * time.Second,
		MaxAttempts:      0,
		IntentQueueLimit: 64,
		DialTimeout:      10 * time.Second,
	}
}

type intent struct {
	subscribe bool
	topic     string
}

// Client is the reconnecting transport client. Safe for concurrent use.
type Client struct {
	cfg     Config
	log     log.Log
	clock   clock.Clock
	dialer  *websocket.Dialer
	backoff *backoff

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	connGen        uint64
	topics         map[string]struct{}
	pending        *sequence.FIFO[intent]
	lastSeen       map[string]int64
	globalLast     int64
	attempts       int
	reconnectTimer clock.Timer
	closed         bool
	everConnected  bool

	stateSubs map[uint64]func(State)
	nextSub   uint64

	onMessage   func(Message)
	onSyncBatch func([]SyncMessage)
	onError     func(error)

	// writeMu serializes frames on the underlying connection.
	writeMu sync.Mutex
}

// New creates a client. Nothing is dialed until Connect.
func New(cfg Config, logger log.Log, clk clock.Clock) *Client {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.IntentQueueLimit <= 0 {
		cfg.IntentQueueLimit = def.IntentQueueLimit
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Client{
		cfg:       cfg,
		log:       logger.With(log.String("component", "realtime")),
		clock:     clk,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		backoff:   newBackoff(cfg.BackoffBase, cfg.BackoffMax),
		topics:    make(map[string]struct{}),
		pending:   sequence.NewFIFO[intent](cfg.IntentQueueLimit),
		lastSeen:  make(map[string]int64),
		stateSubs: make(map[uint64]func(State)),
	}
}

// Connect dials the server. On failure a retry is scheduled with backoff and
// the dial error is returned.
func (c *Client) Connect(ctx context.Context) error {
	return c.dial(ctx)
}

// Reconnect forces an immediate attempt, resetting backoff.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.closed || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.cancelTimerLocked()
	c.mu.Unlock()

	_ = c.dial(context.Background())
}

// NetworkRestored is the platform connectivity-restored signal: it resets
// the attempt counter and retries immediately, bypassing backoff.
func (c *Client) NetworkRestored() {
	c.Reconnect()
}

// Subscribe registers interest in a topic. Sent immediately if connected,
// queued otherwise.
func (c *Client) Subscribe(topic string) {
	c.intend(intent{subscribe: true, topic: topic})
}

// Unsubscribe drops interest in a topic.
func (c *Client) Unsubscribe(topic string) {
	c.intend(intent{subscribe: false, topic: topic})
}

func (c *Client) intend(it intent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if it.subscribe {
		c.topics[it.topic] = struct{}{}
	} else {
		delete(c.topics, it.topic)
	}
	connected := c.state == StateConnected
	if !connected {
		if dropped, ok := c.pending.Push(it); ok {
			c.log.Warn("offline intent queue full, dropping oldest",
				log.String("dropped_topic", dropped.topic))
		}
	}
	c.mu.Unlock()

	if connected {
		c.sendIntent(it)
	}
}

// Close is terminal: it tears down the connection and clears the queue,
// subscriptions, listeners and sync timestamps.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancelTimerLocked()
	conn := c.conn
	c.conn = nil
	c.pending.Clear()
	c.topics = make(map[string]struct{})
	c.lastSeen = make(map[string]int64)
	c.globalLast = 0
	c.onMessage = nil
	c.onSyncBatch = nil
	c.onError = nil
	changed := c.state != StateDisconnected
	listeners := c.stateListenersLocked()
	c.state = StateDisconnected
	c.stateSubs = make(map[uint64]func(State))
	c.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(StateDisconnected)
		}
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.log.Info("client closed")
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HighestTimestamp is the highest update timestamp seen across all topics,
// the cursor for delta-sync recovery.
func (c *Client) HighestTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalLast
}

// OnStateChange registers a state listener; it fires only on actual change.
func (c *Client) OnStateChange(fn func(State)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.stateSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateSubs, id)
	}
}

// OnMessage sets the callback for regular topic updates.
func (c *Client) OnMessage(fn func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnSyncBatch sets the callback for delta-sync responses. Without it, sync
// entries are delivered through the message callback individually.
func (c *Client) OnSyncBatch(fn func([]SyncMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSyncBatch = fn
}

// OnError sets the callback for connection-level errors. Errors do not drive
// reconnection; the close event does.
func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.cancelTimerLocked()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.emitState(StateConnecting)

	target := c.endpoint()
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, target, nil)
	cancel()
	if err != nil {
		c.log.Warn("dial failed",
			log.String("target", target),
			log.Int("attempt", attempt),
			log.Error(err))
		c.invokeError(err)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return err
		}
		exhausted := c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts
		if !exhausted {
			c.scheduleReconnectLocked(attempt + 1)
		}
		c.mu.Unlock()

		c.emitState(StateDisconnected)
		if exhausted {
			c.log.Warn("reconnect attempts exhausted", log.Int("attempts", attempt))
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	// Two dials can race (retry timer vs an explicit reconnect); the earlier
	// winner's connection is torn down so only one read pump stays live.
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.connGen++
	gen := c.connGen
	reconnected := c.everConnected
	c.everConnected = true
	c.attempts = 0
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	intents := c.pending.Drain()
	last := c.globalLast
	c.mu.Unlock()

	c.emitState(StateConnected)
	c.log.Info("connected",
		log.String("target", target),
		log.Bool("reconnected", reconnected))

	for _, topic := range topics {
		c.send(outboundMessage{Type: typeSubscribe, Key: topic})
	}
	for _, it := range intents {
		c.sendIntent(it)
	}
	if reconnected && last > 0 && len(topics) > 0 {
		c.send(outboundMessage{Type: typeSyncRequest, LastTimestamp: last, Keys: topics})
	}

	go c.readPump(conn, gen)
	return nil
}

func (c *Client) readPump(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnClosed(gen, err)
			return
		}
		c.handleInbound(data)
	}
}

func (c *Client) handleConnClosed(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.connGen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.scheduleReconnectLocked(1)
	c.mu.Unlock()

	c.log.Warn("connection lost", log.Error(err))
	c.emitState(StateReconnecting)
}

// scheduleReconnectLocked arms the retry timer for the given upcoming
// attempt. Caller holds mu.
func (c *Client) scheduleReconnectLocked(attempt int) {
	c.cancelTimerLocked()
	delay := c.backoff.delay(attempt)
	c.reconnectTimer = c.clock.AfterFunc(delay, func() {
		_ = c.dial(context.Background())
	})
	c.log.Debug("reconnect scheduled",
		log.Int("attempt", attempt),
		log.Duration("delay", delay))
}

func (c *Client) cancelTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) handleInbound(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("dropping malformed message", log.Error(err))
		return
	}

	switch msg.Type {
	case typeUpdate:
		if msg.Key == "" {
			c.log.Warn("dropping update without key")
			return
		}
		c.mu.Lock()
		c.recordTimestampLocked(msg.Key, msg.Timestamp)
		cb := c.onMessage
		c.mu.Unlock()
		if cb != nil {
			cb(Message{Key: msg.Key, Value: msg.Value, Timestamp: msg.Timestamp})
		}

	case typeSyncResponse:
		c.mu.Lock()
		for _, m := range msg.Messages {
			c.recordTimestampLocked(m.Key, m.Timestamp)
		}
		batch := c.onSyncBatch
		cb := c.onMessage
		c.mu.Unlock()
		if batch != nil {
			batch(msg.Messages)
			return
		}
		if cb != nil {
			for _, m := range msg.Messages {
				cb(Message{Key: m.Key, Timestamp: m.Timestamp})
			}
		}

	default:
		c.log.Warn("dropping message of unknown type", log.String("type", msg.Type))
	}
}

func (c *Client) recordTimestampLocked(key string, ts int64) {
	if ts > c.lastSeen[key] {
		c.lastSeen[key] = ts
	}
	if ts > c.globalLast {
		c.globalLast = ts
	}
}

func (c *Client) sendIntent(it intent) {
	typ := typeUnsubscribe
	if it.subscribe {
		typ = typeSubscribe
	}
	c.send(outboundMessage{Type: typ, Key: it.topic})
}

func (c *Client) send(msg outboundMessage) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to encode message", log.Error(err))
		return
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Warn("write failed", log.Error(err))
		c.invokeError(err)
	}
}

func (c *Client) emitState(s State) {
	c.mu.Lock()
	if c.closed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := c.stateListenersLocked()
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func (c *Client) stateListenersLocked() []func(State) {
	out := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		out = append(out, fn)
	}
	return out
}

func (c *Client) invokeError(err error) {
	c.mu.Lock()
	cb := c.onError
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// endpoint builds the target URL. The secure scheme is the default, relaxed
// only for loopback hosts.
func (c *Client) endpoint() string {
	scheme := "wss"
	if isLoopback(c.cfg.Host) {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: c.cfg.Host, Path: c.cfg.Path}
	return u.String()
}

func isLoopback(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
