package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Default values for transport operation.
const (
	// defaultConnectTimeout bounds dial + handshake.
	defaultConnectTimeout = 10 * time.Second

	// defaultCallTimeout is the per-request timeout for correlated calls.
	defaultCallTimeout = 10 * time.Second

	// defaultIdleTimeout is the idle watchdog threshold. Generous by
	// design: a genuinely idle system produces only keepalive traffic,
	// and an aggressive threshold compounds into reconnection storms.
	defaultIdleTimeout = 3 * time.Minute

	// defaultWriteTimeout bounds individual frame writes.
	defaultWriteTimeout = 5 * time.Second

	// eventQueueSize is the buffer size of the push-event queue feeding
	// the single dispatch consumer.
	eventQueueSize = 256
)

// State is the connection lifecycle state.
type State int32

// Connection lifecycle states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// TokenSource supplies bearer tokens for the connection handshake.
// Satisfied by *session.Manager.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Config contains transport client settings.
type Config struct {
	// URL is the push-channel endpoint (e.g., "wss://ctrl:443/api/v1/stream").
	URL string

	// ConnectTimeout bounds dial + handshake. Default: 10s.
	ConnectTimeout time.Duration

	// CallTimeout is the per-request timeout. Default: 10s.
	CallTimeout time.Duration

	// IdleTimeout is the idle watchdog threshold: the connection is torn
	// down when no inbound traffic (keepalives included) arrives within
	// it. Default: 3m.
	IdleTimeout time.Duration
}

// Subscription registers interest in push deltas for one instance.
type Subscription struct {
	// InstanceID is the instance to watch.
	InstanceID string

	// Properties is the desired wire property set. Empty means all
	// properties the server pushes for the instance.
	Properties []string

	// Callback receives decoded deltas. Invoked by a single dispatch
	// goroutine, so deltas for the same instance arrive in order.
	Callback func(instanceID string, changed map[string]PropertyValue)
}

// subscription is the registry entry form.
type subscription struct {
	properties map[string]struct{}
	callback   func(instanceID string, changed map[string]PropertyValue)
}

// pushEvent is one queued delivery to a subscription callback.
type pushEvent struct {
	instanceID string
	changed    map[string]PropertyValue
	callback   func(string, map[string]PropertyValue)
}

// callResult carries a correlated response or its error.
type callResult struct {
	result json.RawMessage
	err    error
}

// conn is one transport session. It is destroyed and replaced wholesale on
// reconnect: the sequence counter and pending requests never survive into
// the next conn. Only the subscription registry, which lives on the
// Client, persists across connections.
type conn struct {
	ws *websocket.Conn
	id string

	// seq is the session's sequence counter. The first Call on a fresh
	// conn allocates sequence id 1.
	seq atomic.Int64

	writeMu sync.Mutex

	pending   map[int64]chan callResult
	pendingMu sync.Mutex

	done *closeOnce
}

// write sends one envelope, serializing writers on the socket.
func (cn *conn) write(env envelope) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()

	if err := cn.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %w", ErrConnectionClosed, err)
	}
	if err := cn.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: write: %w", ErrConnectionClosed, err)
	}
	return nil
}

// rejectAll fails every pending request with err and clears the registry.
func (cn *conn) rejectAll(err error) {
	cn.pendingMu.Lock()
	pending := cn.pending
	cn.pending = make(map[int64]chan callResult)
	cn.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// Client owns one persistent push-channel connection to the controller.
//
// Lifecycle: Disconnected → Connecting → Connected → Disconnected. The
// client never reconnects on its own; an external caller owns the retry
// loop and calls Connect again after a Lost signal. Every successful
// Connect resets the sequence counter (a fresh conn) and replays the
// subscription registry.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	cfg    Config
	tokens TokenSource
	dialer *websocket.Dialer

	mu           sync.Mutex
	state        State
	conn         *conn
	connectDone  chan struct{}
	connectErr   error
	abortConnect context.CancelFunc

	subs  map[string]*subscription
	subMu sync.Mutex

	events chan pushEvent
	lost   chan struct{}
	closed *closeOnce
	wg     sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// NewClient creates a transport client. Call Connect to open the channel.
func NewClient(cfg Config, tokens TokenSource) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	c := &Client{
		cfg:    cfg,
		tokens: tokens,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		subs:   make(map[string]*subscription),
		events: make(chan pushEvent, eventQueueSize),
		lost:   make(chan struct{}, 1),
		closed: newCloseOnce(),
		logger: noopLogger{},
	}

	// Single consumer: deltas for the same instance are delivered to the
	// callback in the order the server emitted them.
	c.wg.Add(1)
	go c.dispatchLoop()

	return c
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) log() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true while the push channel is usable.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Lost signals connection loss detected by the read loop or idle
// watchdog. The external reconnection loop selects on it. Explicit
// Disconnect calls do not signal Lost.
func (c *Client) Lost() <-chan struct{} {
	return c.lost
}

// Connect opens the push channel: obtains a token, dials, waits for the
// server's SessionReady handshake, then replays the subscription registry.
//
// Idempotent: connecting while Connected returns nil immediately, and
// concurrent calls during Connecting collapse into the single in-flight
// attempt, all receiving its result.
func (c *Client) Connect(ctx context.Context) error {
	for {
		c.mu.Lock()

		switch c.state {
		case StateConnected:
			c.mu.Unlock()
			return nil

		case StateConnecting:
			done := c.connectDone
			c.mu.Unlock()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
			}

			c.mu.Lock()
			if c.state == StateConnected {
				c.mu.Unlock()
				return nil
			}
			err := c.connectErr
			c.mu.Unlock()
			if err != nil {
				return err
			}
			// The attempt we waited on was superseded; try again.
			continue

		default:
			// Become the initiator.
			attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
			c.state = StateConnecting
			c.connectDone = make(chan struct{})
			c.abortConnect = cancel
			c.connectErr = nil
			done := c.connectDone
			c.mu.Unlock()

			newConn, err := c.dial(attemptCtx)
			cancel()

			c.mu.Lock()
			// Disconnect may have reset the state while the dial was in
			// flight, and a later Connect may have started a new attempt.
			// Only the still-current attempt may touch shared state.
			current := c.connectDone == done
			if current {
				c.abortConnect = nil
			}
			if err != nil {
				if current {
					if c.state == StateConnecting {
						c.state = StateDisconnected
					}
					c.connectErr = err
					c.connectDone = nil
				}
				close(done)
				c.mu.Unlock()
				return err
			}
			if !current || c.state != StateConnecting {
				// The handshake completed but Disconnect beat us to the
				// lock. The fresh socket must not become the live
				// connection.
				if current {
					c.connectErr = ErrConnectionClosed
					c.connectDone = nil
				}
				close(done)
				c.mu.Unlock()
				c.closeConn(newConn)
				return ErrConnectionClosed
			}
			c.conn = newConn
			c.state = StateConnected
			c.connectErr = nil
			close(done)
			c.connectDone = nil
			c.mu.Unlock()

			c.wg.Add(1)
			go c.readLoop(newConn)

			c.log().Info("push channel connected", "connection_id", newConn.id)

			// Replay the registry. A failed replay is not fatal to the
			// connection: the poll cycle still converges state, and the
			// next reconnect replays again.
			if err := c.resubscribeAll(ctx); err != nil {
				c.log().Warn("subscription replay failed", "error", err)
			}
			return nil
		}
	}
}

// dial performs token fetch, websocket dial and handshake wait.
func (c *Client) dial(ctx context.Context) (*conn, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: token: %w", ErrConnectionFailed, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: dial: %w", ErrConnectionFailed, err)
	}

	// Wait for the server's initial handshake message. An aborting
	// Disconnect cancels ctx; the watcher forces the blocked read to
	// return immediately so the pending connect rejects promptly instead
	// of hanging for the full connect timeout.
	handshakeDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.SetReadDeadline(time.Now())
		case <-handshakeDone:
		}
	}()

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ws.SetReadDeadline(deadline); err != nil {
		close(handshakeDone)
		ws.Close()
		return nil, fmt.Errorf("%w: set handshake deadline: %w", ErrConnectionFailed, err)
	}

	_, data, err := ws.ReadMessage()
	close(handshakeDone)
	if err != nil {
		ws.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: connect aborted", ErrConnectionClosed)
		}
		return nil, fmt.Errorf("%w: handshake: %w", ErrConnectionFailed, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: handshake: %w", ErrProtocol, err)
	}
	if env.OperationName != opSessionReady {
		ws.Close()
		return nil, fmt.Errorf("%w: handshake: unexpected operation %q", ErrProtocol, env.OperationName)
	}

	// Fresh conn: sequence counter restarts, so the first Call of this
	// session allocates sequence id 1.
	return &conn{
		ws:      ws,
		id:      uuid.NewString(),
		pending: make(map[int64]chan callResult),
		done:    newCloseOnce(),
	}, nil
}

// Disconnect closes the push channel.
//
// Called while Connecting, it aborts the in-flight attempt so the pending
// Connect rejects promptly. Called while Connected, it closes the channel
// and rejects all pending requests with ErrConnectionClosed. It does not
// signal Lost — the caller asked for this.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateConnecting && c.abortConnect != nil {
		c.abortConnect()
	}
	cn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cn != nil {
		c.closeConn(cn)
		c.log().Info("push channel disconnected", "connection_id", cn.id)
	}
}

// Close shuts the client down for good: disconnects and stops the
// dispatch goroutine.
func (c *Client) Close() error {
	c.Disconnect()
	c.closed.Close()
	c.wg.Wait()
	return nil
}

// closeConn tears one conn down: signals its loops, closes the socket and
// rejects its pending requests.
func (c *Client) closeConn(cn *conn) {
	cn.done.Close()
	cn.ws.Close()
	cn.rejectAll(ErrConnectionClosed)
}

// teardown handles connection loss detected by the read loop.
func (c *Client) teardown(cn *conn) {
	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.closeConn(cn)

	// Non-blocking: a reconnect loop that has not drained the previous
	// signal yet does not need a second one.
	select {
	case c.lost <- struct{}{}:
	default:
	}
}

// Call sends a correlated request and waits for its response.
//
// Operations on the notify allowlist are sent and resolved immediately
// with a nil result: the server emits no response envelope for them and
// no pending request is registered.
//
// Parameters:
//   - ctx: Context for cancellation
//   - operation: Operation name as spelled on the push channel
//   - args: Positional arguments
//
// Returns:
//   - json.RawMessage: The response result (nil for notify operations)
//   - error: ErrNotConnected, ErrCallTimeout, ErrConnectionClosed, or a
//     write failure
func (c *Client) Call(ctx context.Context, operation string, args []any) (json.RawMessage, error) {
	c.mu.Lock()
	cn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || cn == nil {
		return nil, ErrNotConnected
	}

	env := envelope{OperationName: operation, Args: args}

	if notifyOperations[operation] {
		if err := cn.write(env); err != nil {
			return nil, err
		}
		return nil, nil
	}

	seq := cn.seq.Add(1)
	env.SequenceID = seq

	ch := make(chan callResult, 1)
	cn.pendingMu.Lock()
	cn.pending[seq] = ch
	cn.pendingMu.Unlock()

	if err := cn.write(env); err != nil {
		cn.removePending(seq)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		cn.removePending(seq)
		return nil, ctx.Err()
	case <-timer.C:
		cn.removePending(seq)
		return nil, fmt.Errorf("%w: %s (seq %d) after %v", ErrCallTimeout, operation, seq, c.cfg.CallTimeout)
	case <-cn.done.Done():
		return nil, ErrConnectionClosed
	}
}

// removePending drops a pending entry without resolving it.
func (cn *conn) removePending(seq int64) {
	cn.pendingMu.Lock()
	delete(cn.pending, seq)
	cn.pendingMu.Unlock()
}

// Subscribe adds or extends subscription registry entries and, when
// connected, issues one batched register request covering all of them.
//
// Entries survive disconnects: the registry is replayed automatically on
// every successful Connect and cleared only by explicit Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, subs ...Subscription) error {
	if len(subs) == 0 {
		return nil
	}

	keys := make([]any, 0, len(subs))

	c.subMu.Lock()
	for _, s := range subs {
		entry, ok := c.subs[s.InstanceID]
		if !ok {
			entry = &subscription{properties: make(map[string]struct{})}
			c.subs[s.InstanceID] = entry
		}
		for _, p := range s.Properties {
			entry.properties[p] = struct{}{}
		}
		if s.Callback != nil {
			entry.callback = s.Callback
		}
		keys = append(keys, subscriptionKeys(s.InstanceID, s.Properties)...)
	}
	c.subMu.Unlock()

	if !c.IsConnected() {
		// Registered for replay; nothing to send now.
		return nil
	}

	_, err := c.Call(ctx, opRegisterValues, keys)
	return err
}

// Unsubscribe destroys the registry entry for an instance and, when
// connected, tells the server to stop pushing its deltas.
func (c *Client) Unsubscribe(ctx context.Context, instanceID string) error {
	c.subMu.Lock()
	entry, ok := c.subs[instanceID]
	delete(c.subs, instanceID)
	c.subMu.Unlock()

	if !ok || !c.IsConnected() {
		return nil
	}

	props := make([]string, 0, len(entry.properties))
	for p := range entry.properties {
		props = append(props, p)
	}
	_, err := c.Call(ctx, opUnregisterValues, subscriptionKeys(instanceID, props))
	return err
}

// subscriptionKeys builds the composite registration keys for an entry.
// An empty property set registers the bare instance id (all properties).
func subscriptionKeys(instanceID string, properties []string) []any {
	if len(properties) == 0 {
		return []any{instanceID}
	}
	keys := make([]any, 0, len(properties))
	for _, p := range properties {
		keys = append(keys, instanceID+"."+p)
	}
	return keys
}

// resubscribeAll replays the registry after a successful connect.
//
// It takes a defensive copy of the registry so a concurrent Subscribe
// during the await cannot corrupt the iteration, and issues ONE batched
// register request covering every entry. An empty registry issues none.
func (c *Client) resubscribeAll(ctx context.Context) error {
	c.subMu.Lock()
	keys := make([]any, 0, len(c.subs))
	for id, entry := range c.subs {
		props := make([]string, 0, len(entry.properties))
		for p := range entry.properties {
			props = append(props, p)
		}
		keys = append(keys, subscriptionKeys(id, props)...)
	}
	c.subMu.Unlock()

	if len(keys) == 0 {
		return nil
	}

	_, err := c.Call(ctx, opRegisterValues, keys)
	return err
}

// readLoop receives frames for one conn until it dies or is closed.
//
// The read deadline doubles as the idle watchdog: any inbound message,
// keepalive traffic included, pushes it forward. A deadline expiry means
// the connection went silent past the threshold and is torn down.
func (c *Client) readLoop(cn *conn) {
	defer c.wg.Done()

	for {
		select {
		case <-cn.done.Done():
			return
		default:
		}

		if err := cn.ws.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
			c.teardown(cn)
			return
		}

		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			select {
			case <-cn.done.Done():
				return // Clean shutdown
			default:
			}
			c.log().Warn("push channel lost",
				"connection_id", cn.id,
				"error", err)
			c.teardown(cn)
			return
		}

		c.handleInbound(cn, data)
	}
}

// handleInbound classifies one inbound frame.
func (c *Client) handleInbound(cn *conn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log().Error("malformed inbound message",
			"connection_id", cn.id,
			"error", fmt.Errorf("%w: %w", ErrProtocol, err))
		return
	}

	switch {
	case env.OperationName == opValuesChanged:
		c.dispatchPush(env.Table)

	case env.SequenceID > 0:
		c.resolvePending(cn, env)

	case env.OperationName == opKeepAlive, env.OperationName == opSessionReady:
		// Keepalive traffic; the read deadline was already refreshed.

	default:
		c.log().Warn("unexpected inbound message",
			"connection_id", cn.id,
			"operation", env.OperationName)
	}
}

// resolvePending matches a response to its pending request by sequence id.
// Out-of-order delivery is fine: correlation is purely by id.
func (c *Client) resolvePending(cn *conn, env envelope) {
	cn.pendingMu.Lock()
	ch, ok := cn.pending[env.SequenceID]
	if ok {
		delete(cn.pending, env.SequenceID)
	}
	cn.pendingMu.Unlock()

	if !ok {
		// Late response to a timed-out or cancelled call.
		c.log().Debug("response with no pending request",
			"sequence_id", env.SequenceID,
			"operation", env.OperationName)
		return
	}

	ch <- callResult{result: env.Result}
}

// dispatchPush splits a push batch into per-instance events and queues
// them for the dispatch consumer.
func (c *Client) dispatchPush(table map[string]wireValue) {
	byInstance := make(map[string]map[string]PropertyValue)

	for key, wv := range table {
		instanceID, property, ok := splitCompositeKey(key)
		if !ok {
			// No dot separator: undocumented upstream shape. Log and
			// skip rather than guessing at a parse.
			c.log().Error("push key missing property separator", "key", key)
			continue
		}

		changed, ok := byInstance[instanceID]
		if !ok {
			changed = make(map[string]PropertyValue)
			byInstance[instanceID] = changed
		}
		changed[property] = wv.propertyValue()
	}

	c.subMu.Lock()
	for instanceID, changed := range byInstance {
		entry, ok := c.subs[instanceID]
		if !ok || entry.callback == nil {
			c.log().Debug("push update for unsubscribed instance", "instance_id", instanceID)
			continue
		}

		// Filter to the desired property set; empty set means all.
		if len(entry.properties) > 0 {
			for p := range changed {
				if _, want := entry.properties[p]; !want {
					delete(changed, p)
				}
			}
			if len(changed) == 0 {
				continue
			}
		}

		select {
		case c.events <- pushEvent{instanceID: instanceID, changed: changed, callback: entry.callback}:
		default:
			// Queue full: drop rather than block the read loop. The next
			// poll converges any state lost here.
			c.log().Warn("push event queue full, dropping update", "instance_id", instanceID)
		}
	}
	c.subMu.Unlock()
}

// dispatchLoop is the single consumer of the push-event queue.
func (c *Client) dispatchLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closed.Done():
			return
		case ev := <-c.events:
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.log().Error("push callback panic", "error", fmt.Errorf("%v", r))
					}
				}()
				ev.callback(ev.instanceID, ev.changed)
			}()
		}
	}
}
