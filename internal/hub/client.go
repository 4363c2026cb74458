package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oakmere/hearth-core/internal/entity"
)

// Logger defines the logging interface used by the Client.
// This allows different logging implementations to be used.
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

// ConnectionState is the client's position in the connection lifecycle.
// Exactly one instance per client; transitions are driven solely by the
// run loop, terminal only on explicit Close.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateSubscribingEvents
	StateListening
	StateClosingForRetry
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribingEvents:
		return "subscribing_events"
	case StateListening:
		return "listening"
	case StateClosingForRetry:
		return "closing_for_retry"
	default:
		return "invalid"
	}
}

// BackoffConfig holds the delay tiers applied between reconnect attempts.
type BackoffConfig struct {
	// Initial is the starting transport backoff, grown ×1.5 per failed
	// dial up to Max.
	Initial time.Duration
	Max     time.Duration

	// AuthFailure is applied after a rejected or timed-out authentication.
	AuthFailure time.Duration

	// Close is applied after a benign connection close.
	Close time.Duration

	// Error is applied after an unexpected listen-loop error.
	Error time.Duration
}

// Config holds the connection settings for the hub client.
type Config struct {
	// URL is the hub's WebSocket endpoint, e.g.
	// "ws://homeassistant.local:8123/api/websocket".
	URL string

	// Token is the long-lived access token sent during authentication.
	Token string

	ConnectTimeout  time.Duration
	AuthTimeout     time.Duration
	CallTimeout     time.Duration
	PingInterval    time.Duration
	LivenessTimeout time.Duration

	Backoff BackoffConfig
}

// applyDefaults fills zero-valued fields with production defaults.
func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 90 * time.Second
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 60 * time.Second
	}
	if c.Backoff.AuthFailure <= 0 {
		c.Backoff.AuthFailure = 60 * time.Second
	}
	if c.Backoff.Close <= 0 {
		c.Backoff.Close = 5 * time.Second
	}
	if c.Backoff.Error <= 0 {
		c.Backoff.Error = 15 * time.Second
	}
}

// StateChange is delivered to registered listeners after the cache write.
// NewState is nil when the entity was removed.
type StateChange struct {
	EntityID string
	NewState *entity.State
	OldState *entity.State
}

// StateChangeListener receives state changes from the dispatch worker.
// Listeners must not block for long; the queue behind them is bounded and
// overflow is dropped.
type StateChangeListener func(StateChange)

// Stats is a point-in-time snapshot of client counters.
type Stats struct {
	State           string    `json:"state"`
	EventsReceived  uint64    `json:"events_received"`
	CallsSent       uint64    `json:"calls_sent"`
	Reconnects      uint64    `json:"reconnects"`
	FramesDropped   uint64    `json:"frames_dropped"`
	ListenerDropped uint64    `json:"listener_dropped"`
	Errors          uint64    `json:"errors"`
	LastSeen        time.Time `json:"last_seen"`
}

// closeOnce wraps a channel that can be closed exactly once.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close()                { c.once.Do(func() { close(c.ch) }) }
func (c *closeOnce) Done() <-chan struct{} { return c.ch }

// listenerQueueSize bounds the fan-out queue between the listen loop and
// the dispatch worker. Overflow drops the change for listeners only; the
// cache write has already happened.
const listenerQueueSize = 100

// callResult is the resolution of one pending correlated call.
type callResult struct {
	success bool
	result  json.RawMessage
	message string
	err     error
}

// Client is the persistent, self-healing connection to the hub.
//
// Construct with New, wire listeners with AddListener, then Start. The
// client reconnects forever until Close; callers observe connectivity via
// State and Stats rather than errors.
type Client struct {
	cfg    Config
	cache  *entity.Cache
	logger Logger

	mu             sync.Mutex // guards conn, state, subscriptionID, nextID, pending
	conn           *websocket.Conn
	state          ConnectionState
	subscriptionID int64
	nextID         int64
	pending        map[int64]chan callResult

	writeMu sync.Mutex // the websocket permits one concurrent writer

	listenersMu sync.RWMutex
	listeners   []StateChangeListener

	listenerQueue chan StateChange

	lastSeen atomic.Int64 // unix nanos of last inbound traffic

	eventsReceived  atomic.Uint64
	callsSent       atomic.Uint64
	reconnects      atomic.Uint64
	framesDropped   atomic.Uint64
	listenerDropped atomic.Uint64
	errorsTotal     atomic.Uint64

	started atomic.Bool
	done    *closeOnce
	wg      sync.WaitGroup
}

// New creates a hub client writing into the given cache.
// The client is inert until Start.
func New(cfg Config, cache *entity.Cache) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("hub: url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("hub: token is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("hub: cache is required")
	}
	cfg.applyDefaults()

	return &Client{
		cfg:           cfg,
		cache:         cache,
		logger:        noopLogger{},
		state:         StateDisconnected,
		pending:       make(map[int64]chan callResult),
		listenerQueue: make(chan StateChange, listenerQueueSize),
		done:          newCloseOnce(),
	}, nil
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// AddListener registers a state-change listener. Safe to call at any time;
// listeners registered after Start begin receiving subsequent changes.
func (c *Client) AddListener(fn StateChangeListener) {
	if fn == nil {
		return
	}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start launches the reconnect state machine and the listener dispatch
// worker. Returns ErrAlreadyStarted on a second call and ErrClosed after
// Close.
func (c *Client) Start() error {
	select {
	case <-c.done.Done():
		return ErrClosed
	default:
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.wg.Add(2)
	go c.run()
	go c.dispatchLoop()
	return nil
}

// Close shuts the client down permanently: cancels the run loop, closes the
// transport and resolves in-flight calls as cancelled. Idempotent.
func (c *Client) Close() error {
	c.done.Close()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	c.wg.Wait()
	c.failPending(ErrCallCancelled)
	c.setState(StateDisconnected)
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the client is in the Listening state.
func (c *Client) Connected() bool {
	return c.State() == StateListening
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	var lastSeen time.Time
	if ns := c.lastSeen.Load(); ns > 0 {
		lastSeen = time.Unix(0, ns)
	}
	return Stats{
		State:           c.State().String(),
		EventsReceived:  c.eventsReceived.Load(),
		CallsSent:       c.callsSent.Load(),
		Reconnects:      c.reconnects.Load(),
		FramesDropped:   c.framesDropped.Load(),
		ListenerDropped: c.listenerDropped.Load(),
		Errors:          c.errorsTotal.Load(),
		LastSeen:        lastSeen,
	}
}

// ===== Run loop (connection state machine) =====

func (c *Client) run() {
	defer c.wg.Done()

	transportDelay := c.cfg.Backoff.Initial

	for {
		select {
		case <-c.done.Done():
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			c.errorsTotal.Add(1)
			c.log().Warn("hub connect failed", "error", err, "retry_in", transportDelay)
			if !c.sleep(transportDelay) {
				return
			}
			transportDelay = nextBackoff(transportDelay, c.cfg.Backoff.Max)
			continue
		}
		transportDelay = c.cfg.Backoff.Initial

		c.setConn(conn)
		c.touchLastSeen()

		c.setState(StateAuthenticating)
		if err := c.authenticate(conn); err != nil {
			conn.Close()
			c.teardown()
			c.setState(StateClosingForRetry)

			delay := c.cfg.Backoff.Error
			if errors.Is(err, ErrAuthFailed) {
				// A bad credential will not fix itself; back off hard.
				delay = c.cfg.Backoff.AuthFailure
			}
			c.errorsTotal.Add(1)
			c.log().Error("hub authentication failed", "error", err, "retry_in", delay)
			if !c.sleep(delay) {
				return
			}
			continue
		}

		c.setState(StateSubscribingEvents)
		subID, err := c.subscribe(conn)
		if err != nil {
			conn.Close()
			c.teardown()
			c.setState(StateClosingForRetry)
			c.errorsTotal.Add(1)
			c.log().Error("event subscription failed", "error", err)
			if !c.sleep(c.cfg.Backoff.Error) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.subscriptionID = subID
		c.mu.Unlock()

		c.setState(StateListening)
		c.log().Info("hub connection established", "url", c.cfg.URL, "subscription_id", subID)

		// Registry fetch runs over the same socket once the listen loop is
		// draining frames. Failure is non-fatal; the next reconnect retries.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.loadRegistry()
		}()

		pingerStop := make(chan struct{})
		c.wg.Add(1)
		go c.pinger(conn, pingerStop)

		err = c.listen(conn)
		close(pingerStop)
		conn.Close()
		c.teardown()

		select {
		case <-c.done.Done():
			return
		default:
		}

		c.setState(StateClosingForRetry)
		c.reconnects.Add(1)

		delay := c.cfg.Backoff.Error
		if isBenignClose(err) {
			delay = c.cfg.Backoff.Close
			c.log().Info("hub connection closed", "retry_in", delay)
		} else {
			c.errorsTotal.Add(1)
			c.log().Warn("hub connection lost", "error", err, "retry_in", delay)
		}
		if !c.sleep(delay) {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// authenticate performs the greeting/credential exchange. Read deadlines
// bound both waits; the deadline is cleared before the listen loop takes
// over.
func (c *Client) authenticate(conn *websocket.Conn) error {
	deadline := time.Now().Add(c.cfg.AuthTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}

	var greeting frame
	if err := conn.ReadJSON(&greeting); err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}
	if greeting.kind() != kindAuthRequired {
		return fmt.Errorf("unexpected greeting frame type %q", greeting.Type)
	}

	if err := conn.WriteJSON(authFrame{Type: "auth", AccessToken: c.cfg.Token}); err != nil {
		return fmt.Errorf("sending credential: %w", err)
	}

	var reply frame
	if err := conn.ReadJSON(&reply); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// The hub never answered the credential; treated the same as a
			// rejection so the long backoff applies.
			return fmt.Errorf("%w: timed out waiting for auth reply", ErrAuthFailed)
		}
		return fmt.Errorf("reading auth reply: %w", err)
	}

	switch reply.kind() {
	case kindAuthOK:
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return fmt.Errorf("clearing read deadline: %w", err)
		}
		return nil
	case kindAuthInvalid:
		return fmt.Errorf("%w: %s", ErrAuthFailed, reply.Message)
	default:
		return fmt.Errorf("unexpected auth reply type %q", reply.Type)
	}
}

// subscribe sends the state_changed subscription and returns its correlation
// id. The confirmation is observed asynchronously by the listen loop; waiting
// here would only delay event flow.
func (c *Client) subscribe(conn *websocket.Conn) (int64, error) {
	id := c.nextCorrelationID()
	if err := conn.WriteJSON(subscribeFrame{
		ID:        id,
		Type:      "subscribe_events",
		EventType: "state_changed",
	}); err != nil {
		return 0, fmt.Errorf("sending subscription: %w", err)
	}
	return id, nil
}

// ===== Listen loop =====

func (c *Client) listen(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.touchLastSeen()

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.framesDropped.Add(1)
			c.log().Warn("malformed frame dropped", "error", err)
			continue
		}

		switch f.kind() {
		case kindEvent:
			c.handleEvent(&f)
		case kindResult:
			c.handleResult(&f)
		case kindPong:
			// lastSeen already refreshed above
		case kindUnknown:
			c.framesDropped.Add(1)
			c.log().Debug("unrecognised frame dropped", "type", f.Type, "id", f.ID)
		default:
			// Auth frames after the handshake are out of protocol but
			// harmless; log and move on.
			c.log().Debug("unexpected frame in listen loop", "type", f.Type)
		}
	}
}

func (c *Client) handleEvent(f *frame) {
	c.mu.Lock()
	active := c.subscriptionID
	c.mu.Unlock()

	if f.ID != active {
		// Stale subscription from a previous connection, or an event type
		// we never asked for.
		c.log().Debug("event for inactive subscription dropped", "id", f.ID, "active", active)
		return
	}
	if f.Event == nil || f.Event.EventType != "state_changed" {
		c.log().Debug("non state_changed event dropped")
		return
	}

	data := f.Event.Data
	if data.EntityID == "" {
		c.framesDropped.Add(1)
		c.log().Warn("state_changed event without entity_id dropped")
		return
	}

	// Synchronous cache write: the contract is that every event is applied
	// before the next frame is read.
	c.cache.ApplyStateChange(data.EntityID, data.NewState.toEntityState())
	c.eventsReceived.Add(1)

	change := StateChange{
		EntityID: data.EntityID,
		NewState: data.NewState.toEntityState(),
		OldState: data.OldState.toEntityState(),
	}
	select {
	case c.listenerQueue <- change:
	default:
		c.listenerDropped.Add(1)
		c.log().Warn("listener queue full, state change dropped", "entity_id", data.EntityID)
	}
}

func (c *Client) handleResult(f *frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log().Debug("unmatched result frame dropped", "id", f.ID)
		return
	}

	res := callResult{
		result:  f.Result,
		message: f.Message,
	}
	if f.Success != nil {
		res.success = *f.Success
	}
	ch <- res
}

// ===== Liveness =====

// pinger issues periodic liveness probes and force-closes the connection if
// nothing has been heard within the liveness timeout. This bounds how long a
// half-open TCP connection can masquerade as healthy.
func (c *Client) pinger(conn *websocket.Conn, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.done.Done():
			return
		case <-ticker.C:
			if time.Since(c.lastSeenTime()) > c.cfg.LivenessTimeout {
				c.log().Warn("liveness timeout, forcing reconnect",
					"last_seen", c.lastSeenTime())
				conn.Close()
				return
			}
			if err := c.sendFrame(pingFrame{ID: c.nextCorrelationID(), Type: "ping"}); err != nil {
				return
			}
		}
	}
}

// ===== Listener dispatch =====

// dispatchLoop drains the listener queue. A single worker keeps delivery
// ordered per connection.
func (c *Client) dispatchLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		case change := <-c.listenerQueue:
			c.invokeListeners(change)
		}
	}
}

func (c *Client) invokeListeners(change StateChange) {
	c.listenersMu.RLock()
	listeners := make([]StateChangeListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log().Error("state listener panicked", "panic", r,
						"entity_id", change.EntityID)
				}
			}()
			fn(change)
		}()
	}
}

// ===== Internals =====

// sendFrame serialises concurrent writers onto the single connection.
func (c *Client) sendFrame(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (c *Client) nextCorrelationID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// registerPending installs a result channel for a correlation id.
// The channel is buffered so resolution never blocks the listen loop.
func (c *Client) registerPending(id int64) chan callResult {
	ch := make(chan callResult, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregisterPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// teardown clears connection-scoped resources: the transport handle, the
// active subscription, and all pending calls (resolved as unconfirmed, since
// the hub may or may not have acted on them).
func (c *Client) teardown() {
	c.mu.Lock()
	c.conn = nil
	c.subscriptionID = 0
	c.mu.Unlock()
	c.failPending(ErrCallUnconfirmed)
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) touchLastSeen() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) lastSeenTime() time.Time {
	ns := c.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// sleep waits for d or until the client is closed. Returns false on close.
func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.done.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) log() Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// nextBackoff grows the transport delay ×1.5, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current + current/2
	if next > max {
		return max
	}
	return next
}

// isBenignClose reports whether the listen loop ended with a normal
// WebSocket close rather than a transport or protocol failure.
func isBenignClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}
