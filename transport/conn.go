package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the connection lifecycle position. Errors are reported to
// the OnError callback as a side observation; they are not a state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// UnlimitedReconnects disables the reconnect attempt budget.
const UnlimitedReconnects = -1

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("transport: connection closed")
	// ErrNotConnected is returned by Send when the connection is down
	// and buffering is disabled; the message has been dropped.
	ErrNotConnected = errors.New("transport: not connected")

	errHeartbeatTimeout = errors.New("transport: no traffic within heartbeat window")
)

// Handler receives inbound envelopes of the type it subscribed to.
type Handler func(Envelope)

// Config configures a Conn. Zero values take the documented defaults.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8081/ws/room-1.
	URL string
	// ClientID stamps outbound heartbeats. Defaults to a random uuid.
	ClientID string
	// HeartbeatInterval between pings. Default 30s. A connection that
	// stays silent for more than two full intervals is considered dead
	// and torn down for reconnect on the next heartbeat tick.
	HeartbeatInterval time.Duration
	// MaxReconnectAttempts is the budget of consecutive dial failures
	// before the connection settles in Disconnected. Default 5. Pass
	// UnlimitedReconnects to retry forever.
	MaxReconnectAttempts int
	// ReconnectDelay is the base delay between attempts; subsequent
	// delays grow exponentially with jitter. Default 2s.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the backoff. Default 30s.
	MaxReconnectDelay time.Duration
	// DisableBuffering drops messages sent while disconnected instead
	// of queueing them for the next flush.
	DisableBuffering bool
	// OnError observes transport failures. Optional.
	OnError func(error)
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// session is one live websocket. A Conn goes through many sessions as
// it reconnects; done is closed exactly once when the session ends.
type session struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	stop sync.Once
}

func (s *session) terminate() {
	s.stop.Do(func() {
		close(s.done)
		s.ws.Close()
	})
}

// Conn is a self-healing websocket connection.
type Conn struct {
	cfg Config
	log *slog.Logger

	lastTraffic atomic.Int64 // unix nanos of last inbound frame

	mu        sync.Mutex
	state     State
	cur       *session
	buffer    [][]byte
	attempts  int
	handlers  map[string]map[uint64]Handler
	stateSubs map[uint64]func(State)
	nextSub   uint64
	closed    bool
	closedCh  chan struct{}
}

// New creates a connection in the Disconnected state.
func New(cfg Config) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		cfg:       cfg,
		log:       cfg.Logger.With("url", cfg.URL),
		handlers:  make(map[string]map[uint64]Handler),
		stateSubs: make(map[uint64]func(State)),
		closedCh:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Buffered returns how many outbound messages are queued for the next
// successful connect.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// ClientID returns the id stamped on outbound frames.
func (c *Conn) ClientID() string { return c.cfg.ClientID }

// Connect dials the endpoint, retrying per the reconnect budget. It is
// a no-op when already connected or connecting, and it resets the
// attempt counter, so a Disconnected connection can always be revived
// by calling Connect again.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Disconnected {
		// Already open or a (re)connect loop is running.
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.attempts = 0
	c.mu.Unlock()
	c.notifyState(Connecting)

	return c.establish(ctx)
}

// establish dials until success or until the attempt budget runs out.
func (c *Conn) establish(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectDelay
	bo.MaxInterval = c.cfg.MaxReconnectDelay
	bo.MaxElapsedTime = 0 // attempts are bounded by count, not time

	for {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
		if err == nil {
			err = c.adopt(ws)
			if err == nil {
				return nil
			}
			ws.Close()
			if errors.Is(err, ErrClosed) {
				return err
			}
			// Buffer flush failed mid-handshake; treat it like a dial
			// failure and retry.
		}

		c.notifyError(err)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()
		c.log.Warn("dial failed", "attempt", attempts, "error", err)

		if c.cfg.MaxReconnectAttempts != UnlimitedReconnects && attempts >= c.cfg.MaxReconnectAttempts {
			c.setState(Disconnected)
			return fmt.Errorf("transport: giving up after %d attempts: %w", attempts, err)
		}

		c.setState(Reconnecting)
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			c.setState(Disconnected)
			return ctx.Err()
		case <-c.closedCh:
			return ErrClosed
		}
		c.setState(Connecting)
	}
}

// adopt flushes the outbound buffer over the fresh socket in FIFO
// order, then promotes it to the live session and starts the pumps and
// the heartbeat. The buffer flush happens before the state flips to
// Connected so buffered messages always precede newly sent ones.
func (c *Conn) adopt(ws *websocket.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	pending := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	for i, msg := range pending {
		if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.mu.Lock()
			c.buffer = append(pending[i:], c.buffer...)
			c.mu.Unlock()
			return fmt.Errorf("transport: flush buffered message: %w", err)
		}
	}

	sess := &session{
		ws:   ws,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	// Steal anything buffered while the bulk flush ran. It is written
	// below, before the pumps start, so it still precedes messages
	// sent after the state flipped to Connected.
	tail := c.buffer
	c.buffer = nil
	c.cur = sess
	c.state = Connected
	c.attempts = 0
	c.mu.Unlock()
	c.lastTraffic.Store(time.Now().UnixNano())
	c.notifyState(Connected)
	c.log.Info("connected", "flushed", len(pending)+len(tail))

	for i, msg := range tail {
		if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.mu.Lock()
			c.buffer = append(tail[i:], c.buffer...)
			c.mu.Unlock()
			// Already adopted; route through the normal failure path so
			// the background reconnect takes over.
			c.sessionFailed(sess, err)
			return nil
		}
	}

	go c.readPump(sess)
	go c.writePump(sess)
	go c.heartbeat(sess)
	return nil
}

// Send transmits the envelope if connected. While disconnected the
// message is queued for the next flush, or dropped with
// ErrNotConnected when buffering is disabled.
func (c *Conn) Send(env Envelope) error {
	if env.Sender == "" {
		env.Sender = c.cfg.ClientID
	}
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected && c.cur != nil {
		sess := c.cur
		c.mu.Unlock()
		select {
		case sess.send <- msg:
			return nil
		case <-sess.done:
			// Session died while we held the message; fall through to
			// the offline path.
		}
		c.mu.Lock()
	}
	defer c.mu.Unlock()
	if c.cfg.DisableBuffering {
		return ErrNotConnected
	}
	c.buffer = append(c.buffer, msg)
	return nil
}

// Subscribe registers a handler for one message type and returns its
// cancel function. Multiple handlers per type are supported.
func (c *Conn) Subscribe(msgType string, h Handler) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	if c.handlers[msgType] == nil {
		c.handlers[msgType] = make(map[uint64]Handler)
	}
	c.handlers[msgType][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[msgType], id)
	}
}

// SubscribeState registers an observer for lifecycle transitions.
func (c *Conn) SubscribeState(fn func(State)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateSubs, id)
	}
}

// Close tears the connection down: the heartbeat stops, all handler
// registrations are cleared and the outbound buffer is discarded. The
// drop is deterministic; callers that need delivery must stay
// connected until their messages are flushed.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sess := c.cur
	c.cur = nil
	c.buffer = nil
	c.handlers = make(map[string]map[uint64]Handler)
	c.stateSubs = make(map[uint64]func(State))
	c.state = Disconnected
	close(c.closedCh)
	c.mu.Unlock()

	if sess != nil {
		sess.terminate()
	}
}

func (c *Conn) readPump(sess *session) {
	for {
		_, raw, err := sess.ws.ReadMessage()
		if err != nil {
			c.sessionFailed(sess, err)
			return
		}
		c.lastTraffic.Store(time.Now().UnixNano())

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if env.Type == TypePong {
			// Heartbeat response; the traffic timestamp above is all
			// we need from it.
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) writePump(sess *session) {
	for {
		select {
		case msg := <-sess.send:
			if err := sess.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.sessionFailed(sess, err)
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (c *Conn) heartbeat(sess *session) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, c.lastTraffic.Load())
			if time.Since(last) > 2*c.cfg.HeartbeatInterval {
				c.sessionFailed(sess, errHeartbeatTimeout)
				return
			}
			env, err := NewEnvelope(TypePing, c.cfg.ClientID, Heartbeat{TS: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			msg, _ := json.Marshal(env)
			select {
			case sess.send <- msg:
			case <-sess.done:
				return
			}
		case <-sess.done:
			return
		}
	}
}

// dispatch fans an envelope out to every handler registered for its
// type. A panicking handler is logged and isolated so it cannot break
// delivery to the others.
func (c *Conn) dispatch(env Envelope) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[env.Type]))
	for _, h := range c.handlers[env.Type] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("message handler panicked", "type", env.Type, "panic", r)
				}
			}()
			h(env)
		}()
	}
}

// sessionFailed ends a session and kicks off a background reconnect.
// Both pumps and the heartbeat can report failure; only the first one
// acts, and only if the failed session is still current.
func (c *Conn) sessionFailed(sess *session, err error) {
	sess.terminate()

	c.mu.Lock()
	if c.closed || c.cur != sess {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.state = Reconnecting
	c.mu.Unlock()

	c.notifyError(err)
	c.notifyState(Reconnecting)
	c.log.Warn("connection lost", "error", err)

	go func() {
		c.setState(Connecting)
		if err := c.establish(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			c.log.Error("reconnect failed", "error", err)
		}
	}()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.closed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Conn) notifyState(s State) {
	c.mu.Lock()
	subs := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (c *Conn) notifyError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
