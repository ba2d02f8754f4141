package channel

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/lg8294/signal-channel/contracts"
)

const (
	// DefaultResponseEvent is the inbound event carrying correlated
	// push responses.
	DefaultResponseEvent = "correlatedResponse"
	// DefaultCloseEvent is the inbound event by which the server ends
	// the session.
	DefaultCloseEvent = "closeRequested"
)

var (
	errNoFactory  = errors.New("channel: no connection factory configured")
	errSuperseded = errors.New("channel: connection attempt superseded")
)

// Channel multiplexes one persistent duplex connection between many
// concurrent callers. It owns the connection state machine, the
// pending-request registry, and the push-handler registrations, and it
// routes every inbound correlated response to the caller waiting on its
// correlation id.
type Channel struct {
	id            string
	dial          ConnectionFactory
	logger        *slog.Logger
	responseEvent string
	closeEvent    string
	backoffMin    time.Duration
	backoffMax    time.Duration
	maxAttempts   int

	requests *registry
	mux      *handlerMux
	notifier stateNotifier

	mu            sync.Mutex
	conn          Connection
	state         ConnectionState
	autoReconnect bool
	gen           uint64 // connection generation, guards against stale close callbacks
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithResponseEvent overrides the inbound event name carrying
// correlated responses.
func WithResponseEvent(name string) Option {
	return func(c *Channel) {
		c.responseEvent = strings.ToLower(name)
	}
}

// WithCloseEvent overrides the inbound event name by which the server
// requests the session to end.
func WithCloseEvent(name string) Option {
	return func(c *Channel) {
		c.closeEvent = strings.ToLower(name)
	}
}

// WithReconnectBackoff paces reconnection attempts between min and max
// with jitter instead of the default single immediate retry.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(c *Channel) {
		c.backoffMin = min
		c.backoffMax = max
	}
}

// WithMaxReconnectAttempts caps backoff-paced reconnection attempts.
// Zero means unlimited.
func WithMaxReconnectAttempts(n int) Option {
	return func(c *Channel) {
		c.maxAttempts = n
	}
}

// NewChannel creates a Channel that dials through the given factory on
// every start and reconnect.
func NewChannel(dial ConnectionFactory, options ...Option) *Channel {
	c := &Channel{
		id:            uuid.New().String(),
		dial:          dial,
		logger:        slog.Default(),
		responseEvent: strings.ToLower(DefaultResponseEvent),
		closeEvent:    strings.ToLower(DefaultCloseEvent),
		requests:      newRegistry(),
		mux:           newHandlerMux(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ID returns the channel's session id, attached by the bridge as
// callback metadata on outer requests.
func (c *Channel) ID() string {
	return c.id
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetHooks installs the diagnostic observation points around registry
// activity. Absent hooks are silently skipped.
func (c *Channel) SetHooks(h Hooks) {
	c.requests.setHooks(h)
}

// AddStateListener registers a connection state listener.
func (c *Channel) AddStateListener(l StateListener) {
	c.notifier.add(l)
}

// RemoveStateListener removes a previously registered listener.
func (c *Channel) RemoveStateListener(l StateListener) {
	c.notifier.remove(l)
}

// Start establishes the underlying connection, wires the fixed inbound
// routes, replays the handler registrations, and arms auto-reconnect.
// Calling Start while already connected is a no-op. Establishment
// failures are surfaced to the caller after the state is reset to
// Disconnected.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	if c.dial == nil {
		c.mu.Unlock()
		c.requests.drain(ErrConnectionLost)
		return &ConnectionError{Op: "start", Err: errNoFactory, Timestamp: time.Now()}
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	err := c.connect(ctx, gen)
	if err == nil {
		c.logger.Info("channel connected", "channelId", c.id)
		c.notifier.connected()
		return nil
	}
	if errors.Is(err, errSuperseded) {
		// A newer attempt or a Stop took over while dialing.
		return nil
	}

	c.requests.drain(ErrConnectionLost)
	c.mu.Lock()
	if gen == c.gen {
		c.state = Disconnected
	}
	c.mu.Unlock()
	return &ConnectionError{Op: "start", Err: err, Timestamp: time.Now()}
}

// connect dials a fresh connection handle and wires it. The fixed
// subscriptions and the handler replay happen before the state flips
// to Connected, so no push can arrive unobserved. Only the wiring and
// the final install hold the state lock; the transport start runs
// unlocked, so State, On, Off, and Stop stay responsive during a slow
// dial. gen names this attempt: a Stop or a newer attempt bumps the
// channel generation and orphans this one.
func (c *Channel) connect(ctx context.Context, gen uint64) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	conn.On(c.responseEvent, PushHandlerFunc(c.handleCorrelatedResponse))
	conn.On(c.closeEvent, PushHandlerFunc(c.handleServerClose))
	conn.NotifyClose(func(cause error) {
		c.connectionClosed(gen, cause)
	})

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return errSuperseded
	}
	// Replay and install in one critical section: a registration made
	// from here on sees c.conn and attaches to the handle directly.
	c.mux.replay(conn)
	c.conn = conn
	c.mu.Unlock()

	if err := conn.Start(ctx); err != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		_ = conn.Stop(ctx)
		return errSuperseded
	}
	c.state = Connected
	c.autoReconnect = true
	c.mu.Unlock()
	return nil
}

// Stop tears the channel down: auto-reconnect is disarmed, every
// pending waiter fails with ErrConnectionLost, and the connection
// handle is released. Stopping an already stopped channel is a no-op
// beyond clearing leftover pending state.
func (c *Channel) Stop(ctx context.Context) error {
	return c.stop(ctx, false)
}

// StopKeepReconnect tears the channel down like Stop but leaves
// auto-reconnect armed, for callers pausing the session without
// surrendering the recovery behavior.
func (c *Channel) StopKeepReconnect(ctx context.Context) error {
	return c.stop(ctx, true)
}

func (c *Channel) stop(ctx context.Context, rearm bool) error {
	c.mu.Lock()
	c.autoReconnect = rearm
	conn := c.conn
	c.conn = nil
	wasActive := c.state != Disconnected
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	// The registry must be empty before Disconnected is observable.
	c.requests.drain(ErrConnectionLost)

	c.mu.Lock()
	if gen == c.gen {
		c.state = Disconnected
	}
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Stop(ctx)
	}

	if wasActive {
		c.logger.Info("channel stopped", "channelId", c.id)
		c.notifier.disconnected(nil)
	}
	return err
}

// Reconnect re-establishes the connection. No-op when already
// connected.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	c.state = Reconnecting
	c.mu.Unlock()

	c.notifier.reconnecting()
	return c.Start(ctx)
}

// connectionClosed handles an unexpected close signaled by the
// transport. Close notifications from superseded handles are ignored.
func (c *Channel) connectionClosed(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil

	if !c.autoReconnect {
		c.gen++
		closedGen := c.gen
		c.mu.Unlock()

		c.requests.drain(ErrConnectionLost)

		c.mu.Lock()
		if closedGen == c.gen {
			c.state = Disconnected
		}
		c.mu.Unlock()

		c.logger.Info("connection closed", "channelId", c.id, "error", cause)
		c.notifier.disconnected(cause)
		return
	}

	c.state = Reconnecting
	c.mu.Unlock()

	c.logger.Warn("connection lost, reconnecting", "channelId", c.id, "error", cause)
	c.notifier.reconnecting()
	go c.retry(cause)
}

// retry re-establishes the connection after an unexpected close. By
// default a single immediate attempt is made; WithReconnectBackoff
// switches to paced attempts until success, the attempt cap, or Stop.
func (c *Channel) retry(cause error) {
	var b *backoff.Backoff
	if c.backoffMin > 0 {
		b = &backoff.Backoff{Min: c.backoffMin, Max: c.backoffMax, Jitter: true}
	}

	attempt := 0
	for {
		attempt++

		c.mu.Lock()
		if c.state != Reconnecting {
			// Stopped or reconnected through another path meanwhile.
			c.mu.Unlock()
			return
		}
		c.gen++
		gen := c.gen
		c.mu.Unlock()

		err := c.connect(context.Background(), gen)
		if err == nil {
			c.logger.Info("channel reconnected", "channelId", c.id, "attempts", attempt)
			c.notifier.connected()
			return
		}
		if errors.Is(err, errSuperseded) {
			return
		}

		c.logger.Error("reconnect attempt failed", "channelId", c.id, "attempt", attempt, "error", err)

		if b == nil || (c.maxAttempts > 0 && attempt >= c.maxAttempts) {
			break
		}
		time.Sleep(b.Duration())
	}

	c.requests.drain(ErrConnectionLost)

	c.mu.Lock()
	if c.state != Reconnecting {
		c.mu.Unlock()
		return
	}
	c.state = Disconnected
	c.mu.Unlock()

	c.notifier.disconnected(cause)
}

// handleCorrelatedResponse routes an inbound push carrying a
// correlation id to the waiter registered under that id.
func (c *Channel) handleCorrelatedResponse(ctx context.Context, msg contracts.PushMessage) error {
	id := msg.CorrelationID()
	if c.requests.dispatch(id, msg) {
		c.logger.Debug("correlated response matched", "correlationId", id)
	} else {
		c.logger.Debug("correlated response unmatched", "correlationId", id)
	}
	return nil
}

// handleServerClose reacts to the server explicitly ending the
// session: equivalent to a local Stop with auto-reconnect disabled.
func (c *Channel) handleServerClose(ctx context.Context, msg contracts.PushMessage) error {
	c.logger.Info("server requested close", "channelId", c.id)
	// Stop tears down the connection whose read path delivered this
	// event, so it must not run on that path.
	go func() {
		if err := c.Stop(context.Background()); err != nil {
			c.logger.Error("stop after server close failed", "error", err)
		}
	}()
	return nil
}

// On registers a push-event handler, attaching it to the live
// connection if one exists. Registrations survive reconnects.
func (c *Channel) On(event string, h PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mux.on(event, h, c.conn)
}

// Off removes a specific handler, or every handler for the event when
// h is nil, detaching from the live connection if one exists.
func (c *Channel) Off(event string, h PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mux.off(event, h, c.conn)
}

// ClearHandlers drops every handler registration without touching the
// live connection. Used for a full reset.
func (c *Channel) ClearHandlers() {
	c.mux.clear()
}

// AddRequest registers a waiter under a correlation id. An id already
// in flight is overwritten; callers generate fresh ids per request.
func (c *Channel) AddRequest(id string, w *Waiter) {
	c.requests.add(id, w)
}

// RemoveRequest drops the pending registration for id, if any, without
// completing its waiter. A later push for that id becomes a harmless
// unmatched event.
func (c *Channel) RemoveRequest(id string) {
	c.requests.remove(id)
}

// PendingRequestCount returns the number of in-flight registrations.
func (c *Channel) PendingRequestCount() int {
	return c.requests.count()
}

// Invoke calls a remote method over the live connection. Fails with
// ErrNotConnected while no live connection exists.
func (c *Channel) Invoke(ctx context.Context, target string, args interface{}) error {
	conn := c.liveConn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Invoke(ctx, target, args)
}

// Send emits a fire-and-forget message over the live connection. Fails
// with ErrNotConnected while no live connection exists.
func (c *Channel) Send(ctx context.Context, target string, args interface{}) error {
	conn := c.liveConn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(ctx, target, args)
}

func (c *Channel) liveConn() Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return nil
	}
	return c.conn
}
