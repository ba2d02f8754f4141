// Package websocket implements the duplex connection over a WebSocket,
// speaking a small JSON frame protocol: inbound frames of type "event"
// carry named push messages, outbound frames of type "invoke" and
// "send" carry remote calls and fire-and-forget messages.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/lg8294/signal-channel/channel"
	"github.com/lg8294/signal-channel/contracts"
	"github.com/lg8294/signal-channel/internal/callback"
)

// ErrConnectionStopped is returned when starting a handle that was
// already stopped. Handles are single-use: the channel dials a fresh
// one per (re)connect.
var ErrConnectionStopped = errors.New("websocket: connection stopped")

// frame is the wire envelope exchanged over the socket.
type frame struct {
	Type   string          `json:"type"`
	Target string          `json:"target,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

const (
	frameEvent  = "event"
	frameInvoke = "invoke"
	frameSend   = "send"
)

// Connection is a single-use duplex connection over a WebSocket.
type Connection struct {
	url          string
	dialer       *ws.Dialer
	header       http.Header
	logger       *slog.Logger
	writeTimeout time.Duration

	handlersMu sync.Mutex
	handlers   map[string]*callback.Set[channel.PushHandler]

	closeMu sync.Mutex
	closeCb func(err error)

	// Serializes writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *ws.Conn
	stopped bool
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithDialer sets a custom websocket dialer.
func WithDialer(dialer *ws.Dialer) Option {
	return func(c *Connection) {
		c.dialer = dialer
	}
}

// WithHeader sets additional handshake headers.
func WithHeader(header http.Header) Option {
	return func(c *Connection) {
		c.header = header
	}
}

// WithWriteTimeout bounds each outbound write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.writeTimeout = d
	}
}

// NewConnection creates an unstarted connection handle for url.
func NewConnection(url string, options ...Option) *Connection {
	c := &Connection{
		url:          url,
		dialer:       ws.DefaultDialer,
		logger:       slog.Default(),
		writeTimeout: 10 * time.Second,
		handlers:     make(map[string]*callback.Set[channel.PushHandler]),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Factory returns a channel.ConnectionFactory producing a fresh handle
// per dial.
func Factory(url string, options ...Option) channel.ConnectionFactory {
	return func() (channel.Connection, error) {
		return NewConnection(url, options...), nil
	}
}

// Start dials the WebSocket and begins reading frames. Subscriptions
// registered before Start take effect immediately.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.stopped {
		c.mu.Unlock()
		return ErrConnectionStopped
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrConnectionStopped
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("websocket connected", "url", c.url)
	go c.readLoop(conn)
	return nil
}

// Stop closes the socket. A stopped connection does not fire the close
// notification and cannot be restarted.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()

	return conn.Close()
}

// Connected reports whether the socket is live.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.stopped
}

// NotifyClose registers the callback fired once when the socket
// terminates for any reason other than an explicit Stop.
func (c *Connection) NotifyClose(fn func(err error)) {
	c.closeMu.Lock()
	c.closeCb = fn
	c.closeMu.Unlock()
}

// On subscribes a handler to a named push event. Names are
// case-insensitive; the identical handler is registered once.
func (c *Connection) On(event string, h channel.PushHandler) {
	if event == "" || h == nil {
		return
	}
	key := strings.ToLower(event)

	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	set := c.handlers[key]
	if set == nil {
		set = &callback.Set[channel.PushHandler]{}
		c.handlers[key] = set
	}
	set.Add(h)
}

// Off unsubscribes a previously registered handler.
func (c *Connection) Off(event string, h channel.PushHandler) {
	key := strings.ToLower(event)

	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	set := c.handlers[key]
	if set == nil {
		return
	}
	set.Remove(h)
	if set.Len() == 0 {
		delete(c.handlers, key)
	}
}

// Invoke calls a remote method.
func (c *Connection) Invoke(ctx context.Context, target string, args interface{}) error {
	return c.writeFrame(frameInvoke, target, args)
}

// Send emits a fire-and-forget message.
func (c *Connection) Send(ctx context.Context, target string, args interface{}) error {
	return c.writeFrame(frameSend, target, args)
}

func (c *Connection) writeFrame(kind, target string, args interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return channel.ErrNotConnected
	}

	f := frame{Type: kind, Target: target}
	if args != nil {
		body, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("websocket: encode %s body: %w", kind, err)
		}
		f.Body = body
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return conn.WriteJSON(f)
}

func (c *Connection) readLoop(conn *ws.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.terminated(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Connection) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}
	if f.Type != frameEvent || f.Target == "" {
		c.logger.Debug("ignoring frame", "type", f.Type, "target", f.Target)
		return
	}

	msg := contracts.PushMessage{}
	if len(f.Body) > 0 {
		decoded, err := contracts.DecodePushMessage(f.Body)
		if err != nil {
			c.logger.Warn("dropping event with malformed body", "event", f.Target, "error", err)
			return
		}
		msg = decoded
	}

	c.dispatch(strings.ToLower(f.Target), msg)
}

func (c *Connection) dispatch(event string, msg contracts.PushMessage) {
	c.handlersMu.Lock()
	set := c.handlers[event]
	var hs []channel.PushHandler
	if set != nil {
		hs = set.Items()
	}
	c.handlersMu.Unlock()

	for _, h := range hs {
		if err := h.Handle(context.Background(), msg); err != nil {
			c.logger.Error("push handler failed", "event", event, "error", err)
		}
	}
}

// terminated handles the read loop ending. Explicit stops stay silent;
// anything else fires the close notification once.
func (c *Connection) terminated(conn *ws.Conn, cause error) {
	c.mu.Lock()
	wasStopped := c.stopped
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	_ = conn.Close()

	if wasStopped {
		return
	}

	c.logger.Warn("websocket closed", "url", c.url, "error", cause)
	c.closeMu.Lock()
	cb := c.closeCb
	c.closeMu.Unlock()
	if cb != nil {
		cb(cause)
	}
}
