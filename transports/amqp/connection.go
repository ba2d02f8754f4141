// Package amqp implements the duplex connection over RabbitMQ. Push
// events map to routing keys on a topic exchange consumed through a
// private queue; invoke and send publish to an RPC exchange the server
// side consumes.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/lg8294/signal-channel/channel"
	"github.com/lg8294/signal-channel/contracts"
	"github.com/lg8294/signal-channel/internal/callback"
)

// ErrConnectionStopped is returned when starting a handle that was
// already stopped.
var ErrConnectionStopped = errors.New("amqp: connection stopped")

const (
	defaultPushExchange = "signal.push"
	defaultRPCExchange  = "signal.rpc"
)

// Connection is a single-use duplex connection over AMQP.
type Connection struct {
	url          string
	pushExchange string
	rpcExchange  string
	logger       *slog.Logger

	handlersMu sync.Mutex
	handlers   map[string]*callback.Set[channel.PushHandler]

	closeMu sync.Mutex
	closeCb func(err error)

	mu      sync.Mutex
	conn    *amqp091.Connection
	ch      *amqp091.Channel
	queue   string
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

// WithPushExchange overrides the topic exchange push events arrive on.
func WithPushExchange(name string) Option {
	return func(c *Connection) {
		c.pushExchange = name
	}
}

// WithRPCExchange overrides the exchange invoke/send publish to.
func WithRPCExchange(name string) Option {
	return func(c *Connection) {
		c.rpcExchange = name
	}
}

// NewConnection creates an unstarted connection handle for url.
func NewConnection(url string, options ...Option) *Connection {
	c := &Connection{
		url:          url,
		pushExchange: defaultPushExchange,
		rpcExchange:  defaultRPCExchange,
		logger:       slog.Default(),
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

// Start dials the broker, declares the exchanges and a private queue,
// binds every registered event, and begins consuming.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}
	if c.stopped {
		return ErrConnectionStopped
	}

	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("amqp dial %s: %w", sanitizeURL(c.url), err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(c.pushExchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp declare exchange %s: %w", c.pushExchange, err)
	}
	if err := ch.ExchangeDeclare(c.rpcExchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp declare exchange %s: %w", c.rpcExchange, err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp declare queue: %w", err)
	}

	c.handlersMu.Lock()
	events := make([]string, 0, len(c.handlers))
	for event := range c.handlers {
		events = append(events, event)
	}
	c.handlersMu.Unlock()
	for _, event := range events {
		if err := ch.QueueBind(q.Name, event, c.pushExchange, false, nil); err != nil {
			_ = conn.Close()
			return fmt.Errorf("amqp bind %s: %w", event, err)
		}
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp consume: %w", err)
	}

	c.conn = conn
	c.ch = ch
	c.queue = q.Name

	closing := make(chan *amqp091.Error, 1)
	conn.NotifyClose(closing)

	c.logger.Debug("amqp connected", "url", sanitizeURL(c.url), "queue", q.Name)

	go c.consumeLoop(deliveries)
	go c.watchClose(closing)
	return nil
}

// Stop closes the broker connection without firing the close
// notification. The handle cannot be restarted.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	c.conn = nil
	c.ch = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Connected reports whether the broker connection is live.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// NotifyClose registers the callback fired once on unexpected close.
func (c *Connection) NotifyClose(fn func(err error)) {
	c.closeMu.Lock()
	c.closeCb = fn
	c.closeMu.Unlock()
}

// On subscribes a handler to a named push event, binding the private
// queue to the event's routing key when live.
func (c *Connection) On(event string, h channel.PushHandler) {
	if event == "" || h == nil {
		return
	}
	key := strings.ToLower(event)

	c.handlersMu.Lock()
	set := c.handlers[key]
	if set == nil {
		set = &callback.Set[channel.PushHandler]{}
		c.handlers[key] = set
	}
	added := set.Add(h)
	first := set.Len() == 1
	c.handlersMu.Unlock()

	if !added || !first {
		return
	}

	c.mu.Lock()
	ch, queue := c.ch, c.queue
	c.mu.Unlock()
	if ch != nil {
		if err := ch.QueueBind(queue, key, c.pushExchange, false, nil); err != nil {
			c.logger.Error("amqp bind failed", "event", key, "error", err)
		}
	}
}

// Off unsubscribes a handler, unbinding the routing key once no
// handler remains for the event.
func (c *Connection) Off(event string, h channel.PushHandler) {
	key := strings.ToLower(event)

	c.handlersMu.Lock()
	set := c.handlers[key]
	if set == nil {
		c.handlersMu.Unlock()
		return
	}
	set.Remove(h)
	empty := set.Len() == 0
	if empty {
		delete(c.handlers, key)
	}
	c.handlersMu.Unlock()

	if !empty {
		return
	}

	c.mu.Lock()
	ch, queue := c.ch, c.queue
	c.mu.Unlock()
	if ch != nil {
		if err := ch.QueueUnbind(queue, key, c.pushExchange, nil); err != nil {
			c.logger.Error("amqp unbind failed", "event", key, "error", err)
		}
	}
}

// Invoke calls a remote method by publishing to the RPC exchange.
func (c *Connection) Invoke(ctx context.Context, target string, args interface{}) error {
	return c.publish(ctx, "invoke", target, args)
}

// Send emits a fire-and-forget message on the RPC exchange.
func (c *Connection) Send(ctx context.Context, target string, args interface{}) error {
	return c.publish(ctx, "send", target, args)
}

func (c *Connection) publish(ctx context.Context, kind, target string, args interface{}) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return channel.ErrNotConnected
	}

	var body []byte
	if args != nil {
		var err error
		body, err = json.Marshal(args)
		if err != nil {
			return fmt.Errorf("amqp: encode %s body: %w", kind, err)
		}
	}

	return ch.PublishWithContext(ctx, c.rpcExchange, strings.ToLower(target), false, false, amqp091.Publishing{
		ContentType: "application/json",
		Type:        kind,
		Body:        body,
	})
}

func (c *Connection) consumeLoop(deliveries <-chan amqp091.Delivery) {
	for d := range deliveries {
		c.dispatch(d)
	}
}

func (c *Connection) dispatch(d amqp091.Delivery) {
	event := strings.ToLower(d.RoutingKey)

	msg := contracts.PushMessage{}
	if len(d.Body) > 0 {
		decoded, err := contracts.DecodePushMessage(d.Body)
		if err != nil {
			c.logger.Warn("dropping event with malformed body", "event", event, "error", err)
			return
		}
		msg = decoded
	}

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

func (c *Connection) watchClose(closing <-chan *amqp091.Error) {
	amqpErr, ok := <-closing

	c.mu.Lock()
	wasStopped := c.stopped
	c.conn = nil
	c.ch = nil
	c.mu.Unlock()

	if wasStopped || !ok {
		return
	}

	var cause error
	if amqpErr != nil {
		cause = amqpErr
	}
	c.logger.Warn("amqp connection closed", "url", sanitizeURL(c.url), "error", cause)

	c.closeMu.Lock()
	cb := c.closeCb
	c.closeMu.Unlock()
	if cb != nil {
		cb(cause)
	}
}

// sanitizeURL strips credentials from a broker URL for logging.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
