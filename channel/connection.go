package channel

import (
	"context"
)

// Connection is the underlying persistent duplex connection. The
// channel treats it purely as an interface; any transport exposing
// lifecycle control, named-event subscription, close notification, and
// outbound primitives is acceptable.
//
// Event subscriptions registered before Start must take effect as soon
// as the connection is live. The close notification fires once when
// the connection terminates for any reason other than an explicit Stop.
type Connection interface {
	// Start establishes the connection.
	Start(ctx context.Context) error

	// Stop tears the connection down. A stopped connection does not
	// fire the close notification.
	Stop(ctx context.Context) error

	// On subscribes a handler to a named push event.
	On(event string, h PushHandler)

	// Off unsubscribes a previously registered handler.
	Off(event string, h PushHandler)

	// NotifyClose registers the callback invoked on unexpected close.
	NotifyClose(fn func(err error))

	// Connected reports whether the connection is currently live.
	Connected() bool

	// Invoke calls a remote method over the connection.
	Invoke(ctx context.Context, target string, args interface{}) error

	// Send emits a fire-and-forget message over the connection.
	Send(ctx context.Context, target string, args interface{}) error
}

// ConnectionFactory produces a fresh Connection handle. The channel
// dials through the factory on every start and reconnect, so a stale
// handle can never be reused against a new session.
type ConnectionFactory func() (Connection, error)
