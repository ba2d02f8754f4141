// Package signalchannel wires a duplex transport, the correlation
// channel, and the async HTTP bridge into a ready-to-use client.
package signalchannel

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/lg8294/signal-channel/bridge"
	"github.com/lg8294/signal-channel/channel"
	wstransport "github.com/lg8294/signal-channel/transports/websocket"
)

// Client is the main entry point: it owns a Channel connected over
// WebSocket and an http.Client whose transport substitutes async
// results pushed over that channel.
type Client struct {
	channel    *channel.Channel
	httpClient *http.Client
	logger     *slog.Logger
}

type clientConfig struct {
	logger         *slog.Logger
	requestTimeout time.Duration
	httpTransport  http.RoundTripper
	channelOpts    []channel.Option
	transportOpts  []wstransport.Option
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger used by every component.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithRequestTimeout sets the default bound on waiting for an async
// result.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requestTimeout = d
	}
}

// WithHTTPTransport sets the inner round tripper outer requests are
// sent through.
func WithHTTPTransport(rt http.RoundTripper) ClientOption {
	return func(cfg *clientConfig) {
		cfg.httpTransport = rt
	}
}

// WithChannelOptions forwards options to the underlying Channel.
func WithChannelOptions(opts ...channel.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.channelOpts = append(cfg.channelOpts, opts...)
	}
}

// WithTransportOptions forwards options to the WebSocket transport.
func WithTransportOptions(opts ...wstransport.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOpts = append(cfg.transportOpts, opts...)
	}
}

// NewClient creates a client pushing over the WebSocket endpoint at
// pushURL. Call Start before issuing requests that may complete
// asynchronously.
func NewClient(pushURL string, options ...ClientOption) *Client {
	cfg := &clientConfig{
		logger:         slog.Default(),
		requestTimeout: 60 * time.Second,
		httpTransport:  http.DefaultTransport,
	}

	for _, opt := range options {
		opt(cfg)
	}

	transportOpts := append([]wstransport.Option{wstransport.WithLogger(cfg.logger)}, cfg.transportOpts...)
	channelOpts := append([]channel.Option{channel.WithLogger(cfg.logger)}, cfg.channelOpts...)

	ch := channel.NewChannel(wstransport.Factory(pushURL, transportOpts...), channelOpts...)

	rt := bridge.NewTransport(ch,
		bridge.WithHTTPTransport(cfg.httpTransport),
		bridge.WithDefaultTimeout(cfg.requestTimeout),
		bridge.WithTransportLogger(cfg.logger),
	)

	return &Client{
		channel:    ch,
		httpClient: &http.Client{Transport: rt},
		logger:     cfg.logger,
	}
}

// Start establishes the push channel.
func (c *Client) Start(ctx context.Context) error {
	return c.channel.Start(ctx)
}

// Stop tears the push channel down; in-flight async waits fail with a
// connection-lost result.
func (c *Client) Stop(ctx context.Context) error {
	return c.channel.Stop(ctx)
}

// Channel exposes the underlying push channel for handler registration
// and state observation.
func (c *Client) Channel() *channel.Channel {
	return c.channel
}

// HTTPClient returns the http.Client whose responses transparently
// resolve async results.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}
