package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lg8294/signal-channel/channel"
	"github.com/lg8294/signal-channel/contracts"
)

const (
	// HeaderCorrelationID carries the correlation id attached to every
	// outgoing request.
	HeaderCorrelationID = "X-Correlation-Id"
	// HeaderCallbackChannel carries the channel session id the server
	// should push the eventual result to.
	HeaderCallbackChannel = "X-Callback-Channel"
)

// ErrNoActiveChannel is returned when a response indicates an async
// result but no channel is available to wait on.
var ErrNoActiveChannel = errors.New("bridge: no active channel")

// Channel is the slice of the channel surface the bridge needs.
type Channel interface {
	ID() string
	AddRequest(id string, w *channel.Waiter)
	RemoveRequest(id string)
}

// Transport adapts a synchronous request/response exchange to the
// asynchronous channel. It attaches a fresh correlation id to every
// outgoing request and, when the server answers "accepted, result to
// follow", waits for the correlated push and substitutes its payload
// as the effective response body.
type Transport struct {
	next           http.RoundTripper
	ch             Channel
	defaultTimeout time.Duration
	acceptedStatus int
	logger         *slog.Logger
}

// TransportOption configures the bridge transport.
type TransportOption func(*Transport)

// WithHTTPTransport sets the inner round tripper requests are sent
// through. Defaults to http.DefaultTransport.
func WithHTTPTransport(rt http.RoundTripper) TransportOption {
	return func(t *Transport) {
		t.next = rt
	}
}

// WithDefaultTimeout sets the bound on waiting for a pushed result.
func WithDefaultTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.defaultTimeout = d
	}
}

// WithAcceptedStatus overrides the status code that marks a response
// as "accepted, async result follows". Defaults to 202.
func WithAcceptedStatus(code int) TransportOption {
	return func(t *Transport) {
		t.acceptedStatus = code
	}
}

// WithTransportLogger sets the logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a bridge transport waiting on ch for async
// results. A nil channel is allowed: synchronous responses pass
// through untouched, and accepted-async responses fail immediately
// with ErrNoActiveChannel instead of waiting.
func NewTransport(ch Channel, options ...TransportOption) *Transport {
	t := &Transport{
		next:           http.DefaultTransport,
		ch:             ch,
		defaultTimeout: 60 * time.Second,
		acceptedStatus: http.StatusAccepted,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// RoundTrip implements http.RoundTripper. The waiter is registered
// before the request is sent, closing the race against a push that
// arrives ahead of the outer response.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	correlationID := uuid.New().String()

	var w *channel.Waiter
	if t.ch != nil {
		w = channel.NewWaiter()
		t.ch.AddRequest(correlationID, w)
	}

	out := req.Clone(req.Context())
	out.Header.Set(HeaderCorrelationID, correlationID)
	if t.ch != nil {
		out.Header.Set(HeaderCallbackChannel, t.ch.ID())
	}

	resp, err := t.next.RoundTrip(out)
	if err != nil {
		if t.ch != nil {
			t.ch.RemoveRequest(correlationID)
		}
		return nil, err
	}

	if resp.StatusCode != t.acceptedStatus {
		// Ordinary synchronous result: the id was reserved but never
		// needed.
		if t.ch != nil {
			t.ch.RemoveRequest(correlationID)
		}
		return resp, nil
	}

	if t.ch == nil {
		drainBody(resp)
		return nil, ErrNoActiveChannel
	}

	t.logger.Debug("awaiting async result", "correlationId", correlationID)
	drainBody(resp)

	msg, waitErr := w.Wait(req.Context(), t.defaultTimeout)
	switch {
	case waitErr == nil:
		return t.substitute(resp, http.StatusOK, msg), nil

	case errors.Is(waitErr, channel.ErrTimeout):
		t.ch.RemoveRequest(correlationID)
		t.logger.Warn("async result timed out", "correlationId", correlationID)
		return t.substitute(resp, http.StatusGatewayTimeout, failureBody(correlationID, "timed out waiting for async result")), nil

	case errors.Is(waitErr, channel.ErrConnectionLost):
		return t.substitute(resp, http.StatusBadGateway, failureBody(correlationID, "connection lost while waiting for async result")), nil

	default:
		// Caller cancellation.
		t.ch.RemoveRequest(correlationID)
		return nil, waitErr
	}
}

// substitute builds the effective response carrying body in place of
// the transport-level "accepted" reply.
func (t *Transport) substitute(orig *http.Response, status int, body interface{}) *http.Response {
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(`{}`)
	}

	header := orig.Header.Clone()
	header.Set("Content-Type", "application/json")
	header.Del("Content-Length")

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         orig.Proto,
		ProtoMajor:    orig.ProtoMajor,
		ProtoMinor:    orig.ProtoMinor,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
		Request:       orig.Request,
	}
}

func failureBody(correlationID, reason string) contracts.PushMessage {
	return contracts.PushMessage{
		contracts.CorrelationKey: correlationID,
		"error":                  reason,
	}
}

func drainBody(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
