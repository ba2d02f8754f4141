package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/lg8294/signal-channel/channel"
	"github.com/lg8294/signal-channel/contracts"
)

// pushServer is a WebSocket endpoint handing accepted connections to
// the test.
type pushServer struct {
	server *httptest.Server
	conns  chan *ws.Conn
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	upgrader := ws.Upgrader{}
	ps := &pushServer{conns: make(chan *ws.Conn, 4)}
	ps.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ps.conns <- conn
	}))
	t.Cleanup(ps.server.Close)
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.server.URL, "http")
}

func (ps *pushServer) accept(t *testing.T) *ws.Conn {
	t.Helper()
	select {
	case conn := <-ps.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection accepted")
		return nil
	}
}

type recorded struct {
	mu   sync.Mutex
	msgs []contracts.PushMessage
}

func (r *recorded) handler() channel.PushHandler {
	return channel.PushHandlerFunc(func(ctx context.Context, msg contracts.PushMessage) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.msgs = append(r.msgs, msg)
		return nil
	})
}

func (r *recorded) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorded) last() contracts.PushMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[len(r.msgs)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectionLifecycle(t *testing.T) {
	t.Run("Start connects and Stop stays silent", func(t *testing.T) {
		ps := newPushServer(t)
		conn := NewConnection(ps.url())

		var closedMu sync.Mutex
		closed := 0
		conn.NotifyClose(func(err error) {
			closedMu.Lock()
			defer closedMu.Unlock()
			closed++
		})

		assert.NoError(t, conn.Start(context.Background()))
		ps.accept(t)
		assert.True(t, conn.Connected())

		assert.NoError(t, conn.Stop(context.Background()))
		assert.False(t, conn.Connected())

		time.Sleep(50 * time.Millisecond)
		closedMu.Lock()
		defer closedMu.Unlock()
		assert.Equal(t, 0, closed)
	})

	t.Run("dial failure is returned", func(t *testing.T) {
		conn := NewConnection("ws://127.0.0.1:1/push")
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.Error(t, conn.Start(ctx))
	})

	t.Run("a stopped handle cannot be restarted", func(t *testing.T) {
		ps := newPushServer(t)
		conn := NewConnection(ps.url())
		assert.NoError(t, conn.Stop(context.Background()))
		assert.ErrorIs(t, conn.Start(context.Background()), ErrConnectionStopped)
	})

	t.Run("server close fires the close notification once", func(t *testing.T) {
		ps := newPushServer(t)
		conn := NewConnection(ps.url())

		closed := make(chan error, 1)
		conn.NotifyClose(func(err error) { closed <- err })

		assert.NoError(t, conn.Start(context.Background()))
		server := ps.accept(t)
		assert.NoError(t, server.Close())

		select {
		case err := <-closed:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("close notification never fired")
		}
		assert.False(t, conn.Connected())
	})
}

func TestConnectionEvents(t *testing.T) {
	t.Run("event frames dispatch to case-insensitive handlers", func(t *testing.T) {
		ps := newPushServer(t)
		conn := NewConnection(ps.url())

		rec := &recorded{}
		conn.On("JobDone", rec.handler())

		assert.NoError(t, conn.Start(context.Background()))
		server := ps.accept(t)

		assert.NoError(t, server.WriteJSON(frame{
			Type:   frameEvent,
			Target: "jobdone",
			Body:   json.RawMessage(`{"correlationId":"r1","x":1}`),
		}))

		waitFor(t, "event delivery", func() bool { return rec.count() == 1 })
		assert.Equal(t, "r1", rec.last().CorrelationID())
		assert.Equal(t, 1.0, rec.last()["x"])
	})

	t.Run("Off detaches the handler", func(t *testing.T) {
		ps := newPushServer(t)
		conn := NewConnection(ps.url())

		rec := &recorded{}
		h := rec.handler()
		conn.On("evt", h)

		assert.NoError(t, conn.Start(context.Background()))
		server := ps.accept(t)

		assert.NoError(t, server.WriteJSON(frame{Type: frameEvent, Target: "evt"}))
		waitFor(t, "first delivery", func() bool { return rec.count() == 1 })

		conn.Off("EVT", h)
		assert.NoError(t, server.WriteJSON(frame{Type: frameEvent, Target: "evt"}))

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, rec.count())
	})

	t.Run("malformed and non-event frames are ignored", func(t *testing.T) {
		ps := newPushServer(t)
		conn := NewConnection(ps.url())

		rec := &recorded{}
		conn.On("evt", rec.handler())

		assert.NoError(t, conn.Start(context.Background()))
		server := ps.accept(t)

		assert.NoError(t, server.WriteMessage(ws.TextMessage, []byte("not json")))
		assert.NoError(t, server.WriteJSON(frame{Type: "ack", Target: "evt"}))
		assert.NoError(t, server.WriteJSON(frame{Type: frameEvent, Target: "evt"}))

		waitFor(t, "surviving delivery", func() bool { return rec.count() == 1 })
	})
}

func TestConnectionOutbound(t *testing.T) {
	t.Run("Invoke and Send write typed frames", func(t *testing.T) {
		ps := newPushServer(t)
		conn := NewConnection(ps.url())

		assert.NoError(t, conn.Start(context.Background()))
		server := ps.accept(t)

		assert.NoError(t, conn.Invoke(context.Background(), "doWork", map[string]int{"n": 7}))
		assert.NoError(t, conn.Send(context.Background(), "ping", nil))

		var f frame
		assert.NoError(t, server.ReadJSON(&f))
		assert.Equal(t, frameInvoke, f.Type)
		assert.Equal(t, "doWork", f.Target)
		assert.JSONEq(t, `{"n":7}`, string(f.Body))

		var g frame
		assert.NoError(t, server.ReadJSON(&g))
		assert.Equal(t, frameSend, g.Type)
		assert.Equal(t, "ping", g.Target)
		assert.Empty(t, g.Body)
	})

	t.Run("writes before Start fail with ErrNotConnected", func(t *testing.T) {
		conn := NewConnection("ws://unused")
		assert.ErrorIs(t, conn.Invoke(context.Background(), "m", nil), channel.ErrNotConnected)
		assert.ErrorIs(t, conn.Send(context.Background(), "m", nil), channel.ErrNotConnected)
	})
}
