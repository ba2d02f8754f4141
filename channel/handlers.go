package channel

import (
	"context"
	"strings"
	"sync"

	"github.com/lg8294/signal-channel/contracts"
	"github.com/lg8294/signal-channel/internal/callback"
)

// PushHandler processes a named push event delivered over the
// persistent connection.
type PushHandler interface {
	Handle(ctx context.Context, msg contracts.PushMessage) error
}

type pushHandlerFunc struct {
	fn func(ctx context.Context, msg contracts.PushMessage) error
}

func (h *pushHandlerFunc) Handle(ctx context.Context, msg contracts.PushMessage) error {
	return h.fn(ctx, msg)
}

// PushHandlerFunc wraps a function as a PushHandler. Every call yields
// a distinct registration identity, so two wrappers around the same
// function are independent registrations; keep the returned handler to
// unregister it later.
func PushHandlerFunc(fn func(ctx context.Context, msg contracts.PushMessage) error) PushHandler {
	return &pushHandlerFunc{fn: fn}
}

// handlerMux maps case-folded event names to ordered sets of handlers.
// Its contents are independent of connection state: attaching a live
// connection replays the exact registrations present, without
// duplicating any (name, handler) pair.
type handlerMux struct {
	mu      sync.Mutex
	entries map[string]*callback.Set[PushHandler]
}

func newHandlerMux() *handlerMux {
	return &handlerMux{entries: make(map[string]*callback.Set[PushHandler])}
}

// on registers h under the normalized name and attaches it to conn if
// one is live. Empty names and nil handlers are no-ops, as is
// re-registering the identical handler.
func (m *handlerMux) on(name string, h PushHandler, conn Connection) {
	if name == "" || h == nil {
		return
	}
	key := strings.ToLower(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.entries[key]
	if set == nil {
		set = &callback.Set[PushHandler]{}
		m.entries[key] = set
	}
	if !set.Add(h) {
		return
	}
	if conn != nil {
		conn.On(key, h)
	}
}

// off removes the given handler under the normalized name, or every
// handler for that name when h is nil, detaching from conn as it goes.
func (m *handlerMux) off(name string, h PushHandler, conn Connection) {
	if name == "" {
		return
	}
	key := strings.ToLower(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.entries[key]
	if set == nil {
		return
	}

	if h == nil {
		for _, existing := range set.Items() {
			if conn != nil {
				conn.Off(key, existing)
			}
		}
		delete(m.entries, key)
		return
	}

	if set.Remove(h) && conn != nil {
		conn.Off(key, h)
	}
	if set.Len() == 0 {
		delete(m.entries, key)
	}
}

// replay attaches every registered (name, handler) pair to conn.
// Invoked once per successful start, before the channel declares
// itself connected, so no push can arrive unobserved.
func (m *handlerMux) replay(conn Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, set := range m.entries {
		for _, h := range set.Items() {
			conn.On(key, h)
		}
	}
}

// clear drops all entries without touching any live connection.
func (m *handlerMux) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*callback.Set[PushHandler])
}

// handlers returns the registered handlers for a name, in order.
func (m *handlerMux) handlers(name string) []PushHandler {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.entries[strings.ToLower(name)]
	if set == nil {
		return nil
	}
	return set.Items()
}

func (m *handlerMux) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.entries))
	for key := range m.entries {
		out = append(out, key)
	}
	return out
}
