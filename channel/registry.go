package channel

import (
	"context"
	"sync"
	"time"

	"github.com/lg8294/signal-channel/contracts"
)

// Result is the outcome delivered to a Waiter: either a pushed message
// or a failure reason, never both.
type Result struct {
	Message contracts.PushMessage
	Err     error
}

// Waiter is a single-completion future for a correlated push result.
// It can be completed at most once; later attempts are ignored.
type Waiter struct {
	once sync.Once
	ch   chan Result
}

// NewWaiter creates an uncompleted Waiter.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan Result, 1)}
}

// Complete resolves the waiter. The first call wins; subsequent calls
// have no observable effect.
func (w *Waiter) Complete(msg contracts.PushMessage, err error) {
	w.once.Do(func() {
		w.ch <- Result{Message: msg, Err: err}
	})
}

// Done exposes the completion as a channel carrying exactly one Result.
func (w *Waiter) Done() <-chan Result {
	return w.ch
}

// Wait blocks until the waiter completes, the timeout elapses, or ctx
// is cancelled. On timeout it returns ErrTimeout; the caller is
// responsible for removing its registry entry so a late push becomes a
// harmless unmatched event.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (contracts.PushMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.Message, res.Err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Hooks are optional observation points around registry activity, used
// purely for diagnostics and metrics. Absent hooks are skipped.
type Hooks struct {
	RequestAdded      func(correlationID string)
	ResponseMatched   func(correlationID string)
	RequestRemoved    func(correlationID string)
	ResponseUnmatched func(correlationID string)
}

// registry maps in-flight correlation ids to their waiters. It is the
// single synchronization point for correlation state: every externally
// visible operation is internally locked, so add/remove/dispatch/drain
// are safe from concurrent callers and the inbound delivery path.
type registry struct {
	mu      sync.Mutex
	pending map[string]*Waiter
	hooks   Hooks
}

func newRegistry() *registry {
	return &registry{pending: make(map[string]*Waiter)}
}

func (r *registry) setHooks(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = h
}

// add registers id -> w. An existing entry under the same id is
// overwritten; callers generate fresh ids per request, so a collision
// means the old entry is already abandoned.
func (r *registry) add(id string, w *Waiter) {
	r.mu.Lock()
	r.pending[id] = w
	hook := r.hooks.RequestAdded
	r.mu.Unlock()

	if hook != nil {
		hook(id)
	}
}

// remove deletes the entry for id if present and reports whether one
// existed. The waiter itself is left uncompleted.
func (r *registry) remove(id string) bool {
	r.mu.Lock()
	_, existed := r.pending[id]
	delete(r.pending, id)
	hook := r.hooks.RequestRemoved
	r.mu.Unlock()

	if existed && hook != nil {
		hook(id)
	}
	return existed
}

// dispatch completes the waiter registered under the message's id, if
// any, and reports whether a match was found. An unmatched id is not an
// error: late or duplicate pushes after a timeout are expected.
func (r *registry) dispatch(id string, msg contracts.PushMessage) bool {
	r.mu.Lock()
	w, matched := r.pending[id]
	if matched {
		delete(r.pending, id)
	}
	matchedHook := r.hooks.ResponseMatched
	unmatchedHook := r.hooks.ResponseUnmatched
	r.mu.Unlock()

	if !matched {
		if unmatchedHook != nil {
			unmatchedHook(id)
		}
		return false
	}

	w.Complete(msg, nil)
	if matchedHook != nil {
		matchedHook(id)
	}
	return true
}

// drain atomically removes every entry and fails each outstanding
// waiter with reason. The registry is empty by the time drain returns.
func (r *registry) drain(reason error) {
	r.mu.Lock()
	drained := r.pending
	r.pending = make(map[string]*Waiter)
	hook := r.hooks.RequestRemoved
	r.mu.Unlock()

	for id, w := range drained {
		w.Complete(nil, reason)
		if hook != nil {
			hook(id)
		}
	}
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
