package channel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lg8294/signal-channel/contracts"
)

func TestWaiter(t *testing.T) {
	t.Run("Complete resolves Done exactly once", func(t *testing.T) {
		w := NewWaiter()
		w.Complete(contracts.PushMessage{"x": 1.0}, nil)
		w.Complete(contracts.PushMessage{"x": 2.0}, nil)

		res := <-w.Done()
		assert.NoError(t, res.Err)
		assert.Equal(t, contracts.PushMessage{"x": 1.0}, res.Message)

		select {
		case extra := <-w.Done():
			t.Fatalf("unexpected second completion: %+v", extra)
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("Wait returns the pushed payload", func(t *testing.T) {
		w := NewWaiter()
		go w.Complete(contracts.PushMessage{"ok": true}, nil)

		msg, err := w.Wait(context.Background(), time.Second)
		assert.NoError(t, err)
		assert.Equal(t, contracts.PushMessage{"ok": true}, msg)
	})

	t.Run("Wait times out with ErrTimeout", func(t *testing.T) {
		w := NewWaiter()

		start := time.Now()
		msg, err := w.Wait(context.Background(), 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Nil(t, msg)
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("Wait honors context cancellation", func(t *testing.T) {
		w := NewWaiter()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := w.Wait(ctx, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRegistry(t *testing.T) {
	t.Run("dispatch completes exactly the waiter registered under the id", func(t *testing.T) {
		r := newRegistry()
		w1 := NewWaiter()
		w2 := NewWaiter()
		r.add("r1", w1)
		r.add("r2", w2)

		assert.True(t, r.dispatch("r1", contracts.PushMessage{contracts.CorrelationKey: "r1", "x": 1.0}))

		res := <-w1.Done()
		assert.NoError(t, res.Err)
		assert.Equal(t, 1.0, res.Message["x"])

		select {
		case res := <-w2.Done():
			t.Fatalf("unrelated waiter completed: %+v", res)
		case <-time.After(20 * time.Millisecond):
		}
		assert.Equal(t, 1, r.count())
	})

	t.Run("dispatch removes the entry", func(t *testing.T) {
		r := newRegistry()
		r.add("r1", NewWaiter())
		r.dispatch("r1", contracts.PushMessage{})
		assert.Equal(t, 0, r.count())
	})

	t.Run("dispatch then drain completes once", func(t *testing.T) {
		r := newRegistry()
		w := NewWaiter()
		r.add("r1", w)

		r.dispatch("r1", contracts.PushMessage{"x": 1.0})
		r.drain(ErrConnectionLost)

		res := <-w.Done()
		assert.NoError(t, res.Err)
		assert.Equal(t, 1.0, res.Message["x"])
	})

	t.Run("unmatched dispatch is safe and fires only the unmatched hook", func(t *testing.T) {
		r := newRegistry()
		var matched, unmatched []string
		r.setHooks(Hooks{
			ResponseMatched:   func(id string) { matched = append(matched, id) },
			ResponseUnmatched: func(id string) { unmatched = append(unmatched, id) },
		})

		assert.NotPanics(t, func() {
			assert.False(t, r.dispatch("never-registered", contracts.PushMessage{"x": 1.0}))
		})
		assert.Empty(t, matched)
		assert.Equal(t, []string{"never-registered"}, unmatched)
	})

	t.Run("drain fails all pending waiters and empties the registry", func(t *testing.T) {
		r := newRegistry()
		waiters := make([]*Waiter, 5)
		for i := range waiters {
			waiters[i] = NewWaiter()
			r.add(fmt.Sprintf("id-%d", i), waiters[i])
		}

		r.drain(ErrConnectionLost)

		for _, w := range waiters {
			res := <-w.Done()
			assert.ErrorIs(t, res.Err, ErrConnectionLost)
		}
		assert.Equal(t, 0, r.count())
	})

	t.Run("remove deletes without completing", func(t *testing.T) {
		r := newRegistry()
		w := NewWaiter()
		r.add("r1", w)

		assert.True(t, r.remove("r1"))
		assert.False(t, r.remove("r1"))
		assert.Equal(t, 0, r.count())

		select {
		case res := <-w.Done():
			t.Fatalf("removed waiter completed: %+v", res)
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("add overwrites an existing id", func(t *testing.T) {
		r := newRegistry()
		old := NewWaiter()
		fresh := NewWaiter()
		r.add("dup", old)
		r.add("dup", fresh)
		assert.Equal(t, 1, r.count())

		r.dispatch("dup", contracts.PushMessage{"n": 2.0})
		res := <-fresh.Done()
		assert.Equal(t, 2.0, res.Message["n"])
	})

	t.Run("hooks fire for add, match, and remove", func(t *testing.T) {
		r := newRegistry()
		var added, matchedIDs, removed []string
		r.setHooks(Hooks{
			RequestAdded:    func(id string) { added = append(added, id) },
			ResponseMatched: func(id string) { matchedIDs = append(matchedIDs, id) },
			RequestRemoved:  func(id string) { removed = append(removed, id) },
		})

		r.add("a", NewWaiter())
		r.add("b", NewWaiter())
		r.dispatch("a", contracts.PushMessage{})
		r.remove("b")
		r.remove("b") // no entry, no hook

		assert.Equal(t, []string{"a", "b"}, added)
		assert.Equal(t, []string{"a"}, matchedIDs)
		assert.Equal(t, []string{"b"}, removed)
	})

	t.Run("concurrent add dispatch and drain are safe", func(t *testing.T) {
		r := newRegistry()
		var wg sync.WaitGroup

		for i := 0; i < 50; i++ {
			wg.Add(2)
			id := fmt.Sprintf("id-%d", i)
			go func() {
				defer wg.Done()
				r.add(id, NewWaiter())
			}()
			go func() {
				defer wg.Done()
				r.dispatch(id, contracts.PushMessage{})
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.drain(ErrConnectionLost)
		}()

		wg.Wait()
		r.drain(ErrConnectionLost)
		assert.Equal(t, 0, r.count())
	})

	t.Run("timed out wait plus removal leaves registry empty", func(t *testing.T) {
		r := newRegistry()
		w := NewWaiter()
		r.add("r2", w)

		_, err := w.Wait(context.Background(), 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		r.remove("r2")
		assert.Equal(t, 0, r.count())

		// A late push is now a harmless unmatched event.
		assert.False(t, r.dispatch("r2", contracts.PushMessage{}))
	})
}
