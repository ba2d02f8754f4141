package channel

import (
	"sync"
)

// ConnectionState describes the lifecycle state of a Channel.
type ConnectionState int32

const (
	// Disconnected is the initial state, and the terminal state after
	// an explicit Stop.
	Disconnected ConnectionState = iota
	// Connected means a live connection is established and wired.
	Connected
	// Reconnecting means the connection dropped and a new one is being
	// established.
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateListener receives connection state change notifications.
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting()
}

// stateNotifier fans state changes out to registered listeners.
// Listeners are invoked on their own goroutines so a slow observer
// cannot stall the channel.
type stateNotifier struct {
	mu        sync.RWMutex
	listeners []StateListener
}

func (n *stateNotifier) add(l StateListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

func (n *stateNotifier) remove(l StateListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.listeners {
		if existing == l {
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			break
		}
	}
}

func (n *stateNotifier) connected() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, l := range n.listeners {
		go l.OnConnected()
	}
}

func (n *stateNotifier) disconnected(err error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, l := range n.listeners {
		go l.OnDisconnected(err)
	}
}

func (n *stateNotifier) reconnecting() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, l := range n.listeners {
		go l.OnReconnecting()
	}
}
