package channel

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when an operation requiring a live
	// connection is attempted while the channel is not connected.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrConnectionLost completes pending waiters force-failed when the
	// connection goes away.
	ErrConnectionLost = errors.New("channel: connection lost")

	// ErrTimeout is returned by Waiter.Wait when no completion arrives
	// within the bound.
	ErrTimeout = errors.New("channel: wait timed out")
)

// ConnectionError reports a failed attempt to establish the underlying
// duplex connection. It is surfaced to the caller of Start.
type ConnectionError struct {
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("channel connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
