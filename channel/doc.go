// Package channel implements the correlated push channel: a connection
// state machine, a pending-request registry, and a push-handler
// multiplexer sharing one persistent duplex connection.
//
// Many concurrent callers register single-completion waiters keyed by
// correlation id; when the transport delivers a push message carrying a
// matching id, the waiter resolves with its payload. Named push-event
// handlers are held independently of any live connection and replayed
// onto each new one, so registrations survive reconnects.
//
// The channel guarantees:
//   - at most one waiter per correlation id at any time
//   - each waiter completes exactly once (payload, failure, or timeout)
//   - every pending waiter fails with ErrConnectionLost before a
//     transition into Disconnected becomes observable
//   - handler replay after reconnect reproduces the exact registrations
//     without duplicating any (name, handler) pair
package channel
