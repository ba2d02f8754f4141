// Package bridge turns "accepted, result to follow" HTTP responses
// into correlated waits on the push channel.
//
// The bridge is an http.RoundTripper. Wrapped around a client's
// transport, it attaches a fresh correlation id and the channel's
// session id as headers to every outgoing request. When the server
// replies 202 Accepted, the bridge blocks (bounded by a timeout) until
// the server pushes the real result over the persistent connection,
// then substitutes that payload as the response body. Synchronous
// responses pass through untouched.
//
//	ch := channel.NewChannel(factory)
//	client := &http.Client{Transport: bridge.NewTransport(ch)}
//
// A caller always sees one of: the pushed payload, a timeout failure
// body, or a connection-lost failure body. The bridge never surfaces
// an unhandled fault for a late, duplicate, or missing push.
package bridge
