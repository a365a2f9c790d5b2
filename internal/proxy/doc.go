// Package proxy implements the relay engine: the conn.Handler that sniffs a
// destination from each accepted client, opens the outbound leg, and
// shuttles bytes between the two through fixed-size circular buffers.
//
// An HTTP or HTTPS listener reads the Host header. Requests to the plain
// HTTP port are forwarded verbatim; anything else is treated as a CONNECT
// tunnel and answered with "200 Connection established". A SOCKS5 listener
// runs a no-auth CONNECT handshake, and a transparent listener takes the
// destination from the accepted socket itself.
//
// Everything in this package runs on the reactor goroutine. The only
// exceptions are Engine.Stats, which hops onto the reactor with
// conn.Manager.Post, and the Prometheus collectors.
package proxy
