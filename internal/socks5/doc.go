// Package socks5 parses the client side of a SOCKS5 (RFC 1928) handshake
// from bytes that arrive a few at a time on a non-blocking socket, and
// encodes the replies the relay sends back.
//
// It wraps the protocol types in github.com/txthinking/socks5 so the relay
// engine never deals with the wire layout directly. Only the no-auth method
// and the CONNECT command are accepted.
package socks5
