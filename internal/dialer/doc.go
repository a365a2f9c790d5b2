// Package dialer resolves outbound destinations for the relay reactor.
//
// The reactor opens its own non-blocking sockets, so this package only
// turns the host taken from a sniffed request into candidate addresses.
// Names are IDNA-normalized and answers (including failures) are cached so
// that repeated connects to the same origin do not block the event loop on
// DNS.
package dialer
