// Package poller wraps the kernel readiness notification facility used by
// the relay reactor.
//
// On Linux it is backed by level-triggered epoll plus an eventfd used to
// wake a blocked Wait from another goroutine. Every registered descriptor
// carries an opaque tag that is handed back with its events. A descriptor
// registered with interest None is remembered but not monitored.
//
// A Poller is not safe for concurrent use, except for Wake.
package poller
