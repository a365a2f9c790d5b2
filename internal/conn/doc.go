// Package conn owns the relay's sockets and runs the reactor loop.
//
// A Manager is the single owner of every Handle. Other code refers to a
// handle through a Ref, which stops resolving once the handle has been
// reaped. Closing a handle, or any terminal I/O result, only schedules the
// handle for removal; removal happens after every event of the current
// wait batch has been dispatched.
//
// Nothing in this package is safe for concurrent use except Manager.Post
// and Manager.Stop.
package conn
