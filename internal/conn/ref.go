package conn

import (
	"net"

	"github.com/die-net/relay/internal/poller"
)

// Ref is a weak reference to a Handle. It does not keep the handle
// registered, and every method degrades to a no-op once the Manager has
// reaped it. The zero Ref refers to nothing.
type Ref struct {
	m  *Manager
	id uint64
}

// Handle resolves the reference.
func (r Ref) Handle() (*Handle, bool) {
	if r.m == nil {
		return nil, false
	}
	h, ok := r.m.handles[r.id]
	return h, ok
}

func (r Ref) Valid() bool {
	_, ok := r.Handle()
	return ok
}

// State reports Closing for a reaped handle.
func (r Ref) State() State {
	if h, ok := r.Handle(); ok {
		return h.state
	}
	return Closing
}

func (r Ref) Interest() poller.Interest {
	if h, ok := r.Handle(); ok {
		return h.interest
	}
	return poller.None
}

func (r Ref) SetInterest(i poller.Interest) error {
	if h, ok := r.Handle(); ok {
		return h.SetInterest(i)
	}
	return nil
}

func (r Ref) AddInterest(i poller.Interest) error {
	if h, ok := r.Handle(); ok {
		return h.AddInterest(i)
	}
	return nil
}

func (r Ref) DropInterest(i poller.Interest) error {
	if h, ok := r.Handle(); ok {
		return h.DropInterest(i)
	}
	return nil
}

func (r Ref) Read(buf []byte) (int, error) {
	if h, ok := r.Handle(); ok {
		return h.Read(buf)
	}
	return 0, ErrNotOpen
}

func (r Ref) Write(buf []byte) (int, error) {
	if h, ok := r.Handle(); ok {
		return h.Write(buf)
	}
	return 0, ErrNotOpen
}

func (r Ref) Accept(limit int) ([]Ref, error) {
	if h, ok := r.Handle(); ok {
		return h.Accept(limit)
	}
	return nil, ErrNotListening
}

func (r Ref) Tag() any {
	if h, ok := r.Handle(); ok {
		return h.tag
	}
	return nil
}

func (r Ref) SetTag(tag any) {
	if h, ok := r.Handle(); ok {
		h.tag = tag
	}
}

func (r Ref) Close() {
	if h, ok := r.Handle(); ok {
		h.Close()
	}
}

// Fd returns -1 for a reaped handle.
func (r Ref) Fd() int {
	if h, ok := r.Handle(); ok {
		return h.fd
	}
	return -1
}

func (r Ref) LocalAddr() net.Addr {
	if h, ok := r.Handle(); ok {
		return h.LocalAddr()
	}
	return nil
}

func (r Ref) RemoteAddr() net.Addr {
	if h, ok := r.Handle(); ok {
		return h.RemoteAddr()
	}
	return nil
}
