package conn

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"

	"github.com/die-net/relay/internal/poller"
)

// State is the lifecycle state of a Handle.
type State uint8

const (
	Connecting State = iota
	Open
	Closing
	Error
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// release tracks who still owns the descriptor. Only a live handle may be
// scheduled, and only a pending one is closed.
type release uint8

const (
	live release = iota
	pendingRemoval
	released
)

var (
	ErrNotOpen      = errors.New("conn: handle not open")
	ErrNotListening = errors.New("conn: handle not listening")
	ErrHangup       = errors.New("conn: hangup")
)

// Handle is one non-blocking socket registered with a Manager.
type Handle struct {
	m        *Manager
	id       uint64
	fd       int
	interest poller.Interest
	state    State
	rel      release
	tag      any
	err      error
}

func (h *Handle) ID() uint64                { return h.id }
func (h *Handle) Fd() int                   { return h.fd }
func (h *Handle) State() State              { return h.state }
func (h *Handle) Interest() poller.Interest { return h.interest }
func (h *Handle) Tag() any                  { return h.tag }
func (h *Handle) SetTag(tag any)            { h.tag = tag }

// Err returns the failure that moved the handle to Error, if any.
func (h *Handle) Err() error { return h.err }

// Ref returns a weak reference to h.
func (h *Handle) Ref() Ref { return Ref{m: h.m, id: h.id} }

func (h *Handle) terminal() bool {
	return h.state == Closing || h.state == Error
}

// SetInterest changes the events h is subscribed to. While the handle is
// still connecting the multiplexer stays on Write and the new interest is
// installed once the connect completes. A rejected change fails the handle
// and queues an error notification for the end of the dispatch pass.
func (h *Handle) SetInterest(i poller.Interest) error {
	if h.rel != live || h.terminal() {
		return nil
	}
	h.interest = i
	if h.state == Connecting {
		return nil
	}
	if err := h.m.poller.Modify(h.fd, i); err != nil {
		h.fail(err)
		h.m.failed = append(h.m.failed, h)
		return fmt.Errorf("set interest %s: %w", i, err)
	}
	return nil
}

// AddInterest subscribes h to i in addition to its current interest.
func (h *Handle) AddInterest(i poller.Interest) error {
	return h.SetInterest(h.interest | i)
}

// DropInterest unsubscribes h from i.
func (h *Handle) DropInterest(i poller.Interest) error {
	return h.SetInterest(h.interest &^ i)
}

// Read fills buf from the socket until it is full, the socket would block,
// or the peer closes. A clean close returns io.EOF together with whatever
// was read before it and leaves the handle Closing.
func (h *Handle) Read(buf []byte) (int, error) {
	if h.state != Open {
		return 0, ErrNotOpen
	}

	total := 0
	for total < len(buf) {
		n, err := unix.Read(h.fd, buf[total:])
		switch {
		case err == nil && n == 0:
			h.Close()
			return total, io.EOF
		case err == nil:
			total += n
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return total, nil
		default:
			h.fail(err)
			return total, fmt.Errorf("read fd %d: %w", h.fd, err)
		}
	}
	return total, nil
}

// Write sends as much of buf as the socket accepts without blocking.
func (h *Handle) Write(buf []byte) (int, error) {
	if h.state != Open {
		return 0, ErrNotOpen
	}

	total := 0
	for total < len(buf) {
		n, err := unix.Write(h.fd, buf[total:])
		switch {
		case err == nil:
			total += n
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return total, nil
		default:
			h.fail(err)
			return total, fmt.Errorf("write fd %d: %w", h.fd, err)
		}
	}
	return total, nil
}

// Accept takes up to limit pending connections (0 means all of them) off a
// listening handle. New handles are registered with interest None; the
// caller tags them and then sets their real interest.
func (h *Handle) Accept(limit int) ([]Ref, error) {
	if h.interest != poller.Listen || h.state != Open {
		return nil, ErrNotListening
	}

	var accepted []Ref
	for limit <= 0 || len(accepted) < limit {
		fd, err := acceptSocket(h.fd)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return accepted, nil
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				return accepted, fmt.Errorf("accept fd %d: %w", h.fd, err)
			}
		}

		tuneSocket(fd, h.m.cfg.KeepAlive)

		c, err := h.m.add(fd, poller.None, Open, nil)
		if err != nil {
			_ = unix.Close(fd)
			return accepted, err
		}
		accepted = append(accepted, c.Ref())
	}
	return accepted, nil
}

// Close marks the handle Closing and schedules its removal. Calling it
// again, or on a failed handle, has no further effect.
func (h *Handle) Close() {
	if h.rel != live {
		return
	}
	if h.state != Error {
		h.state = Closing
	}
	h.m.schedule(h)
}

// LocalAddr returns the socket's bound address.
func (h *Handle) LocalAddr() net.Addr {
	if h.rel == released {
		return nil
	}
	sa, err := unix.Getsockname(h.fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCP(sa)
}

// RemoteAddr returns the socket's peer address.
func (h *Handle) RemoteAddr() net.Addr {
	if h.rel == released {
		return nil
	}
	sa, err := unix.Getpeername(h.fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCP(sa)
}

func (h *Handle) fail(err error) {
	if h.rel != live {
		return
	}
	h.state = Error
	h.err = err
	h.m.schedule(h)
}
