//go:build linux

package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const minEvents = 64

// Poller is an epoll instance with a tag registry.
type Poller struct {
	epfd   int
	wakefd int
	regs   map[int]*registration
	raw    []unix.EpollEvent

	mu     sync.Mutex // guards wakefd against Close
	closed bool
}

// New creates the epoll instance and its wakeup eventfd.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}

	return &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		regs:   make(map[int]*registration),
		raw:    make([]unix.EpollEvent, minEvents),
	}, nil
}

// Register starts tracking fd with the given interest and tag.
func (p *Poller) Register(fd int, interest Interest, tag any) error {
	if _, ok := p.regs[fd]; ok {
		return fmt.Errorf("register fd %d: %w", fd, ErrRegistered)
	}
	if interest != None {
		if err := p.ctl(unix.EPOLL_CTL_ADD, fd, interest); err != nil {
			return err
		}
	}
	p.regs[fd] = &registration{interest: interest, tag: tag}
	return nil
}

// Modify changes the interest of a registered descriptor.
func (p *Poller) Modify(fd int, interest Interest) error {
	r, ok := p.regs[fd]
	if !ok {
		return fmt.Errorf("modify fd %d: %w", fd, ErrNotRegistered)
	}
	if r.interest == interest {
		return nil
	}

	var op int
	switch {
	case r.interest == None:
		op = unix.EPOLL_CTL_ADD
	case interest == None:
		op = unix.EPOLL_CTL_DEL
	default:
		op = unix.EPOLL_CTL_MOD
	}
	if err := p.ctl(op, fd, interest); err != nil {
		return err
	}
	r.interest = interest
	return nil
}

// SetTag replaces the tag reported with fd's events.
func (p *Poller) SetTag(fd int, tag any) error {
	r, ok := p.regs[fd]
	if !ok {
		return fmt.Errorf("set tag fd %d: %w", fd, ErrNotRegistered)
	}
	r.tag = tag
	return nil
}

// Interest returns the interest currently installed for fd.
func (p *Poller) Interest(fd int) Interest {
	if r, ok := p.regs[fd]; ok {
		return r.interest
	}
	return None
}

// Unregister stops monitoring fd and forgets its tag.
func (p *Poller) Unregister(fd int) error {
	r, ok := p.regs[fd]
	if !ok {
		return fmt.Errorf("unregister fd %d: %w", fd, ErrNotRegistered)
	}
	delete(p.regs, fd)
	if r.interest == None {
		return nil
	}
	return p.ctl(unix.EPOLL_CTL_DEL, fd, None)
}

// Len returns the number of registered descriptors.
func (p *Poller) Len() int {
	return len(p.regs)
}

// Wait blocks for up to timeout (negative blocks forever) and appends the
// ready events to buf.
func (p *Poller) Wait(timeout time.Duration, buf []Event) ([]Event, error) {
	if want := len(p.regs) + 1; want > len(p.raw) {
		p.raw = make([]unix.EpollEvent, want)
	}

	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}

	n, err := unix.EpollWait(p.epfd, p.raw, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return buf, nil
		}
		return buf, fmt.Errorf("epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := p.raw[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		r, ok := p.regs[fd]
		if !ok {
			continue
		}
		var kind Kind
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			kind |= Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			kind |= Writable
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			kind |= Errored
		}
		buf = append(buf, Event{Fd: fd, Tag: r.tag, Kind: kind})
	}
	return buf, nil
}

// Wake interrupts a concurrent Wait. It is safe to call from any goroutine.
func (p *Poller) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	var one [8]byte
	one[0] = 1 // eventfd counters are host-endian; only non-zero matters
	if _, err := unix.Write(p.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("wake: %w", err)
	}
	return nil
}

// Close releases the epoll instance. Registered descriptors are not closed.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.regs = nil
	err := unix.Close(p.epfd)
	_ = unix.Close(p.wakefd)
	return err
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (p *Poller) ctl(op, fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	var evp *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		evp = &ev
	}
	if err := unix.EpollCtl(p.epfd, op, fd, evp); err != nil {
		return fmt.Errorf("epoll ctl %s fd %d: %w", opName(op), fd, err)
	}
	return nil
}

func epollEvents(interest Interest) uint32 {
	var events uint32
	if interest.Has(Read) || interest.Has(Listen) {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest.Has(Write) {
		events |= unix.EPOLLOUT
	}
	return events
}

func opName(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "add"
	case unix.EPOLL_CTL_DEL:
		return "del"
	default:
		return "mod"
	}
}
