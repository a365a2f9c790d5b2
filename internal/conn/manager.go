package conn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/die-net/relay/internal/poller"
)

// DefaultBacklog is the listen backlog used when Config.Backlog is zero.
const DefaultBacklog = 128

// Resolver turns a host name into candidate addresses, in preference order.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

type systemResolver struct{}

func (systemResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

type Config struct {
	Resolver  Resolver
	KeepAlive net.KeepAliveConfig
	Backlog   int
	Logger    zerolog.Logger
}

// Handler receives the reactor's events. Each method runs on the reactor
// goroutine; returned errors are logged and otherwise ignored.
type Handler interface {
	OnAccept(h *Handle) error
	OnReadable(h *Handle) error
	OnWritable(h *Handle) error
	OnError(h *Handle) error
	// OnIdle is called once per iteration for every open handle whose
	// interest is None.
	OnIdle(h *Handle) error
}

// Manager owns the multiplexer and every live Handle, and runs the loop.
type Manager struct {
	cfg    Config
	log    zerolog.Logger
	poller *poller.Poller

	handles map[uint64]*Handle
	nextID  uint64
	pending []*Handle
	failed  []*Handle
	events  []poller.Event

	mu      sync.Mutex
	tasks   *queue.Queue
	stopped atomic.Bool
	idle    atomic.Int64
}

func NewManager(cfg Config) (*Manager, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	if cfg.Resolver == nil {
		cfg.Resolver = systemResolver{}
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger,
		poller:  p,
		handles: make(map[uint64]*Handle),
		tasks:   queue.New(),
	}, nil
}

// Len returns the number of registered handles, including those waiting
// to be reaped.
func (m *Manager) Len() int {
	return len(m.handles)
}

// Idle returns how many handles were idle at the end of the last
// iteration. It is safe to call from any goroutine.
func (m *Manager) Idle() int {
	return int(m.idle.Load())
}

// Listen binds address ("host:port", empty host for all interfaces) and
// registers the socket with interest Listen.
func (m *Manager) Listen(address string, tag any) (Ref, error) {
	return m.ListenControl(address, tag, nil)
}

// ListenControl is Listen with a hook that runs on the raw socket before
// bind.
func (m *Manager) ListenControl(address string, tag any, control func(fd int) error) (Ref, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Ref{}, fmt.Errorf("listen %s: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Ref{}, fmt.Errorf("listen %s: invalid port: %w", address, err)
	}

	var ips []net.IP
	if host == "" {
		ips = []net.IP{net.IPv6unspecified, net.IPv4zero}
	} else {
		ips, err = m.lookup(context.Background(), host)
		if err != nil {
			return Ref{}, fmt.Errorf("listen %s: %w", address, err)
		}
	}

	var lastErr error
	for _, ip := range ips {
		fd, err := listenSocket(ip, port, m.cfg.Backlog, control)
		if err != nil {
			lastErr = err
			continue
		}
		h, err := m.add(fd, poller.Listen, Open, tag)
		if err != nil {
			_ = unix.Close(fd)
			lastErr = err
			continue
		}
		return h.Ref(), nil
	}
	return Ref{}, fmt.Errorf("listen %s: %w", address, lastErr)
}

// Connect resolves host and starts a non-blocking connect to the first
// candidate address that accepts one. The handle starts Connecting when
// the connect is still in flight.
func (m *Manager) Connect(ctx context.Context, host, port string, interest poller.Interest, tag any) (Ref, error) {
	address := net.JoinHostPort(host, port)

	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Ref{}, fmt.Errorf("connect %s: invalid port %q", address, port)
	}

	ips, err := m.lookup(ctx, host)
	if err != nil {
		return Ref{}, fmt.Errorf("connect %s: %w", address, err)
	}

	var lastErr error
	for _, ip := range ips {
		fd, state, err := dialSocket(ip, p)
		if err != nil {
			lastErr = err
			continue
		}
		tuneSocket(fd, m.cfg.KeepAlive)

		h, err := m.add(fd, interest, state, tag)
		if err != nil {
			_ = unix.Close(fd)
			lastErr = err
			continue
		}
		return h.Ref(), nil
	}
	return Ref{}, fmt.Errorf("connect %s: %w", address, lastErr)
}

func (m *Manager) lookup(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	ips, err := m.cfg.Resolver.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("lookup %s: no addresses", host)
	}
	return ips, nil
}

// Post queues fn to run on the reactor goroutine at the top of the next
// iteration. It is safe to call from any goroutine.
func (m *Manager) Post(fn func()) error {
	m.mu.Lock()
	m.tasks.Add(fn)
	m.mu.Unlock()
	return m.poller.Wake()
}

// Stop makes Run return at the top of its next iteration. It is safe to
// call from any goroutine.
func (m *Manager) Stop() {
	m.stopped.Store(true)
	_ = m.poller.Wake()
}

// Run drives the event loop until Stop is called, ctx is done, or, when
// timeout is not negative, a wait returns no events.
func (m *Manager) Run(ctx context.Context, h Handler, timeout time.Duration) error {
	stop := context.AfterFunc(ctx, m.Stop)
	defer stop()

	for {
		woken := m.runTasks()
		if m.stopped.Load() {
			return nil
		}

		events, err := m.poller.Wait(timeout, m.events[:0])
		if err != nil {
			return err
		}
		m.events = events

		if m.stopped.Load() {
			return nil
		}
		if len(events) == 0 && timeout >= 0 && !woken && !m.hasTasks() {
			return nil
		}

		for _, ev := range events {
			m.dispatch(h, ev)
		}
		m.notifyFailed(h)
		m.notifyIdle(h)
		m.reap()
	}
}

// Close destroys every handle and the multiplexer.
func (m *Manager) Close() error {
	for _, h := range m.handles {
		m.destroy(h)
	}
	m.pending = nil
	m.failed = nil
	return m.poller.Close()
}

func (m *Manager) dispatch(hd Handler, ev poller.Event) {
	h, ok := ev.Tag.(*Handle)
	if !ok || h.rel != live || h.terminal() {
		return
	}

	if ev.Kind&poller.Readable != 0 && h.state == Open {
		switch {
		case h.interest == poller.Listen:
			m.call(h, "accept", hd.OnAccept)
		case h.interest.Has(poller.Read):
			m.call(h, "readable", hd.OnReadable)
		}
	}

	if ev.Kind&poller.Writable != 0 && !h.terminal() {
		switch {
		case h.state == Connecting:
			if err := m.finishConnect(h); err != nil {
				m.call(h, "error", hd.OnError)
			}
		case h.interest.Has(poller.Write):
			m.call(h, "writable", hd.OnWritable)
		}
	}

	if ev.Kind&poller.Errored != 0 && !h.terminal() {
		err := socketError(h.fd)
		if err == nil {
			err = ErrHangup
		}
		h.fail(err)
		m.call(h, "error", hd.OnError)
	}
}

func (m *Manager) finishConnect(h *Handle) error {
	if err := socketError(h.fd); err != nil {
		h.fail(fmt.Errorf("connect: %w", err))
		return err
	}
	h.state = Open
	if err := m.poller.Modify(h.fd, h.interest); err != nil {
		h.fail(err)
		return err
	}
	return nil
}

func (m *Manager) notifyFailed(hd Handler) {
	for i := 0; i < len(m.failed); i++ {
		if h := m.failed[i]; h.rel != released {
			m.call(h, "error", hd.OnError)
		}
	}
	m.failed = m.failed[:0]
}

func (m *Manager) notifyIdle(hd Handler) {
	var n int64
	for _, h := range m.handles {
		if h.rel == live && h.state == Open && h.interest == poller.None {
			n++
			m.call(h, "idle", hd.OnIdle)
		}
	}
	m.idle.Store(n)
}

func (m *Manager) call(h *Handle, event string, fn func(*Handle) error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("event", event).Int("fd", h.fd).Interface("panic", r).Msg("handler panicked")
		}
	}()
	if err := fn(h); err != nil {
		m.log.Debug().Str("event", event).Int("fd", h.fd).Err(err).Msg("handler error")
	}
}

func (m *Manager) runTasks() bool {
	m.mu.Lock()
	var tasks []func()
	for m.tasks.Length() > 0 {
		tasks = append(tasks, m.tasks.Remove().(func()))
	}
	m.mu.Unlock()

	for _, fn := range tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Msg("posted task panicked")
				}
			}()
			fn()
		}()
	}
	return len(tasks) > 0
}

func (m *Manager) hasTasks() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks.Length() > 0
}

func (m *Manager) add(fd int, interest poller.Interest, state State, tag any) (*Handle, error) {
	m.nextID++
	h := &Handle{m: m, id: m.nextID, fd: fd, interest: interest, state: state, tag: tag}

	installed := interest
	if state == Connecting {
		installed = poller.Write
	}
	if err := m.poller.Register(fd, installed, h); err != nil {
		return nil, err
	}
	m.handles[h.id] = h
	return h, nil
}

func (m *Manager) schedule(h *Handle) {
	if h.rel != live {
		return
	}
	h.rel = pendingRemoval
	m.pending = append(m.pending, h)
}

func (m *Manager) reap() {
	for _, h := range m.pending {
		m.destroy(h)
	}
	m.pending = m.pending[:0]
}

func (m *Manager) destroy(h *Handle) {
	if h.rel == released {
		return
	}
	_ = m.poller.Unregister(h.fd)
	_ = unix.Close(h.fd)
	h.rel = released
	if h.state != Error {
		h.state = Closing
	}
	delete(m.handles, h.id)
}
