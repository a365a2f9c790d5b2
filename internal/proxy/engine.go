package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/die-net/relay/internal/conn"
	"github.com/die-net/relay/internal/poller"
	"github.com/die-net/relay/internal/socks5"
	"github.com/die-net/relay/internal/tproxy"
)

var (
	errOrphan        = errors.New("handle has no node")
	errNoPeer        = errors.New("peer node is gone")
	errShortWrite    = errors.New("short write")
	errNoOriginalDst = errors.New("no original destination")
)

type listener struct {
	protocol    Protocol
	defaultPort string
	addr        *net.TCPAddr
}

// isSelf reports whether dst is the listener itself, which is what a
// transparent socket reports when nothing redirected the connection.
func (l *listener) isSelf(dst *net.TCPAddr) bool {
	if l.addr == nil || dst.Port != l.addr.Port {
		return false
	}
	return l.addr.IP.IsUnspecified() || l.addr.IP.Equal(dst.IP)
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Nodes              int
	Unpaired           int
	Pairs              int
	Destinations       int
	BuffersOutstanding int
	BuffersFree        int
	Handles            int
}

// Engine is the relay policy. It implements conn.Handler and must only be
// used from the reactor goroutine, apart from Stats.
type Engine struct {
	cfg     Config
	mgr     *conn.Manager
	log     zerolog.Logger
	pool    *BufferPool
	reg     *registry
	metrics *metrics
	ctx     context.Context

	nodes  map[uint64]*node
	nextID uint64
}

var _ conn.Handler = (*Engine)(nil)

func New(mgr *conn.Manager, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		mgr:     mgr,
		log:     cfg.Logger,
		pool:    NewBufferPool(cfg.BufferSize, cfg.PoolSize),
		reg:     newRegistry(),
		metrics: newMetrics(cfg.Registerer, mgr.Idle),
		ctx:     context.Background(),
		nodes:   make(map[uint64]*node),
	}
}

// Listen opens a listener for protocol on addr. Call it before Run.
func (e *Engine) Listen(addr string, protocol Protocol) (net.Addr, error) {
	l := &listener{protocol: protocol, defaultPort: e.cfg.DefaultPorts[protocol]}

	var control func(fd int) error
	if protocol == ProtocolTransparent {
		if !tproxy.IsSupported {
			return nil, fmt.Errorf("listen %s %s: transparent proxy not supported", protocol, addr)
		}
		control = tproxy.Control
	}

	ref, err := e.mgr.ListenControl(addr, l, control)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", protocol, addr, err)
	}
	a, ok := ref.LocalAddr().(*net.TCPAddr)
	if !ok || a == nil {
		ref.Close()
		return nil, fmt.Errorf("listen %s %s: no local address", protocol, addr)
	}
	l.addr = a

	e.log.Info().Str("protocol", protocol.String()).Stringer("addr", a).Msg("listening")
	return a, nil
}

// Run relays until ctx is done or the manager is stopped.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	err := e.mgr.Run(ctx, e, -1)
	e.log.Info().Int("pairs", e.reg.pairLen()).Int("unpaired", e.reg.unpairedLen()).Msg("shutdown")
	return err
}

// Close abandons every flow, returns all buffers and closes the manager.
// Call it after Run has returned.
func (e *Engine) Close() error {
	for _, n := range e.nodes {
		e.release(n)
	}
	e.reg = newRegistry()
	e.observe()
	return e.mgr.Close()
}

// Stats returns a snapshot taken on the reactor goroutine. It is safe to
// call from any goroutine while Run is active.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	ch := make(chan Stats, 1)
	if err := e.mgr.Post(func() { ch <- e.stats() }); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (e *Engine) stats() Stats {
	return Stats{
		Nodes:              len(e.nodes),
		Unpaired:           e.reg.unpairedLen(),
		Pairs:              e.reg.pairLen(),
		Destinations:       e.reg.destinationLen(),
		BuffersOutstanding: e.pool.Outstanding(),
		BuffersFree:        e.pool.Free(),
		Handles:            e.mgr.Len(),
	}
}

func (e *Engine) OnAccept(h *conn.Handle) error {
	l, ok := h.Tag().(*listener)
	if !ok {
		return fmt.Errorf("accept on fd %d: not a listener", h.Fd())
	}
	refs, err := h.Accept(e.cfg.AcceptBatch)
	for _, r := range refs {
		e.accept(l, r)
	}
	return err
}

func (e *Engine) accept(l *listener, r conn.Ref) {
	n := e.newNode(true, uuid.New())
	n.ref = r
	n.listener = l
	r.SetTag(n.id)
	e.reg.addUnpaired(n.id)
	e.observe()

	e.metrics.accepted.WithLabelValues(l.protocol.String()).Inc()
	e.log.Info().Stringer("flow", n.flow).Str("protocol", l.protocol.String()).Stringer("remote", r.RemoteAddr()).Msg("accept")

	if l.protocol != ProtocolTransparent {
		e.setInterest(n, poller.Read)
		return
	}

	dst, err := tproxy.OriginalDst(r.Fd())
	if err == nil && l.isSelf(dst) {
		err = errNoOriginalDst
	}
	if err != nil {
		e.teardown(n, err)
		return
	}
	_ = e.connect(n, dst.IP.String(), strconv.Itoa(dst.Port))
}

func (e *Engine) OnReadable(h *conn.Handle) error {
	n := e.nodeFor(h)
	if n == nil {
		h.Close()
		return errOrphan
	}
	if n.isClient && n.peer == 0 {
		return e.sniff(n)
	}
	if n.reply != replyNone {
		e.establish(n)
	}
	return e.relayRead(n)
}

func (e *Engine) OnWritable(h *conn.Handle) error {
	n := e.nodeFor(h)
	if n == nil {
		h.Close()
		return errOrphan
	}
	if n.reply != replyNone {
		e.establish(n)
	}
	return e.relayWrite(n)
}

func (e *Engine) OnError(h *conn.Handle) error {
	n := e.nodeFor(h)
	if n == nil {
		h.Close()
		return h.Err()
	}

	err := h.Err()
	if err == nil {
		err = conn.ErrHangup
	}

	// The outbound connect failed before the client got its reply.
	if n.reply != replyNone {
		e.metrics.connectErrors.Inc()
		if c := e.nodes[n.peer]; c != nil && n.reply == replySOCKS5 {
			_ = e.writeDirect(c, socksFailure(c.socksAtyp, err))
		}
		n.untilEnd = true
	}
	e.teardown(n, err)
	return nil
}

// OnIdle closes handles that no node or listener owns.
func (e *Engine) OnIdle(h *conn.Handle) error {
	if _, ok := h.Tag().(*listener); ok {
		return nil
	}
	if e.nodeFor(h) != nil {
		return nil
	}
	e.log.Debug().Int("fd", h.Fd()).Msg("closing orphan handle")
	h.Close()
	return nil
}

func (e *Engine) sniff(n *node) error {
	limit := e.cfg.MaxHeaderBytes
	k, err := n.ref.Read(n.buf[n.size:limit])
	n.size += k
	if k > 0 {
		e.metrics.bytes.WithLabelValues(direction(n)).Add(float64(k))
		e.log.Debug().Stringer("flow", n.flow).Int("bytes", k).Msg("sniff read")
	}
	if err != nil {
		e.teardown(n, err)
		return ignoreEOF(err)
	}

	var host, port string
	if n.listener.protocol == ProtocolSOCKS5 {
		host, port, err = e.sniffSOCKS5(n)
	} else {
		host, port, err = parseHost(n.buf[:n.size], n.listener.defaultPort)
	}

	switch {
	case errors.Is(err, errIncomplete), errors.Is(err, socks5.ErrIncomplete):
		if n.size >= limit {
			e.teardown(n, ErrHeaderTooLarge)
			return ErrHeaderTooLarge
		}
		return nil
	case err != nil:
		e.teardown(n, err)
		return err
	}
	return e.connect(n, host, port)
}

// sniffSOCKS5 advances the handshake as far as the buffered bytes allow.
// The method reply goes straight to the socket since there is no peer yet.
func (e *Engine) sniffSOCKS5(n *node) (string, string, error) {
	if n.socks == socksGreeting {
		used, err := socks5.ParseGreeting(n.window())
		if errors.Is(err, socks5.ErrNoAcceptableMethod) {
			_ = e.writeDirect(n, socks5.NoAcceptableMethodsReply())
		}
		if err != nil {
			return "", "", err
		}
		n.consume(used)
		if err := e.writeDirect(n, socks5.MethodReply()); err != nil {
			return "", "", err
		}
		n.socks = socksRequest
	}

	req, used, err := socks5.ParseRequest(n.window())
	if errors.Is(err, socks5.ErrCommandNotSupported) {
		_ = e.writeDirect(n, socks5.CommandNotSupportedReply(req.Atyp))
	}
	if err != nil {
		return "", "", err
	}
	n.consume(used)
	n.socks = socksDone
	n.socksAtyp = req.Atyp
	return req.Host, req.Port, nil
}

// connect opens the outbound leg for client n and pairs the two. On failure
// the client is torn down.
func (e *Engine) connect(n *node, host, port string) error {
	s := e.newNode(false, n.flow)
	s.listener = n.listener
	key := net.JoinHostPort(host, port)
	n.key, s.key = key, key

	switch proto := n.listener.protocol; {
	case proto == ProtocolSOCKS5:
		s.reply = replySOCKS5
	case proto == ProtocolTransparent:
	case port != e.cfg.PlainHTTPPort:
		// Anything not aimed at the plain HTTP port is taken to be a
		// CONNECT; the request head is not forwarded.
		n.shift, n.size = 0, 0
		s.reply = replyTunnel
	}

	interest := poller.Read
	if n.size > 0 || s.reply != replyNone {
		interest |= poller.Write
	}

	e.metrics.connects.Inc()
	ref, err := e.mgr.Connect(e.ctx, host, port, interest, s.id)
	if err != nil {
		e.metrics.connectErrors.Inc()
		e.release(s)
		if n.listener.protocol == ProtocolSOCKS5 {
			_ = e.writeDirect(n, socksFailure(n.socksAtyp, err))
		}
		e.log.Info().Stringer("flow", n.flow).Str("dest", key).Err(err).Msg("connect failed")
		e.teardown(n, err)
		return err
	}

	s.ref = ref
	n.peer, s.peer = s.id, n.id
	e.reg.pair(key, n.id, s.id)
	e.observe()
	e.log.Info().Stringer("flow", n.flow).Str("dest", key).Stringer("local", ref.LocalAddr()).Msg("connect")

	if ref.State() == conn.Open && s.reply != replyNone {
		e.establish(s)
	}

	ci := poller.Read
	if n.full() {
		ci = poller.None
	}
	if s.size > 0 {
		ci |= poller.Write
	}
	e.setInterest(n, ci)
	return nil
}

// establish queues the reply owed to the client of server node s once its
// connect has completed.
func (e *Engine) establish(s *node) {
	reply := s.reply
	s.reply = replyNone

	c := e.nodes[s.peer]
	if c == nil || c.detached {
		return
	}

	switch reply {
	case replyTunnel:
		s.queue(tunnelEstablished)
	case replySOCKS5:
		local := s.ref.LocalAddr()
		if local == nil {
			local = &net.TCPAddr{IP: net.IPv4zero}
		}
		b, err := socks5.SuccessReply(local)
		if err != nil {
			e.log.Debug().Stringer("flow", s.flow).Err(err).Msg("socks5 reply address")
			b, _ = socks5.SuccessReply(&net.TCPAddr{IP: net.IPv4zero})
		}
		s.queue(b)
	}
	if s.size > 0 {
		_ = c.ref.AddInterest(poller.Write)
	}
}

func (e *Engine) relayRead(n *node) error {
	p := e.nodes[n.peer]
	if p == nil {
		e.teardown(n, errNoPeer)
		return errNoPeer
	}

	wasEmpty := n.size == 0
	total := 0
	var err error
	for {
		region := n.free()
		if len(region) == 0 {
			break
		}
		var k int
		k, err = n.ref.Read(region)
		n.size += k
		total += k
		if err != nil || k < len(region) {
			break
		}
	}

	if total > 0 {
		e.metrics.bytes.WithLabelValues(direction(n)).Add(float64(total))
		e.log.Debug().Stringer("flow", n.flow).Str("role", n.role()).Int("bytes", total).Msg("read")
		if wasEmpty {
			_ = p.ref.AddInterest(poller.Write)
		}
	}
	if err != nil {
		e.teardown(n, err)
		return ignoreEOF(err)
	}
	if n.full() {
		_ = n.ref.DropInterest(poller.Read)
	}
	return nil
}

// relayWrite flushes the peer's pending bytes into n's socket.
func (e *Engine) relayWrite(n *node) error {
	p := e.nodes[n.peer]
	if p == nil {
		e.teardown(n, errNoPeer)
		return errNoPeer
	}

	wasFull := p.full()
	total := 0
	for p.size > 0 {
		win := p.window()
		k, err := n.ref.Write(win)
		p.advance(k)
		total += k
		if err != nil {
			e.teardown(n, err)
			return err
		}
		if k < len(win) {
			break
		}
	}
	if total > 0 {
		e.log.Debug().Stringer("flow", n.flow).Str("role", n.role()).Int("bytes", total).Msg("write")
	}

	if p.size == 0 {
		if n.untilEnd {
			e.teardown(n, nil)
			return nil
		}
		_ = n.ref.DropInterest(poller.Write)
	}
	if wasFull && !p.full() {
		_ = p.ref.AddInterest(poller.Read)
	}
	return nil
}

// teardown retires n. A paired node whose peer is still live only closes
// its own socket; the peer then drains what n had buffered and takes the
// pair down with it.
func (e *Engine) teardown(n *node, cause error) {
	if e.nodes[n.id] != n {
		return
	}

	p := e.nodes[n.peer]
	switch {
	case n.peer == 0:
		e.reg.removeUnpaired(n.id)
		e.destroy(n, cause)
	case n.untilEnd || p == nil:
		e.reg.removePair(n.key, n.id)
		e.destroy(n, cause)
		if p != nil {
			e.destroy(p, nil)
		}
	default:
		n.ref.Close()
		n.detached = true
		p.untilEnd = true
		_ = p.ref.SetInterest(poller.Write)
		ev := e.log.Info()
		if cause != nil && !errors.Is(cause, io.EOF) {
			ev = ev.Err(cause)
		}
		ev.Stringer("flow", n.flow).Str("role", n.role()).Int("pending", n.size).Msg("closed, draining peer")
	}
	e.observe()
}

func (e *Engine) destroy(n *node, cause error) {
	e.release(n)
	e.metrics.drops.WithLabelValues(n.role()).Inc()
	if n.isClient {
		e.metrics.flowDuration.Observe(time.Since(n.started).Seconds())
	}

	ev := e.log.Info()
	if cause != nil && !errors.Is(cause, io.EOF) {
		ev = ev.Err(cause)
	}
	ev.Stringer("flow", n.flow).Str("role", n.role()).Str("dest", n.key).Msg("drop")
}

func (e *Engine) newNode(isClient bool, flow uuid.UUID) *node {
	e.nextID++
	n := &node{
		id:       e.nextID,
		flow:     flow,
		buf:      e.pool.Get(),
		isClient: isClient,
		started:  time.Now(),
	}
	e.nodes[n.id] = n
	e.metrics.buffers.Set(float64(e.pool.Outstanding()))
	return n
}

// release closes n's socket and returns its buffer exactly once.
func (e *Engine) release(n *node) {
	n.ref.Close()
	if n.buf != nil {
		e.pool.Put(n.buf)
		n.buf = nil
		n.shift, n.size = 0, 0
	}
	delete(e.nodes, n.id)
	e.metrics.buffers.Set(float64(e.pool.Outstanding()))
}

func (e *Engine) nodeFor(h *conn.Handle) *node {
	id, ok := h.Tag().(uint64)
	if !ok {
		return nil
	}
	n := e.nodes[id]
	if n == nil || n.ref != h.Ref() {
		return nil
	}
	return n
}

// setInterest ignores the error: a rejected change fails the handle and
// comes back through OnError.
func (e *Engine) setInterest(n *node, i poller.Interest) {
	_ = n.ref.SetInterest(i)
}

// writeDirect writes a handshake reply straight to n's socket. Replies are
// a few bytes on a fresh connection; a short write is treated as failure.
func (e *Engine) writeDirect(n *node, b []byte) error {
	k, err := n.ref.Write(b)
	if err != nil {
		return err
	}
	if k < len(b) {
		return errShortWrite
	}
	return nil
}

func (e *Engine) observe() {
	e.metrics.unpaired.Set(float64(e.reg.unpairedLen()))
	e.metrics.pairs.Set(float64(e.reg.pairLen()))
}

func socksFailure(atyp byte, err error) []byte {
	if errors.Is(err, unix.ECONNREFUSED) {
		return socks5.ConnectionRefusedReply(atyp)
	}
	return socks5.HostUnreachableReply(atyp)
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
