package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/relay/internal/conn"
	"github.com/die-net/relay/internal/dialer"
	"github.com/die-net/relay/internal/poller"
	"github.com/die-net/relay/internal/socks5"
	"github.com/die-net/relay/internal/testutil"
)

const testHost = "origin.test"

func testResolver() *dialer.Resolver {
	return dialer.NewResolverWith(dialer.Config{CacheTTL: time.Minute, NegativeTTL: time.Minute},
		func(_ context.Context, _, host string) ([]net.IP, error) {
			if host == testHost {
				return []net.IP{net.IPv4(127, 0, 0, 1)}, nil
			}
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		})
}

func newEngine(t *testing.T, cfg Config) (*Engine, *prometheus.Registry) {
	t.Helper()

	mgr, err := conn.NewManager(conn.Config{Resolver: testResolver(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	cfg.Registerer = reg
	cfg.Logger = zerolog.Nop()
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 64 << 10
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 2
	}
	return New(mgr, cfg), reg
}

// runEngine starts the reactor. Listeners must be opened before.
func runEngine(t *testing.T, e *Engine) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return e.Run(ctx) })

	t.Cleanup(func() {
		cancel()
		require.NoError(t, g.Wait())
		require.NoError(t, e.Close())
		assert.Equal(t, 0, e.pool.Outstanding())
	})
}

func stats(t *testing.T, e *Engine) Stats {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := e.Stats(ctx)
	require.NoError(t, err)
	return s
}

// waitDrained waits until every flow is gone and every buffer is back.
func waitDrained(t *testing.T, e *Engine) {
	t.Helper()

	require.Eventually(t, func() bool {
		s := stats(t, e)
		return s.Nodes == 0 && s.Pairs == 0 && s.Unpaired == 0 && s.BuffersOutstanding == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// checkRegistry verifies on the reactor that every node is in exactly one
// registry collection and that peers point at each other.
func checkRegistry(t *testing.T, e *Engine) {
	t.Helper()

	errc := make(chan error, 1)
	require.NoError(t, e.mgr.Post(func() {
		for id, n := range e.nodes {
			if got := e.reg.memberships(id); got != 1 {
				errc <- fmt.Errorf("node %d (%s) in %d collections", id, n.role(), got)
				return
			}
			if n.peer != 0 {
				if p := e.nodes[n.peer]; p == nil || p.peer != id {
					errc <- fmt.Errorf("node %d has a dangling peer %d", id, n.peer)
					return
				}
			}
		}
		errc <- nil
	}))
	require.NoError(t, <-errc)
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()

	c, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))
	return c
}

func openTunnel(t *testing.T, c net.Conn, target string) {
	t.Helper()

	_, err := fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	require.NoError(t, err)

	got := make([]byte, len(tunnelEstablished))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, string(tunnelEstablished), string(got))
}

func closedPort(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := testutil.Port(t, ln)
	require.NoError(t, ln.Close())
	return port
}

func TestPlainHTTPForwardedVerbatim(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())
	defer echo.Close()
	port := testutil.Port(t, echo)

	e, _ := newEngine(t, Config{PlainHTTPPort: port})
	addr, err := e.Listen("127.0.0.1:0", ProtocolHTTP)
	require.NoError(t, err)
	runEngine(t, e)

	c := dial(t, addr)
	req := "GET / HTTP/1.1\r\nHost: " + testHost + ":" + port + "\r\n\r\n"
	testutil.AssertEcho(t, c, c, []byte(req))
	testutil.AssertEcho(t, c, c, []byte("more bytes"))

	checkRegistry(t, e)
	s := stats(t, e)
	assert.Equal(t, 1, s.Pairs)
	assert.Equal(t, 1, s.Destinations)

	require.NoError(t, c.Close())
	waitDrained(t, e)
}

func TestPlainHTTPDefaultPort(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())
	defer echo.Close()
	port := testutil.Port(t, echo)

	// A Host without a port uses the listener's default, which here is
	// also the plain HTTP port, so the request is forwarded verbatim.
	e, _ := newEngine(t, Config{PlainHTTPPort: port, DefaultPorts: map[Protocol]string{ProtocolHTTP: port}})
	addr, err := e.Listen("127.0.0.1:0", ProtocolHTTP)
	require.NoError(t, err)
	runEngine(t, e)

	c := dial(t, addr)
	testutil.AssertEcho(t, c, c, []byte("GET / HTTP/1.1\r\nhost: "+testHost+"\r\n\r\n"))
}

func TestConnectTunnel(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())
	defer echo.Close()

	e, reg := newEngine(t, Config{})
	addr, err := e.Listen("127.0.0.1:0", ProtocolHTTPS)
	require.NoError(t, err)
	runEngine(t, e)

	c := dial(t, addr)
	openTunnel(t, c, echo.Addr().String())

	// The echo server would have sent the CONNECT head back if it had
	// been forwarded.
	testutil.AssertEcho(t, c, c, []byte("hello"))
	checkRegistry(t, e)

	assert.InDelta(t, 1, promtest.ToFloat64(e.metrics.accepted.WithLabelValues("https")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(e.metrics.connects), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(e.metrics.pairs), 0)
	n, err := promtest.GatherAndCount(reg, "relay_bytes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, c.Close())
	waitDrained(t, e)
	assert.InDelta(t, 0, promtest.ToFloat64(e.metrics.pairs), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(e.metrics.drops.WithLabelValues("client")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(e.metrics.drops.WithLabelValues("server")), 0)
}

func TestConnectFailureTearsDownClient(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{name: "refused", target: "127.0.0.1:" + closedPort(t)},
		{name: "unresolvable", target: "missing.test:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t, Config{})
			addr, err := e.Listen("127.0.0.1:0", ProtocolHTTPS)
			require.NoError(t, err)
			runEngine(t, e)

			c := dial(t, addr)
			_, err = fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", tt.target, tt.target)
			require.NoError(t, err)

			got, _ := io.ReadAll(c)
			assert.Empty(t, got, "no tunnel response for a failed connect")

			waitDrained(t, e)
			assert.InDelta(t, 1, promtest.ToFloat64(e.metrics.connectErrors), 0)
		})
	}
}

func TestTunnelWraparound(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())
	defer echo.Close()

	// An odd capacity that divides nothing keeps shift landing everywhere.
	e, _ := newEngine(t, Config{BufferSize: 61})
	addr, err := e.Listen("127.0.0.1:0", ProtocolHTTPS)
	require.NoError(t, err)
	runEngine(t, e)

	c := dial(t, addr)
	_, err = fmt.Fprintf(c, "CONNECT / HTTP/1.1\r\nHost: %s\r\n\r\n", echo.Addr())
	require.NoError(t, err)
	got := make([]byte, len(tunnelEstablished))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)

	payload := make([]byte, 1<<20)
	_, err = rand.Read(payload)
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		_, err := c.Write(payload)
		return err
	})

	back := make([]byte, len(payload))
	_, err = io.ReadFull(c, back)
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	require.True(t, bytes.Equal(payload, back), "payload corrupted in transit")

	require.NoError(t, c.Close())
	waitDrained(t, e)
}

func TestHalfDuplexDrain(t *testing.T) {
	payload := make([]byte, 256<<10)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	// The origin sends everything and closes before the client reads.
	origin, wait := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		_, _ = c.Write(payload)
	})
	defer wait()

	e, _ := newEngine(t, Config{BufferSize: 4096})
	addr, err := e.Listen("127.0.0.1:0", ProtocolHTTPS)
	require.NoError(t, err)
	runEngine(t, e)

	c := dial(t, addr)
	openTunnel(t, c, origin.Addr().String())

	time.Sleep(100 * time.Millisecond)

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Len(t, got, len(payload))
	require.True(t, bytes.Equal(payload, got), "buffered bytes lost after origin closed")

	waitDrained(t, e)
}

func TestOversizedHeaderIsDropped(t *testing.T) {
	e, _ := newEngine(t, Config{MaxHeaderBytes: 64})
	addr, err := e.Listen("127.0.0.1:0", ProtocolHTTP)
	require.NoError(t, err)
	runEngine(t, e)

	c := dial(t, addr)
	_, err = c.Write(bytes.Repeat([]byte("a"), 100))
	require.NoError(t, err)

	_, err = c.Read(make([]byte, 16))
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		require.False(t, ne.Timeout(), "proxy never dropped the client")
	}

	waitDrained(t, e)
}

func TestClientCloseWhileSniffing(t *testing.T) {
	e, _ := newEngine(t, Config{})
	addr, err := e.Listen("127.0.0.1:0", ProtocolHTTP)
	require.NoError(t, err)
	runEngine(t, e)

	c := dial(t, addr)
	_, err = c.Write([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return stats(t, e).Unpaired == 1 }, 2*time.Second, 10*time.Millisecond)
	checkRegistry(t, e)

	require.NoError(t, c.Close())
	waitDrained(t, e)
}

func TestSOCKS5Connect(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())
	defer echo.Close()

	e, _ := newEngine(t, Config{})
	addr, err := e.Listen("127.0.0.1:0", ProtocolSOCKS5)
	require.NoError(t, err)
	runEngine(t, e)

	tests := []struct {
		name   string
		target string
	}{
		{name: "ip", target: echo.Addr().String()},
		{name: "domain", target: net.JoinHostPort(testHost, testutil.Port(t, echo))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, addr)
			require.NoError(t, socks5.ClientDial(c, tt.target))
			testutil.AssertEcho(t, c, c, []byte("through socks"))
			checkRegistry(t, e)
		})
	}
}

func TestSOCKS5ConnectRefused(t *testing.T) {
	e, _ := newEngine(t, Config{})
	addr, err := e.Listen("127.0.0.1:0", ProtocolSOCKS5)
	require.NoError(t, err)
	runEngine(t, e)

	c := dial(t, addr)
	err = socks5.ClientDial(c, "127.0.0.1:"+closedPort(t))
	var re *socks5.ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, byte(txsocks5.RepConnectionRefused), re.Rep)

	waitDrained(t, e)
}

func TestSOCKS5NoAcceptableMethod(t *testing.T) {
	e, _ := newEngine(t, Config{})
	addr, err := e.Listen("127.0.0.1:0", ProtocolSOCKS5)
	require.NoError(t, err)
	runEngine(t, e)

	c := dial(t, addr)
	_, err = c.Write([]byte{0x05, 0x01, txsocks5.MethodUsernamePassword})
	require.NoError(t, err)

	got, _ := io.ReadAll(c)
	assert.Equal(t, []byte{0x05, 0xff}, got)
	waitDrained(t, e)
}

func TestTransparentWithoutRedirectIsDropped(t *testing.T) {
	e, _ := newEngine(t, Config{})
	addr, err := e.Listen("127.0.0.1:0", ProtocolTransparent)
	if err != nil {
		t.Skipf("transparent listener unavailable: %v", err)
	}
	runEngine(t, e)

	// Nothing redirected this connection, so its original destination is
	// the listener itself and relaying it would loop.
	c := dial(t, addr)
	got, _ := io.ReadAll(c)
	assert.Empty(t, got)
	waitDrained(t, e)
}

func TestOrphanHandleIsClosed(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, context.Background())
	defer echo.Close()

	port := testutil.Port(t, echo)

	e, _ := newEngine(t, Config{})
	runEngine(t, e)

	// A handle nobody tagged sits at interest None until the idle pass
	// closes it.
	refc := make(chan conn.Ref, 1)
	require.NoError(t, e.mgr.Post(func() {
		ref, err := e.mgr.Connect(context.Background(), "127.0.0.1", port, poller.None, nil)
		if err != nil {
			t.Error(err)
		}
		refc <- ref
	}))
	ref := <-refc

	require.Eventually(t, func() bool {
		valid := make(chan bool, 1)
		if err := e.mgr.Post(func() { valid <- ref.Valid() }); err != nil {
			return false
		}
		return !<-valid
	}, 2*time.Second, 10*time.Millisecond)
}
