package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/relay/internal/conn"
	"github.com/die-net/relay/internal/dialer"
	"github.com/die-net/relay/internal/proxy"
	"github.com/die-net/relay/internal/tproxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socksListen  = pflag.String("socks5-port", "", "SOCKS5 listen port or address (e.g. 1080). Empty disables.")
		tproxyListen = pflag.String("tproxy-port", "", "Transparent proxy listen port or address (e.g. 1234). Empty disables.")

		bufferSize     = pflag.Int("buffer-size", proxy.DefaultBufferSize, "Relay buffer size per connection leg, in bytes")
		poolSize       = pflag.Int("pool-size", proxy.DefaultPoolSize, "Relay buffers allocated at startup and kept idle")
		acceptBatch    = pflag.Int("accept-batch", proxy.DefaultAcceptBatch, "Maximum connections accepted per readiness event (0 = unlimited)")
		maxHeaderBytes = pflag.Int("max-header-bytes", proxy.DefaultMaxHeaderBytes, "Maximum bytes a client may send before its destination is known")
		dnsTimeout     = pflag.Duration("dns-timeout", 5*time.Second, "Timeout for one outbound DNS lookup")
		dnsCacheTTL    = pflag.Duration("dns-cache-ttl", time.Minute, "How long DNS answers are reused (0 disables the cache)")
		tcpKeepAlive   = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		debugListen    = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		verbose        = pflag.Bool("verbose", false, "Log every read, write and swallowed handler error")
	)

	if !tproxy.IsSupported {
		_ = pflag.CommandLine.MarkHidden("tproxy-port")
	}

	pflag.Usage = usage
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if pflag.NArg() != 2 {
		usage()
		return nil
	}

	httpAddr, err := listenAddr(pflag.Arg(0))
	if err != nil {
		return fmt.Errorf("invalid HTTP_PORT: %w", err)
	}
	httpsAddr, err := listenAddr(pflag.Arg(1))
	if err != nil {
		return fmt.Errorf("invalid HTTPS_PORT: %w", err)
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	logger := newLogger(*verbose)

	resolver := dialer.NewResolver(dialer.Config{
		Timeout:     *dnsTimeout,
		CacheTTL:    *dnsCacheTTL,
		NegativeTTL: dialer.DefaultNegativeTTL,
	})

	mgr, err := conn.NewManager(conn.Config{
		Resolver:  resolver,
		KeepAlive: ka,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("reactor: %w", err)
	}

	engine := proxy.New(mgr, proxy.Config{
		BufferSize:     *bufferSize,
		PoolSize:       *poolSize,
		AcceptBatch:    *acceptBatch,
		MaxHeaderBytes: *maxHeaderBytes,
		Logger:         logger,
		Registerer:     prometheus.DefaultRegisterer,
	})
	defer engine.Close()

	type listen struct {
		addr     string
		protocol proxy.Protocol
	}
	listeners := []listen{
		{httpAddr, proxy.ProtocolHTTP},
		{httpsAddr, proxy.ProtocolHTTPS},
	}
	if *socksListen != "" {
		addr, err := listenAddr(*socksListen)
		if err != nil {
			return fmt.Errorf("invalid --socks5-port: %w", err)
		}
		listeners = append(listeners, listen{addr, proxy.ProtocolSOCKS5})
	}
	if *tproxyListen != "" {
		addr, err := listenAddr(*tproxyListen)
		if err != nil {
			return fmt.Errorf("invalid --tproxy-port: %w", err)
		}
		listeners = append(listeners, listen{addr, proxy.ProtocolTransparent})
	}
	for _, l := range listeners {
		if _, err := engine.Listen(l.addr, l.protocol); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info().Str("addr", *debugListen).Msg("debug listening")
	}

	g.Go(func() error {
		if err := engine.Run(ctx); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		// The reactor only returns cleanly once ctx is done; make sure the
		// debug server follows it down.
		stop()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logger.Info().Msg("shutting down")
	return err
}

func usage() {
	fmt.Fprintf(os.Stdout, "Usage: %s [flags] HTTP_PORT HTTPS_PORT\n\nFlags:\n", os.Args[0])
	pflag.CommandLine.SetOutput(os.Stdout)
	pflag.PrintDefaults()
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true, TimeFormat: time.RFC3339}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// listenAddr accepts a bare port ("8080") or a host:port.
func listenAddr(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ":") {
		if _, err := parsePort(s); err != nil {
			return "", err
		}
		return ":" + s, nil
	}
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", err
	}
	if _, err := parsePort(port); err != nil {
		return "", err
	}
	return s, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 65535 {
		return 0, errors.New("out of range")
	}
	return n, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
