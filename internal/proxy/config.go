package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Protocol selects how a listener learns each client's destination.
type Protocol int

const (
	ProtocolHTTP Protocol = iota
	ProtocolHTTPS
	ProtocolSOCKS5
	ProtocolTransparent
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolHTTPS:
		return "https"
	case ProtocolSOCKS5:
		return "socks5"
	case ProtocolTransparent:
		return "tproxy"
	default:
		return "unknown"
	}
}

const (
	// PlainHTTPPort is the destination port that is forwarded verbatim
	// rather than tunneled.
	PlainHTTPPort = "80"

	DefaultBufferSize     = 10 << 20
	DefaultPoolSize       = 10
	DefaultAcceptBatch    = 64
	DefaultMaxHeaderBytes = 64 << 10
)

type Config struct {
	// BufferSize is the capacity of each leg's relay buffer.
	BufferSize int
	// PoolSize is how many buffers are allocated up front and kept idle.
	PoolSize int
	// AcceptBatch caps accepts per readiness event. Zero means no cap.
	AcceptBatch int
	// MaxHeaderBytes caps how much a client may send before its
	// destination is known. It is clamped to BufferSize.
	MaxHeaderBytes int

	// PlainHTTPPort overrides the package default, mostly for tests.
	PlainHTTPPort string
	// DefaultPorts is used when a Host header carries no port.
	DefaultPorts map[Protocol]string

	Logger zerolog.Logger
	// Registerer receives the engine's metrics. Nil means they are kept
	// on a private registry.
	Registerer prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.PoolSize < 0 {
		c.PoolSize = 0
	}
	if c.AcceptBatch < 0 {
		c.AcceptBatch = 0
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.MaxHeaderBytes > c.BufferSize {
		c.MaxHeaderBytes = c.BufferSize
	}
	if c.PlainHTTPPort == "" {
		c.PlainHTTPPort = PlainHTTPPort
	}

	ports := map[Protocol]string{
		ProtocolHTTP:  PlainHTTPPort,
		ProtocolHTTPS: "443",
	}
	for p, port := range c.DefaultPorts {
		ports[p] = port
	}
	c.DefaultPorts = ports

	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	return c
}
