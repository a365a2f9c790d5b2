package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/patrickmn/go-cache"
	"golang.org/x/net/idna"
)

// LookupFunc matches net.Resolver.LookupIP.
type LookupFunc func(ctx context.Context, network, host string) ([]net.IP, error)

// Resolver is a caching resolver. It is safe for concurrent use.
type Resolver struct {
	cfg    Config
	lookup LookupFunc
	cache  *cache.Cache
}

// NewResolver returns a resolver backed by net.DefaultResolver.
func NewResolver(cfg Config) *Resolver {
	return NewResolverWith(cfg, net.DefaultResolver.LookupIP)
}

// NewResolverWith returns a resolver backed by lookup.
func NewResolverWith(cfg Config, lookup LookupFunc) *Resolver {
	r := &Resolver{cfg: cfg, lookup: lookup}
	if cfg.CacheTTL > 0 {
		r.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return r
}

// LookupIP returns the addresses for host in resolver order.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	name, err := NormalizeHost(host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}

	if ip := net.ParseIP(name); ip != nil {
		return []net.IP{ip}, nil
	}

	if r.cache != nil {
		if v, ok := r.cache.Get(name); ok {
			switch v := v.(type) {
			case []net.IP:
				return v, nil
			case error:
				return nil, v
			}
		}
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	ips, err := r.lookup(ctx, "ip", name)
	if err == nil && len(ips) == 0 {
		err = errNoAddresses
	}
	if err != nil {
		err = fmt.Errorf("resolve %s: %w", name, err)
		if r.cache != nil && r.cfg.NegativeTTL > 0 && !errors.Is(err, context.Canceled) {
			r.cache.Set(name, err, r.cfg.NegativeTTL)
		}
		return nil, err
	}

	if r.cache != nil {
		r.cache.Set(name, ips, cache.DefaultExpiration)
	}
	return ips, nil
}

// Flush drops every cached answer.
func (r *Resolver) Flush() {
	if r.cache != nil {
		r.cache.Flush()
	}
}

// Cached returns the number of cached answers.
func (r *Resolver) Cached() int {
	if r.cache == nil {
		return 0
	}
	return r.cache.ItemCount()
}

var errNoAddresses = errors.New("no addresses")

// NormalizeHost lowercases host, strips a trailing dot and converts
// internationalized names to their ASCII form.
func NormalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if host == "" {
		return "", errors.New("empty host")
	}
	if isASCII(host) {
		return strings.ToLower(host), nil
	}
	return idna.Lookup.ToASCII(host)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
