package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
)

const (
	// DefaultResolvConf is read for upstreams when none are configured
	DefaultResolvConf = "/etc/resolv.conf"

	// DefaultUpstream is the fallback when resolv.conf is unusable
	DefaultUpstream = "8.8.8.8:53"

	// DefaultTimeout bounds each exchange with one upstream
	DefaultTimeout = 3 * time.Second

	// MaxCacheTTL caps how long an answer is reused regardless of its TTL
	MaxCacheTTL = 5 * time.Minute
)

var (
	// ErrNotFound means the name exists nowhere or has no records of the
	// requested type.
	ErrNotFound = errors.New("no such record")

	// ErrNotConfirmed means a reverse name does not resolve back to the
	// address it was found for.
	ErrNotConfirmed = errors.New("reverse name does not match forward lookup")
)

// Config holds resolver configuration
type Config struct {
	Upstream  []string      // host:port of recursive resolvers
	Timeout   time.Duration // per upstream exchange
	CacheSize int           // answers kept; 0 disables caching
}

type cacheKey struct {
	qtype uint16
	name  string
}

type cacheEntry struct {
	answers []string
	expires time.Time
}

// Resolver performs recursive lookups against upstream servers
type Resolver struct {
	upstream []string
	udp      *dns.Client
	tcp      *dns.Client
	cache    *lru.Cache
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a resolver. Without configured upstreams the nameservers
// in /etc/resolv.conf are used.
func New(cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if len(cfg.Upstream) == 0 {
		cfg.Upstream = SystemUpstream(DefaultResolvConf)
	}
	r := &Resolver{
		upstream: cfg.Upstream,
		udp:      &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		tcp:      &dns.Client{Net: "tcp", Timeout: cfg.Timeout},
		now:      time.Now,
		logger:   log.WithComponent("resolver"),
	}
	if cfg.CacheSize > 0 {
		// lru.New only fails for a non-positive size.
		r.cache, _ = lru.New(cfg.CacheSize)
	}
	return r
}

// SystemUpstream returns the nameservers listed in a resolv.conf file, or
// DefaultUpstream if there are none.
func SystemUpstream(path string) []string {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil || len(conf.Servers) == 0 {
		return []string{DefaultUpstream}
	}
	out := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		out = append(out, net.JoinHostPort(s, conf.Port))
	}
	return out
}

// Upstream returns the servers queried, in order
func (r *Resolver) Upstream() []string {
	return r.upstream
}

// Lookup returns the answers of type qtype for name: addresses for A and
// AAAA, host names (without the trailing dot) for PTR.
func (r *Resolver) Lookup(ctx context.Context, qtype uint16, name string) ([]string, error) {
	key := cacheKey{qtype: qtype, name: strings.ToLower(dns.Fqdn(name))}
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			e := v.(cacheEntry)
			if r.now().Before(e.expires) {
				return append([]string(nil), e.answers...), nil
			}
			r.cache.Remove(key)
		}
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	resp, err := r.exchange(ctx, m)
	if err != nil {
		return nil, err
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("%s lookup %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
	}

	var answers []string
	ttl := MaxCacheTTL
	for _, rr := range resp.Answer {
		if rr.Header().Rrtype == qtype {
			ttl = min(ttl, time.Duration(rr.Header().Ttl)*time.Second)
		}
		switch rr := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				answers = append(answers, rr.A.String())
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				answers = append(answers, rr.AAAA.String())
			}
		case *dns.PTR:
			if qtype == dns.TypePTR {
				answers = append(answers, strings.TrimSuffix(rr.Ptr, "."))
			}
		}
	}
	if len(answers) == 0 {
		return nil, ErrNotFound
	}
	if r.cache != nil && ttl > 0 {
		r.cache.Add(key, cacheEntry{answers: append([]string(nil), answers...), expires: r.now().Add(ttl)})
	}
	return answers, nil
}

// Reverse returns the PTR names of ip
func (r *Resolver) Reverse(ctx context.Context, ip string) ([]string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("reverse %q: %w", ip, err)
	}
	return r.Lookup(ctx, dns.TypePTR, arpa)
}

// Host returns a forward-confirmed host name for ip: a PTR name whose A
// or AAAA records include ip.
func (r *Resolver) Host(ctx context.Context, ip string) (string, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return "", fmt.Errorf("invalid address %q", ip)
	}
	names, err := r.Reverse(ctx, ip)
	if err != nil {
		return "", err
	}

	qtype := dns.TypeAAAA
	if addr.To4() != nil {
		qtype = dns.TypeA
	}
	for _, name := range names {
		addrs, err := r.Lookup(ctx, qtype, name)
		if err != nil {
			r.logger.Debug().Err(err).Str("name", name).Msg("forward lookup failed")
			continue
		}
		for _, a := range addrs {
			if net.ParseIP(a).Equal(addr) {
				return name, nil
			}
		}
	}
	return "", ErrNotConfirmed
}

// exchange tries each upstream in turn, retrying over TCP on truncation.
func (r *Resolver) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, upstream := range r.upstream {
		m.Id = dns.Id()
		resp, _, err := r.udp.ExchangeContext(ctx, m, upstream)
		if err == nil && resp.Truncated {
			resp, _, err = r.tcp.ExchangeContext(ctx, m, upstream)
		}
		if err != nil {
			r.logger.Debug().Err(err).Str("upstream", upstream).Msg("upstream exchange failed")
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no upstream configured")
	}
	return nil, fmt.Errorf("all upstreams failed: %w", lastErr)
}
