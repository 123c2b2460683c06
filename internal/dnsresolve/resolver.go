// Package dnsresolve resolves a UnifiedAddress::Domain to a concrete
// IPv4 address string for the proxy's direct-destination dial path, backed by a
// TTL-respecting LRU cache so repeated destinations to the same host don't
// pay a full DNS round trip every time.
package dnsresolve

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
)

// Config bundles the resolver's tunables.
type Config struct {
	Nameservers []string // "host:port"; queried in order, first answer wins
	QueryTimeout time.Duration
	CacheSize    int
}

type cacheEntry struct {
	ip        string
	expiresAt time.Time
}

// Resolver resolves domain names to IP address strings, caching positive
// answers for their advertised TTL. Only A records are queried; AAAA
// records are never looked up, so a name with only IPv6 addresses does not
// resolve.
type Resolver struct {
	cfg    Config
	client *dns.Client
	cache  *lru.Cache[string, cacheEntry]

	mu       sync.Mutex
	inflight map[string]*inflightQuery
}

type inflightQuery struct {
	done chan struct{}
	ip   string
	err  error
}

// New constructs a Resolver. CacheSize <= 0 defaults to 1024 entries.
func New(cfg Config) (*Resolver, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create dns cache: %w", err)
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	return &Resolver{
		cfg:      cfg,
		client:   &dns.Client{Timeout: cfg.QueryTimeout},
		cache:    cache,
		inflight: make(map[string]*inflightQuery),
	}, nil
}

// Resolve returns an IP address string for host, consulting the cache
// first and deduplicating concurrent lookups for the same host so a burst
// of tunnel requests to a cold hostname only issues one upstream query.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	if entry, ok := r.cache.Get(host); ok && time.Now().Before(entry.expiresAt) {
		return entry.ip, nil
	}

	r.mu.Lock()
	if q := r.inflight[host]; q != nil {
		r.mu.Unlock()
		select {
		case <-q.done:
			return q.ip, q.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	q := &inflightQuery{done: make(chan struct{})}
	r.inflight[host] = q
	r.mu.Unlock()

	ip, ttl, err := r.query(ctx, host)
	q.ip, q.err = ip, err
	close(q.done)

	r.mu.Lock()
	delete(r.inflight, host)
	r.mu.Unlock()

	if err != nil {
		return "", err
	}
	r.cache.Add(host, cacheEntry{ip: ip, expiresAt: time.Now().Add(ttl)})
	return ip, nil
}

func (r *Resolver) query(ctx context.Context, host string) (string, time.Duration, error) {
	if len(r.cfg.Nameservers) == 0 {
		return "", 0, fmt.Errorf("dnsresolve: no nameservers configured")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, ns := range r.cfg.Nameservers {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		resp, _, err := r.client.ExchangeContext(ctx, msg, ns)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dnsresolve: nameserver %s returned rcode %d for %s", ns, resp.Rcode, host)
			continue
		}
		for _, ans := range resp.Answer {
			if a, ok := ans.(*dns.A); ok {
				ttl := time.Duration(a.Hdr.Ttl) * time.Second
				if ttl <= 0 {
					ttl = 30 * time.Second
				}
				return a.A.String(), ttl, nil
			}
		}
		lastErr = fmt.Errorf("dnsresolve: no A record for %s", host)
	}
	return "", 0, lastErr
}
