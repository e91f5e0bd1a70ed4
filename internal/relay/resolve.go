package relay

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/bluele/gcache"
	"github.com/miekg/dns"
)

const (
	// defaultResolverCacheSize is the number of hostnames the resolver caches
	// when the size is not configured.
	defaultResolverCacheSize = 1024

	// maxResolverCacheTTL limits the time the resolved addresses are cached
	// regardless of the TTL in the response.
	maxResolverCacheTTL = 5 * time.Minute
)

// Resolver is a simple DNS resolver with internal cache that sends queries to
// a DNS upstream.
type Resolver struct {
	upstream upstream.Upstream
	cache    gcache.Cache
}

// NewResolver creates a new *Resolver instance.
func NewResolver(u upstream.Upstream, cacheSize int) (r *Resolver) {
	if cacheSize <= 0 {
		cacheSize = defaultResolverCacheSize
	}

	return &Resolver{
		upstream: u,
		cache:    gcache.New(cacheSize).LRU().Build(),
	}
}

// LookupHost looks up the specified hostname.  Failures are returned as
// *net.DNSError.
func (r *Resolver) LookupHost(host string) (ips []netip.Addr, err error) {
	if ips, ok := r.lookupCache(host); ok {
		return ips, nil
	}

	var ttl uint32
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ips, ttl, err = r.exchange(host, qtype)
		if err != nil {
			return nil, err
		}

		if len(ips) > 0 {
			break
		}
	}

	if len(ips) == 0 {
		return nil, &net.DNSError{
			Err:        "no such host",
			Name:       host,
			Server:     r.upstream.Address(),
			IsNotFound: true,
		}
	}

	r.putToCache(host, ips, ttl)

	return ips, nil
}

// exchange sends a query of type qtype for host and returns the addresses
// from the answer section along with their smallest TTL.
func (r *Resolver) exchange(host string, qtype uint16) (ips []netip.Addr, ttl uint32, err error) {
	req := &dns.Msg{}
	req.SetQuestion(dns.Fqdn(host), qtype)
	req.RecursionDesired = true

	resp, err := r.upstream.Exchange(req)
	if err != nil {
		return nil, 0, &net.DNSError{
			Err:    err.Error(),
			Name:   host,
			Server: r.upstream.Address(),
		}
	}

	if resp.Rcode == dns.RcodeNameError {
		return nil, 0, &net.DNSError{
			Err:        "no such host",
			Name:       host,
			Server:     r.upstream.Address(),
			IsNotFound: true,
		}
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil, 0, &net.DNSError{
			Err:    dns.RcodeToString[resp.Rcode],
			Name:   host,
			Server: r.upstream.Address(),
		}
	}

	for _, rr := range resp.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}

		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}

		if len(ips) == 0 || rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}

		ips = append(ips, addr.Unmap())
	}

	return ips, ttl, nil
}

func (r *Resolver) lookupCache(host string) (ips []netip.Addr, ok bool) {
	v, err := r.cache.Get(host)
	if err != nil {
		return nil, false
	}

	ips, ok = v.([]netip.Addr)

	return ips, ok
}

func (r *Resolver) putToCache(host string, ips []netip.Addr, ttl uint32) {
	exp := min(time.Duration(ttl)*time.Second, maxResolverCacheTTL)
	if exp <= 0 {
		return
	}

	_ = r.cache.SetWithExpire(host, ips, exp)
}

// resolvingDialer resolves hostnames with its Resolver before connecting.
type resolvingDialer struct {
	dialer   *net.Dialer
	resolver *Resolver
}

// type check
var _ Dialer = (*resolvingDialer)(nil)

// DialContext implements the Dialer interface for *resolvingDialer.  It tries
// the resolved addresses one by one and returns the last error.
func (d *resolvingDialer) DialContext(
	ctx context.Context,
	network string,
	address string,
) (conn net.Conn, err error) {
	host, port, err := netutil.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	if _, parseErr := netip.ParseAddr(host); parseErr == nil {
		return d.dialer.DialContext(ctx, network, address)
	}

	ips, err := d.resolver.LookupHost(host)
	if err != nil {
		return nil, err
	}

	for _, ip := range ips {
		addr := netip.AddrPortFrom(ip, port).String()
		conn, err = d.dialer.DialContext(ctx, network, addr)
		if err == nil {
			return conn, nil
		}

		log.Debug("relay: connecting to %s (%s): %s", addr, host, err)
	}

	return nil, err
}
