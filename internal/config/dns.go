package config

import (
	"fmt"
	"time"

	"github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/ameshkov/tlsrelay/internal/relay"
)

// DNS represents the DNS section of the configuration file.
type DNS struct {
	// Upstream is the address of the DNS server that resolves the destination
	// hostnames, e.g. "8.8.8.8:53", "tls://dns.google" or
	// "https://dns.google/dns-query".  If empty, the system resolver is used.
	Upstream string `yaml:"upstream"`

	// Timeout is the timeout of a DNS query.
	Timeout time.Duration `yaml:"timeout"`

	// CacheSize is the number of hostnames the resolved addresses are cached
	// for.
	CacheSize int `yaml:"cache-size"`
}

// setUpstream sets the DNS upstream of relayCfg if it is configured.
func (d *DNS) setUpstream(relayCfg *relay.Config) (err error) {
	if d == nil || d.Upstream == "" {
		return nil
	}

	u, err := upstream.AddressToUpstream(d.Upstream, &upstream.Options{
		Timeout: d.Timeout,
	})
	if err != nil {
		return fmt.Errorf("parse upstream %q: %w", d.Upstream, err)
	}

	relayCfg.DNSUpstream = u
	relayCfg.DNSCacheSize = d.CacheSize

	return nil
}
