package relay

import (
	"crypto/tls"
	"net/netip"
	"net/url"
	"time"

	"github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/ameshkov/tlsrelay/internal/tlssession"
)

// Config represents the relay server configuration.  It must not be modified
// after it has been passed to NewServer.
type Config struct {
	// ListenAddr is the address the relay server will listen to.
	ListenAddr netip.Addr

	// ListenPort is the TCP port the relay server will listen to.
	ListenPort uint16

	// TLSConfig is the TLS configuration of the listener.  It must contain
	// the server certificate and must require and verify client
	// certificates.  It is cloned by NewServer.
	TLSConfig *tls.Config

	// SessionCache stores TLS sessions for resumption (optional).  If not
	// set, sessions are not resumed.
	SessionCache *tlssession.Cache

	// RequestResolver decodes the first frame of a connection.  Must be set.
	RequestResolver RequestResolver

	// ReplyEncoder encodes replies.  Must be set.
	ReplyEncoder ReplyEncoder

	// Dialer connects to the destinations (optional).  If not set, the dialer
	// is built from DialTimeout, ProxyURL, ForwardRules and DNSUpstream.
	Dialer Dialer

	// DialTimeout is the timeout for connecting to a destination.  Zero means
	// the platform default.
	DialTimeout time.Duration

	// ProxyURL is the proxy server address (optional).
	ProxyURL *url.URL

	// ForwardRules is a list of wildcards that define which destinations are
	// connected to through ProxyURL.  If it is empty and ProxyURL is set, all
	// destinations are.
	ForwardRules []string

	// DNSUpstream resolves destination hostnames (optional).  If not set, the
	// system resolver is used.
	DNSUpstream upstream.Upstream

	// DNSCacheSize is the number of hostnames cached when DNSUpstream is set.
	DNSCacheSize int

	// RequestTimeout limits the TLS handshake and reading the first frame.
	// Zero means no limit.
	RequestTimeout time.Duration

	// IdleTimeout closes the relayed connections when no data has been
	// transferred in either direction for this long.  Zero means no limit.
	IdleTimeout time.Duration
}
