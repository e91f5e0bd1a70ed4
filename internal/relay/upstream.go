package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/IGLOU-EU/go-wildcard"
	"github.com/ameshkov/tlsrelay/internal/protocol"
	"golang.org/x/net/proxy"
)

// Dialer connects to the destinations.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (conn net.Conn, err error)
}

// type check
var _ Dialer = (*connector)(nil)

// connector is the default Dialer.  It connects to the destinations directly
// or through the forward proxy depending on the forward rules.
type connector struct {
	direct       Dialer
	proxy        Dialer
	forwardRules []string
}

// newConnector creates a new *connector from the dialing part of conf.
func newConnector(conf *Config) (c *connector, err error) {
	dialer := &net.Dialer{
		Timeout: conf.DialTimeout,
	}

	c = &connector{
		direct:       dialer,
		forwardRules: conf.ForwardRules,
	}

	if conf.DNSUpstream != nil {
		c.direct = &resolvingDialer{
			dialer:   dialer,
			resolver: NewResolver(conf.DNSUpstream, conf.DNSCacheSize),
		}
	}

	if conf.ProxyURL != nil {
		var d proxy.Dialer
		d, err = proxy.FromURL(conf.ProxyURL, dialer)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy: %w", err)
		}

		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("proxy %s does not support contexts", conf.ProxyURL.Redacted())
		}

		c.proxy = cd
	}

	return c, nil
}

// DialContext implements the Dialer interface for *connector.
func (c *connector) DialContext(
	ctx context.Context,
	network string,
	address string,
) (conn net.Conn, err error) {
	if c.shouldForward(address) {
		return c.proxy.DialContext(ctx, network, address)
	}

	return c.direct.DialContext(ctx, network, address)
}

// shouldForward checks if the connection to address should be made through
// the forward proxy.
func (c *connector) shouldForward(address string) (ok bool) {
	if c.proxy == nil {
		return false
	}

	if len(c.forwardRules) == 0 {
		// forward all connections if there are no rules.
		return true
	}

	host, err := netutil.SplitHost(address)
	if err != nil {
		host = address
	}

	for _, r := range c.forwardRules {
		if wildcard.MatchSimple(r, host) {
			return true
		}
	}

	return false
}

// Classify maps the error returned by a Dialer to the reply code the client
// must receive.  ok is false when no reply must be sent because the error
// means that the connection is unusable, e.g. it has been reset, or the error
// is not recognized.
func Classify(err error) (code protocol.ReplyCode, ok bool) {
	var dnsErr *net.DNSError

	switch {
	case err == nil:
		return protocol.ReplySucceeded, true
	case errors.As(err, &dnsErr):
		return protocol.ReplyHostUnreachable, true
	case errors.Is(err, syscall.ECONNREFUSED):
		return protocol.ReplyConnectionRefused, true
	case isTimeout(err):
		return protocol.ReplyNetworkUnreachable, true
	default:
		return 0, false
	}
}

// isTimeout returns true if err means that the connection attempt has timed
// out.
func isTimeout(err error) (ok bool) {
	if errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
