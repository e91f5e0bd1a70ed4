package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"time"

	"github.com/ameshkov/tlsrelay/internal/protocol"
	"github.com/ameshkov/tlsrelay/internal/relay"
	"github.com/ameshkov/tlsrelay/internal/tlssession"
)

// Relay represents the relay server section of the configuration file.
type Relay struct {
	// ListenAddr is the address where the relay server will listen to
	// incoming connections.
	ListenAddr string `yaml:"listen-addr"`

	// Port is the port where the relay server will listen to incoming
	// connections.
	Port uint16 `yaml:"port"`

	// RequestTimeout limits the TLS handshake and reading the request.  Zero
	// means no limit.
	RequestTimeout time.Duration `yaml:"request-timeout"`

	// DialTimeout limits connecting to the destination.  Zero means the
	// platform default.
	DialTimeout time.Duration `yaml:"dial-timeout"`

	// IdleTimeout closes the relayed connections that have no traffic for
	// this long.  Zero means no limit.
	IdleTimeout time.Duration `yaml:"idle-timeout"`

	// ProxyURL is the optional proxy for upstream connections by the relay.
	// Format of the URL: [protocol://username:password@]host[:port]
	ProxyURL string `yaml:"proxy-url"`

	// ForwardRules is the list of wildcards for the destinations that are
	// connected to through ProxyURL.  If empty, all of them are.
	ForwardRules []string `yaml:"forward-rules"`
}

// ToRelayConfig transforms the configuration to the internal relay.Config.
func (f *File) ToRelayConfig() (relayCfg *relay.Config, err error) {
	if f.Relay == nil {
		return nil, fmt.Errorf("relay config is empty")
	}

	relayCfg = &relay.Config{
		ListenPort:     f.Relay.Port,
		RequestTimeout: f.Relay.RequestTimeout,
		DialTimeout:    f.Relay.DialTimeout,
		IdleTimeout:    f.Relay.IdleTimeout,
		ForwardRules:   f.Relay.ForwardRules,
	}

	relayCfg.ListenAddr, err = netip.ParseAddr(f.Relay.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("parse relay listen addr: %w", err)
	}

	if f.Relay.ProxyURL != "" {
		relayCfg.ProxyURL, err = url.Parse(f.Relay.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse relay proxy url: %w", err)
		}
	}

	relayCfg.TLSConfig, err = f.TLS.toTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("parse tls config: %w", err)
	}

	if f.Codec == nil {
		return nil, fmt.Errorf("codec config is empty")
	}

	codec, err := protocol.New(&protocol.Config{
		Algorithm: f.Codec.Algorithm,
		Password:  f.Codec.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("parse codec config: %w", err)
	}

	relayCfg.RequestResolver = codec
	relayCfg.ReplyEncoder = codec

	if f.SessionCache != nil {
		relayCfg.SessionCache = tlssession.New(f.SessionCache.Size, f.SessionCache.TTL)
	}

	err = f.DNS.setUpstream(relayCfg)
	if err != nil {
		return nil, fmt.Errorf("parse dns config: %w", err)
	}

	return relayCfg, nil
}
