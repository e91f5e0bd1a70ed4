// Package config is responsible for parsing configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/ameshkov/tlsrelay/internal/protocol"
	"github.com/ameshkov/tlsrelay/internal/tlssession"
	"gopkg.in/yaml.v3"
)

// DefaultListenPort is the port the relay listens to if none is configured.
const DefaultListenPort uint16 = 1999

// File represents a configuration file.
type File struct {
	// Relay is the relay server section of the configuration file.
	Relay *Relay `yaml:"relay"`

	// TLS is the TLS section of the configuration file.  Must be specified.
	TLS *TLS `yaml:"tls"`

	// Codec configures how the request and reply frames are encoded.
	Codec *Codec `yaml:"codec"`

	// SessionCache configures the server-side storage of the TLS sessions.
	SessionCache *SessionCache `yaml:"session-cache"`

	// DNS configures the resolution of the destination hostnames.  If not
	// specified, the system resolver is used.
	DNS *DNS `yaml:"dns"`

	// Prometheus
	Prometheus *Prometheus `yaml:"prometheus"`

	// Sentry configures the crash reporting.
	Sentry *Sentry `yaml:"sentry"`
}

// Codec represents the codec section of the configuration file.
type Codec struct {
	// Algorithm is the name of the cipher the frames are encrypted with.  See
	// the protocol.Algorithm* constants.
	Algorithm string `yaml:"algorithm"`

	// Password is the password the cipher key is derived from.
	Password string `yaml:"password"`
}

// SessionCache represents the session cache section of the configuration
// file.
type SessionCache struct {
	// Size is the maximum number of the stored sessions.
	Size int `yaml:"size"`

	// TTL is the time after which a stored session expires.  Zero means
	// sessions never expire and are only evicted when the cache is full.
	TTL time.Duration `yaml:"ttl"`
}

// Prometheus represents the prometheus configuration.
type Prometheus struct {
	// Addr is the address where prometheus metrics are exposed.
	Addr string `yaml:"addr"`

	// Port is the port where prometheus metrics will be exposed.  Zero
	// disables the metrics endpoint.
	Port uint16 `yaml:"port"`
}

// Sentry represents the sentry configuration.
type Sentry struct {
	// DSN is the sentry DSN the panics are reported to.  If empty, nothing is
	// reported.
	DSN string `yaml:"dsn"`
}

// Default returns the configuration with the default values.  The TLS section
// has no defaults and must be filled in.
func Default() (cfg *File) {
	return &File{
		Relay: &Relay{
			ListenAddr:     "0.0.0.0",
			Port:           DefaultListenPort,
			RequestTimeout: time.Minute,
		},
		TLS: &TLS{
			MinVersion: "1.2",
			CipherSuites: []string{
				"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
				"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
			},
		},
		Codec: &Codec{
			Algorithm: protocol.AlgorithmAES256CFB,
		},
		SessionCache: &SessionCache{
			Size: tlssession.DefaultSize,
			TTL:  24 * time.Hour,
		},
		DNS: &DNS{
			Timeout:   5 * time.Second,
			CacheSize: 1024,
		},
		Prometheus: &Prometheus{
			Addr: "127.0.0.1",
		},
		Sentry: &Sentry{},
	}
}

// Load loads and validates configuration from the specified file.  Values
// missing in the file are taken from Default.  If path is empty, the default
// configuration is validated and returned.
func Load(path string) (cfg *File, err error) {
	cfg = Default()

	if path != "" {
		// Ignore G304 here as it's trusted context.
		//nolint:gosec
		b, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}

		err = yaml.Unmarshal(b, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("failed to validate config file: %w", err)
	}

	return cfg, nil
}

// Validate returns an error if the configuration is incomplete or contains
// invalid values.  It is called by Load and must be called again if the
// configuration has been changed after loading.
func (f *File) Validate() (err error) {
	if f.Relay == nil {
		return errors.Error("no relay configured")
	}

	if f.Relay.Port == 0 {
		return errors.Error("relay.port is required")
	}

	if f.TLS == nil {
		return errors.Error("no tls configured")
	}

	if f.TLS.CertPath == "" || f.TLS.KeyPath == "" {
		return errors.Error("tls.cert-path and tls.key-path are required")
	}

	if len(f.TLS.ClientCAPaths) == 0 {
		return errors.Error("tls.client-ca-paths is required")
	}

	if f.Codec == nil {
		return errors.Error("no codec configured")
	}

	if f.SessionCache != nil && f.SessionCache.Size < 0 {
		return fmt.Errorf("session-cache.size must not be negative, got %d", f.SessionCache.Size)
	}

	var errs []error
	for name, d := range map[string]time.Duration{
		"relay.request-timeout": f.Relay.RequestTimeout,
		"relay.dial-timeout":    f.Relay.DialTimeout,
		"relay.idle-timeout":    f.Relay.IdleTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}

	return errors.Join(errs...)
}
