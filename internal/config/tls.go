package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/errors"
)

// TLS represents the TLS section of the configuration file.
type TLS struct {
	// CertPath is the path to the server certificate.  The file may contain
	// intermediate certificates following the leaf one.  Must be specified.
	CertPath string `yaml:"cert-path"`

	// KeyPath is the path to the server private key.  Must be specified.
	KeyPath string `yaml:"key-path"`

	// ClientCAPaths are the paths to the certificates the client certificates
	// must be signed by.  Must contain at least one path.
	ClientCAPaths []string `yaml:"client-ca-paths"`

	// MinVersion is the minimum TLS version, "1.2" or "1.3".
	MinVersion string `yaml:"min-version"`

	// CipherSuites are the names of the cipher suites enabled for TLS 1.2,
	// e.g. "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384".  TLS 1.3 suites are not
	// configurable.
	CipherSuites []string `yaml:"cipher-suites"`
}

// toTLSConfig loads the certificates and returns the server TLS configuration
// that requires and verifies client certificates.
func (t *TLS) toTLSConfig() (conf *tls.Config, err error) {
	if t == nil {
		return nil, errors.Error("tls config is empty")
	}

	cert, err := loadX509KeyPair(t.CertPath, t.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	clientCAs, err := loadCertPool(t.ClientCAPaths)
	if err != nil {
		return nil, fmt.Errorf("load client ca: %w", err)
	}

	minVersion, err := parseTLSVersion(t.MinVersion)
	if err != nil {
		return nil, err
	}

	cipherSuites, err := parseCipherSuites(t.CipherSuites)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    clientCAs,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   minVersion,
		CipherSuites: cipherSuites,
	}, nil
}

// parseTLSVersion parses the TLS version string.  Empty string means TLS 1.2.
func parseTLSVersion(s string) (v uint16, err error) {
	switch s {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported tls version %q", s)
	}
}

// parseCipherSuites converts the cipher suite names to their ids.  Only the
// suites without known security issues are accepted.
func parseCipherSuites(names []string) (ids []uint16, err error) {
	known := map[string]uint16{}
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}

	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unsupported cipher suite %q", name)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// loadCertPool reads the PEM encoded certificates from the files into a pool.
func loadCertPool(paths []string) (pool *x509.CertPool, err error) {
	pool = x509.NewCertPool()
	for _, p := range paths {
		// #nosec G304 -- Trust the file path that is given in the configuration.
		b, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil, readErr
		}

		if !pool.AppendCertsFromPEM(b) {
			return nil, fmt.Errorf("no certificates found in %s", p)
		}
	}

	return pool, nil
}

// loadX509KeyPair reads and parses a public/private key pair from a pair of
// files.  The files must contain PEM encoded data.  The certificate file may
// contain intermediate certificates following the leaf certificate to form a
// certificate chain.
func loadX509KeyPair(certFile, keyFile string) (crt tls.Certificate, err error) {
	// #nosec G304 -- Trust the file path that is given in the configuration.
	certPEMBlock, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	// #nosec G304 -- Trust the file path that is given in the configuration.
	keyPEMBlock, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.X509KeyPair(certPEMBlock, keyPEMBlock)
}
