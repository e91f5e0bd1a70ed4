package config_test

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/log"
	gltestutil "github.com/AdguardTeam/golibs/testutil"
	"github.com/ameshkov/tlsrelay/internal/config"
	"github.com/ameshkov/tlsrelay/internal/protocol"
	"github.com/ameshkov/tlsrelay/internal/relay"
	"github.com/ameshkov/tlsrelay/internal/testutil"
	"github.com/stretchr/testify/require"
)

// testFiles contains the paths to the certificate files used in the
// configuration.
type testFiles struct {
	ca       *testutil.CA
	certPath string
	keyPath  string
	caPath   string
}

func newTestFiles(t *testing.T) (files *testFiles) {
	t.Helper()

	ca := testutil.NewCA(t)
	certPEM, keyPEM := ca.IssuePEM(t, "localhost", true)

	return &testFiles{
		ca:       ca,
		certPath: testutil.WriteFile(t, "cert.pem", certPEM),
		keyPath:  testutil.WriteFile(t, "key.pem", keyPEM),
		caPath:   testutil.WriteFile(t, "ca.pem", ca.PEM),
	}
}

// writeConfig writes the configuration file with the TLS section pointing to
// files followed by extra.
func writeConfig(t *testing.T, files *testFiles, extra string) (path string) {
	t.Helper()

	data := fmt.Sprintf(`
tls:
  cert-path: %s
  key-path: %s
  client-ca-paths:
    - %s
%s`, files.certPath, files.keyPath, files.caPath, extra)

	return testutil.WriteFile(t, "config.yaml", []byte(data))
}

func TestLoad_defaults(t *testing.T) {
	files := newTestFiles(t)

	cfg, err := config.Load(writeConfig(t, files, ""))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", cfg.Relay.ListenAddr)
	require.Equal(t, config.DefaultListenPort, cfg.Relay.Port)
	require.Equal(t, time.Minute, cfg.Relay.RequestTimeout)
	require.Zero(t, cfg.Relay.IdleTimeout)
	require.Equal(t, protocol.AlgorithmAES256CFB, cfg.Codec.Algorithm)
	require.Equal(t, "1.2", cfg.TLS.MinVersion)
	require.Len(t, cfg.TLS.CipherSuites, 2)

	relayCfg, err := cfg.ToRelayConfig()
	require.NoError(t, err)

	require.Equal(t, netip.IPv4Unspecified(), relayCfg.ListenAddr)
	require.Equal(t, config.DefaultListenPort, relayCfg.ListenPort)
	require.Equal(t, tls.RequireAndVerifyClientCert, relayCfg.TLSConfig.ClientAuth)
	require.Equal(t, uint16(tls.VersionTLS12), relayCfg.TLSConfig.MinVersion)
	require.Equal(t, []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	}, relayCfg.TLSConfig.CipherSuites)
	require.NotNil(t, relayCfg.SessionCache)
	require.NotNil(t, relayCfg.RequestResolver)
	require.NotNil(t, relayCfg.ReplyEncoder)
	require.Nil(t, relayCfg.ProxyURL)
	require.Nil(t, relayCfg.DNSUpstream)
}

func TestLoad_full(t *testing.T) {
	files := newTestFiles(t)

	cfg, err := config.Load(writeConfig(t, files, `
relay:
  listen-addr: 127.0.0.1
  port: 8443
  request-timeout: 10s
  dial-timeout: 3s
  idle-timeout: 5m
  proxy-url: socks5://127.0.0.1:1080
  forward-rules:
    - "*.example.org"
codec:
  algorithm: chacha20
  password: secret
session-cache:
  size: 10
  ttl: 1h
dns:
  upstream: 127.0.0.1:53
  timeout: 1s
  cache-size: 100
prometheus:
  addr: 127.0.0.1
  port: 9100
sentry:
  dsn: https://key@sentry.example.org/1
`))
	require.NoError(t, err)

	require.Equal(t, uint16(9100), cfg.Prometheus.Port)
	require.Equal(t, "https://key@sentry.example.org/1", cfg.Sentry.DSN)

	relayCfg, err := cfg.ToRelayConfig()
	require.NoError(t, err)

	gltestutil.CleanupAndRequireSuccess(t, relayCfg.DNSUpstream.Close)

	require.Equal(t, netip.MustParseAddr("127.0.0.1"), relayCfg.ListenAddr)
	require.Equal(t, uint16(8443), relayCfg.ListenPort)
	require.Equal(t, 10*time.Second, relayCfg.RequestTimeout)
	require.Equal(t, 3*time.Second, relayCfg.DialTimeout)
	require.Equal(t, 5*time.Minute, relayCfg.IdleTimeout)
	require.Equal(t, "socks5://127.0.0.1:1080", relayCfg.ProxyURL.String())
	require.Equal(t, []string{"*.example.org"}, relayCfg.ForwardRules)
	require.Equal(t, 100, relayCfg.DNSCacheSize)
}

func TestLoad_invalid(t *testing.T) {
	files := newTestFiles(t)

	testCases := []struct {
		name    string
		extra   string
		wantErr string
	}{{
		name:    "zero_port",
		extra:   "relay:\n  port: 0\n",
		wantErr: "relay.port is required",
	}, {
		name:    "negative_timeout",
		extra:   "relay:\n  port: 1999\n  idle-timeout: -1s\n",
		wantErr: "relay.idle-timeout must not be negative",
	}, {
		name:    "no_codec",
		extra:   "codec: null\n",
		wantErr: "no codec configured",
	}, {
		name:    "not_yaml",
		extra:   "relay: [\n",
		wantErr: "failed to parse config file",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, files, tc.extra))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoad_noTLS(t *testing.T) {
	_, err := config.Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "tls.cert-path and tls.key-path are required")
}

func TestFile_ToRelayConfig_invalid(t *testing.T) {
	files := newTestFiles(t)

	testCases := []struct {
		modify  func(cfg *config.File)
		name    string
		wantErr string
	}{{
		modify:  func(cfg *config.File) { cfg.Relay.ListenAddr = "localhost" },
		name:    "bad_listen_addr",
		wantErr: "parse relay listen addr",
	}, {
		modify:  func(cfg *config.File) { cfg.Relay.ProxyURL = "socks5://[::1" },
		name:    "bad_proxy_url",
		wantErr: "parse relay proxy url",
	}, {
		modify:  func(cfg *config.File) { cfg.TLS.MinVersion = "1.0" },
		name:    "bad_tls_version",
		wantErr: "unsupported tls version",
	}, {
		modify:  func(cfg *config.File) { cfg.TLS.CipherSuites = []string{"TLS_RSA_WITH_RC4_128_SHA"} },
		name:    "insecure_cipher_suite",
		wantErr: "unsupported cipher suite",
	}, {
		modify:  func(cfg *config.File) { cfg.TLS.KeyPath = files.certPath },
		name:    "bad_key",
		wantErr: "load certificate",
	}, {
		modify:  func(cfg *config.File) { cfg.TLS.ClientCAPaths = []string{files.keyPath} },
		name:    "bad_client_ca",
		wantErr: "no certificates found",
	}, {
		modify:  func(cfg *config.File) { cfg.Codec.Algorithm = "rc4" },
		name:    "unknown_algorithm",
		wantErr: "parse codec config",
	}, {
		modify:  func(cfg *config.File) { cfg.DNS.Upstream = "bad://upstream" },
		name:    "bad_dns_upstream",
		wantErr: "parse dns config",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.Load(writeConfig(t, files, ""))
			require.NoError(t, err)

			tc.modify(cfg)

			_, err = cfg.ToRelayConfig()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestFile_ToRelayConfig_serve(t *testing.T) {
	files := newTestFiles(t)

	cfg, err := config.Load(writeConfig(t, files, `
relay:
  listen-addr: 127.0.0.1
  port: 1999
codec:
  algorithm: aes-128-cfb
  password: secret
`))
	require.NoError(t, err)

	// Let the system choose the port.
	cfg.Relay.Port = 0

	relayCfg, err := cfg.ToRelayConfig()
	require.NoError(t, err)

	s, err := relay.NewServer(relayCfg)
	require.NoError(t, err)

	err = s.Start()
	require.NoError(t, err)

	gltestutil.CleanupAndRequireSuccess(t, s.Close)

	echoAddr := testutil.StartEchoServer(t)

	conn, err := tls.Dial("tcp", s.Addr().String(), &tls.Config{
		Certificates: []tls.Certificate{files.ca.Issue(t, "client", false)},
		RootCAs:      files.ca.Pool,
		ServerName:   "localhost",
	})
	require.NoError(t, err)

	t.Cleanup(func() { log.OnCloserError(conn, log.DEBUG) })
	testutil.SetDeadline(t, conn, 5*time.Second)

	codec, err := protocol.New(&protocol.Config{
		Algorithm: protocol.AlgorithmAES128CFB,
		Password:  "secret",
	})
	require.NoError(t, err)

	addrPort := netip.MustParseAddrPort(echoAddr.String())
	frame, err := codec.EncodeRequest(&protocol.Request{
		Host: addrPort.Addr().String(),
		Port: addrPort.Port(),
	})
	require.NoError(t, err)

	_, err = conn.Write(frame)
	require.NoError(t, err)

	reply := make([]byte, codec.ReplyLen())
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)

	code, err := codec.DecodeReply(reply)
	require.NoError(t, err)
	require.Equal(t, protocol.ReplySucceeded, code)
}
