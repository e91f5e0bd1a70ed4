// Package cmd is responsible for the program's command-line interface.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/ameshkov/tlsrelay/internal/config"
	"github.com/ameshkov/tlsrelay/internal/metrics"
	"github.com/ameshkov/tlsrelay/internal/relay"
	"github.com/ameshkov/tlsrelay/internal/version"
	"github.com/getsentry/sentry-go"
	goFlags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// sentryFlushTimeout is the time given to sentry to send the pending events
// on exit.
const sentryFlushTimeout = 2 * time.Second

// Main is the entry point of the program.
func Main() {
	o, err := parseOptions(os.Args[1:])
	var flagErr *goFlags.Error
	if errors.As(err, &flagErr) && flagErr.Type == goFlags.ErrHelp {
		// This is a special case when we exit process here as we received
		// --help.
		os.Exit(0)
	}

	check("parse args", err)

	if o.Version {
		fmt.Printf("tlsrelay version: %s\n", version.Version())

		os.Exit(0)
	}

	envs, err := readEnvs()
	check("read environment", err)

	err = setUpLogger(o, envs)
	check("set up logger", err)

	log.Info("cmd: starting tlsrelay %s", version.Version())
	log.Debug("cmd: options:\n%s", o)

	cfg, err := config.Load(o.ConfigPath)
	check("load config file", err)

	applyOverrides(cfg, envs, o)
	check("validate config", cfg.Validate())

	err = initSentry(cfg.Sentry)
	check("init sentry", err)

	relayCfg, err := cfg.ToRelayConfig()
	check("parse relay config", err)

	relaySrv, err := relay.NewServer(relayCfg)
	check("init relay server", err)

	err = relaySrv.Start()
	check("start relay server", err)

	metrics.SetUpGauge(version.Version(), "", "", runtime.Version())

	svcs := []service{{closer: relaySrv, name: "relay server"}}
	if cfg.Prometheus != nil && cfg.Prometheus.Port != 0 {
		var metricsSrv *metricsServer
		metricsSrv, err = startMetrics(cfg.Prometheus.Addr, cfg.Prometheus.Port)
		check("start metrics server", err)

		svcs = append(svcs, service{closer: metricsSrv, name: "metrics server"})
	}

	flush := func() { sentry.Flush(sentryFlushTimeout) }
	sigHandler := newSignalHandler(flush, svcs...)

	os.Exit(sigHandler.handle())
}

// check exits the process with an error if err is not nil.
func check(operationName string, err error) {
	if err != nil {
		log.Error("failed to %s: %v", operationName, err)

		os.Exit(1)
	}
}

// initSentry initializes the sentry client if the DSN is configured.
func initSentry(conf *config.Sentry) (err error) {
	if conf == nil || conf.DSN == "" {
		return nil
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:     conf.DSN,
		Release: version.Version(),
	})
	if err != nil {
		return err
	}

	log.Info("cmd: sentry is enabled")

	return nil
}

// metricsShutdownTimeout is the time given to the metrics server to finish
// the pending requests on exit.
const metricsShutdownTimeout = 5 * time.Second

// metricsServer serves the prometheus metrics and the health check.
type metricsServer struct {
	srv  *http.Server
	addr net.Addr
}

// type check
var _ io.Closer = (*metricsServer)(nil)

// startMetrics listens on listenAddr and port and serves the metrics in a
// separate goroutine.
func startMetrics(listenAddr string, port uint16) (s *metricsServer, err error) {
	metricsAddr := netutil.JoinHostPort(listenAddr, port)

	l, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		return nil, fmt.Errorf("listening: %w", err)
	}

	mux := &http.ServeMux{}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health-check", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "OK")
	})

	s = &metricsServer{
		addr: l.Addr(),
		srv: &http.Server{
			Addr:         metricsAddr,
			Handler:      mux,
			ReadTimeout:  time.Minute,
			WriteTimeout: time.Minute,
		},
	}

	log.Info("cmd: serving metrics at %s", s.addr)

	go s.serve(l)

	return s, nil
}

// serve accepts the metrics requests on l until the server is closed.
func (s *metricsServer) serve(l net.Listener) {
	defer log.OnPanic("cmd: serving metrics")

	err := s.srv.Serve(l)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("cmd: serving metrics at %s: %v", s.addr, err)
	}
}

// Close implements the io.Closer interface for *metricsServer.
func (s *metricsServer) Close() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()

	return s.srv.Shutdown(ctx)
}
