package cmd

import (
	"io"
	"os"
	"os/signal"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sys/unix"
)

// service is a running part of the program that is closed on exit.
type service struct {
	closer io.Closer
	name   string
}

// signalHandler waits for a termination signal, closes the services and
// flushes the pending error reports.
type signalHandler struct {
	signal chan os.Signal

	// flush is called once all services are closed.  It may be nil.
	flush func()

	// services are closed in reverse order, so the ones started last are
	// closed first.
	services []service
}

// Exit status constants.
const (
	statusSuccess = 0
	statusError   = 1
)

// handle blocks until a termination signal is received and then shuts
// everything down.  status is [statusSuccess] if every service has been closed
// successfully and [statusError] otherwise.
func (h *signalHandler) handle() (status int) {
	defer log.OnPanic("cmd: handling signals")

	for sig := range h.signal {
		switch sig {
		case
			unix.SIGINT,
			unix.SIGQUIT,
			unix.SIGTERM:
			log.Info("cmd: received signal %q, shutting down", sig)

			return h.shutdown()
		default:
			log.Debug("cmd: ignoring signal %q", sig)
		}
	}

	// h.signal is never closed outside of tests.
	return statusError
}

// shutdown closes the services, stops receiving signals and flushes the
// reports.
func (h *signalHandler) shutdown() (status int) {
	status = statusSuccess
	for i := len(h.services) - 1; i >= 0; i-- {
		svc := h.services[i]
		log.Info("cmd: closing %s", svc.name)

		err := svc.closer.Close()
		if err != nil {
			log.Error("cmd: closing %s: %s", svc.name, err)
			status = statusError
		}
	}

	signal.Stop(h.signal)

	if h.flush != nil {
		h.flush()
	}

	log.Info("cmd: shut down with status %d", status)

	return status
}

// newSignalHandler returns a signalHandler subscribed to the termination
// signals.  flush is called after svcs are closed.
func newSignalHandler(flush func(), svcs ...service) (h *signalHandler) {
	h = &signalHandler{
		signal:   make(chan os.Signal, 1),
		flush:    flush,
		services: svcs,
	}

	signal.Notify(h.signal, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)

	return h
}
