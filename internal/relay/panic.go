package relay

import (
	"fmt"
	"runtime/debug"

	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/tlsrelay/internal/metrics"
	"github.com/getsentry/sentry-go"
)

// reportPanic converts the value recovered from a panic into an error, logs it
// with the stack trace and reports it to Sentry if it is configured.  where is
// the log prefix describing the failed operation.
func reportPanic(where string, v any) (err error) {
	recErr, ok := v.(error)
	if !ok {
		recErr = fmt.Errorf("%v", v)
	}

	err = fmt.Errorf("panic: %w", recErr)

	log.Error("%s: %s\n%s", where, err, debug.Stack())
	metrics.PanicsTotal.Inc()

	// Does nothing unless sentry.Init has been called.
	sentry.CurrentHub().Recover(v)

	return err
}

// recoverToError recovers a panic and stores it in errPtr as an error.  It must
// be deferred directly.
func recoverToError(where string, errPtr *error) {
	if v := recover(); v != nil {
		*errPtr = reportPanic(where, v)
	}
}
