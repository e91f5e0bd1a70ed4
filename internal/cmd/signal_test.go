package cmd

import (
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// closerFunc is an io.Closer implemented by a function.
type closerFunc func() (err error)

// type check
var _ io.Closer = closerFunc(nil)

// Close implements the io.Closer interface for closerFunc.
func (f closerFunc) Close() (err error) {
	return f()
}

func TestSignalHandler_handle(t *testing.T) {
	const testError errors.Error = "test error"

	testCases := []struct {
		relayErr   error
		metricsErr error
		name       string
		sig        os.Signal
		wantStatus int
	}{{
		relayErr:   nil,
		metricsErr: nil,
		name:       "sigterm",
		sig:        unix.SIGTERM,
		wantStatus: statusSuccess,
	}, {
		relayErr:   nil,
		metricsErr: nil,
		name:       "sigint",
		sig:        unix.SIGINT,
		wantStatus: statusSuccess,
	}, {
		relayErr:   testError,
		metricsErr: nil,
		name:       "relay_error",
		sig:        unix.SIGQUIT,
		wantStatus: statusError,
	}, {
		relayErr:   nil,
		metricsErr: testError,
		name:       "metrics_error",
		sig:        unix.SIGTERM,
		wantStatus: statusError,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var events []string
			closer := func(name string, err error) (c closerFunc) {
				return func() error {
					events = append(events, name)

					return err
				}
			}

			h := &signalHandler{
				signal: make(chan os.Signal, 2),
				flush:  func() { events = append(events, "flush") },
				services: []service{{
					closer: closer("relay", tc.relayErr),
					name:   "relay server",
				}, {
					closer: closer("metrics", tc.metricsErr),
					name:   "metrics server",
				}},
			}

			// Not a termination signal, so it's ignored.
			h.signal <- unix.SIGHUP
			h.signal <- tc.sig

			status := h.handle()
			require.Equal(t, tc.wantStatus, status)

			// Every service is closed even if another one fails, and the
			// reports are flushed last.
			require.Equal(t, []string{"metrics", "relay", "flush"}, events)
		})
	}
}

func TestSignalHandler_handle_closed(t *testing.T) {
	h := &signalHandler{
		signal: make(chan os.Signal),
	}
	close(h.signal)

	require.Equal(t, statusError, h.handle())
}

func TestMetricsServer(t *testing.T) {
	srv, err := startMetrics("127.0.0.1", 0)
	require.NoError(t, err)

	client := &http.Client{Timeout: 5 * time.Second}
	url := "http://" + srv.addr.String()

	resp, err := client.Get(url + "/health-check")
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK", string(body))

	resp, err = client.Get(url + "/metrics")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h := &signalHandler{
		signal:   make(chan os.Signal, 1),
		services: []service{{closer: srv, name: "metrics server"}},
	}
	h.signal <- unix.SIGTERM

	require.Equal(t, statusSuccess, h.handle())

	// The listener is closed, so new connections are refused.
	_, err = client.Get(url + "/health-check")
	require.Error(t, err)
}
