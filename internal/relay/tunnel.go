package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sync/errgroup"
)

// errIdle is returned when the tunnel is closed because of inactivity.
const errIdle errors.Error = "idle timeout"

// minIdleCheckInterval is the shortest interval between the idle checks.
const minIdleCheckInterval = time.Millisecond

// tunnelStats is the result of a finished tunnel.
type tunnelStats struct {
	// received is the number of bytes received from the destination.
	received int64

	// sent is the number of bytes sent to the destination.
	sent int64
}

// tunnel copies data between the client and the destination in both
// directions until either side is closed or fails.  Then it closes both.
// clientReader is what the client data is read from, it may contain the data
// read from client before the tunnel has started.
func (s *Server) tunnel(
	ctx context.Context,
	cc *connContext,
	clientReader io.Reader,
) (stats tunnelStats, err error) {
	client, remote := cc.client, cc.upstream

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			log.OnCloserError(client, log.DEBUG)
			log.OnCloserError(remote, log.DEBUG)
		})
	}
	defer closeBoth()

	g, gctx := errgroup.WithContext(ctx)

	activity := &activityTracker{}
	activity.touch()

	copies := &sync.WaitGroup{}
	copies.Add(2)

	g.Go(func() (copyErr error) {
		defer copies.Done()
		defer closeBoth()
		defer recoverToError(fmt.Sprintf("relay: %s: client to destination", cc), &copyErr)

		stats.sent, copyErr = io.Copy(activity.writer(remote), clientReader)
		logCopyError(cc, "client to destination", copyErr)

		return copyErr
	})

	g.Go(func() (copyErr error) {
		defer copies.Done()
		defer closeBoth()
		defer recoverToError(fmt.Sprintf("relay: %s: destination to client", cc), &copyErr)

		stats.received, copyErr = io.Copy(activity.writer(client), remote)
		logCopyError(cc, "destination to client", copyErr)

		return copyErr
	})

	done := make(chan struct{})
	go func() {
		copies.Wait()
		close(done)
	}()

	g.Go(func() (watchErr error) {
		defer func() {
			if watchErr != nil {
				closeBoth()
			}
		}()
		defer recoverToError(fmt.Sprintf("relay: %s: watching tunnel", cc), &watchErr)

		return s.watchTunnel(gctx, done, activity)
	})

	err = g.Wait()
	if isClosedErr(err) {
		err = nil
	}

	return stats, err
}

// watchTunnel waits until both directions of the tunnel are finished.  It
// returns an error if the tunnel must be closed earlier: the server is shut
// down, a direction has failed or, if the idle timeout is set, the tunnel has
// become idle.
func (s *Server) watchTunnel(
	ctx context.Context,
	done <-chan struct{},
	activity *activityTracker,
) (err error) {
	var tick <-chan time.Time
	if s.idleTimeout > 0 {
		ticker := time.NewTicker(max(s.idleTimeout/2, minIdleCheckInterval))
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if activity.idle() > s.idleTimeout {
				return errIdle
			}
		}
	}
}

// activityTracker remembers the time of the last write in either direction.
type activityTracker struct {
	last atomic.Int64
}

// touch records the activity.
func (t *activityTracker) touch() {
	t.last.Store(time.Now().UnixNano())
}

// idle returns the time since the last activity.
func (t *activityTracker) idle() (d time.Duration) {
	return time.Duration(time.Now().UnixNano() - t.last.Load())
}

// writer wraps w so that every write is recorded.
func (t *activityTracker) writer(w io.Writer) (tw io.Writer) {
	return &trackingWriter{w: w, tracker: t}
}

// trackingWriter is an io.Writer that records the activity.
type trackingWriter struct {
	w       io.Writer
	tracker *activityTracker
}

// type check
var _ io.Writer = (*trackingWriter)(nil)

// Write implements the io.Writer interface for *trackingWriter.
func (w *trackingWriter) Write(p []byte) (n int, err error) {
	n, err = w.w.Write(p)
	w.tracker.touch()

	return n, err
}

// logCopyError logs the error of one direction of the tunnel unless it is
// caused by the closing of a connection.
func logCopyError(cc *connContext, direction string, err error) {
	if isClosedErr(err) {
		return
	}

	log.Error("relay: %s: %s: %s", cc, direction, err)
}

// isClosedErr returns true if err is caused by the closing of a connection
// and is therefore expected at the end of a tunnel.
func isClosedErr(err error) (ok bool) {
	return err == nil ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled)
}
