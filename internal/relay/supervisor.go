package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/tlsrelay/internal/metrics"
	"github.com/ameshkov/tlsrelay/internal/protocol"
)

const (
	// maxFrameLen is the size of the buffer the initial request frame is read
	// into.  It is enough for the longest domain name with the cipher IV.
	maxFrameLen = 1024

	// maxEarlyDataLen limits the data the client may send before it receives
	// the reply.  The rest stays in the socket until the tunnel starts.
	maxEarlyDataLen = 32 * 1024
)

// errClientGone is returned when the client disconnects before the tunnel is
// established.
const errClientGone errors.Error = "client disconnected"

// connState is the lifecycle state of a client connection.
type connState uint8

const (
	stateHandshaking connState = iota
	stateAwaitingRequest
	stateConnectingUpstream
	stateRelaying
	stateClosed
)

// type check
var _ fmt.Stringer = connState(0)

// String implements the fmt.Stringer interface for connState.
func (s connState) String() (str string) {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateAwaitingRequest:
		return "awaiting_request"
	case stateConnectingUpstream:
		return "connecting_upstream"
	case stateRelaying:
		return "relaying"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state_%d", uint8(s))
	}
}

// connCounter is used to number the connections in the logs.
var connCounter atomic.Uint64

// connContext contains the state of a single client connection.  It is owned
// by the goroutine that handles the connection.
type connContext struct {
	// client is the TLS connection with the client.
	client *tls.Conn

	// upstream is the connection to the destination, it is nil until the
	// destination is connected.
	upstream net.Conn

	// req is the destination requested by the client, it is nil until the
	// request is resolved.
	req *protocol.Request

	clientAddr net.Addr
	id         uint64
	state      connState

	// replied is true if a reply has already been written or attempted.
	replied bool

	// clientGone is true if the client disconnected before the reply.  No
	// reply must be written then.
	clientGone bool
}

// String implements the fmt.Stringer interface for *connContext.
func (cc *connContext) String() (s string) {
	if cc.req == nil {
		return fmt.Sprintf("conn #%d from %s", cc.id, cc.clientAddr)
	}

	return fmt.Sprintf("conn #%d from %s to %s", cc.id, cc.clientAddr, cc.req.Addr())
}

// setState moves the connection to the next state.
func (cc *connContext) setState(state connState) {
	log.Debug("relay: %s: %s -> %s", cc, cc.state, state)

	cc.state = state
}

// handleConn handles a single client connection from the handshake until both
// the client and the destination connections are closed.  It never panics.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	defer metrics.ConnectionsTotal.Dec()

	cc := &connContext{
		id:         connCounter.Add(1),
		clientAddr: conn.RemoteAddr(),
		state:      stateHandshaking,
	}

	defer func() {
		// No reply is written here: the connection state is unknown.
		if v := recover(); v != nil {
			_ = reportPanic(fmt.Sprintf("relay: %s: %s", cc, cc.state), v)
		}

		s.release(cc, conn)
	}()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		log.Error("relay: %s: unexpected connection type %T", cc, conn)

		return
	}

	cc.client = tlsConn

	// Closing the client connection unblocks whatever operation the
	// connection is waiting for when the server is shut down.
	stop := context.AfterFunc(ctx, func() {
		log.OnCloserError(conn, log.DEBUG)
	})
	defer stop()

	err := s.serveConn(ctx, cc)
	if err != nil {
		log.Debug("relay: %s: closing in state %s: %s", cc, cc.state, err)
	} else {
		log.Debug("relay: %s: finished", cc)
	}
}

// release closes the client and the destination connections.
func (s *Server) release(cc *connContext, conn net.Conn) {
	log.OnCloserError(conn, log.DEBUG)

	if cc.upstream != nil {
		log.OnCloserError(cc.upstream, log.DEBUG)
	}

	cc.setState(stateClosed)
}

// serveConn runs the connection through its states.
func (s *Server) serveConn(ctx context.Context, cc *connContext) (err error) {
	err = s.handshake(ctx, cc)
	if err != nil {
		metrics.HandshakeErrorsTotal.Inc()

		return fmt.Errorf("handshake: %w", err)
	}

	cc.setState(stateAwaitingRequest)

	frame, err := s.readFrame(cc)
	if err != nil {
		if !errors.Is(err, errClientGone) {
			log.Error("relay: %s: reading request: %s", cc, err)
		}

		return fmt.Errorf("reading request: %w", err)
	}

	cc.req, err = s.resolver.Resolve(frame)
	if err != nil {
		log.Debug("relay: %s: bad request: %s", cc, err)

		return s.reject(cc, protocol.ReplyCommandNotSupported, err)
	}

	metrics.ObserveDestination(cc.req.Host)

	cc.setState(stateConnectingUpstream)

	clientReader, err := s.connectAndReply(ctx, cc)
	if err != nil {
		return err
	}

	cc.setState(stateRelaying)

	start := time.Now()
	stats, err := s.tunnel(ctx, cc, clientReader)

	metrics.BytesSentTotal.Add(float64(stats.sent))
	metrics.BytesReceivedTotal.Add(float64(stats.received))

	log.Debug(
		"relay: %s: sent %d bytes, received %d bytes in %s",
		cc,
		stats.sent,
		stats.received,
		time.Since(start),
	)

	if err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}

	return nil
}

// handshake performs the TLS handshake within the request timeout.
func (s *Server) handshake(ctx context.Context, cc *connContext) (err error) {
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	err = cc.client.HandshakeContext(ctx)
	if err != nil {
		return err
	}

	state := cc.client.ConnectionState()
	if state.DidResume {
		metrics.ResumedSessionsTotal.Inc()
	}

	log.Debug(
		"relay: %s: handshake complete, version %s, resumed %t",
		cc,
		tls.VersionName(state.Version),
		state.DidResume,
	)

	return nil
}

// readFrame reads the initial request frame.  The frame is whatever a single
// read returns.
func (s *Server) readFrame(cc *connContext) (frame []byte, err error) {
	if s.requestTimeout > 0 {
		err = cc.client.SetReadDeadline(time.Now().Add(s.requestTimeout))
		if err != nil {
			return nil, fmt.Errorf("setting deadline: %w", err)
		}

		defer func() {
			err = errors.WithDeferred(err, cc.client.SetReadDeadline(time.Time{}))
		}()
	}

	buf := make([]byte, maxFrameLen)
	n, err := cc.client.Read(buf)
	if n > 0 {
		// The error, if any, is returned by the next read.
		return buf[:n], nil
	}

	if errors.Is(err, io.EOF) {
		return nil, errClientGone
	}

	return nil, err
}

// connectAndReply connects to the destination and writes the reply.  The
// panics that happen here are recovered and reported to the client with the
// GENERAL_FAILURE reply if possible.  clientReader contains the data the client
// sent during the connection attempt followed by the rest of the client data.
func (s *Server) connectAndReply(
	ctx context.Context,
	cc *connContext,
) (clientReader io.Reader, err error) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}

		err = reportPanic(fmt.Sprintf("relay: %s: connecting", cc), v)
		if replyErr := s.writeReply(cc, protocol.ReplyGeneralFailure); replyErr != nil {
			log.Debug("relay: %s: writing failure reply: %s", cc, replyErr)
		}
	}()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.watchClient(cc, cancel)
	defer w.stop()

	addr := cc.req.Addr()
	conn, dialErr := s.dialer.DialContext(dialCtx, "tcp", addr)
	if conn != nil {
		cc.upstream = conn
	}

	early := w.stop()

	if dialErr != nil {
		if cc.clientGone {
			return nil, fmt.Errorf("connecting to %s: %w: %w", addr, errClientGone, dialErr)
		}

		code, ok := Classify(dialErr)
		if !ok {
			// The connection is unusable, don't try to write anything.
			log.Error("relay: %s: connecting: %s", cc, dialErr)

			return nil, fmt.Errorf("connecting to %s: %w", addr, dialErr)
		}

		log.Info("relay: %s: connecting: %s, replying %s", cc, dialErr, code)

		return nil, s.reject(cc, code, dialErr)
	}

	if cc.clientGone {
		return nil, errClientGone
	}

	err = s.writeReply(cc, protocol.ReplySucceeded)
	if err != nil {
		return nil, fmt.Errorf("writing reply: %w", err)
	}

	if len(early) == 0 {
		return cc.client, nil
	}

	log.Debug("relay: %s: %d bytes received before the reply", cc, len(early))

	return io.MultiReader(bytes.NewReader(early), cc.client), nil
}

// reject writes the failure reply and returns cause joined with the write
// error, if any.
func (s *Server) reject(cc *connContext, code protocol.ReplyCode, cause error) (err error) {
	err = s.writeReply(cc, code)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("writing reply: %w", err))
	}

	return fmt.Errorf("rejected with %s: %w", code, cause)
}

// writeReply encodes code and writes it to the client.  Only one reply is
// written per connection and nothing is written if the client is gone.  A
// failed write is not retried.
func (s *Server) writeReply(cc *connContext, code protocol.ReplyCode) (err error) {
	if cc.replied {
		return fmt.Errorf("reply %s: reply has already been written", code)
	}

	if cc.clientGone {
		log.Debug("relay: %s: client is gone, skipping reply %s", cc, code)

		return nil
	}

	frame, err := s.encoder.Encode(code)
	if err != nil {
		return fmt.Errorf("encoding reply %s: %w", code, err)
	}

	cc.replied = true

	if s.requestTimeout > 0 {
		err = cc.client.SetWriteDeadline(time.Now().Add(s.requestTimeout))
		if err != nil {
			return fmt.Errorf("setting deadline: %w", err)
		}

		defer func() {
			err = errors.WithDeferred(err, cc.client.SetWriteDeadline(time.Time{}))
		}()
	}

	_, err = cc.client.Write(frame)
	if err != nil {
		return err
	}

	metrics.RepliesTotal.WithLabelValues(code.String()).Inc()

	return nil
}

// clientWatcher reads from the client while the destination is being
// connected so that a disconnect is noticed and the connection attempt is
// canceled.  The data read is kept and later sent to the destination.
type clientWatcher struct {
	cc       *connContext
	cancel   context.CancelFunc
	early    *bytes.Buffer
	done     chan struct{}
	stopOnce *sync.Once
	gone     bool
}

// watchClient starts watching the client connection.  cancel is called when
// the client disconnects.
func (s *Server) watchClient(cc *connContext, cancel context.CancelFunc) (w *clientWatcher) {
	w = &clientWatcher{
		cc:       cc,
		cancel:   cancel,
		early:    &bytes.Buffer{},
		done:     make(chan struct{}),
		stopOnce: &sync.Once{},
	}

	go w.run()

	return w
}

// run reads the client until stop is called, the client fails, or
// maxEarlyDataLen bytes are read.
func (w *clientWatcher) run() {
	defer close(w.done)
	defer func() {
		if v := recover(); v != nil {
			_ = reportPanic(fmt.Sprintf("relay: %s: watching client", w.cc), v)
			w.gone = true
			w.cancel()
		}
	}()

	buf := make([]byte, 4096)
	for w.early.Len() < maxEarlyDataLen {
		n, err := w.cc.client.Read(buf)
		w.early.Write(buf[:n])

		if err == nil {
			continue
		}

		if errors.Is(err, os.ErrDeadlineExceeded) {
			return
		}

		if isClosedErr(err) {
			log.Debug("relay: %s: client disconnected while connecting", w.cc)
		} else {
			log.Error("relay: %s: reading client while connecting: %s", w.cc, err)
		}

		w.gone = true
		w.cancel()

		return
	}
}

// stop stops the watcher and waits for it to exit.  It returns the data read
// from the client.  It is safe for repeated use.
func (w *clientWatcher) stop() (early []byte) {
	w.stopOnce.Do(func() {
		// Unblock the pending read.
		_ = w.cc.client.SetReadDeadline(time.Now())
		<-w.done
		_ = w.cc.client.SetReadDeadline(time.Time{})

		w.cc.clientGone = w.cc.clientGone || w.gone
	})

	return w.early.Bytes()
}
