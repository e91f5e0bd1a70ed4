// Package relay implements all the relay logic: it accepts mutually
// authenticated TLS connections, reads the destination requested by the
// client, connects to it and tunnels the traffic.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/tlsrelay/internal/protocol"
)

// acceptBackoff is the pause after a failed Accept call so that persistent
// errors, e.g. running out of file descriptors, don't spin the accept loop.
const acceptBackoff = 50 * time.Millisecond

// RequestResolver decodes the first frame received from the client into the
// destination request.  It must be deterministic and must not have side
// effects.
type RequestResolver interface {
	Resolve(frame []byte) (req *protocol.Request, err error)
}

// ReplyEncoder encodes a reply code into the frame sent to the client.
type ReplyEncoder interface {
	Encode(code protocol.ReplyCode) (frame []byte, err error)
}

// type check
var (
	_ RequestResolver = (*protocol.Codec)(nil)
	_ ReplyEncoder    = (*protocol.Codec)(nil)
)

// Server implements all the relay logic, listens for incoming connections and
// tunnels them to the destinations requested by the clients.
type Server struct {
	started bool
	wg      *sync.WaitGroup

	tlsConfig *tls.Config
	resolver  RequestResolver
	encoder   ReplyEncoder
	dialer    Dialer

	requestTimeout time.Duration
	idleTimeout    time.Duration

	listenAddr *net.TCPAddr
	listener   net.Listener

	// ctx is canceled when the server is closed to stop the connections that
	// are being handled.
	ctx    context.Context
	cancel context.CancelFunc

	// mu protects started and listener.
	mu *sync.Mutex
}

// type check
var _ io.Closer = (*Server)(nil)

// NewServer creates a new instance of *Server.
func NewServer(conf *Config) (s *Server, err error) {
	if conf.TLSConfig == nil {
		return nil, errors.Error("tls config is required")
	}

	if conf.RequestResolver == nil || conf.ReplyEncoder == nil {
		return nil, errors.Error("request resolver and reply encoder are required")
	}

	tlsConfig := conf.TLSConfig.Clone()
	if conf.SessionCache != nil {
		conf.SessionCache.Install(tlsConfig)
	}

	dialer := conf.Dialer
	if dialer == nil {
		dialer, err = newConnector(conf)
		if err != nil {
			return nil, err
		}
	}

	s = &Server{
		wg:             &sync.WaitGroup{},
		mu:             &sync.Mutex{},
		tlsConfig:      tlsConfig,
		resolver:       conf.RequestResolver,
		encoder:        conf.ReplyEncoder,
		dialer:         dialer,
		requestTimeout: conf.RequestTimeout,
		idleTimeout:    conf.IdleTimeout,
		listenAddr: &net.TCPAddr{
			IP:   conf.ListenAddr.AsSlice(),
			Port: int(conf.ListenPort),
		},
	}

	return s, nil
}

// Addr returns the address where the server listens for connections.
func (s *Server) Addr() (addr net.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	return s.listener.Addr()
}

// Start starts the server.
func (s *Server) Start() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Info("relay: starting")

	if s.started {
		return fmt.Errorf("server is already started")
	}

	l, err := net.ListenTCP("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = tls.NewListener(l, s.tlsConfig)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.serve(s.listener)
	}()

	s.started = true

	log.Info("relay: listening on %s", s.listener.Addr())

	return nil
}

// serve runs the accept loop until the listener is closed.  A panic in the
// accept loop is logged and the loop is restarted, so that the process keeps
// serving.
func (s *Server) serve(l net.Listener) {
	for !s.acceptLoop(l) {
		log.Info("relay: restarting accept loop")
	}
}

// acceptLoop runs the accept loop.  closed is true when the loop exited
// because the listener has been closed.
func (s *Server) acceptLoop(l net.Listener) (closed bool) {
	defer func() {
		if v := recover(); v != nil {
			reportPanic("relay: accept loop", v)
			closed = false
		}
	}()

	for {
		conn, err := l.Accept()
		if errors.Is(err, net.ErrClosed) {
			log.Info("relay: exiting listener loop as it has been closed")

			return true
		} else if err != nil {
			log.Debug("relay: accepting: %s", err)
			time.Sleep(acceptBackoff)

			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			s.handleConn(s.ctx, conn)
		}()
	}
}

// Close implements the io.Closer interface for *Server.  It stops accepting
// connections, closes the connections being handled and waits for their
// goroutines to finish.
func (s *Server) Close() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Info("relay: closing")

	if !s.started {
		return nil
	}

	err = s.listener.Close()
	s.cancel()

	log.Info("relay: waiting until connections stop processing")

	s.wg.Wait()
	s.started = false

	log.Info("relay: closed")

	return err
}
