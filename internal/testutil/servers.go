package testutil

import (
	"net"
	"testing"
	"time"

	gltestutil "github.com/AdguardTeam/golibs/testutil"
	"github.com/stretchr/testify/require"
)

// StartEchoServer starts a TCP server on the loopback interface that writes
// back everything it receives on every accepted connection.
func StartEchoServer(t testing.TB) (addr net.Addr) {
	t.Helper()

	return StartPrefixServer(t, "")
}

// StartPrefixServer is like StartEchoServer, but every chunk written back is
// preceded by prefix.  It lets the tests tell which server the data came from.
func StartPrefixServer(t testing.TB, prefix string) (addr net.Addr) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	gltestutil.CleanupAndRequireSuccess(t, l.Close)

	go func() {
		for {
			conn, acceptErr := l.Accept()
			if acceptErr != nil {
				return
			}

			go serveEcho(conn, prefix)
		}
	}()

	return l.Addr()
}

// serveEcho writes back what it reads from conn until conn is closed.
func serveEcho(conn net.Conn, prefix string) {
	defer func() { _ = conn.Close() }()

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			_, wErr := conn.Write(append([]byte(prefix), buf[:n]...))
			if wErr != nil {
				return
			}
		}

		if err != nil {
			return
		}
	}
}

// ClosedPortAddr returns a loopback address nothing listens to, so that
// connection attempts are refused.
func ClosedPortAddr(t testing.TB) (addr string) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr = l.Addr().String()
	require.NoError(t, l.Close())

	return addr
}

// SetDeadline sets the read and write deadline of conn to timeout from now.
func SetDeadline(t testing.TB, conn net.Conn, timeout time.Duration) {
	t.Helper()

	err := conn.SetDeadline(time.Now().Add(timeout))
	require.NoError(t, err)
}
