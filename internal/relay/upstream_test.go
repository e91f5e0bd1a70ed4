package relay_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/ameshkov/tlsrelay/internal/protocol"
	"github.com/ameshkov/tlsrelay/internal/relay"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		err      error
		name     string
		wantCode protocol.ReplyCode
		wantOK   bool
	}{{
		err:      nil,
		name:     "nil",
		wantCode: protocol.ReplySucceeded,
		wantOK:   true,
	}, {
		err: &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: &net.DNSError{Err: "no such host", Name: "nonexistent.example", IsNotFound: true},
		},
		name:     "dns_not_found",
		wantCode: protocol.ReplyHostUnreachable,
		wantOK:   true,
	}, {
		err:      &net.DNSError{Err: "server misbehaving", Name: "example.org"},
		name:     "dns_failure",
		wantCode: protocol.ReplyHostUnreachable,
		wantOK:   true,
	}, {
		err:      &net.DNSError{Err: "i/o timeout", Name: "example.org", IsTimeout: true},
		name:     "dns_timeout",
		wantCode: protocol.ReplyHostUnreachable,
		wantOK:   true,
	}, {
		err: &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: os.NewSyscallError("connect", syscall.ECONNREFUSED),
		},
		name:     "refused",
		wantCode: protocol.ReplyConnectionRefused,
		wantOK:   true,
	}, {
		err:      &net.OpError{Op: "dial", Net: "tcp", Err: os.ErrDeadlineExceeded},
		name:     "deadline",
		wantCode: protocol.ReplyNetworkUnreachable,
		wantOK:   true,
	}, {
		err:      fmt.Errorf("dialing: %w", context.DeadlineExceeded),
		name:     "context_deadline",
		wantCode: protocol.ReplyNetworkUnreachable,
		wantOK:   true,
	}, {
		err:      os.NewSyscallError("connect", syscall.ETIMEDOUT),
		name:     "etimedout",
		wantCode: protocol.ReplyNetworkUnreachable,
		wantOK:   true,
	}, {
		err: &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: os.NewSyscallError("connect", syscall.ECONNRESET),
		},
		name:   "reset",
		wantOK: false,
	}, {
		err:    errors.Error("unknown"),
		name:   "unknown",
		wantOK: false,
	}, {
		err:    context.Canceled,
		name:   "canceled",
		wantOK: false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			code, ok := relay.Classify(tc.err)
			require.Equal(t, tc.wantOK, ok)

			if tc.wantOK {
				require.Equal(t, tc.wantCode, code)
			}
		})
	}
}
