// Package protocol implements the frames a client and the relay exchange
// before the traffic is tunneled: the connect request sent by the client and
// the reply code sent back by the relay.
//
// The frames have the layout of SOCKS5 (RFC 1928) CONNECT requests and replies
// and are optionally encrypted with a stream cipher derived from a shared
// password.
package protocol

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/netutil"
)

const (
	// ErrMalformedRequest is returned when the request frame cannot be
	// decoded.
	ErrMalformedRequest errors.Error = "malformed request"

	// ErrUnsupportedCommand is returned when the request frame is well-formed
	// but asks for something other than CONNECT.
	ErrUnsupportedCommand errors.Error = "unsupported command"

	// ErrMalformedReply is returned when the reply frame cannot be decoded.
	ErrMalformedReply errors.Error = "malformed reply"
)

// ReplyCode is the status the relay sends back to the client after it handled
// the connect request.  The values match the REP field of SOCKS5.
type ReplyCode byte

// Supported reply codes.
const (
	ReplySucceeded           ReplyCode = 0x00
	ReplyGeneralFailure      ReplyCode = 0x01
	ReplyNetworkUnreachable  ReplyCode = 0x03
	ReplyHostUnreachable     ReplyCode = 0x04
	ReplyConnectionRefused   ReplyCode = 0x05
	ReplyCommandNotSupported ReplyCode = 0x07
)

// type check
var _ fmt.Stringer = ReplyCode(0)

// String implements the fmt.Stringer interface for ReplyCode.
func (c ReplyCode) String() (s string) {
	switch c {
	case ReplySucceeded:
		return "succeeded"
	case ReplyGeneralFailure:
		return "general_failure"
	case ReplyNetworkUnreachable:
		return "network_unreachable"
	case ReplyHostUnreachable:
		return "host_unreachable"
	case ReplyConnectionRefused:
		return "connection_refused"
	case ReplyCommandNotSupported:
		return "command_not_supported"
	default:
		return fmt.Sprintf("reply_code_%d", byte(c))
	}
}

// Request is the destination the client wants to be connected to.  It is
// immutable once decoded.
type Request struct {
	// Host is either a hostname or an IP address literal.
	Host string

	// Port is the destination port.
	Port uint16
}

// Addr returns the host:port form of the destination suitable for dialing.
func (r *Request) Addr() (addr string) {
	return netutil.JoinHostPort(r.Host, r.Port)
}
