package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

// socksVersion is the value of the VER field of every frame.
const socksVersion = 0x05

// replyLen is the length of a plaintext reply frame: VER, REP, RSV, ATYP,
// a zero IPv4 bind address and a zero bind port.
const replyLen = 10

// Config is the codec configuration.
type Config struct {
	// Algorithm is the name of the cipher used to encrypt frames.  See the
	// Algorithm constants.
	Algorithm string

	// Password is the shared secret the cipher key is derived from.
	Password string
}

// Codec decodes connect requests and encodes replies.  It is safe for
// concurrent use and has no per-connection state.
type Codec struct {
	cipher *streamCipher
	key    []byte
}

// New creates a new *Codec.
func New(conf *Config) (c *Codec, err error) {
	sc, err := lookupCipher(conf.Algorithm)
	if err != nil {
		return nil, err
	}

	c = &Codec{
		cipher: sc,
	}

	if sc != nil {
		c.key = deriveKey(conf.Password, sc.keyLen)
	}

	return c, nil
}

// ReplyLen returns the exact length of every reply frame produced by Encode.
func (c *Codec) ReplyLen() (n int) {
	if c.cipher == nil {
		return replyLen
	}

	return c.cipher.ivLen + replyLen
}

// Resolve decodes the first frame received from the client into the
// destination request.  Any error means that the frame is not a valid CONNECT
// request, the error wraps either ErrMalformedRequest or ErrUnsupportedCommand.
func (c *Codec) Resolve(frame []byte) (req *Request, err error) {
	plain, err := c.open(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}

	r := bytes.NewReader(plain)
	sreq, err := txsocks5.NewRequestFrom(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}

	if sreq.Ver != socksVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedRequest, sreq.Ver)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedRequest, r.Len())
	}

	if sreq.Cmd != txsocks5.CmdConnect {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCommand, sreq.Cmd)
	}

	req = &Request{
		Port: binary.BigEndian.Uint16(sreq.DstPort),
	}

	switch sreq.Atyp {
	case txsocks5.ATYPIPv4, txsocks5.ATYPIPv6:
		req.Host = net.IP(sreq.DstAddr).String()
	case txsocks5.ATYPDomain:
		// The first byte is the length of the domain name.
		if len(sreq.DstAddr) < 2 {
			return nil, fmt.Errorf("%w: empty domain", ErrMalformedRequest)
		}

		req.Host = string(sreq.DstAddr[1:])
	default:
		return nil, fmt.Errorf("%w: address type %d", ErrMalformedRequest, sreq.Atyp)
	}

	if req.Port == 0 {
		return nil, fmt.Errorf("%w: zero port", ErrMalformedRequest)
	}

	return req, nil
}

// Encode returns the reply frame for code.
func (c *Codec) Encode(code ReplyCode) (frame []byte, err error) {
	rep := txsocks5.NewReply(
		byte(code),
		txsocks5.ATYPIPv4,
		[]byte{0x00, 0x00, 0x00, 0x00},
		[]byte{0x00, 0x00},
	)

	buf := &bytes.Buffer{}
	if _, err = rep.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("writing reply: %w", err)
	}

	return c.seal(buf.Bytes())
}

// EncodeRequest returns the request frame for req.  It is the client side of
// Resolve.
func (c *Codec) EncodeRequest(req *Request) (frame []byte, err error) {
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, req.Port)

	var atyp byte
	var addr []byte
	if ip, ipErr := netip.ParseAddr(req.Host); ipErr == nil {
		ip = ip.Unmap()
		if ip.Is4() {
			atyp = txsocks5.ATYPIPv4
		} else {
			atyp = txsocks5.ATYPIPv6
		}

		addr = ip.AsSlice()
	} else {
		if len(req.Host) == 0 || len(req.Host) > 255 {
			return nil, fmt.Errorf("invalid host %q", req.Host)
		}

		atyp = txsocks5.ATYPDomain
		addr = []byte(req.Host)
	}

	buf := &bytes.Buffer{}
	if _, err = txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr, port).WriteTo(buf); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	return c.seal(buf.Bytes())
}

// DecodeReply decodes a reply frame produced by Encode.  It is the client
// side of Encode.
func (c *Codec) DecodeReply(frame []byte) (code ReplyCode, err error) {
	plain, err := c.open(frame)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}

	rep, err := txsocks5.NewReplyFrom(bytes.NewReader(plain))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}

	return ReplyCode(rep.Rep), nil
}

// seal encrypts plain if a cipher is configured.
func (c *Codec) seal(plain []byte) (frame []byte, err error) {
	if c.cipher == nil {
		return plain, nil
	}

	return c.cipher.seal(c.key, plain)
}

// open decrypts frame if a cipher is configured.
func (c *Codec) open(frame []byte) (plain []byte, err error) {
	if c.cipher == nil {
		return frame, nil
	}

	return c.cipher.open(c.key, frame)
}
