package mqtt

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/minerfleet/hive2mqtt/helpers"
	"github.com/minerfleet/hive2mqtt/log2"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultIOTimeout      = 2 * time.Second

	connackReadMax = 10
)

var (
	ErrNotReady = fmt.Errorf("mqtt: session is not ready")

	statBytesSent = expvar.NewInt("mqtt_bytes_sent")
	statConnects  = expvar.NewInt("mqtt_connects")
	statRejected  = expvar.NewInt("mqtt_connect_rejected")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingConnAck
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingConnAck:
		return "awaiting-connack"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Reason int

const (
	ReasonUnreachable Reason = iota + 1
	ReasonHandshake
	ReasonRejected
)

func (r Reason) String() string {
	switch r {
	case ReasonUnreachable:
		return "unreachable"
	case ReasonHandshake:
		return "handshake"
	case ReasonRejected:
		return "rejected"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// ConnectError is returned by Open. Session is never usable after it.
type ConnectError struct {
	Reason     Reason
	Addr       string
	ReturnCode byte // only with ReasonRejected
	Err        error
}

func (e *ConnectError) Error() string {
	switch {
	case e.Reason == ReasonRejected:
		return fmt.Sprintf("mqtt connect %s: rejected code=%d (%s)", e.Addr, e.ReturnCode, ReturnCodeString(e.ReturnCode))
	case e.Err != nil:
		return fmt.Sprintf("mqtt connect %s: %s: %v", e.Addr, e.Reason, e.Err)
	}
	return fmt.Sprintf("mqtt connect %s: %s", e.Addr, e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func IsConnectError(err error, reason Reason) bool {
	ce, ok := errors.Cause(err).(*ConnectError)
	return ok && ce.Reason == reason
}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type SessionOptions struct {
	Addr           string // host:port
	ClientID       string
	Username       string
	Password       string // secret
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	Dial           DialFunc // nil = net.Dialer
	Log            *log2.Log
}

// Session is one TCP connection: CONNECT, CONNACK, zero or more QoS 0 PUBLISH, close.
// Not safe for concurrent use, state is owned by single caller.
type Session struct {
	opt   SessionOptions
	conn  net.Conn
	w     io.Writer
	state State
}

// Open dials broker and completes CONNECT/CONNACK handshake.
// Errors are *ConnectError, except EncodingError for oversized credentials.
func Open(ctx context.Context, opt SessionOptions) (*Session, error) {
	opt.ConnectTimeout = defaultDuration(opt.ConnectTimeout, DefaultConnectTimeout)
	opt.IOTimeout = defaultDuration(opt.IOTimeout, DefaultIOTimeout)
	s := &Session{opt: opt, state: StateDisconnected}

	conpkt, err := EncodeConnect(opt.ClientID, opt.Username, opt.Password)
	if err != nil {
		s.state = StateFailed
		return nil, errors.Annotate(err, "mqtt connect")
	}

	s.state = StateConnecting
	dial := opt.Dial
	if dial == nil {
		d := net.Dialer{Timeout: opt.ConnectTimeout}
		dial = d.DialContext
	}
	dialCtx, cancel := context.WithTimeout(ctx, opt.ConnectTimeout)
	conn, err := dial(dialCtx, "tcp", opt.Addr)
	cancel()
	if err != nil {
		s.state = StateFailed
		return nil, &ConnectError{Reason: ReasonUnreachable, Addr: opt.Addr, Err: err}
	}
	s.conn = conn
	s.w = helpers.NewStatWriter(conn, statBytesSent, 0)
	statConnects.Add(1)
	opt.Log.Debugf("mqtt connected local=%s remote=%s", addrString(conn.LocalAddr()), addrString(conn.RemoteAddr()))

	if err = s.send(conpkt); err != nil {
		return nil, s.fail(&ConnectError{Reason: ReasonHandshake, Addr: opt.Addr, Err: errors.Annotate(err, "send CONNECT")})
	}
	s.state = StateAwaitingConnAck

	// CONNACK is 4 bytes, read a few more to catch garbage
	buf := make([]byte, connackReadMax)
	_ = conn.SetReadDeadline(time.Now().Add(opt.IOTimeout))
	n, err := io.ReadAtLeast(conn, buf, connackLen)
	if n == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, s.fail(&ConnectError{Reason: ReasonHandshake, Addr: opt.Addr, Err: errors.Annotate(err, "expect CONNACK")})
	}
	ack := DecodeConnAck(buf[:n])
	opt.Log.Debugf("mqtt received %s", PacketString(buf[:n]))
	if !ack.Accepted {
		statRejected.Add(1)
		return nil, s.fail(&ConnectError{Reason: ReasonRejected, Addr: opt.Addr, ReturnCode: ack.ReturnCode})
	}
	_ = conn.SetReadDeadline(time.Time{})
	s.state = StateReady
	return s, nil
}

func (s *Session) State() State { return s.state }

// Publish sends QoS 0 PUBLISH. Successful write is the only success signal.
func (s *Session) Publish(topic, message string) error {
	if s == nil || s.state != StateReady {
		return ErrNotReady
	}
	pkt, err := EncodePublish(topic, message)
	if err != nil {
		// connection is still fine, only this message is unusable
		return err
	}
	if err = s.send(pkt); err != nil {
		_ = s.fail(nil)
		return errors.Annotatef(err, "send PUBLISH topic=%s", topic)
	}
	return nil
}

// Close is best effort and always returns nil.
func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil && !isClosedConn(err) {
		s.opt.Log.Debugf("mqtt close addr=%s err=%v", s.opt.Addr, err)
	}
	s.conn = nil
	if s.state != StateFailed {
		s.state = StateDisconnected
	}
	return nil
}

func (s *Session) send(b []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opt.IOTimeout))
	if err := helpers.WriteAll(s.w, b); err != nil {
		return err
	}
	s.opt.Log.Debugf("mqtt sent %s", PacketString(b))
	return nil
}

func (s *Session) fail(e error) error {
	s.state = StateFailed
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	return e
}
