package mqtt

import (
	"fmt"

	"github.com/juju/errors"
)

// Minimal MQTT 3.1.1 wire format, producer side only.
// Remaining length is limited to 255, larger packets are rejected with ErrPacketOverflow, never truncated.
// On wire 0..127 takes one byte, 128..255 takes two (variable byte integer with continuation bit).

const (
	ProtocolName  = "MQTT"
	ProtocolLevel = 4 // 3.1.1
	KeepaliveSec  = 60

	PacketMaxRemaining = 255

	// protocol name + level + flags + keepalive
	connectVariableHeaderLen = 10
	connackLen               = 4
)

type PacketType byte

const (
	TypeConnect PacketType = 1
	TypeConnack PacketType = 2
	TypePublish PacketType = 3
)

func (t PacketType) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeConnack:
		return "CONNACK"
	case TypePublish:
		return "PUBLISH"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

const (
	flagUsername byte = 1 << 7
	flagPassword byte = 1 << 6
)

// CONNACK return codes
const (
	ConnAckAccepted          byte = 0x00
	ConnAckBadProtocol       byte = 0x01
	ConnAckIdentifierReject  byte = 0x02
	ConnAckServerUnavailable byte = 0x03
	ConnAckBadCredentials    byte = 0x04
	ConnAckNotAuthorized     byte = 0x05
	// not on wire, reported for frames which are not CONNACK at all
	ConnAckMalformed byte = 0xff
)

var (
	ErrPacketOverflow = fmt.Errorf("mqtt: remaining length exceeds %d", PacketMaxRemaining)
	ErrPacketShort    = fmt.Errorf("mqtt: packet too short")
)

// IsOverflow reports EncodingError, packet would not fit single byte remaining length.
func IsOverflow(err error) bool { return errors.Cause(err) == ErrPacketOverflow }

type FixedHeader struct {
	Type      PacketType
	Flags     byte
	Remaining int
}

// Len is encoded size of fixed header itself.
func (h FixedHeader) Len() int {
	if h.Remaining > 127 {
		return 3
	}
	return 2
}

func (h FixedHeader) append(b []byte) []byte {
	b = append(b, byte(h.Type)<<4|h.Flags&0x0f)
	if h.Remaining > 127 {
		return append(b, byte(h.Remaining&0x7f)|0x80, byte(h.Remaining>>7))
	}
	return append(b, byte(h.Remaining))
}

// ParseFixedHeader decodes type, flags and remaining length up to PacketMaxRemaining.
func ParseFixedHeader(b []byte) (FixedHeader, error) {
	if len(b) < 2 {
		return FixedHeader{}, ErrPacketShort
	}
	h := FixedHeader{
		Type:      PacketType(b[0] >> 4),
		Flags:     b[0] & 0x0f,
		Remaining: int(b[1] & 0x7f),
	}
	if b[1]&0x80 != 0 {
		if len(b) < 3 {
			return h, ErrPacketShort
		}
		h.Remaining += int(b[2]&0x7f) << 7
		if b[2]&0x80 != 0 || h.Remaining > PacketMaxRemaining {
			return h, errors.Annotatef(ErrPacketOverflow, "remaining length bytes=%x", b[1:3])
		}
	}
	return h, nil
}

// EncodeConnect builds CONNECT with keepalive 60s and clean session flag off.
// Empty username or password means absent.
func EncodeConnect(clientID, username, password string) ([]byte, error) {
	var flags byte
	remaining := connectVariableHeaderLen + 2 + len(clientID)
	if username != "" {
		flags |= flagUsername
		remaining += 2 + len(username)
	}
	if password != "" {
		flags |= flagPassword
		remaining += 2 + len(password)
	}
	if remaining > PacketMaxRemaining {
		return nil, errors.Annotatef(ErrPacketOverflow, "CONNECT remaining=%d", remaining)
	}

	h := FixedHeader{Type: TypeConnect, Remaining: remaining}
	b := h.append(make([]byte, 0, h.Len()+remaining))
	b = appendString(b, ProtocolName)
	b = append(b, ProtocolLevel, flags)
	b = appendUint16(b, KeepaliveSec)
	b = appendString(b, clientID)
	if username != "" {
		b = appendString(b, username)
	}
	if password != "" {
		b = appendString(b, password)
	}
	return b, nil
}

// EncodePublish builds QoS 0 PUBLISH without DUP and RETAIN.
// Message occupies the rest of packet, no length prefix.
func EncodePublish(topic, message string) ([]byte, error) {
	remaining := 2 + len(topic) + len(message)
	if remaining > PacketMaxRemaining {
		return nil, errors.Annotatef(ErrPacketOverflow, "PUBLISH topic=%s remaining=%d", topic, remaining)
	}

	h := FixedHeader{Type: TypePublish, Remaining: remaining}
	b := h.append(make([]byte, 0, h.Len()+remaining))
	b = appendString(b, topic)
	b = append(b, message...)
	return b, nil
}

type ConnAck struct {
	Accepted   bool
	ReturnCode byte
}

func (c ConnAck) String() string {
	return fmt.Sprintf("<ConnAck Accepted=%t ReturnCode=%s>", c.Accepted, ReturnCodeString(c.ReturnCode))
}

// DecodeConnAck never fails: any shape other than [0x20 _ _ code] is not accepted.
func DecodeConnAck(b []byte) ConnAck {
	if len(b) < connackLen || b[0] != byte(TypeConnack)<<4 {
		return ConnAck{ReturnCode: ConnAckMalformed}
	}
	code := b[3]
	return ConnAck{Accepted: code == ConnAckAccepted, ReturnCode: code}
}

func ReturnCodeString(code byte) string {
	switch code {
	case ConnAckAccepted:
		return "accepted"
	case ConnAckBadProtocol:
		return "unacceptable protocol version"
	case ConnAckIdentifierReject:
		return "identifier rejected"
	case ConnAckServerUnavailable:
		return "server unavailable"
	case ConnAckBadCredentials:
		return "bad username or password"
	case ConnAckNotAuthorized:
		return "not authorized"
	case ConnAckMalformed:
		return "malformed"
	}
	return fmt.Sprintf("unknown(%02x)", code)
}

func appendString(b []byte, s string) []byte {
	b = appendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func appendUint16(b []byte, v uint16) []byte { return append(b, byte(v>>8), byte(v)) }
