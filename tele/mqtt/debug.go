package mqtt

import (
	"encoding/hex"
	"fmt"
)

// PacketString formats encoded packet for debug logs.
// Password bytes of CONNECT are never printed.
func PacketString(b []byte) string {
	h, err := ParseFixedHeader(b)
	if err != nil {
		return fmt.Sprintf("<invalid err=%v hex=%s>", err, hex.EncodeToString(b))
	}
	if len(b) < h.Len() {
		return fmt.Sprintf("<invalid err=%v hex=%s>", ErrPacketShort, hex.EncodeToString(b))
	}
	body := b[h.Len():]
	switch h.Type {
	case TypePublish:
		if len(body) < 2 {
			break
		}
		tl := int(body[0])<<8 | int(body[1])
		if 2+tl > len(body) {
			break
		}
		return fmt.Sprintf("<Publish Topic=%q Payload=%q>", body[2:2+tl], body[2+tl:])
	case TypeConnect:
		if len(body) < connectVariableHeaderLen+2 {
			break
		}
		flags := body[7]
		cl := int(body[10])<<8 | int(body[11])
		if 12+cl > len(body) {
			break
		}
		return fmt.Sprintf("<Connect ClientID=%q Username=%t Password=%t Remaining=%d>",
			body[12:12+cl], flags&flagUsername != 0, flags&flagPassword != 0, h.Remaining)
	case TypeConnack:
		return DecodeConnAck(b).String()
	}
	return fmt.Sprintf("<%s Remaining=%d hex=%s>", h.Type, h.Remaining, hex.EncodeToString(body))
}
