package session

import (
	"strings"
	"unicode/utf8"
)

// Terminator ends every transmitted frame.
const Terminator = "\r\n"

// EncodeFrame strips any line terminators from msg and appends exactly one
// Terminator. The frame boundary belongs to the transport, so embedded
// terminators are removed rather than escaped.
func EncodeFrame(msg string) ([]byte, error) {
	if msg == "" {
		return nil, ErrInvalidPayload
	}
	if !utf8.ValidString(msg) {
		return nil, ErrInvalidPayload
	}
	body := strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, msg)
	if body == "" {
		return nil, ErrInvalidPayload
	}
	out := make([]byte, 0, len(body)+len(Terminator))
	out = append(out, body...)
	return append(out, Terminator...), nil
}

// scanPacket appends packet to acc up to the delimiter. Carriage returns
// never reach acc. When the delimiter is found it returns the bytes that
// followed it in packet.
func scanPacket(acc, packet []byte, delim byte) (frame, rest []byte, found bool) {
	for i, b := range packet {
		switch b {
		case '\r':
			continue
		case delim:
			return acc, packet[i+1:], true
		default:
			acc = append(acc, b)
		}
	}
	return acc, nil, false
}
