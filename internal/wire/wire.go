// Package wire encodes and decodes the messages exchanged with the capture
// host. Every message is a one-byte Kind followed by a little-endian payload;
// variable-length arrays are written count first, in the field order of the
// host's structures.
package wire

import (
	"errors"
	"fmt"
)

// Kind identifies a message.
type Kind byte

const (
	KindHello           Kind = 0x01 // host -> client, HostInfo
	KindFrame           Kind = 0x02 // host -> client, FrameOfData
	KindBodyDefs        Kind = 0x03 // host -> client, reply to KindBodyDefsRequest
	KindResponse        Kind = 0x04 // host -> client, reply to KindRequest
	KindLog             Kind = 0x05 // host -> client, diagnostic text
	KindRequest         Kind = 0x10 // client -> host, text command
	KindBodyDefsRequest Kind = 0x11 // client -> host
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindFrame:
		return "frame"
	case KindBodyDefs:
		return "body_defs"
	case KindResponse:
		return "response"
	case KindLog:
		return "log"
	case KindRequest:
		return "request"
	case KindBodyDefsRequest:
		return "body_defs_request"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

const (
	maxNameBytes    = 128
	maxCommandBytes = 4096
	maxLogBytes     = 8192
	maxPayloadBytes = 1 << 20
)

var (
	ErrShortMessage  = errors.New("wire: message truncated")
	ErrTrailingBytes = errors.New("wire: trailing bytes after message")
	ErrFieldTooLong  = errors.New("wire: field exceeds its size limit")
	ErrBadCount      = errors.New("wire: count out of range")
)

// Split separates the kind byte from the payload.
func Split(msg []byte) (Kind, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, ErrShortMessage
	}
	return Kind(msg[0]), msg[1:], nil
}
