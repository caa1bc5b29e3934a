// Package protocol implements the wireline frame codec: an incremental
// parser that turns a byte stream into frames, and a serializer for the
// reverse direction. A frame on the wire is a 4-byte big-endian body
// length followed by a protobuf-encoded body.
package protocol

import (
	"errors"
	"fmt"

	"github.com/lithdew/bytesutil"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// HeaderSize is the size of the length prefix in bytes.
	HeaderSize = 4

	// MaxBodySize is the maximum allowed frame body size.
	MaxBodySize = 1 << 20
)

var (
	// ErrShortFrame is returned by Parse when the buffer does not yet hold
	// a complete frame. The caller keeps the buffer and retries with more
	// bytes appended.
	ErrShortFrame = errors.New("protocol: incomplete frame")

	// ErrBodyTooLarge is returned when the length prefix exceeds MaxBodySize.
	ErrBodyTooLarge = errors.New("protocol: frame body exceeds maximum size")
)

// Op identifies the kind of frame.
type Op uint8

const (
	OpData Op = iota
	OpJoin
	OpLeave
)

// String returns the string representation of Op.
func (op Op) String() string {
	switch op {
	case OpData:
		return "DATA"
	case OpJoin:
		return "JOIN"
	case OpLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Protobuf field numbers of the frame body.
const (
	fieldOp      = 1
	fieldChannel = 2
	fieldBody    = 3
)

// Frame is one application message unit.
type Frame struct {
	Op      Op
	Channel string
	Body    []byte
}

// Encode serializes the frame, length prefix included.
func (f *Frame) Encode() []byte {
	return AppendFrame(nil, f)
}

// AppendFrame appends the serialized frame to dst and returns the
// extended slice.
func AppendFrame(dst []byte, f *Frame) []byte {
	body := appendBody(nil, f)
	dst = bytesutil.AppendUint32BE(dst, uint32(len(body)))
	return append(dst, body...)
}

func appendBody(dst []byte, f *Frame) []byte {
	dst = protowire.AppendTag(dst, fieldOp, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(f.Op))
	if f.Channel != "" {
		dst = protowire.AppendTag(dst, fieldChannel, protowire.BytesType)
		dst = protowire.AppendString(dst, f.Channel)
	}
	if len(f.Body) > 0 {
		dst = protowire.AppendTag(dst, fieldBody, protowire.BytesType)
		dst = protowire.AppendBytes(dst, f.Body)
	}
	return dst
}

// Parse attempts to decode one frame from the front of buf.
//
// It returns ErrShortFrame with buf unchanged when more bytes are needed,
// or the decoded frame plus the unconsumed leftover bytes on success. A
// malformed body returns the decode error together with the leftover past
// the bad frame's envelope, so parsing can resume on the next frame
// boundary; only ErrBodyTooLarge returns no leftover, since the length
// prefix itself cannot be trusted. The parser holds no state beyond the
// buffer itself, so a fresh parse is simply a parse of an empty buffer.
func Parse(buf []byte) (*Frame, []byte, error) {
	if len(buf) < HeaderSize {
		return nil, buf, ErrShortFrame
	}
	// Checked as uint32 so a huge prefix cannot wrap negative on 32-bit
	// platforms before the bound applies.
	prefix := bytesutil.Uint32BE(buf[:HeaderSize])
	if prefix > MaxBodySize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, prefix)
	}
	size := int(prefix)
	if len(buf) < HeaderSize+size {
		return nil, buf, ErrShortFrame
	}
	f, err := parseBody(buf[HeaderSize : HeaderSize+size])
	leftover := buf[HeaderSize+size:]
	if err != nil {
		return nil, leftover, err
	}
	return f, leftover, nil
}

func parseBody(body []byte) (*Frame, error) {
	f := &Frame{}
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return nil, fmt.Errorf("protocol: malformed body tag: %w", protowire.ParseError(n))
		}
		body = body[n:]

		switch {
		case num == fieldOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return nil, fmt.Errorf("protocol: malformed op: %w", protowire.ParseError(n))
			}
			f.Op = Op(v)
			body = body[n:]
		case num == fieldChannel && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("protocol: malformed channel: %w", protowire.ParseError(n))
			}
			f.Channel = string(v)
			body = body[n:]
		case num == fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return nil, fmt.Errorf("protocol: malformed payload: %w", protowire.ParseError(n))
			}
			f.Body = append([]byte(nil), v...)
			body = body[n:]
		default:
			// Unknown fields are skipped for forward compatibility.
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return nil, fmt.Errorf("protocol: malformed field %d: %w", num, protowire.ParseError(n))
			}
			body = body[n:]
		}
	}
	return f, nil
}
