package frame

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size of the big-endian length prefix on the wire.
const HeaderLen = 4

var (
	ErrShortHeader     = errors.New("frame: short length header")
	ErrShortPayload    = errors.New("frame: short payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrTrailingBytes   = errors.New("frame: trailing bytes after payload")
)

// Role names which leg of the bridge a codec serves. The control leg is
// asymmetric: the controlled application's host runtime strips the length
// prefix from inbound deliveries before extension code sees them, while
// outbound messages on the same leg must still be prefixed by the sender.
type Role int

const (
	// RoleFramed carries the length prefix in both directions. Used for
	// client connections and for the relay's view of the control leg.
	RoleFramed Role = iota
	// RoleControlInbound receives deliveries with the prefix already
	// stripped by the host runtime. Writes are still prefixed.
	RoleControlInbound
)

func (r Role) String() string {
	switch r {
	case RoleControlInbound:
		return "control-inbound"
	default:
		return "framed"
	}
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// Codec encodes and decodes one connection's frames according to its role.
type Codec struct {
	Role   Role
	Limits Limits
}

func NewCodec(role Role, limits Limits) Codec {
	if limits.MaxPayloadBytes == 0 {
		limits = DefaultLimits()
	}
	return Codec{Role: role, Limits: limits}
}

// Encode prefixes payload with its big-endian length. Both roles prefix
// outbound data.
func (c Codec) Encode(payload []byte) ([]byte, error) {
	// Compare in uint64: converting len to uint32 first would wrap for
	// payloads past 4 GiB and encode a wrong declared length.
	if uint64(len(payload)) > uint64(c.Limits.MaxPayloadBytes) {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// DecodeDelivery decodes one complete message delivery. For
// RoleControlInbound the host runtime already stripped the prefix, so the
// delivery is the bare payload. For RoleFramed the delivery must be exactly
// one prefixed frame.
func (c Codec) DecodeDelivery(data []byte) ([]byte, error) {
	if c.Role == RoleControlInbound {
		if uint64(len(data)) > uint64(c.Limits.MaxPayloadBytes) {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
		}
		return data, nil
	}
	if len(data) < HeaderLen {
		return nil, ErrShortHeader
	}
	declared := binary.BigEndian.Uint32(data[:HeaderLen])
	if declared > c.Limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, declared)
	}
	rest := data[HeaderLen:]
	if uint64(len(rest)) < uint64(declared) {
		return nil, ErrShortPayload
	}
	if uint64(len(rest)) > uint64(declared) {
		return nil, ErrTrailingBytes
	}
	return rest, nil
}

// Read blocks until one complete framed payload is available on r. Partial
// data never yields a partial frame: either the full declared payload
// arrives or an error is returned.
func (c Codec) Read(r io.Reader) ([]byte, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}
	declared := binary.BigEndian.Uint32(header[:])
	if declared > c.Limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, declared)
	}
	payload := make([]byte, declared)
	if declared > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrShortPayload
			}
			return nil, err
		}
	}
	return payload, nil
}

// Write encodes payload and writes the frame to w in one call.
func (c Codec) Write(w io.Writer, payload []byte) error {
	buf, err := c.Encode(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// previewLen bounds the hex preview so debug logs stay one line.
const previewLen = 16

// Preview renders the leading bytes of a payload as hex for debug logs.
func Preview(payload []byte) string {
	if len(payload) <= previewLen {
		return hex.EncodeToString(payload)
	}
	return hex.EncodeToString(payload[:previewLen]) + ".."
}
