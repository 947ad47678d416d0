// Package framing implements the length-prefixed framing helper: a
// 4-byte big-endian payload length followed by the payload. The
// transport itself carries an opaque byte stream; framing is applied
// by callers that want message boundaries.
package framing

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/arpelle/uringnet/errs"
)

// Incomplete is returned by Deframe when the source holds fewer
// bytes than one whole frame.
const Incomplete = -1

// HeaderSize is the length-prefix size in bytes.
const HeaderSize = 4

// DefaultMaxPayload is the default payload cap.
const DefaultMaxPayload = 16 << 20

// AbsoluteMaxPayload bounds any configurable cap.
const AbsoluteMaxPayload = math.MaxInt32 - HeaderSize

// Codec frames and deframes byte views against a configured payload
// cap. The zero value is not usable; use NewCodec.
type Codec struct {
	maxPayload int
}

// NewCodec returns a codec with the given payload cap; cap <= 0
// selects the default.
func NewCodec(maxPayload int) (*Codec, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if maxPayload > AbsoluteMaxPayload {
		return nil, errs.New("FRAME_INIT", errs.Protocol,
			fmt.Sprintf("payload cap %d exceeds absolute maximum", maxPayload))
	}
	return &Codec{maxPayload: maxPayload}, nil
}

// MaxPayload returns the configured payload cap.
func (c *Codec) MaxPayload() int {
	return c.maxPayload
}

// Frame writes the length prefix and the first srcLen bytes of src
// into dst and returns the total frame length.
func (c *Codec) Frame(src []byte, srcLen int, dst []byte) (int, error) {
	if srcLen < 0 || srcLen > len(src) {
		return 0, errs.New("FRAME", errs.Protocol, "invalid source length")
	}
	if srcLen > c.maxPayload {
		return 0, errs.New("FRAME", errs.Protocol,
			fmt.Sprintf("payload of %d bytes exceeds cap %d", srcLen, c.maxPayload))
	}
	total := HeaderSize + srcLen
	if len(dst) < total {
		return 0, errs.New("FRAME", errs.Resource, "destination too small for frame")
	}
	binary.BigEndian.PutUint32(dst, uint32(srcLen))
	copy(dst[HeaderSize:], src[:srcLen])
	return total, nil
}

// Deframe reads one frame from the first srcLen bytes of src. It
// returns the payload length after copying the payload into dst, or
// Incomplete when src holds fewer than HeaderSize+payload bytes.
// Destination contents are unspecified on Incomplete. A negative or
// over-cap prefix is a protocol failure.
func (c *Codec) Deframe(src []byte, srcLen int, dst []byte) (int, error) {
	if srcLen < 0 || srcLen > len(src) {
		return 0, errs.New("DEFRAME", errs.Protocol, "invalid source length")
	}
	if srcLen < HeaderSize {
		return Incomplete, nil
	}
	n := int32(binary.BigEndian.Uint32(src))
	if n < 0 {
		return 0, errs.New("DEFRAME", errs.Protocol,
			fmt.Sprintf("invalid frame: negative payload length %d", n))
	}
	if int(n) > c.maxPayload {
		return 0, errs.New("DEFRAME", errs.Protocol,
			fmt.Sprintf("invalid frame: payload length %d exceeds cap %d", n, c.maxPayload))
	}
	if srcLen < HeaderSize+int(n) {
		return Incomplete, nil
	}
	if len(dst) < int(n) {
		return 0, errs.New("DEFRAME", errs.Resource, "destination too small for payload")
	}
	copy(dst, src[HeaderSize:HeaderSize+int(n)])
	return int(n), nil
}

// Frame is the package-level convenience using the default cap.
func Frame(src []byte, srcLen int, dst []byte) (int, error) {
	return defaultCodec.Frame(src, srcLen, dst)
}

// Deframe is the package-level convenience using the default cap.
func Deframe(src []byte, srcLen int, dst []byte) (int, error) {
	return defaultCodec.Deframe(src, srcLen, dst)
}

var defaultCodec = &Codec{maxPayload: DefaultMaxPayload}
