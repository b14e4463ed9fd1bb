// Package cobs implements Consistent Overhead Byte Stuffing, the framing used on
// the serial link. An encoded frame contains no zero byte except the single
// trailing delimiter, so a receiver can resynchronise on any zero it sees.
package cobs

import (
	"errors"
	"fmt"
)

// Delimiter terminates every encoded frame.
const Delimiter byte = 0x00

// maxBlock is the largest length byte; a block of this size carries 254 data
// bytes and is not followed by an implicit zero.
const maxBlock byte = 0xFF

// ErrFraming is matched by every decode failure.
var ErrFraming = errors.New("cobs: malformed frame")

// FramingError describes where in a frame decoding failed.
type FramingError struct {
	Offset int
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("cobs: malformed frame at offset %d: %s", e.Offset, e.Reason)
}

// Is reports whether target is ErrFraming.
func (e *FramingError) Is(target error) bool {
	return target == ErrFraming
}

// MaxEncodedLen returns the worst-case encoded size of an n byte payload,
// including the delimiter.
func MaxEncodedLen(n int) int {
	return n + n/254 + 2
}

// Encode returns the stuffed form of payload followed by the delimiter.
func Encode(payload []byte) []byte {
	return AppendEncode(make([]byte, 0, MaxEncodedLen(len(payload))), payload)
}

// AppendEncode appends the encoded form of payload, including the delimiter,
// to dst and returns the extended slice.
func AppendEncode(dst, payload []byte) []byte {
	codeIdx := len(dst)
	dst = append(dst, 0)
	code := byte(1)

	for i, b := range payload {
		if b != 0 {
			dst = append(dst, b)
			code++
		}
		if b != 0 && code != maxBlock {
			continue
		}

		dst[codeIdx] = code
		code = 1
		// A full block that ends the payload needs no trailing empty block.
		if b == 0 || i < len(payload)-1 {
			codeIdx = len(dst)
			dst = append(dst, 0)
		} else {
			codeIdx = -1
		}
	}

	if codeIdx >= 0 {
		dst[codeIdx] = code
	}
	return append(dst, Delimiter)
}

// Decode reverses Encode. The frame must end with exactly one delimiter.
func Decode(frame []byte) ([]byte, error) {
	out := make([]byte, 0, len(frame))
	i := 0
	for {
		if i >= len(frame) {
			return nil, &FramingError{Offset: i, Reason: "missing delimiter"}
		}
		code := frame[i]
		if code == Delimiter {
			break
		}
		i++

		n := int(code) - 1
		if i+n >= len(frame) {
			return nil, &FramingError{
				Offset: i - 1,
				Reason: fmt.Sprintf("length byte %d exceeds remaining %d bytes", code, len(frame)-i),
			}
		}
		block := frame[i : i+n]
		for j, b := range block {
			if b == Delimiter {
				return nil, &FramingError{Offset: i + j, Reason: "delimiter inside block"}
			}
		}
		out = append(out, block...)
		i += n

		if frame[i] != Delimiter && code != maxBlock {
			out = append(out, 0)
		}
	}

	if i != len(frame)-1 {
		return nil, &FramingError{Offset: i + 1, Reason: "data after delimiter"}
	}
	return out, nil
}
