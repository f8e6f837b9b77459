// Package rle implements the run-length byte codec used for chunk payloads.
// The stream is a sequence of (value, count:uint16 little-endian) tuples.
// Voxel terrain is locally homogeneous, so this deliberately simple scheme
// compresses well in practice; the worst case (no repetition) expands 3x.
package rle

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const tupleSize = 3

const maxRun = 0xFFFF

var (
	ErrZeroRun        = errors.New("rle: zero-length run")
	ErrTruncated      = errors.New("rle: truncated tuple")
	ErrLengthMismatch = errors.New("rle: decoded length mismatch")
)

// Encode compresses src into run tuples. Runs longer than 65535 are split
// into multiple tuples of the same value.
func Encode(src []byte) []byte {
	out := make([]byte, 0, 64)
	for i := 0; i < len(src); {
		v := src[i]
		n := 1
		for i+n < len(src) && src[i+n] == v && n < maxRun {
			n++
		}
		out = append(out, v, byte(n), byte(n>>8))
		i += n
	}
	return out
}

// Decode expands data and verifies it produces exactly expect bytes. Any
// malformed tuple is reported as a distinct corruption signal.
func Decode(data []byte, expect int) ([]byte, error) {
	if len(data)%tupleSize != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrTruncated, len(data)%tupleSize)
	}
	out := make([]byte, 0, expect)
	for i := 0; i < len(data); i += tupleSize {
		v := data[i]
		n := int(binary.LittleEndian.Uint16(data[i+1 : i+3]))
		if n == 0 {
			return nil, ErrZeroRun
		}
		if len(out)+n > expect {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrLengthMismatch, expect)
		}
		for j := 0; j < n; j++ {
			out = append(out, v)
		}
	}
	if len(out) != expect {
		return nil, fmt.Errorf("%w: got %d want %d", ErrLengthMismatch, len(out), expect)
	}
	return out, nil
}
