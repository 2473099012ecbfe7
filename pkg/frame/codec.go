// Package frame packs signals into fixed-size byte frames and provides the
// shared frame exchanged between a link and its users.
//
// Bits are numbered little-endian across the frame: bit 0 is the least
// significant bit of byte 0, bit 8 the least significant bit of byte 1.
// A signal may span byte boundaries.
package frame

import (
	"github.com/robotalks/telemetry.go/pkg/signal"
)

func mask(n uint32) uint64 {
	return (uint64(1) << n) - 1
}

// Extract reads the bits of spec from frame.
// Signed specs are sign-extended.
func Extract(frame []byte, spec signal.Spec) int64 {
	var v uint64
	bit, got := spec.Start, uint32(0)
	for got < spec.Length {
		off := bit % 8
		n := 8 - off
		if rest := spec.Length - got; n > rest {
			n = rest
		}
		chunk := uint64(frame[bit/8]>>off) & mask(n)
		v |= chunk << got
		got += n
		bit += n
	}
	if spec.Signed && spec.Length > 0 && v&(uint64(1)<<(spec.Length-1)) != 0 {
		v |= ^mask(spec.Length)
	}
	return int64(v)
}

// Insert writes value truncated to spec.Length bits into frame.
// Bits outside the signal are left untouched.
func Insert(frame []byte, spec signal.Spec, value int64) {
	v := uint64(value) & mask(spec.Length)
	bit, left := spec.Start, spec.Length
	for left > 0 {
		off := bit % 8
		n := 8 - off
		if n > left {
			n = left
		}
		m := byte(mask(n) << off)
		idx := bit / 8
		frame[idx] = frame[idx]&^m | byte(v<<off)&m
		v >>= n
		bit += n
		left -= n
	}
}
