// Package bitfield implements the BitTorrent wire bitfield: MSB-first,
// index 0 is the most significant bit of the first byte.
//
// The underlying storage is willf/bitset, indexed directly by piece
// index; the MSB-first wire order is applied only when converting to and
// from bytes (NewBytes and Bytes).
package bitfield

import (
	"errors"

	"github.com/willf/bitset"
)

// ErrTooShort is returned when a received bitfield byte string is
// shorter than required to cover all pieces.
var ErrTooShort = errors.New("bitfield: too short for piece count")

// Bitfield is a fixed-size, MSB-first bit vector over piece indices.
type Bitfield struct {
	n    int
	bits *bitset.BitSet
}

// New returns an all-zero bitfield for n pieces.
func New(n int) *Bitfield {
	return &Bitfield{n: n, bits: bitset.New(uint(n))}
}

// NewBytes parses a wire-format (MSB-first) byte string into a bitfield
// for n pieces. A byte string shorter than ceil(n/8) is rejected; a
// longer one is accepted and its extra bits, beyond n, are ignored.
func NewBytes(b []byte, n int) (*Bitfield, error) {
	need := (n + 7) / 8
	if len(b) < need {
		return nil, ErrTooShort
	}
	bf := New(n)
	for i := 0; i < n; i++ {
		byteIdx := i / 8
		bitIdx := uint(7 - (i % 8))
		if b[byteIdx]&(1<<bitIdx) != 0 {
			bf.Set(uint32(i))
		}
	}
	return bf, nil
}

// Len returns the number of pieces this bitfield covers.
func (b *Bitfield) Len() int { return b.n }

// Set marks piece index as present.
func (b *Bitfield) Set(index uint32) { b.bits.Set(uint(index)) }

// Clear marks piece index as absent.
func (b *Bitfield) Clear(index uint32) { b.bits.Clear(uint(index)) }

// Test reports whether piece index is set.
func (b *Bitfield) Test(index uint32) bool { return b.bits.Test(uint(index)) }

// Count returns the number of set bits.
func (b *Bitfield) Count() int { return int(b.bits.Count()) }

// All reports whether every piece 0..n-1 is set.
func (b *Bitfield) All() bool { return b.Count() == b.n }

// SetAll marks every piece present, for handling a have-all wire message.
func (b *Bitfield) SetAll() {
	for i := 0; i < b.n; i++ {
		b.Set(uint32(i))
	}
}

// Bytes serializes the bitfield to wire format: MSB-first, padded with
// zero bits in the final byte.
func (b *Bitfield) Bytes() []byte {
	out := make([]byte, (b.n+7)/8)
	for i := 0; i < b.n; i++ {
		if b.bits.Test(uint(i)) {
			out[i/8] |= 1 << uint(7-(i%8))
		}
	}
	return out
}
