// Package bitfield manipulates packed boolean vectors indexed MSB-first per
// byte, as used for the peer-wire bitfield message and piece completion
// state.
package bitfield

import "encoding/hex"

type Bitfield struct {
	b      []byte
	length uint32
}

// New creates a new Bitfield of length bits, all clear.
func New(length uint32) *Bitfield {
	return &Bitfield{make([]byte, (length+7)/8), length}
}

// NewBytes returns a new Bitfield backed by b, without copying. Unused bits
// in the last byte are cleared. Panics if b is not big enough to hold
// length bits.
func NewBytes(b []byte, length uint32) *Bitfield {
	div, mod := divMod32(length, 8)
	lastByteIncomplete := mod != 0
	requiredBytes := div
	if lastByteIncomplete {
		requiredBytes++
	}
	if uint32(len(b)) < requiredBytes {
		panic("bitfield: not enough bytes in slice for specified length")
	}
	if lastByteIncomplete {
		b[requiredBytes-1] &= ^(0xff >> mod)
	}
	return &Bitfield{b[:requiredBytes], length}
}

// Bytes returns the backing bytes. Modifying the returned slice modifies
// the Bitfield.
func (b *Bitfield) Bytes() []byte { return b.b }

// Len returns the number of bits, as given to New.
func (b *Bitfield) Len() uint32 { return b.length }

// Hex returns the backing bytes hex-encoded.
func (b *Bitfield) Hex() string { return hex.EncodeToString(b.b) }

// Set sets bit i. Bit 0 is the most significant bit of byte 0. Panics if
// i >= Len().
func (b *Bitfield) Set(i uint32) {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	b.b[div] |= 1 << (7 - mod)
}

// SetTo sets bit i to value.
func (b *Bitfield) SetTo(i uint32, value bool) {
	if value {
		b.Set(i)
	} else {
		b.Clear(i)
	}
}

// Clear clears bit i.
func (b *Bitfield) Clear(i uint32) {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	b.b[div] &= ^(1 << (7 - mod))
}

// ClearAll clears every bit.
func (b *Bitfield) ClearAll() {
	for i := range b.b {
		b.b[i] = 0
	}
}

// Test reports whether bit i is set. Panics if i >= Len().
func (b *Bitfield) Test(i uint32) bool {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	return (b.b[div] & (1 << (7 - mod))) > 0
}

// FirstSet returns the index of the first set bit at or after start.
func (b *Bitfield) FirstSet(start uint32) (uint32, bool) {
	for i := start; i < b.length; i++ {
		if b.Test(i) {
			return i, true
		}
	}
	return 0, false
}

// FirstClear returns the index of the first clear bit at or after start.
func (b *Bitfield) FirstClear(start uint32) (uint32, bool) {
	for i := start; i < b.length; i++ {
		if !b.Test(i) {
			return i, true
		}
	}
	return 0, false
}

var countCache = [256]byte{
	0, 1, 1, 2, 1, 2, 2, 3, 1, 2, 2, 3, 2, 3, 3, 4,
	1, 2, 2, 3, 2, 3, 3, 4, 2, 3, 3, 4, 3, 4, 4, 5,
	1, 2, 2, 3, 2, 3, 3, 4, 2, 3, 3, 4, 3, 4, 4, 5,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	1, 2, 2, 3, 2, 3, 3, 4, 2, 3, 3, 4, 3, 4, 4, 5,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	3, 4, 4, 5, 4, 5, 5, 6, 4, 5, 5, 6, 5, 6, 6, 7,
	1, 2, 2, 3, 2, 3, 3, 4, 2, 3, 3, 4, 3, 4, 4, 5,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	3, 4, 4, 5, 4, 5, 5, 6, 4, 5, 5, 6, 5, 6, 6, 7,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	3, 4, 4, 5, 4, 5, 5, 6, 4, 5, 5, 6, 5, 6, 6, 7,
	3, 4, 4, 5, 4, 5, 5, 6, 4, 5, 5, 6, 5, 6, 6, 7,
	4, 5, 5, 6, 5, 6, 6, 7, 5, 6, 6, 7, 6, 7, 7, 8,
}

// Count returns the number of set bits.
func (b *Bitfield) Count() uint32 {
	var total uint32
	for _, v := range b.b {
		total += uint32(countCache[v])
	}
	return total
}

// All reports whether every bit is set.
func (b *Bitfield) All() bool {
	return b.Count() == b.length
}

func (b *Bitfield) checkIndex(i uint32) {
	if i >= b.Len() {
		panic("bitfield: index out of bounds")
	}
}

func divMod32(a, b uint32) (uint32, uint32) { return a / b, a % b }
