// Package bitfield implements the fixed-length piece-possession bitmap.
//
// The set itself is backed by github.com/willf/bitset, the way
// uber-kraken's scheduler tracks remote piece possession
// (lib/torrent/scheduler/dispatcher.go, piecerequest/manager.go) — AND/NOT/
// count/iterate map directly onto BitSet's Intersection/Difference/Count/
// NextSet. The wire representation (big-endian, bit 0 = MSB of byte 0) is
// independent of BitSet's internal layout and is handled entirely by
// Bytes/FromBytes below.
package bitfield

import (
	"github.com/willf/bitset"

	"goleech/internal/bterrors"
)

// Bitfield is a bitmap of exactly Len() pieces.
type Bitfield struct {
	set *bitset.BitSet
	n   int
}

// New returns an all-zero bitfield of length n.
func New(n int) *Bitfield {
	return &Bitfield{set: bitset.New(uint(n)), n: n}
}

// FromBytes parses the big-endian bit-packed wire representation of a
// bitfield covering n pieces. Trailing padding bits (beyond n, within the
// last byte) must be zero.
func FromBytes(n int, data []byte) (*Bitfield, error) {
	want := (n + 7) / 8
	if len(data) != want {
		return nil, bterrors.Wrapf(bterrors.ErrMalformedInput, "bitfield wire length %d, want %d for %d pieces", len(data), want, n)
	}
	bf := New(n)
	for i := 0; i < n; i++ {
		byteIdx := i / 8
		bit := byte(1) << (7 - uint(i%8))
		if data[byteIdx]&bit != 0 {
			bf.Set(i)
		}
	}
	// Any padding bits beyond n, in the final byte, must be zero.
	if want > 0 {
		last := data[want-1]
		for bit := n % 8; bit != 0 && bit < 8; bit++ {
			mask := byte(1) << (7 - uint(bit))
			if last&mask != 0 {
				return nil, bterrors.Wrap(bterrors.ErrMalformedInput, "non-zero padding bits in bitfield")
			}
		}
	}
	return bf, nil
}

// Bytes packs the bitfield into its big-endian wire representation,
// zero-padding the final byte.
func (bf *Bitfield) Bytes() []byte {
	out := make([]byte, (bf.n+7)/8)
	for i := 0; i < bf.n; i++ {
		if bf.Get(i) {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

func (bf *Bitfield) Len() int { return bf.n }

func (bf *Bitfield) Set(i int) {
	if i < 0 || i >= bf.n {
		return
	}
	bf.set.Set(uint(i))
}

func (bf *Bitfield) Clear(i int) {
	if i < 0 || i >= bf.n {
		return
	}
	bf.set.Clear(uint(i))
}

func (bf *Bitfield) Get(i int) bool {
	if i < 0 || i >= bf.n {
		return false
	}
	return bf.set.Test(uint(i))
}

func (bf *Bitfield) Count() int {
	return int(bf.set.Count())
}

// All reports whether every piece is set.
func (bf *Bitfield) All() bool {
	return bf.Count() == bf.n
}

// And returns a new bitfield holding bf AND other.
func (bf *Bitfield) And(other *Bitfield) *Bitfield {
	return &Bitfield{set: bf.set.Intersection(other.set), n: bf.n}
}

// AndNot returns a new bitfield holding bf AND NOT other — the "needed"
// computation used throughout peer session and scheduler.
func (bf *Bitfield) AndNot(other *Bitfield) *Bitfield {
	return &Bitfield{set: bf.set.Difference(other.set), n: bf.n}
}

// Any reports whether at least one bit is set.
func (bf *Bitfield) Any() bool {
	return bf.Count() > 0
}

// Each calls fn for every set bit index, in ascending order.
func (bf *Bitfield) Each(fn func(i int)) {
	for i, ok := bf.set.NextSet(0); ok; i, ok = bf.set.NextSet(i + 1) {
		if int(i) >= bf.n {
			return
		}
		fn(int(i))
	}
}

// Indices returns the set bit indices in ascending order.
func (bf *Bitfield) Indices() []int {
	var out []int
	bf.Each(func(i int) { out = append(out, i) })
	return out
}

// Clone returns an independent copy of bf.
func (bf *Bitfield) Clone() *Bitfield {
	cp := New(bf.n)
	bf.Each(func(i int) { cp.Set(i) })
	return cp
}
