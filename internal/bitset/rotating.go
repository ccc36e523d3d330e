package bitset

import (
	"fmt"
	"math/bits"
)

const chunkBits = 64

// Rotating is a fixed-capacity ring of bits. Index 0 is the oldest retained bit.
// Pushing past capacity overwrites the oldest bits in place; the chunk slice is
// allocated once in New and never grows.
// Accessed only from the owning connection's tick goroutine, no locks.
type Rotating struct {
	chunks []uint64
	size   uint32 // capacity in bits, multiple of chunkBits
	start  uint32 // physical bit position of index 0
	valid  uint32 // bits currently addressable
}

// New allocates a bitset holding exactly n bits. n must be a positive multiple of 64.
func New(n int) *Rotating {
	if n <= 0 || n%chunkBits != 0 {
		panic(fmt.Sprintf("bitset: capacity %d is not a positive multiple of %d", n, chunkBits))
	}
	return &Rotating{
		chunks: make([]uint64, n/chunkBits),
		size:   uint32(n),
	}
}

func (r *Rotating) Capacity() uint32       { return r.size }
func (r *Rotating) ValidBitCount() uint32  { return r.valid }
func (r *Rotating) HeadElementOffset() int { return int(r.start / chunkBits) }

// UnusedHeadBits 回傳最新 chunk 中尚未寫入的位元數。
func (r *Rotating) UnusedHeadBits() uint32 {
	end := (r.start + r.valid) % r.size
	return (chunkBits - end%chunkBits) % chunkBits
}

// Bit returns the bit at window-relative index i.
func (r *Rotating) Bit(i uint32) bool {
	p := r.physical(i)
	return r.chunks[p/chunkBits]&(1<<(p%chunkBits)) != 0
}

// SetBit writes the bit at window-relative index i.
func (r *Rotating) SetBit(i uint32, v bool) {
	p := r.physical(i)
	mask := uint64(1) << (p % chunkBits)
	if v {
		r.chunks[p/chunkBits] |= mask
	} else {
		r.chunks[p/chunkBits] &^= mask
	}
}

// EvictCount reports how many of the oldest bits a PushBackBits(count) would drop.
// Callers that need those bits must read indices [0, EvictCount) before pushing.
func (r *Rotating) EvictCount(count uint32) uint32 {
	if uint64(r.valid)+uint64(count) <= uint64(r.size) {
		return 0
	}
	if count >= r.size {
		return r.valid
	}
	return r.valid + count - r.size
}

// PushBackBits appends count zero bits at the newest end, evicting the oldest
// bits once capacity is exceeded.
func (r *Rotating) PushBackBits(count uint32) {
	if count == 0 {
		return
	}
	if count >= r.size {
		clear(r.chunks)
		r.start = 0
		r.valid = r.size
		return
	}
	r.clearRange((r.start+r.valid)%r.size, count)
	if total := r.valid + count; total > r.size {
		r.start = (r.start + total - r.size) % r.size
		r.valid = r.size
	} else {
		r.valid = total
	}
}

// PushBackBit appends a single bit with the given value.
func (r *Rotating) PushBackBit(v bool) {
	r.PushBackBits(1)
	if v {
		r.SetBit(r.valid-1, true)
	}
}

// OnesCount counts set bits among the first n window indices.
func (r *Rotating) OnesCount(n uint32) int {
	if n > r.valid {
		panic(fmt.Sprintf("bitset: count %d exceeds valid bits %d", n, r.valid))
	}
	total := 0
	p := r.start
	for n > 0 {
		off := p % chunkBits
		span := min(n, chunkBits-off, r.size-p)
		total += bits.OnesCount64(r.chunks[p/chunkBits] & spanMask(off, span))
		n -= span
		p = (p + span) % r.size
	}
	return total
}

func (r *Rotating) Reset() {
	clear(r.chunks)
	r.start = 0
	r.valid = 0
}

func (r *Rotating) physical(i uint32) uint32 {
	if i >= r.valid {
		panic(fmt.Sprintf("bitset: index %d out of window [0,%d)", i, r.valid))
	}
	return (r.start + i) % r.size
}

// clearRange zeroes n bits starting at physical position p, wrapping at size.
func (r *Rotating) clearRange(p, n uint32) {
	for n > 0 {
		off := p % chunkBits
		span := min(n, chunkBits-off, r.size-p)
		r.chunks[p/chunkBits] &^= spanMask(off, span)
		n -= span
		p = (p + span) % r.size
	}
}

func spanMask(off, span uint32) uint64 {
	if span >= chunkBits {
		return ^uint64(0)
	}
	return ((uint64(1) << span) - 1) << off
}
