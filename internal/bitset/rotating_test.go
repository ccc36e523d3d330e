package bitset

import "testing"

func TestNewRejectsBadCapacity(t *testing.T) {
	for _, n := range []int{0, -64, 10, 65} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic for capacity %d", n)
				}
			}()
			New(n)
		}()
	}
}

func TestFreshBitsetIsEmpty(t *testing.T) {
	r := New(128)
	if r.ValidBitCount() != 0 {
		t.Fatalf("expected 0 valid bits, got %d", r.ValidBitCount())
	}
	if r.UnusedHeadBits() != 0 {
		t.Fatalf("expected 0 unused head bits, got %d", r.UnusedHeadBits())
	}
	r.PushBackBits(5)
	if r.ValidBitCount() != 5 {
		t.Fatalf("expected 5 valid bits, got %d", r.ValidBitCount())
	}
	if r.UnusedHeadBits() != 59 {
		t.Fatalf("expected 59 unused head bits, got %d", r.UnusedHeadBits())
	}
	for i := uint32(0); i < 5; i++ {
		if r.Bit(i) {
			t.Fatalf("pushed bit %d should be zero", i)
		}
	}
}

func TestEvictionKeepsNewestBits(t *testing.T) {
	const n = 64
	r := New(n)
	// bit k carries value (k%3 == 0); the 6th pushed bit is k=5.
	for k := 0; k < n+5; k++ {
		r.PushBackBit(k%3 == 0)
	}
	if r.ValidBitCount() != n {
		t.Fatalf("expected %d valid bits, got %d", n, r.ValidBitCount())
	}
	for i := uint32(0); i < n; i++ {
		k := int(i) + 5
		if got, want := r.Bit(i), k%3 == 0; got != want {
			t.Fatalf("index %d (push %d): expected %v, got %v", i, k, want, got)
		}
	}
}

func TestEvictionReadsSixthPushedBit(t *testing.T) {
	r := New(64)
	for k := 0; k < 64+5; k++ {
		r.PushBackBit(k == 5)
	}
	if !r.Bit(0) {
		t.Fatalf("expected index 0 to hold the 6th pushed bit")
	}
	if r.OnesCount(64) != 1 {
		t.Fatalf("expected exactly one set bit, got %d", r.OnesCount(64))
	}
}

func TestSetBitAcrossChunkBoundary(t *testing.T) {
	r := New(192)
	r.PushBackBits(150)
	r.SetBit(63, true)
	r.SetBit(64, true)
	r.SetBit(149, true)
	if !r.Bit(63) || !r.Bit(64) || !r.Bit(149) {
		t.Fatalf("expected set bits to read back")
	}
	r.SetBit(64, false)
	if r.Bit(64) {
		t.Fatalf("expected bit 64 cleared")
	}
	if got := r.OnesCount(150); got != 2 {
		t.Fatalf("expected 2 ones, got %d", got)
	}
}

func TestPushBackBitsWrapsAndZeroes(t *testing.T) {
	r := New(128)
	r.PushBackBits(128)
	for i := uint32(0); i < 128; i++ {
		r.SetBit(i, true)
	}
	r.PushBackBits(70)
	if r.ValidBitCount() != 128 {
		t.Fatalf("expected full window, got %d", r.ValidBitCount())
	}
	if got := r.OnesCount(128); got != 58 {
		t.Fatalf("expected 58 surviving ones, got %d", got)
	}
	for i := uint32(58); i < 128; i++ {
		if r.Bit(i) {
			t.Fatalf("new bit %d should be zero", i)
		}
	}
	if r.HeadElementOffset() != 1 {
		t.Fatalf("expected head chunk 1, got %d", r.HeadElementOffset())
	}
}

func TestPushBeyondCapacityClearsAll(t *testing.T) {
	r := New(64)
	r.PushBackBits(10)
	r.SetBit(3, true)
	r.PushBackBits(500)
	if r.ValidBitCount() != 64 {
		t.Fatalf("expected 64 valid bits, got %d", r.ValidBitCount())
	}
	if r.OnesCount(64) != 0 {
		t.Fatalf("expected all bits zero after oversized push")
	}
}

func TestEvictCount(t *testing.T) {
	r := New(64)
	r.PushBackBits(60)
	if got := r.EvictCount(4); got != 0 {
		t.Fatalf("expected no eviction, got %d", got)
	}
	if got := r.EvictCount(10); got != 6 {
		t.Fatalf("expected 6 evicted, got %d", got)
	}
	if got := r.EvictCount(100); got != 60 {
		t.Fatalf("expected 60 evicted, got %d", got)
	}
}

func TestOutOfWindowIndexPanics(t *testing.T) {
	r := New(64)
	r.PushBackBits(3)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic reading index 3")
		}
	}()
	r.Bit(3)
}

func TestResetAndNoAllocations(t *testing.T) {
	r := New(256)
	allocs := testing.AllocsPerRun(100, func() {
		r.PushBackBits(37)
		r.SetBit(r.ValidBitCount()-1, true)
		_ = r.Bit(0)
	})
	if allocs != 0 {
		t.Fatalf("expected zero allocations, got %v", allocs)
	}
	r.Reset()
	if r.ValidBitCount() != 0 || r.HeadElementOffset() != 0 {
		t.Fatalf("expected reset state")
	}
}
