package replication

import (
	"github.com/l1jgo/replication/internal/bitset"
	"github.com/l1jgo/replication/internal/window"
)

// AckTracker keeps one bit per sent packet sequence over a bounded history.
// A packet whose bit is still clear when it rotates out of the history is
// counted as lost. Produces the ConnectionStats the window consumes.
type AckTracker struct {
	bits    *bitset.Rotating
	newest  uint32
	started bool

	sent  uint32
	lost  uint32
	acked uint32
	late  uint32 // acks for sequences already rotated out

	rttMs float32
}

// NewAckTracker keeps history for the last n sequences (n multiple of 64).
func NewAckTracker(n int) *AckTracker {
	return &AckTracker{bits: bitset.New(n)}
}

// OnSent records that sequence seq went out. Older or repeated sequences are
// ignored; skipped sequence numbers are not counted as packets.
func (a *AckTracker) OnSent(seq uint32) {
	if !a.started {
		a.started = true
		a.newest = seq
		a.bits.PushBackBits(1)
		a.sent++
		return
	}
	gap := seq - a.newest
	if int32(gap) <= 0 {
		return
	}
	for i, n := uint32(0), a.bits.EvictCount(gap); i < n; i++ {
		if !a.bits.Bit(i) {
			a.lost++
		}
	}
	a.bits.PushBackBits(gap)
	// mark skipped sequences as settled so they never count as loss
	valid := a.bits.ValidBitCount()
	for i := uint32(1); i < gap && i < valid; i++ {
		a.bits.SetBit(valid-1-i, true)
	}
	a.newest = seq
	a.sent++
}

// OnAcked records a remote acknowledgement for seq. Returns false for acks that
// are duplicate, from the future, or older than the retained history.
func (a *AckTracker) OnAcked(seq uint32) bool {
	if !a.started {
		return false
	}
	offset := a.newest - seq
	if int32(offset) < 0 {
		return false
	}
	valid := a.bits.ValidBitCount()
	if offset >= valid {
		a.late++
		return false
	}
	idx := valid - 1 - offset
	if a.bits.Bit(idx) {
		return false
	}
	a.bits.SetBit(idx, true)
	a.acked++
	return true
}

// ObserveRTT folds a round-trip sample into a smoothed estimate (1/8 gain).
func (a *AckTracker) ObserveRTT(ms float32) {
	if a.rttMs == 0 {
		a.rttMs = ms
		return
	}
	a.rttMs += (ms - a.rttMs) / 8
}

// Outstanding counts retained sequences not yet acknowledged.
func (a *AckTracker) Outstanding() int {
	valid := a.bits.ValidBitCount()
	return int(valid) - a.bits.OnesCount(valid)
}

func (a *AckTracker) Acked() uint32 { return a.acked }
func (a *AckTracker) Late() uint32  { return a.late }

func (a *AckTracker) Stats() window.ConnectionStats {
	return window.ConnectionStats{
		SentPackets:     a.sent,
		LostPackets:     a.lost,
		RoundTripTimeMs: a.rttMs,
	}
}
