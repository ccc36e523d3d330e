package sim

import (
	"math/rand"
	"time"
)

// LinkConfig describes a simulated unreliable datagram path.
type LinkConfig struct {
	LossRate float64       // probability a packet (or its ack) is dropped
	BaseRTT  time.Duration // round trip before jitter
	Jitter   time.Duration // uniform [0, Jitter) added per packet
}

type inflight struct {
	seq    uint32
	sentAt time.Time
	due    time.Time
}

// Link stands in for a transport: Send assigns sequence numbers, and Deliver
// reports acknowledgements whose round trip has elapsed. Dropped packets are
// never acknowledged.
type Link struct {
	cfg     LinkConfig
	rng     *rand.Rand
	nextSeq uint32
	queue   []inflight // ordered by due time
	dropped uint64
}

func NewLink(cfg LinkConfig, seed int64) *Link {
	return &Link{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		nextSeq: 1,
	}
}

// SetLossRate changes the drop probability, e.g. for a scripted spike.
func (l *Link) SetLossRate(p float64) { l.cfg.LossRate = min(max(p, 0), 1) }

func (l *Link) Config() LinkConfig { return l.cfg }
func (l *Link) Dropped() uint64    { return l.dropped }
func (l *Link) InFlight() int      { return len(l.queue) }

// Send emits one packet at now and returns its sequence number.
func (l *Link) Send(now time.Time) uint32 {
	seq := l.nextSeq
	l.nextSeq++
	if l.rng.Float64() < l.cfg.LossRate {
		l.dropped++
		return seq
	}
	rtt := l.cfg.BaseRTT
	if l.cfg.Jitter > 0 {
		rtt += time.Duration(l.rng.Int63n(int64(l.cfg.Jitter)))
	}
	f := inflight{seq: seq, sentAt: now, due: now.Add(rtt)}
	// jitter can reorder; keep the queue sorted by due time
	i := len(l.queue)
	for i > 0 && l.queue[i-1].due.After(f.due) {
		i--
	}
	l.queue = append(l.queue, inflight{})
	copy(l.queue[i+1:], l.queue[i:])
	l.queue[i] = f
	return seq
}

// Deliver calls ack for every packet acknowledged by now, in arrival order,
// with the measured round trip.
func (l *Link) Deliver(now time.Time, ack func(seq uint32, rtt time.Duration)) int {
	n := 0
	for n < len(l.queue) && !l.queue[n].due.After(now) {
		f := l.queue[n]
		ack(f.seq, f.due.Sub(f.sentAt))
		n++
	}
	l.queue = l.queue[:copy(l.queue, l.queue[n:])]
	return n
}
