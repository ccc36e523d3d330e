package window

import (
	"container/heap"
	"iter"
	"math"
	"slices"

	"github.com/l1jgo/replication/internal/core/ecs"
)

// PriorityFunc scores a candidate. It must be pure for the duration of one
// UpdateWindow call; a panic propagates to the caller.
type PriorityFunc func(id ecs.EntityID) float32

// DistanceFunc returns the candidate's distance from the connection's viewpoint.
type DistanceFunc func(id ecs.EntityID) float32

// ConnectionStats is the transport's per-tick snapshot. Counters are cumulative
// and may wrap.
type ConnectionStats struct {
	SentPackets     uint32
	LostPackets     uint32
	RoundTripTimeMs float32
}

// Config holds the window's tunables, heuristics included.
type Config struct {
	MaxSendCount            int
	ControlledBias          float32 // added to the controlled entity's priority
	DistanceWeight          float32 // priority -= DistanceWeight * distance
	PoorConnectionLossRatio float64 // loss/sent above this flags a poor connection
	PoorConnectionMinSent   uint32  // packets required before the ratio is judged
}

func DefaultConfig() Config {
	return Config{
		MaxSendCount:            128,
		ControlledBias:          float32(math.Inf(1)),
		DistanceWeight:          1,
		PoorConnectionLossRatio: 0.1,
		PoorConnectionMinSent:   64,
	}
}

// Window selects, every tick, the top-K candidates for one connection.
// 每個連線一個 Window，只在該連線的 tick goroutine 內存取，不加鎖。
type Window struct {
	cfg      Config
	heap     candidateHeap
	scratch  candidateHeap // next selection, swapped in once the scan completes
	distance DistanceFunc

	controlled    ecs.EntityID
	hasControlled bool

	minPriority float32
	stats       ConnectionStats
	poor        bool
	lossRatio   float64
	lastSent    uint32
	lastLost    uint32
}

func New(cfg Config) *Window {
	if cfg.MaxSendCount < 0 {
		cfg.MaxSendCount = 0
	}
	return &Window{
		cfg:     cfg,
		heap:    newCandidateHeap(cfg.MaxSendCount),
		scratch: newCandidateHeap(cfg.MaxSendCount),
	}
}

// SetControlledEntity marks the connection's own entity (always relevant, replicated
// as RoleAutonomous).
func (w *Window) SetControlledEntity(id ecs.EntityID) {
	w.controlled = id
	w.hasControlled = true
}

func (w *Window) ClearControlledEntity() {
	w.hasControlled = false
}

// SetDistanceFunc installs the distance term; nil disables it.
func (w *Window) SetDistanceFunc(fn DistanceFunc) {
	w.distance = fn
}

// UpdateWindow rebuilds the window from the candidate sequence and returns a fresh
// ReplicationSet of at most MaxSendCount entries. Every returned entity outranks
// every excluded one (ties go to the earlier candidate in iteration order).
// If priority panics, the previous selection stays in place.
func (w *Window) UpdateWindow(entities iter.Seq[ecs.EntityID], priority PriorityFunc, stats ConnectionStats) ReplicationSet {
	next := &w.scratch
	next.reset()
	limit := w.cfg.MaxSendCount

	if limit > 0 && entities != nil {
		var seq uint32
		for id := range entities {
			if _, dup := next.index[id]; dup {
				continue
			}
			c := w.score(id, priority, seq)
			seq++
			next.offer(c, limit)
		}
	}
	w.heap, w.scratch = w.scratch, w.heap

	w.refreshMin()
	w.checkConnection(stats)
	return w.ReplicationSet()
}

func (w *Window) score(id ecs.EntityID, priority PriorityFunc, seq uint32) candidate {
	p := priority(id)
	if w.distance != nil && w.cfg.DistanceWeight != 0 {
		p -= w.cfg.DistanceWeight * w.distance(id)
	}
	role := RoleClient
	if w.hasControlled && id == w.controlled {
		p += w.cfg.ControlledBias
		role = RoleAutonomous
		if p != p { // -Inf score plus +Inf bias
			p = w.cfg.ControlledBias
		}
	}
	if p != p { // NaN sorts below everything
		p = float32(math.Inf(-1))
	}
	return candidate{entity: id, priority: p, seq: seq, role: role}
}

// offer inserts c if the heap has room, or replaces the minimum if c outranks it.
func (h *candidateHeap) offer(c candidate, limit int) {
	if h.Len() < limit {
		heap.Push(h, c)
		return
	}
	if !c.outranks(h.items[0]) {
		return
	}
	delete(h.index, h.items[0].entity)
	h.items[0] = c
	h.index[c.entity] = 0
	heap.Fix(h, 0)
}

// IsInWindow reports the entity's role if it is currently selected.
func (w *Window) IsInWindow(id ecs.EntityID) (NetworkRole, bool) {
	i, ok := w.heap.index[id]
	if !ok {
		return RoleInvalid, false
	}
	return w.heap.items[i].role, true
}

// SetMaxSendCount changes the capacity. Negative values clamp to zero; shrinking
// evicts the lowest-priority members immediately.
func (w *Window) SetMaxSendCount(n int) {
	if n < 0 {
		n = 0
	}
	w.cfg.MaxSendCount = n
	for w.heap.Len() > n {
		heap.Pop(&w.heap)
	}
	w.refreshMin()
}

// ReplicationSet returns a fresh copy of the current selection.
func (w *Window) ReplicationSet() ReplicationSet {
	set := make(ReplicationSet, w.heap.Len())
	for _, c := range w.heap.items {
		set[c.entity] = c.role
	}
	return set
}

// Candidate is a selected entity with its computed priority.
type Candidate struct {
	Entity   ecs.EntityID
	Priority float32
	Role     NetworkRole
}

// Candidates returns the selection ordered from highest to lowest priority.
func (w *Window) Candidates() []Candidate {
	sorted := slices.Clone(w.heap.items)
	slices.SortFunc(sorted, func(a, b candidate) int {
		switch {
		case a.outranks(b):
			return -1
		case b.outranks(a):
			return 1
		}
		return 0
	})
	out := make([]Candidate, len(sorted))
	for i, c := range sorted {
		out[i] = Candidate{Entity: c.entity, Priority: c.priority, Role: c.role}
	}
	return out
}

func (w *Window) refreshMin() {
	if w.heap.Len() == 0 {
		w.minPriority = 0
		return
	}
	w.minPriority = w.heap.items[0].priority
}

// checkConnection judges packet loss since the last baseline once enough packets
// have been sent. The window only raises the flag; reacting is the caller's policy.
func (w *Window) checkConnection(stats ConnectionStats) {
	w.stats = stats
	sent := stats.SentPackets - w.lastSent
	if sent == 0 || sent < w.cfg.PoorConnectionMinSent {
		return
	}
	lost := stats.LostPackets - w.lastLost
	w.lossRatio = float64(lost) / float64(sent)
	w.poor = w.lossRatio > w.cfg.PoorConnectionLossRatio
	w.lastSent = stats.SentPackets
	w.lastLost = stats.LostPackets
}

func (w *Window) Len() int                       { return w.heap.Len() }
func (w *Window) MaxSendCount() int              { return w.cfg.MaxSendCount }
func (w *Window) MinPriorityReplicated() float32 { return w.minPriority }
func (w *Window) IsPoorConnection() bool         { return w.poor }
func (w *Window) LossRatio() float64             { return w.lossRatio }
func (w *Window) LastStats() ConnectionStats     { return w.stats }
