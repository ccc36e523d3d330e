package window

import "github.com/l1jgo/replication/internal/core/ecs"

// candidate is one entity considered this pass.
// seq is the insertion order within the pass; it breaks priority ties so that
// earlier candidates win, keeping output stable for equal priorities.
type candidate struct {
	entity   ecs.EntityID
	priority float32
	seq      uint32
	role     NetworkRole
}

// outranks reports whether a should be kept over b.
func (a candidate) outranks(b candidate) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// candidateHeap is a min-heap: index 0 is the member that would be evicted first.
// index tracks each member's heap slot for O(1) membership lookups.
type candidateHeap struct {
	items []candidate
	index map[ecs.EntityID]int
}

func newCandidateHeap(n int) candidateHeap {
	return candidateHeap{
		items: make([]candidate, 0, n),
		index: make(map[ecs.EntityID]int, n),
	}
}

func (h *candidateHeap) Len() int           { return len(h.items) }
func (h *candidateHeap) Less(i, j int) bool { return h.items[j].outranks(h.items[i]) }
func (h *candidateHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].entity] = i
	h.index[h.items[j].entity] = j
}

func (h *candidateHeap) Push(x any) {
	c := x.(candidate)
	h.index[c.entity] = len(h.items)
	h.items = append(h.items, c)
}

func (h *candidateHeap) Pop() any {
	n := len(h.items)
	c := h.items[n-1]
	h.items = h.items[:n-1]
	delete(h.index, c.entity)
	return c
}

func (h *candidateHeap) reset() {
	h.items = h.items[:0]
	clear(h.index)
}
