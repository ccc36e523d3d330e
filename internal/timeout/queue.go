package timeout

import (
	"container/heap"
	"time"
)

// ID identifies a registered item. Ids come from a 32-bit counter that wraps after
// ~4 billion registrations; ids still live at wrap time are skipped.
type ID uint32

// InvalidID is never returned by Register.
const InvalidID ID = 0

// Result tells UpdateTimeouts what to do with an expired item.
type Result int

const (
	Refresh Result = iota // reschedule at now + Duration
	Delete                // drop the item
)

// Item is one lease. NextTimeout = last refresh + Duration.
type Item struct {
	ID          ID
	UserData    uint64
	Duration    time.Duration
	NextTimeout time.Time
}

// Handler is invoked for each expired item. A panic propagates to the caller of
// UpdateTimeouts and leaves the item scheduled at its old time.
type Handler func(item *Item) Result

// Clock supplies monotonic "now" readings.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock (time.Now carries a monotonic reading).
var SystemClock Clock = systemClock{}

type entry struct {
	id ID
	at time.Time
}

type entryHeap []entry

func (h entryHeap) Len() int      { return len(h) }
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(entry)) }

// Less orders by due time, then by id so equal deadlines expire in a stable order.
func (h entryHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].id < h[j].id
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Queue tracks keyed timeouts. The map is authoritative; the heap is a scheduling
// index that may hold stale entries, resolved lazily on pop.
// Single-goroutine access only (the owning connection's tick).
type Queue struct {
	clock  Clock
	items  map[ID]*Item
	sched  entryHeap
	nextID ID

	refreshed []entry // reused buffer for handler refreshes within one pass
	updating  bool
}

func NewQueue(clock Clock) *Queue {
	if clock == nil {
		clock = SystemClock
	}
	return &Queue{
		clock:  clock,
		items:  make(map[ID]*Item, 64),
		sched:  make(entryHeap, 0, 64),
		nextID: 1,
	}
}

// Register starts a lease for userData that expires d after now.
func (q *Queue) Register(userData uint64, d time.Duration) ID {
	id := q.allocID()
	item := &Item{
		ID:          id,
		UserData:    userData,
		Duration:    d,
		NextTimeout: q.clock.Now().Add(d),
	}
	q.items[id] = item
	heap.Push(&q.sched, entry{id: id, at: item.NextTimeout})
	return id
}

func (q *Queue) allocID() ID {
	for {
		id := q.nextID
		q.nextID++
		if id == InvalidID {
			continue
		}
		if _, live := q.items[id]; live {
			continue
		}
		return id
	}
}

// Retrieve returns the item and resets its clock (read + keep-alive in one call).
func (q *Queue) Retrieve(id ID) (*Item, bool) {
	item, ok := q.items[id]
	if !ok {
		return nil, false
	}
	item.NextTimeout = q.clock.Now().Add(item.Duration)
	heap.Push(&q.sched, entry{id: id, at: item.NextTimeout})
	q.maybeCompact()
	return item, true
}

// Peek returns the item without refreshing it.
func (q *Queue) Peek(id ID) (*Item, bool) {
	item, ok := q.items[id]
	return item, ok
}

// Remove drops the item. Removing an unknown id is a no-op.
func (q *Queue) Remove(id ID) {
	if _, ok := q.items[id]; !ok {
		return
	}
	delete(q.items, id)
	q.maybeCompact()
}

// Len returns the number of live items.
func (q *Queue) Len() int { return len(q.items) }

// Scheduled returns the number of heap entries, stale ones included.
func (q *Queue) Scheduled() int { return len(q.sched) }

// UpdateTimeouts processes every item due at or before now.
func (q *Queue) UpdateTimeouts(h Handler) int {
	return q.UpdateTimeoutsLimit(h, -1)
}

// UpdateTimeoutsLimit processes at most max due items (max < 0 = unbounded) and
// returns how many handler invocations completed. Items a handler refreshes are
// rescheduled once the pass ends, so they are never seen twice in one call.
func (q *Queue) UpdateTimeoutsLimit(h Handler, max int) int {
	now := q.clock.Now()
	processed := 0
	q.refreshed = q.refreshed[:0]
	q.updating = true
	defer q.flushRefreshed()

	for len(q.sched) > 0 && (max < 0 || processed < max) {
		top := q.sched[0]
		if top.at.After(now) {
			break
		}
		heap.Pop(&q.sched)

		item, ok := q.items[top.id]
		if !ok || !item.NextTimeout.Equal(top.at) {
			continue // stale: removed or refreshed since scheduling
		}

		switch q.dispatch(top, item, h) {
		case Refresh:
			item.NextTimeout = now.Add(item.Duration)
			q.refreshed = append(q.refreshed, entry{id: top.id, at: item.NextTimeout})
		case Delete:
			delete(q.items, top.id)
		}
		processed++
	}
	return processed
}

// dispatch runs the handler; if it panics the popped entry goes back on the heap.
func (q *Queue) dispatch(e entry, item *Item, h Handler) Result {
	returned := false
	defer func() {
		if !returned {
			heap.Push(&q.sched, e)
		}
	}()
	res := h(item)
	returned = true
	return res
}

func (q *Queue) flushRefreshed() {
	q.updating = false
	for _, e := range q.refreshed {
		if _, ok := q.items[e.id]; ok {
			heap.Push(&q.sched, e)
		}
	}
	q.refreshed = q.refreshed[:0]
	q.maybeCompact()
}

// maybeCompact rebuilds the heap from the map once stale entries dominate.
func (q *Queue) maybeCompact() {
	if q.updating || len(q.sched) < 64 || len(q.sched) <= 3*len(q.items) {
		return
	}
	q.sched = q.sched[:0]
	for id, item := range q.items {
		q.sched = append(q.sched, entry{id: id, at: item.NextTimeout})
	}
	heap.Init(&q.sched)
}
