package replication

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Hub owns every connection's replication state. Connections are independent:
// UpdateAll may spread them across goroutines, but a given connection is only
// ever touched by one goroutine at a time. There is no locking inside a
// connection; safety comes from partitioning.
type Hub struct {
	conns   map[uint64]*Connection
	order   []uint64 // ascending connection ids
	workers int
	log     *zap.Logger
}

// NewHub creates a hub. workers <= 1 updates connections sequentially on the
// caller's goroutine.
func NewHub(workers int, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		conns:   make(map[uint64]*Connection),
		workers: workers,
		log:     log,
	}
}

func (h *Hub) Add(c *Connection) error {
	if _, dup := h.conns[c.ID]; dup {
		return fmt.Errorf("connection %d already registered", c.ID)
	}
	h.conns[c.ID] = c
	i, _ := slices.BinarySearch(h.order, c.ID)
	h.order = slices.Insert(h.order, i, c.ID)
	h.log.Info("連線加入複製中樞", zap.Uint64("conn", c.ID), zap.Int("total", len(h.conns)))
	return nil
}

// Remove drops a connection and all its bookkeeping. Unknown ids are ignored.
func (h *Hub) Remove(id uint64) {
	if _, ok := h.conns[id]; !ok {
		return
	}
	delete(h.conns, id)
	if i, found := slices.BinarySearch(h.order, id); found {
		h.order = slices.Delete(h.order, i, i+1)
	}
	h.log.Info("連線離開複製中樞", zap.Uint64("conn", id), zap.Int("total", len(h.conns)))
}

func (h *Hub) Get(id uint64) (*Connection, bool) {
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) Len() int { return len(h.conns) }

// Each visits connections in ascending id order on the caller's goroutine.
func (h *Hub) Each(fn func(*Connection)) {
	for _, id := range h.order {
		fn(h.conns[id])
	}
}

// UpdateAll runs fn once per connection. With more than one worker the calls are
// spread across goroutines; the first error cancels ctx for the remaining calls.
// A panic inside fn is re-raised on the caller's goroutine.
func (h *Hub) UpdateAll(ctx context.Context, fn func(ctx context.Context, c *Connection) error) error {
	if h.workers <= 1 {
		for _, id := range h.order {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, h.conns[id]); err != nil {
				return fmt.Errorf("connection %d: %w", id, err)
			}
		}
		return nil
	}

	var (
		panicOnce sync.Once
		panicked  any
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.workers)
	for _, id := range h.order {
		c := h.conns[id]
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					panicOnce.Do(func() { panicked = p })
					err = fmt.Errorf("connection %d panicked", c.ID)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := fn(gctx, c); err != nil {
				return fmt.Errorf("connection %d: %w", c.ID, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if panicked != nil {
		panic(panicked)
	}
	return err
}
