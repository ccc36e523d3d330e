package sim

import (
	"math"
	"slices"

	"github.com/l1jgo/replication/internal/core/ecs"
)

// Grid is a cell-based area-of-interest index used to pre-filter replication
// candidates. The window still ranks whatever it is handed; the grid only
// keeps far-away entities out of the candidate stream.
// Accessed only from the simulation goroutine, no locks.
type Grid struct {
	cellSize float32
	cells    map[cellKey]map[ecs.EntityID]struct{}
	where    map[ecs.EntityID]cellKey
}

type cellKey struct {
	cx int32
	cy int32
}

func NewGrid(cellSize float32) *Grid {
	if cellSize <= 0 {
		cellSize = 32
	}
	return &Grid{
		cellSize: cellSize,
		cells:    make(map[cellKey]map[ecs.EntityID]struct{}),
		where:    make(map[ecs.EntityID]cellKey),
	}
}

func (g *Grid) key(x, y float32) cellKey {
	return cellKey{
		cx: int32(math.Floor(float64(x / g.cellSize))),
		cy: int32(math.Floor(float64(y / g.cellSize))),
	}
}

// Place inserts id or moves it to the cell containing (x, y).
func (g *Grid) Place(id ecs.EntityID, x, y float32) {
	k := g.key(x, y)
	if old, ok := g.where[id]; ok {
		if old == k {
			return
		}
		g.removeFrom(id, old)
	}
	cell := g.cells[k]
	if cell == nil {
		cell = make(map[ecs.EntityID]struct{})
		g.cells[k] = cell
	}
	cell[id] = struct{}{}
	g.where[id] = k
}

// Remove takes id out of the grid. Unknown ids are ignored.
func (g *Grid) Remove(id ecs.EntityID) {
	if k, ok := g.where[id]; ok {
		g.removeFrom(id, k)
		delete(g.where, id)
	}
}

func (g *Grid) removeFrom(id ecs.EntityID, k cellKey) {
	cell := g.cells[k]
	if cell == nil {
		return
	}
	delete(cell, id)
	if len(cell) == 0 {
		delete(g.cells, k)
	}
}

func (g *Grid) Len() int { return len(g.where) }

// Nearby appends to buf every id in the (2r+1)x(2r+1) block of cells around
// (x, y), sorted ascending. Caller does fine-grained distance filtering.
func (g *Grid) Nearby(x, y float32, r int32, buf []ecs.EntityID) []ecs.EntityID {
	c := g.key(x, y)
	start := len(buf)
	for dx := -r; dx <= r; dx++ {
		for dy := -r; dy <= r; dy++ {
			for id := range g.cells[cellKey{cx: c.cx + dx, cy: c.cy + dy}] {
				buf = append(buf, id)
			}
		}
	}
	slices.Sort(buf[start:])
	return buf
}

// RingsFor returns how many rings of cells cover radius.
func (g *Grid) RingsFor(radius float32) int32 {
	if radius <= 0 {
		return 0
	}
	return int32(math.Ceil(float64(radius / g.cellSize)))
}
