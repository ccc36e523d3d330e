package sim

import (
	"iter"
	"math"
	"math/rand"
	"time"

	"github.com/l1jgo/replication/internal/core/ecs"
	"github.com/l1jgo/replication/internal/window"
)

// Position is in world units.
type Position struct {
	X, Y float32
}

// Velocity is in world units per second.
type Velocity struct {
	X, Y float32
}

// Info is the static descriptor the priority policy reads.
type Info struct {
	Kind string
	Base float32 // base replication priority
}

// Bounds is the playfield; entities bounce off its edges.
type Bounds struct {
	Width, Height float32
}

// World is the reference entity store the replication core runs against:
// an ECS world with position, velocity and info components plus an AOI grid.
type World struct {
	ecs  *ecs.World
	Pos  *ecs.Store[Position]
	Vel  *ecs.Store[Velocity]
	Info *ecs.Store[Info]

	grid   *Grid
	bounds Bounds
	rng    *rand.Rand
	moved  []ecs.EntityID // entities that changed position during the last Step
}

func NewWorld(bounds Bounds, cellSize float32, seed int64) *World {
	w := &World{
		ecs:    ecs.NewWorld(),
		Pos:    ecs.NewStore[Position](),
		Vel:    ecs.NewStore[Velocity](),
		Info:   ecs.NewStore[Info](),
		grid:   NewGrid(cellSize),
		bounds: bounds,
		rng:    rand.New(rand.NewSource(seed)),
	}
	w.ecs.Register(w.Pos)
	w.ecs.Register(w.Vel)
	w.ecs.Register(w.Info)
	return w
}

func (w *World) Grid() *Grid      { return w.grid }
func (w *World) Rand() *rand.Rand { return w.rng }
func (w *World) Len() int         { return w.ecs.Pool().Len() }

func (w *World) Alive(id ecs.EntityID) bool { return w.ecs.Alive(id) }

// Spawn creates an entity. pos is clamped into bounds.
func (w *World) Spawn(info Info, pos Position, vel Velocity) ecs.EntityID {
	id := w.ecs.CreateEntity()
	pos = w.clamp(pos)
	w.Pos.Set(id, &pos)
	w.Vel.Set(id, &vel)
	w.Info.Set(id, &info)
	w.grid.Place(id, pos.X, pos.Y)
	return id
}

// SpawnRandom places an entity uniformly inside bounds with a random heading.
func (w *World) SpawnRandom(info Info, speed float32) ecs.EntityID {
	pos := Position{
		X: w.rng.Float32() * w.bounds.Width,
		Y: w.rng.Float32() * w.bounds.Height,
	}
	a := w.rng.Float64() * 2 * math.Pi
	vel := Velocity{
		X: speed * float32(math.Cos(a)),
		Y: speed * float32(math.Sin(a)),
	}
	return w.Spawn(info, pos, vel)
}

// Despawn queues id for removal at the next Flush.
func (w *World) Despawn(id ecs.EntityID) {
	w.ecs.MarkForDestruction(id)
}

// Flush destroys queued entities and returns their ids.
func (w *World) Flush() []ecs.EntityID {
	gone := w.ecs.FlushDestroyQueue()
	for _, id := range gone {
		w.grid.Remove(id)
	}
	return gone
}

// Step integrates velocities over dt, reflecting at the bounds.
func (w *World) Step(dt time.Duration) {
	sec := float32(dt.Seconds())
	w.moved = w.moved[:0]
	for id, v := range w.Vel.All() {
		if v.X == 0 && v.Y == 0 {
			continue
		}
		p, ok := w.Pos.Get(id)
		if !ok {
			continue
		}
		p.X, v.X = reflect(p.X+v.X*sec, v.X, w.bounds.Width)
		p.Y, v.Y = reflect(p.Y+v.Y*sec, v.Y, w.bounds.Height)
		w.grid.Place(id, p.X, p.Y)
		w.moved = append(w.moved, id)
	}
}

func reflect(x, v, limit float32) (float32, float32) {
	if limit <= 0 {
		return x, v
	}
	switch {
	case x < 0:
		return min(-x, limit), -v
	case x > limit:
		return max(2*limit-x, 0), -v
	}
	return x, v
}

func (w *World) clamp(p Position) Position {
	p.X = min(max(p.X, 0), w.bounds.Width)
	p.Y = min(max(p.Y, 0), w.bounds.Height)
	return p
}

// Entities yields every live entity in ascending id order.
func (w *World) Entities() iter.Seq[ecs.EntityID] {
	return w.Info.IDs()
}

// Moved yields entities whose position changed during the last Step, ascending.
func (w *World) Moved() iter.Seq[ecs.EntityID] {
	return func(yield func(ecs.EntityID) bool) {
		for _, id := range w.moved {
			if !yield(id) {
				return
			}
		}
	}
}

// AppendAround appends the AOI candidates within radius of viewer to buf in
// ascending id order. A zero viewer or radius <= 0 appends every entity.
func (w *World) AppendAround(buf []ecs.EntityID, viewer ecs.EntityID, radius float32) []ecs.EntityID {
	p, ok := w.Pos.Get(viewer)
	if viewer.IsZero() || !ok || radius <= 0 {
		for id := range w.Entities() {
			buf = append(buf, id)
		}
		return buf
	}
	return w.grid.Nearby(p.X, p.Y, w.grid.RingsFor(radius), buf)
}

// DistanceFrom returns a window.DistanceFunc measuring from viewer. Entities
// without a position (or a missing viewer) are at distance 0.
func (w *World) DistanceFrom(viewer ecs.EntityID) window.DistanceFunc {
	return func(id ecs.EntityID) float32 {
		a, ok := w.Pos.Get(viewer)
		if !ok {
			return 0
		}
		b, ok := w.Pos.Get(id)
		if !ok {
			return 0
		}
		dx, dy := float64(a.X-b.X), float64(a.Y-b.Y)
		return float32(math.Hypot(dx, dy))
	}
}

// BasePriority is the priority function used when no script is loaded.
func (w *World) BasePriority(id ecs.EntityID) float32 {
	if info, ok := w.Info.Get(id); ok {
		return info.Base
	}
	return 0
}
