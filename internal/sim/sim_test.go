package sim

import (
	"slices"
	"testing"
	"time"

	"github.com/l1jgo/replication/internal/core/ecs"
)

func TestGridPlaceMoveRemove(t *testing.T) {
	g := NewGrid(10)
	a, b, c := ecs.NewEntityID(1, 0), ecs.NewEntityID(2, 0), ecs.NewEntityID(3, 0)
	g.Place(a, 5, 5)
	g.Place(b, 15, 5)
	g.Place(c, 45, 45)

	got := g.Nearby(5, 5, 1, nil)
	if !slices.Equal(got, []ecs.EntityID{a, b}) {
		t.Fatalf("expected [a b] near origin, got %v", got)
	}

	g.Place(c, 12, 12)
	got = g.Nearby(5, 5, 1, got[:0])
	if !slices.Equal(got, []ecs.EntityID{a, b, c}) {
		t.Fatalf("expected c after move, got %v", got)
	}

	g.Remove(b)
	g.Remove(b)
	if g.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", g.Len())
	}
	got = g.Nearby(5, 5, 1, got[:0])
	if slices.Contains(got, b) {
		t.Fatalf("expected b removed, got %v", got)
	}
}

func TestGridNegativeCoordinates(t *testing.T) {
	g := NewGrid(10)
	a := ecs.NewEntityID(1, 0)
	g.Place(a, -0.5, -0.5)
	if got := g.Nearby(-25, -25, 1, nil); len(got) != 0 {
		t.Fatalf("expected nothing two cells away, got %v", got)
	}
	if got := g.Nearby(-15, -15, 1, nil); !slices.Equal(got, []ecs.EntityID{a}) {
		t.Fatalf("expected a in adjacent cell, got %v", got)
	}
}

func TestGridRingsFor(t *testing.T) {
	g := NewGrid(20)
	for _, c := range []struct {
		r    float32
		want int32
	}{{0, 0}, {1, 1}, {20, 1}, {21, 2}, {100, 5}} {
		if got := g.RingsFor(c.r); got != c.want {
			t.Fatalf("RingsFor(%v): expected %d, got %d", c.r, c.want, got)
		}
	}
}

func TestWorldStepReflects(t *testing.T) {
	w := NewWorld(Bounds{Width: 100, Height: 100}, 10, 1)
	id := w.Spawn(Info{Kind: "npc", Base: 1}, Position{X: 95, Y: 50}, Velocity{X: 10})
	still := w.Spawn(Info{Kind: "prop"}, Position{X: 10, Y: 10}, Velocity{})

	w.Step(time.Second)
	p, _ := w.Pos.Get(id)
	v, _ := w.Vel.Get(id)
	if p.X != 95 || v.X != -10 {
		t.Fatalf("expected reflection to x=95 vx=-10, got x=%v vx=%v", p.X, v.X)
	}
	moved := slices.Collect(w.Moved())
	if !slices.Equal(moved, []ecs.EntityID{id}) {
		t.Fatalf("expected only the moving entity, got %v", moved)
	}
	if slices.Contains(moved, still) {
		t.Fatal("stationary entity reported as moved")
	}
}

func TestWorldSpawnClampsAndDespawn(t *testing.T) {
	w := NewWorld(Bounds{Width: 50, Height: 50}, 10, 1)
	id := w.Spawn(Info{}, Position{X: -5, Y: 80}, Velocity{})
	p, _ := w.Pos.Get(id)
	if p.X != 0 || p.Y != 50 {
		t.Fatalf("expected clamp to (0,50), got (%v,%v)", p.X, p.Y)
	}

	w.Despawn(id)
	if !w.Alive(id) {
		t.Fatal("expected entity alive until flush")
	}
	gone := w.Flush()
	if !slices.Equal(gone, []ecs.EntityID{id}) {
		t.Fatalf("expected %v destroyed, got %v", id, gone)
	}
	if w.Alive(id) || w.Grid().Len() != 0 || w.Info.Has(id) {
		t.Fatal("expected entity fully removed")
	}
}

func TestWorldAroundFiltersByGrid(t *testing.T) {
	w := NewWorld(Bounds{Width: 1000, Height: 1000}, 50, 1)
	viewer := w.Spawn(Info{Kind: "player"}, Position{X: 100, Y: 100}, Velocity{})
	near := w.Spawn(Info{Kind: "npc"}, Position{X: 140, Y: 120}, Velocity{})
	far := w.Spawn(Info{Kind: "npc"}, Position{X: 900, Y: 900}, Velocity{})

	got := w.AppendAround(nil, viewer, 50)
	if !slices.Equal(got, []ecs.EntityID{viewer, near}) {
		t.Fatalf("expected [viewer near], got %v", got)
	}
	all := w.AppendAround(nil, ecs.EntityID(0), 50)
	if !slices.Equal(all, []ecs.EntityID{viewer, near, far}) {
		t.Fatalf("expected every entity without a viewer, got %v", all)
	}
}

func TestWorldDistanceAndBasePriority(t *testing.T) {
	w := NewWorld(Bounds{Width: 100, Height: 100}, 10, 1)
	a := w.Spawn(Info{Base: 2.5}, Position{X: 0, Y: 0}, Velocity{})
	b := w.Spawn(Info{Base: 1}, Position{X: 3, Y: 4}, Velocity{})

	dist := w.DistanceFrom(a)
	if got := dist(b); got != 5 {
		t.Fatalf("expected distance 5, got %v", got)
	}
	if got := w.DistanceFrom(ecs.EntityID(0))(b); got != 0 {
		t.Fatalf("expected 0 without viewer, got %v", got)
	}
	if got := w.BasePriority(a); got != 2.5 {
		t.Fatalf("expected base 2.5, got %v", got)
	}
	if got := w.BasePriority(ecs.NewEntityID(99, 0)); got != 0 {
		t.Fatalf("expected 0 for unknown entity, got %v", got)
	}
}

func TestWorldRandomSpawnDeterministic(t *testing.T) {
	run := func() []Position {
		w := NewWorld(Bounds{Width: 200, Height: 200}, 20, 42)
		var out []Position
		for range 5 {
			id := w.SpawnRandom(Info{Kind: "npc"}, 3)
			p, _ := w.Pos.Get(id)
			out = append(out, *p)
		}
		return out
	}
	if a, b := run(), run(); !slices.Equal(a, b) {
		t.Fatalf("expected identical spawns for one seed, got %v vs %v", a, b)
	}
}

func TestLinkLossless(t *testing.T) {
	l := NewLink(LinkConfig{BaseRTT: 100 * time.Millisecond}, 1)
	t0 := time.Unix(0, 0)
	for i := range 5 {
		l.Send(t0.Add(time.Duration(i) * 10 * time.Millisecond))
	}

	var acked []uint32
	n := l.Deliver(t0.Add(125*time.Millisecond), func(seq uint32, rtt time.Duration) {
		if rtt != 100*time.Millisecond {
			t.Fatalf("expected rtt 100ms, got %v", rtt)
		}
		acked = append(acked, seq)
	})
	if n != 3 || !slices.Equal(acked, []uint32{1, 2, 3}) {
		t.Fatalf("expected seqs 1..3 delivered, got %v", acked)
	}
	if l.InFlight() != 2 {
		t.Fatalf("expected 2 in flight, got %d", l.InFlight())
	}
}

func TestLinkTotalLoss(t *testing.T) {
	l := NewLink(LinkConfig{LossRate: 1, BaseRTT: time.Millisecond}, 1)
	t0 := time.Unix(0, 0)
	for range 10 {
		l.Send(t0)
	}
	n := l.Deliver(t0.Add(time.Second), func(uint32, time.Duration) { t.Fatal("unexpected ack") })
	if n != 0 || l.Dropped() != 10 {
		t.Fatalf("expected 10 dropped and none delivered, got delivered=%d dropped=%d", n, l.Dropped())
	}
}

func TestLinkJitterKeepsDueOrder(t *testing.T) {
	l := NewLink(LinkConfig{BaseRTT: 50 * time.Millisecond, Jitter: 40 * time.Millisecond}, 7)
	t0 := time.Unix(0, 0)
	for i := range 50 {
		l.Send(t0.Add(time.Duration(i) * time.Millisecond))
	}
	var last time.Duration = -1
	total := 0
	l.Deliver(t0.Add(time.Second), func(seq uint32, rtt time.Duration) {
		arrival := time.Duration(seq-1)*time.Millisecond + rtt
		if arrival < last {
			t.Fatalf("ack for seq %d arrived out of due order", seq)
		}
		last = arrival
		total++
	})
	if total != 50 {
		t.Fatalf("expected 50 acks, got %d", total)
	}
}

func TestClockAdvance(t *testing.T) {
	c := NewClock(time.Unix(100, 0))
	c.Advance(50 * time.Millisecond)
	c.Advance(50 * time.Millisecond)
	if got := c.Now(); !got.Equal(time.Unix(100, int64(100*time.Millisecond))) {
		t.Fatalf("expected 100.1s, got %v", got)
	}
}
