package system

import (
	"fmt"
	"time"

	"github.com/l1jgo/replication/internal/core/ecs"
	coresys "github.com/l1jgo/replication/internal/core/system"
	"github.com/l1jgo/replication/internal/data"
	"github.com/l1jgo/replication/internal/sim"
	"go.uber.org/zap"
)

// SimulateSystem advances simulated time, fires scenario events, moves
// entities and delivers due acknowledgements on every link.
// Phase 0 (Simulate).
type SimulateSystem struct {
	world    *sim.World
	clock    *sim.Clock
	clients  *Clients
	scenario *data.Scenario
	log      *zap.Logger

	tick      uint64
	nextEvent int
	pick      []ecs.EntityID
}

func NewSimulateSystem(w *sim.World, clock *sim.Clock, clients *Clients, sc *data.Scenario, log *zap.Logger) *SimulateSystem {
	return &SimulateSystem{world: w, clock: clock, clients: clients, scenario: sc, log: log}
}

func (s *SimulateSystem) Phase() coresys.Phase { return coresys.PhaseSimulate }

func (s *SimulateSystem) Update(dt time.Duration) {
	s.tick++
	s.clock.Advance(dt)
	s.fireEvents()
	s.world.Step(dt)

	now := s.clock.Now()
	for _, cl := range s.clients.All() {
		cl.receiveAcks(now)
	}
}

func (s *SimulateSystem) Tick() uint64 { return s.tick }

func (s *SimulateSystem) fireEvents() {
	events := s.scenario.Events
	for s.nextEvent < len(events) && events[s.nextEvent].Tick <= s.tick {
		ev := events[s.nextEvent]
		s.nextEvent++

		if ev.LossRate != nil {
			if cl := s.clients.Get(ev.Conn); cl != nil {
				cl.Link.SetLossRate(*ev.LossRate)
				s.log.Info("連線遺失率變更",
					zap.Uint64("conn", ev.Conn),
					zap.Float64("loss_rate", *ev.LossRate),
					zap.String("note", ev.Note),
				)
			}
		}
		if ev.Spawn > 0 {
			s.spawn(ev)
		}
		if ev.Despawn > 0 {
			s.despawn(ev.Despawn)
		}
	}
}

// spawn creates entities and queues a spawn RPC for each on every client.
// The RPCs wait as orphans until the entity enters that client's window.
func (s *SimulateSystem) spawn(ev data.EventEntry) {
	kind := s.scenario.Kind(ev.Kind)
	if kind == nil {
		return
	}
	for range ev.Spawn {
		id := s.world.SpawnRandom(sim.Info{Kind: kind.Kind, Base: kind.Base}, kind.Speed)
		payload := []byte(fmt.Sprintf("spawn %s %s", kind.Kind, id))
		for _, cl := range s.clients.All() {
			cl.Conn.QueueOrphanedRPC(id, payload)
		}
	}
	s.log.Debug("生成實體", zap.Int("count", ev.Spawn), zap.String("kind", ev.Kind), zap.Uint64("tick", s.tick))
}

// despawn queues n random non-avatar entities for destruction.
func (s *SimulateSystem) despawn(n int) {
	s.pick = s.pick[:0]
	for id := range s.world.Entities() {
		if !s.clients.IsAvatar(id) {
			s.pick = append(s.pick, id)
		}
	}
	rng := s.world.Rand()
	rng.Shuffle(len(s.pick), func(i, j int) { s.pick[i], s.pick[j] = s.pick[j], s.pick[i] })
	n = min(n, len(s.pick))
	for _, id := range s.pick[:n] {
		s.world.Despawn(id)
	}
	s.log.Debug("移除實體", zap.Int("count", n), zap.Uint64("tick", s.tick))
}
