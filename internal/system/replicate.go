package system

import (
	"context"
	"slices"
	"time"

	"github.com/l1jgo/replication/internal/core/ecs"
	coresys "github.com/l1jgo/replication/internal/core/system"
	"github.com/l1jgo/replication/internal/replication"
	"github.com/l1jgo/replication/internal/scripting"
	"github.com/l1jgo/replication/internal/sim"
	"github.com/l1jgo/replication/internal/timeout"
	"github.com/l1jgo/replication/internal/window"
	"go.uber.org/zap"
)

// ReplicateSystem rebuilds every connection's window, applies the diff, picks
// the send list and puts one packet per connection on its link. With a script
// pool, priorities come from calc_priority and window capacity from
// send_budget. Phase 1 (Replicate).
type ReplicateSystem struct {
	ctx     context.Context
	hub     *replication.Hub
	clients *Clients
	world   *sim.World
	clock   timeout.Clock
	scripts *scripting.Pool // nil = base priority, fixed capacity
	log     *zap.Logger
}

func NewReplicateSystem(ctx context.Context, hub *replication.Hub, clients *Clients, w *sim.World, clock timeout.Clock, scripts *scripting.Pool, log *zap.Logger) *ReplicateSystem {
	return &ReplicateSystem{ctx: ctx, hub: hub, clients: clients, world: w, clock: clock, scripts: scripts, log: log}
}

func (s *ReplicateSystem) Phase() coresys.Phase { return coresys.PhaseReplicate }

func (s *ReplicateSystem) Update(_ time.Duration) {
	// AOI 候選名單在主 goroutine 先收集，之後各連線平行更新只讀取世界
	for _, cl := range s.clients.All() {
		cl.candidates = s.world.AppendAround(cl.candidates[:0], cl.Avatar, cl.ViewRadius)
	}
	now := s.clock.Now()
	err := s.hub.UpdateAll(s.ctx, func(ctx context.Context, c *replication.Connection) error {
		return s.updateClient(ctx, s.clients.Get(c.ID), now)
	})
	if err != nil {
		s.log.Error("複製更新失敗", zap.Error(err))
	}
}

func (s *ReplicateSystem) updateClient(ctx context.Context, cl *Client, now time.Time) (err error) {
	prio := window.PriorityFunc(s.world.BasePriority)
	var eng *scripting.Engine
	if s.scripts != nil {
		eng, err = s.scripts.Acquire(ctx)
		if err != nil {
			return err
		}
		defer s.scripts.Release(eng)
		if eng.HasPriority() {
			prio = eng.PriorityFunc(s.describe(cl))
		}
		// 腳本錯誤只影響本連線這一個 tick，其他 panic 照常往上拋
		defer func() {
			if r := recover(); r != nil {
				se, ok := r.(*scripting.ScriptError)
				if !ok {
					panic(r)
				}
				cl.Totals.ScriptErrors++
				s.log.Warn("優先權腳本錯誤", zap.Uint64("conn", cl.ID), zap.Error(se))
			}
		}()
	}

	conn := cl.Conn
	diff := conn.Update(slices.Values(cl.candidates), prio, conn.Acks().Stats())
	cl.record(diff)

	sent := conn.UpdateList(slices.Values(cl.candidates))
	cl.sendPacket(now, sent)

	if eng != nil && eng.HasSendBudget() {
		s.applyBudget(eng, cl)
	}
	return nil
}

func (s *ReplicateSystem) applyBudget(eng *scripting.Engine, cl *Client) {
	win := cl.Conn.Window()
	cur := win.MaxSendCount()
	n := eng.CalcSendBudget(scripting.BudgetContext{
		ConnID:        cl.ID,
		MaxSendCount:  cur,
		BaseSendCount: cl.BaseSend,
		WindowLen:     win.Len(),
		Poor:          win.IsPoorConnection(),
		LossRatio:     win.LossRatio(),
		RoundTripMs:   win.LastStats().RoundTripTimeMs,
	})
	if n == cur {
		return
	}
	win.SetMaxSendCount(n)
	s.log.Debug("調整複製上限", zap.Uint64("conn", cl.ID), zap.Int("from", cur), zap.Int("to", n))
}

// describe packs the script context for cl's viewpoint.
func (s *ReplicateSystem) describe(cl *Client) func(ecs.EntityID) scripting.PriorityContext {
	dist := s.world.DistanceFrom(cl.Avatar)
	return func(id ecs.EntityID) scripting.PriorityContext {
		ctx := scripting.PriorityContext{
			Entity:     id,
			Distance:   dist(id),
			Controlled: id == cl.Avatar,
		}
		if info, ok := s.world.Info.Get(id); ok {
			ctx.Kind = info.Kind
			ctx.Base = info.Base
		}
		return ctx
	}
}
