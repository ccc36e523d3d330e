package system

import (
	"context"
	"time"

	coresys "github.com/l1jgo/replication/internal/core/system"
	"github.com/l1jgo/replication/internal/replication"
	"go.uber.org/zap"
)

// TimeoutSystem expires pending-removal leases and orphaned RPCs on every
// connection. Phase 2 (Timeouts).
type TimeoutSystem struct {
	ctx     context.Context
	hub     *replication.Hub
	clients *Clients
	log     *zap.Logger
}

func NewTimeoutSystem(ctx context.Context, hub *replication.Hub, clients *Clients, log *zap.Logger) *TimeoutSystem {
	return &TimeoutSystem{ctx: ctx, hub: hub, clients: clients, log: log}
}

func (s *TimeoutSystem) Phase() coresys.Phase { return coresys.PhaseTimeouts }

func (s *TimeoutSystem) Update(_ time.Duration) {
	err := s.hub.UpdateAll(s.ctx, func(_ context.Context, c *replication.Connection) error {
		removed := c.ExpireStale()
		if len(removed) > 0 {
			s.clients.Get(c.ID).Totals.Removed += uint64(len(removed))
		}
		return nil
	})
	if err != nil {
		s.log.Error("逾時處理失敗", zap.Error(err))
	}
}
