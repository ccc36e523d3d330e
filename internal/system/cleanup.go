package system

import (
	"time"

	coresys "github.com/l1jgo/replication/internal/core/system"
	"github.com/l1jgo/replication/internal/sim"
	"go.uber.org/zap"
)

// CleanupSystem flushes the deferred entity destruction queue at tick end.
// Destroyed entities drop out of the next tick's candidates and leave every
// window through the normal pending-removal path.
// Phase 4 (Cleanup).
type CleanupSystem struct {
	world     *sim.World
	log       *zap.Logger
	destroyed int
}

func NewCleanupSystem(w *sim.World, log *zap.Logger) *CleanupSystem {
	return &CleanupSystem{world: w, log: log}
}

func (s *CleanupSystem) Phase() coresys.Phase { return coresys.PhaseCleanup }

func (s *CleanupSystem) Update(_ time.Duration) {
	if gone := s.world.Flush(); len(gone) > 0 {
		s.destroyed += len(gone)
		s.log.Debug("實體已銷毀", zap.Int("count", len(gone)))
	}
}

func (s *CleanupSystem) Destroyed() int { return s.destroyed }
