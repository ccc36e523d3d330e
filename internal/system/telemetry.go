package system

import (
	"context"
	"time"

	coresys "github.com/l1jgo/replication/internal/core/system"
	"github.com/l1jgo/replication/internal/persist"
	"github.com/l1jgo/replication/internal/replication"
	"go.uber.org/zap"
)

// SampleWriter persists telemetry batches; *persist.TelemetryRepo in production.
type SampleWriter interface {
	WriteSamples(ctx context.Context, runID int64, samples []persist.Sample) error
}

// TelemetrySystem samples every connection each `every` ticks and flushes the
// samples to the writer in batches. Phase 3 (Telemetry).
type TelemetrySystem struct {
	ctx    context.Context
	hub    *replication.Hub
	every  uint64
	writer SampleWriter // nil = keep only the latest sample per connection
	runID  int64
	batch  int
	log    *zap.Logger

	tick    uint64
	buf     []persist.Sample
	latest  map[uint64]persist.Sample
	written int
	failed  int
}

func NewTelemetrySystem(ctx context.Context, hub *replication.Hub, every, batch int, writer SampleWriter, runID int64, log *zap.Logger) *TelemetrySystem {
	return &TelemetrySystem{
		ctx:    ctx,
		hub:    hub,
		every:  uint64(max(every, 0)),
		writer: writer,
		runID:  runID,
		batch:  max(batch, 1),
		log:    log,
		latest: make(map[uint64]persist.Sample),
	}
}

func (s *TelemetrySystem) Phase() coresys.Phase { return coresys.PhaseTelemetry }

func (s *TelemetrySystem) Update(_ time.Duration) {
	s.tick++
	if s.every == 0 || s.tick%s.every != 0 {
		return
	}
	s.hub.Each(func(c *replication.Connection) {
		sample := persist.Sample{
			Tick:   s.tick,
			Stats:  c.Stats(),
			Digest: c.Window().ReplicationSet().Digest(),
		}
		s.latest[c.ID] = sample
		if s.writer != nil {
			s.buf = append(s.buf, sample)
		}
	})
	if len(s.buf) >= s.batch {
		s.Flush(s.ctx)
	}
}

// Flush writes buffered samples. A failed batch is dropped and logged.
func (s *TelemetrySystem) Flush(ctx context.Context) error {
	if s.writer == nil || len(s.buf) == 0 {
		return nil
	}
	n := len(s.buf)
	err := s.writer.WriteSamples(ctx, s.runID, s.buf)
	s.buf = s.buf[:0]
	if err != nil {
		s.failed += n
		s.log.Error("遙測寫入失敗", zap.Int("samples", n), zap.Error(err))
		return err
	}
	s.written += n
	s.log.Debug("遙測寫入", zap.Int("samples", n), zap.Uint64("tick", s.tick))
	return nil
}

// Latest returns the most recent sample for a connection.
func (s *TelemetrySystem) Latest(connID uint64) (persist.Sample, bool) {
	sample, ok := s.latest[connID]
	return sample, ok
}

func (s *TelemetrySystem) Written() int { return s.written }
func (s *TelemetrySystem) Failed() int  { return s.failed }
