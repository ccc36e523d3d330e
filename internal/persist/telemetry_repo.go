package persist

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/l1jgo/replication/internal/replication"
)

// Sample is one per-connection telemetry row.
type Sample struct {
	Tick   uint64
	Stats  replication.Stats
	Digest [32]byte // window.ReplicationSet.Digest at Tick
}

var sampleColumns = []string{
	"run_id", "tick", "conn_id",
	"window_len", "max_send_count", "min_priority",
	"poor_connection", "loss_ratio", "rtt_ms",
	"replicators", "pending_removal", "pending_creation",
	"orphans", "timeout_items", "outstanding", "set_digest",
}

// sampleRow lays out s in sampleColumns order.
func sampleRow(runID int64, s *Sample) []any {
	st := s.Stats
	return []any{
		runID, int64(s.Tick), int64(st.ConnID),
		int32(st.WindowLen), int32(st.MaxSendCount), st.MinPriority,
		st.PoorConnection, st.LossRatio, st.RoundTripMs,
		int32(st.Replicators), int32(st.PendingRemoval), int32(st.PendingCreation),
		int32(st.Orphans), int32(st.TimeoutItems), int32(st.Outstanding), s.Digest[:],
	}
}

type TelemetryRepo struct {
	db *DB
}

func NewTelemetryRepo(db *DB) *TelemetryRepo {
	return &TelemetryRepo{db: db}
}

// StartRun records a new simulation run and returns its id.
func (r *TelemetryRepo) StartRun(ctx context.Context, scenario string, seed int64, connections int) (int64, error) {
	var id int64
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO replication_runs (scenario, seed, connections) VALUES ($1, $2, $3) RETURNING id`,
		scenario, seed, connections,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// WriteSamples copies a batch of samples in a single transaction.
func (r *TelemetryRepo) WriteSamples(ctx context.Context, runID int64, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("samples begin: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"replication_samples"},
		sampleColumns,
		pgx.CopyFromSlice(len(samples), func(i int) ([]any, error) {
			return sampleRow(runID, &samples[i]), nil
		}),
	)
	if err != nil {
		return fmt.Errorf("samples copy: %w", err)
	}
	if int(n) != len(samples) {
		return fmt.Errorf("samples copy: wrote %d of %d rows", n, len(samples))
	}
	return tx.Commit(ctx)
}

// FinishRun stamps the run's end time and tick count.
func (r *TelemetryRepo) FinishRun(ctx context.Context, runID int64, ticks uint64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE replication_runs SET finished_at = now(), ticks = $2 WHERE id = $1`,
		runID, int64(ticks),
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}
