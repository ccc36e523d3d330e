package persist

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/l1jgo/replication/internal/replication"
)

func TestSampleRowMatchesColumns(t *testing.T) {
	s := Sample{
		Tick: 42,
		Stats: replication.Stats{
			ConnID:         7,
			WindowLen:      100,
			MaxSendCount:   128,
			PoorConnection: true,
			LossRatio:      0.25,
			Outstanding:    3,
		},
	}
	s.Digest[0] = 0xAB

	row := sampleRow(9, &s)
	if len(row) != len(sampleColumns) {
		t.Fatalf("expected %d values, got %d", len(sampleColumns), len(row))
	}
	col := func(name string) any {
		for i, c := range sampleColumns {
			if c == name {
				return row[i]
			}
		}
		t.Fatalf("no column %s", name)
		return nil
	}
	if col("run_id") != int64(9) || col("tick") != int64(42) || col("conn_id") != int64(7) {
		t.Fatalf("unexpected key columns %v %v %v", col("run_id"), col("tick"), col("conn_id"))
	}
	if col("poor_connection") != true || col("loss_ratio") != 0.25 {
		t.Fatal("unexpected connection quality columns")
	}
	if d, ok := col("set_digest").([]byte); !ok || len(d) != 32 || d[0] != 0xAB {
		t.Fatalf("expected 32-byte digest, got %v", col("set_digest"))
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Fatal("expected embedded migrations")
	}
	for _, f := range files {
		raw, err := fs.ReadFile(migrations, f)
		if err != nil {
			t.Fatal(err)
		}
		sql := string(raw)
		if !strings.Contains(sql, "-- +goose Up") || !strings.Contains(sql, "-- +goose Down") {
			t.Fatalf("%s: missing goose annotations", f)
		}
	}
	raw, _ := fs.ReadFile(migrations, files[0])
	for _, c := range sampleColumns {
		if !strings.Contains(string(raw), c) {
			t.Fatalf("column %s missing from schema", c)
		}
	}
}
