package persist

import (
	"testing"
	"time"

	"github.com/l1jgo/replication/internal/config"
)

func TestPoolConfigFromDatabaseSection(t *testing.T) {
	cfg := config.Default().Database
	cfg.DSN = "postgres://u:p@db.internal:5433/telemetry?sslmode=disable"
	cfg.MaxOpenConns = 4
	cfg.MaxIdleConns = 9
	cfg.ConnMaxLifetime = 30 * time.Minute

	pc, err := poolConfig(cfg)
	if err != nil {
		t.Fatalf("poolConfig: %v", err)
	}
	if pc.ConnConfig.Host != "db.internal" || pc.ConnConfig.Port != 5433 || pc.ConnConfig.Database != "telemetry" {
		t.Fatalf("unexpected target %s:%d/%s", pc.ConnConfig.Host, pc.ConnConfig.Port, pc.ConnConfig.Database)
	}
	if pc.MaxConns != 4 || pc.MinConns != 4 {
		t.Fatalf("expected idle conns clamped to max 4, got max=%d min=%d", pc.MaxConns, pc.MinConns)
	}
	if pc.MaxConnLifetime != 30*time.Minute || pc.MaxConnIdleTime != 15*time.Minute {
		t.Fatalf("unexpected lifetimes %v / %v", pc.MaxConnLifetime, pc.MaxConnIdleTime)
	}
	if got := pc.ConnConfig.RuntimeParams["application_name"]; got != appName {
		t.Fatalf("expected application_name %q, got %q", appName, got)
	}
}

func TestPoolConfigKeepsDSNOverrides(t *testing.T) {
	cfg := config.DatabaseConfig{DSN: "postgres://u@localhost/x?application_name=nightly-run&pool_max_conns=7"}
	pc, err := poolConfig(cfg)
	if err != nil {
		t.Fatalf("poolConfig: %v", err)
	}
	if pc.MaxConns != 7 {
		t.Fatalf("expected dsn pool_max_conns to stand, got %d", pc.MaxConns)
	}
	if got := pc.ConnConfig.RuntimeParams["application_name"]; got != "nightly-run" {
		t.Fatalf("expected dsn application_name kept, got %q", got)
	}
}

func TestPoolConfigRejectsBadDSN(t *testing.T) {
	if _, err := poolConfig(config.DatabaseConfig{DSN: "postgres://u@localhost:notaport/x"}); err == nil {
		t.Fatal("expected dsn parse error")
	}
}
