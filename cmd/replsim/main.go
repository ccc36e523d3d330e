package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l1jgo/replication/internal/config"
	"github.com/l1jgo/replication/internal/data"
	"github.com/l1jgo/replication/internal/persist"
	"github.com/l1jgo/replication/internal/replication"
	"github.com/l1jgo/replication/internal/scripting"
	"github.com/l1jgo/replication/internal/system"
	"github.com/l1jgo/replication/internal/window"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(name string, workers int) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m              replsim  v0.1.0              \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m         實體複製視窗 · 模擬器             \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1m名稱:\033[0m %s \033[90m(工作執行緒: %d)\033[0m\n\n", name, workers)
}

// displayWidth counts CJK runes as two columns.
func displayWidth(s string) int {
	w := 0
	for _, r := range s {
		if r > 0x7F {
			w += 2
		} else {
			w++
		}
	}
	return w
}

func printSection(title string) {
	lineLen := max(46-displayWidth(title)-1, 3)
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := max(42-displayWidth(label)-len(numStr), 3)
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printWarn(msg string) {
	fmt.Printf("  \033[33m!\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Simulation ────────────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/replsim.toml"
	if p := os.Getenv("REPLSIM_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	usedDefault := false
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err, usedDefault = config.Default(), nil, true
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name, cfg.Server.Workers)
	if usedDefault {
		printWarn(fmt.Sprintf("找不到 %s，使用內建設定", cfgPath))
		fmt.Println()
	}

	// 3. Scenario
	printSection("場景載入")
	sc, err := data.LoadScenario(cfg.Simulation.Scenario)
	if err != nil {
		return fmt.Errorf("load scenario: %w", err)
	}
	printOK(fmt.Sprintf("場景 %q (seed %d)", sc.Name, sc.Seed))
	printStat("初始實體", sc.EntityCount())
	printStat("模擬連線", len(sc.Connections))
	printStat("場景事件", len(sc.Events))
	fmt.Println()

	// 4. Lua policy scripts, one VM per worker
	var scripts *scripting.Pool
	if cfg.Scripting.Enabled {
		printSection("腳本引擎")
		scripts, err = scripting.NewPool(max(cfg.Server.Workers, 1), cfg.Scripting.Dir, log)
		if err != nil {
			return fmt.Errorf("scripting: %w", err)
		}
		defer scripts.Close()
		printOK(fmt.Sprintf("Lua 腳本載入完成 (%s)", cfg.Scripting.Dir))
		printStat("Lua VM", scripts.Size())
		fmt.Println()
	}

	// 5. Optional PostgreSQL telemetry sink
	var (
		repo   *persist.TelemetryRepo
		writer system.SampleWriter
		runID  int64
	)
	if cfg.Database.Enabled {
		printSection("資料庫")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := persist.NewDB(ctx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		printOK("PostgreSQL 連線成功")

		version, err := persist.RunMigrations(ctx, db.Pool, log)
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printOK(fmt.Sprintf("資料庫遷移完成 (版本 %d)", version))

		repo = persist.NewTelemetryRepo(db)
		runID, err = repo.StartRun(ctx, sc.Name, sc.Seed, len(sc.Connections))
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		writer = repo
		printStat("執行編號", int(runID))
		fmt.Println()
	}

	// 6. Wire the simulation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim, err := system.Build(ctx, system.Options{
		Scenario:       sc,
		Replication:    replicationConfig(cfg),
		Workers:        cfg.Server.Workers,
		Scripts:        scripts,
		TelemetryEvery: cfg.Simulation.TelemetryEvery,
		BatchSize:      cfg.Database.BatchSize,
		Writer:         writer,
		RunID:          runID,
		Start:          time.Unix(cfg.Server.StartTime, 0),
	}, log)
	if err != nil {
		return err
	}

	// 7. Tick loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	rate := cfg.Simulation.TickRate
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	printSection("模擬就緒")
	if cfg.Simulation.Ticks > 0 {
		printReady(fmt.Sprintf("模擬迴圈啟動 (tick: %s, 共 %d tick)", rate, cfg.Simulation.Ticks))
	} else {
		printReady(fmt.Sprintf("模擬迴圈啟動 (tick: %s, 直到中斷)", rate))
	}
	fmt.Println()

	began := time.Now()
	stopped := ""
loop:
	for cfg.Simulation.Ticks == 0 || sim.Runner.Ticks() < cfg.Simulation.Ticks {
		if cfg.Simulation.Realtime {
			select {
			case <-ticker.C:
			case sig := <-shutdownCh:
				stopped = sig.String()
				break loop
			}
		} else {
			select {
			case sig := <-shutdownCh:
				stopped = sig.String()
				break loop
			default:
			}
		}
		sim.Tick(rate)
	}
	if stopped != "" {
		log.Info("收到關閉信號", zap.String("signal", stopped))
	}
	log.Info("模擬結束",
		zap.Uint64("ticks", sim.Runner.Ticks()),
		zap.Duration("elapsed", time.Since(began)),
	)

	// 8. Flush telemetry and close the run
	if repo != nil {
		fctx, fcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer fcancel()
		if err := sim.Telemetry.Flush(fctx); err != nil {
			log.Error("遙測最後寫入失敗", zap.Error(err))
		}
		if err := repo.FinishRun(fctx, runID, sim.Runner.Ticks()); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	printSummary(sim)
	return nil
}

// replicationConfig maps the file config onto the per-connection tunables.
func replicationConfig(cfg *config.Config) replication.Config {
	r := cfg.Replication
	return replication.Config{
		Window: window.Config{
			MaxSendCount:            r.MaxSendCount,
			ControlledBias:          float32(r.ControlledBias),
			DistanceWeight:          float32(r.DistanceWeight),
			PoorConnectionLossRatio: r.PoorConnectionLossRatio,
			PoorConnectionMinSent:   r.PoorConnectionMinSent,
		},
		AckHistoryBits:       r.AckHistoryBits,
		EntityPendingRemoval: cfg.Timeout.EntityPendingRemoval,
		MinResendTimeout:     cfg.Timeout.MinResendTimeout,
		MaxProxySendCount:    r.MaxProxySendCount,
		MaxPendingCreation:   r.MaxPendingCreation,
		MaxTimeoutsPerUpdate: cfg.Timeout.MaxPerTick,
	}
}

func printSummary(sim *system.Simulation) {
	p := message.NewPrinter(language.TraditionalChinese)

	fmt.Println()
	printSection("模擬統計")
	printStat("執行 tick", int(sim.Runner.Ticks()))
	printStat("存活實體", sim.World.Len())
	printStat("已銷毀實體", sim.Cleanup.Destroyed())
	if n := sim.Telemetry.Written(); n > 0 {
		printStat("遙測樣本", n)
	}
	fmt.Println()

	printSection("連線統計")
	for _, cl := range sim.Clients.All() {
		st := cl.Conn.Stats()
		t := cl.Totals
		poor := ""
		if st.PoorConnection {
			poor = " \033[31m品質不佳\033[0m"
		}
		p.Printf("  \033[1m連線 %d\033[0m  視窗 %d/%d  遺失率 %.2f  RTT %.1fms%s\n",
			cl.ID, st.WindowLen, st.MaxSendCount, st.LossRatio, st.RoundTripMs, poor)
		p.Printf("    進入 %d (重用 %d)  離開 %d  移除 %d  角色變更 %d\n",
			t.Entered, t.Reused, t.Left, t.Removed, t.RoleChanged)
		p.Printf("    送出 %d  建立確認 %d  RPC 送達 %d  RPC 逾期 %d",
			t.Sent, t.Established, t.RPCDelivered, t.RPCExpired)
		if t.ScriptErrors > 0 {
			p.Printf("  \033[31m腳本錯誤 %d\033[0m", t.ScriptErrors)
		}
		fmt.Println()
	}
	fmt.Println()
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
