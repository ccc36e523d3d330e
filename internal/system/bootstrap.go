package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	coresys "github.com/l1jgo/replication/internal/core/system"
	"github.com/l1jgo/replication/internal/data"
	"github.com/l1jgo/replication/internal/replication"
	"github.com/l1jgo/replication/internal/scripting"
	"github.com/l1jgo/replication/internal/sim"
	"go.uber.org/zap"
)

// Options configure Build.
type Options struct {
	Scenario       *data.Scenario
	Replication    replication.Config
	Workers        int
	Scripts        *scripting.Pool // optional
	TelemetryEvery int
	BatchSize      int
	Writer         SampleWriter // optional
	RunID          int64
	Start          time.Time // simulated start time, zero = Unix epoch
}

// Simulation is a fully wired run: world, clients, hub and the tick runner.
type Simulation struct {
	World      *sim.World
	Clock      *sim.Clock
	Hub        *replication.Hub
	Clients    *Clients
	Runner     *coresys.Runner
	Population int

	Simulate  *SimulateSystem
	Telemetry *TelemetrySystem
	Cleanup   *CleanupSystem
}

// Build spawns the scenario and registers every tick system with a new runner.
func Build(ctx context.Context, opts Options, log *zap.Logger) (*Simulation, error) {
	if opts.Scenario == nil {
		return nil, errors.New("build simulation: no scenario")
	}
	if log == nil {
		log = zap.NewNop()
	}
	start := opts.Start
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	sc := opts.Scenario

	s := &Simulation{
		World: sim.NewWorld(sim.Bounds{Width: sc.Bounds.Width, Height: sc.Bounds.Height}, sc.CellSize, sc.Seed),
		Clock: sim.NewClock(start),
		Hub:   replication.NewHub(opts.Workers, log),
	}
	s.Population = Populate(s.World, sc)

	clients, err := BuildClients(s.World, sc, s.Hub, opts.Replication, s.Clock, log)
	if err != nil {
		return nil, fmt.Errorf("build simulation: %w", err)
	}
	s.Clients = clients

	s.Simulate = NewSimulateSystem(s.World, s.Clock, clients, sc, log)
	s.Telemetry = NewTelemetrySystem(ctx, s.Hub, opts.TelemetryEvery, opts.BatchSize, opts.Writer, opts.RunID, log)
	s.Cleanup = NewCleanupSystem(s.World, log)

	s.Runner = coresys.NewRunner()
	s.Runner.Register(s.Simulate)
	s.Runner.Register(NewReplicateSystem(ctx, s.Hub, clients, s.World, s.Clock, opts.Scripts, log))
	s.Runner.Register(NewTimeoutSystem(ctx, s.Hub, clients, log))
	s.Runner.Register(s.Telemetry)
	s.Runner.Register(s.Cleanup)
	return s, nil
}

// Tick runs one full tick.
func (s *Simulation) Tick(dt time.Duration) { s.Runner.Tick(dt) }
