package system

import "time"

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseSimulate  Phase = iota // 0: move entities, advance links
	PhaseReplicate              // 1: rebuild replication windows, diff sets
	PhaseTimeouts               // 2: expire replicator leases + orphaned RPCs
	PhaseTelemetry              // 3: sample + flush diagnostics
	PhaseCleanup                // 4: destroy queued entities
)

func (p Phase) String() string {
	switch p {
	case PhaseSimulate:
		return "simulate"
	case PhaseReplicate:
		return "replicate"
	case PhaseTimeouts:
		return "timeouts"
	case PhaseTelemetry:
		return "telemetry"
	case PhaseCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// System is the interface every tick system implements.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
