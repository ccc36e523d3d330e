package replication

import (
	"cmp"
	"iter"
	"slices"
	"time"

	"github.com/l1jgo/replication/internal/core/ecs"
	"github.com/l1jgo/replication/internal/timeout"
	"github.com/l1jgo/replication/internal/window"
	"go.uber.org/zap"
)

// Config holds the per-connection tunables.
type Config struct {
	Window               window.Config
	AckHistoryBits       int           // sequences retained by the AckTracker, multiple of 64
	EntityPendingRemoval time.Duration // grace period before a departed replicator is dropped
	MinResendTimeout     time.Duration // floor for the orphaned-RPC lease
	MaxProxySendCount    int           // proxy updates per tick; autonomous ones are uncapped
	MaxPendingCreation   int           // replicators awaiting remote creation at once
	MaxTimeoutsPerUpdate int           // cap per ExpireStale call, < 0 = unbounded
}

func DefaultConfig() Config {
	return Config{
		Window:               window.DefaultConfig(),
		AckHistoryBits:       256,
		EntityPendingRemoval: 2 * time.Second,
		MinResendTimeout:     100 * time.Millisecond,
		MaxProxySendCount:    64,
		MaxPendingCreation:   32,
		MaxTimeoutsPerUpdate: -1,
	}
}

// Replicator is the connection's bookkeeping for one entity in (or recently in)
// its window.
type Replicator struct {
	Entity         ecs.EntityID
	Role           window.NetworkRole
	Established    bool       // remote side confirmed creation
	PendingRemoval timeout.ID // non-zero while the entity is outside the window
}

// Active reports whether the replicator is inside the window.
func (r *Replicator) Active() bool { return r.PendingRemoval == timeout.InvalidID }

// Change is one diff record.
type Change struct {
	Entity  ecs.EntityID
	Role    window.NetworkRole
	OldRole window.NetworkRole // RoleChanged only
	Reused  bool               // Entered only: replicator survived its grace period
}

// Diff is the result of applying a new ReplicationSet, each list sorted by entity.
type Diff struct {
	Entered     []Change
	Left        []Change
	RoleChanged []Change
}

func (d Diff) Empty() bool {
	return len(d.Entered) == 0 && len(d.Left) == 0 && len(d.RoleChanged) == 0
}

// RPCDispatcher receives buffered RPC payloads. r is nil when the payload expired
// before any replicator for the entity appeared.
type RPCDispatcher func(entity ecs.EntityID, payload []byte, r *Replicator)

type orphanedRPCs struct {
	lease    timeout.ID
	payloads [][]byte
}

// Connection owns one window, one timeout queue and one ack history for a single
// client. 單一連線的所有狀態只在同一個 goroutine 中存取。
type Connection struct {
	ID  uint64
	cfg Config
	log *zap.Logger

	win      *window.Window
	timeouts *timeout.Queue
	acks     *AckTracker

	replicators     map[ecs.EntityID]*Replicator
	orphans         map[ecs.EntityID]*orphanedRPCs
	pendingCreation map[ecs.EntityID]struct{}
	onOrphanedRPC   RPCDispatcher

	removed  []ecs.EntityID // filled by the timeout handler
	sendList []*Replicator
	wasPoor  bool
}

func NewConnection(id uint64, cfg Config, clock timeout.Clock, log *zap.Logger) *Connection {
	if log == nil {
		log = zap.NewNop()
	}
	return &Connection{
		ID:              id,
		cfg:             cfg,
		log:             log.With(zap.Uint64("conn", id)),
		win:             window.New(cfg.Window),
		timeouts:        timeout.NewQueue(clock),
		acks:            NewAckTracker(cfg.AckHistoryBits),
		replicators:     make(map[ecs.EntityID]*Replicator, cfg.Window.MaxSendCount),
		orphans:         make(map[ecs.EntityID]*orphanedRPCs),
		pendingCreation: make(map[ecs.EntityID]struct{}),
	}
}

func (c *Connection) Window() *window.Window   { return c.win }
func (c *Connection) Acks() *AckTracker        { return c.acks }
func (c *Connection) Timeouts() *timeout.Queue { return c.timeouts }

// SetRPCDispatcher installs the sink for buffered RPCs.
func (c *Connection) SetRPCDispatcher(fn RPCDispatcher) { c.onOrphanedRPC = fn }

// Replicator returns the bookkeeping record for id, active or pending removal.
func (c *Connection) Replicator(id ecs.EntityID) (*Replicator, bool) {
	r, ok := c.replicators[id]
	return r, ok
}

// Update runs the window for this tick and applies the resulting set.
func (c *Connection) Update(entities iter.Seq[ecs.EntityID], priority window.PriorityFunc, stats window.ConnectionStats) Diff {
	set := c.win.UpdateWindow(entities, priority, stats)
	c.notePoorConnection()
	return c.Apply(set)
}

// Apply diffs set against the replicator table. Entities that left start their
// pending-removal lease; entities that re-enter cancel it.
func (c *Connection) Apply(set window.ReplicationSet) Diff {
	var d Diff
	for _, e := range set.Sorted() {
		r, ok := c.replicators[e.Entity]
		if !ok {
			r = &Replicator{Entity: e.Entity, Role: e.Role}
			c.replicators[e.Entity] = r
			d.Entered = append(d.Entered, Change{Entity: e.Entity, Role: e.Role})
			c.dispatchOrphans(r)
			continue
		}
		revived := !r.Active()
		if revived {
			c.timeouts.Remove(r.PendingRemoval)
			r.PendingRemoval = timeout.InvalidID
			if r.Role == e.Role {
				d.Entered = append(d.Entered, Change{Entity: e.Entity, Role: e.Role, Reused: true})
				c.dispatchOrphans(r)
				continue
			}
		}
		if r.Role != e.Role {
			d.RoleChanged = append(d.RoleChanged, Change{Entity: e.Entity, Role: e.Role, OldRole: r.Role})
			r.Role = e.Role
			r.Established = false
			delete(c.pendingCreation, e.Entity)
		}
		// rpcs queued during the grace period belong to the revived replicator
		if revived {
			c.dispatchOrphans(r)
		}
	}

	for id, r := range c.replicators {
		if _, in := set[id]; in || !r.Active() {
			continue
		}
		d.Left = append(d.Left, Change{Entity: id, Role: r.Role})
	}
	// leases are registered in id order so expiry order is reproducible
	slices.SortFunc(d.Left, func(a, b Change) int { return cmp.Compare(a.Entity, b.Entity) })
	for _, ch := range d.Left {
		c.replicators[ch.Entity].PendingRemoval = c.timeouts.Register(uint64(ch.Entity), c.cfg.EntityPendingRemoval)
	}

	if !d.Empty() {
		c.log.Debug("replication window changed",
			zap.Int("entered", len(d.Entered)),
			zap.Int("left", len(d.Left)),
			zap.Int("role_changed", len(d.RoleChanged)),
		)
	}
	return d
}

func (c *Connection) notePoorConnection() {
	poor := c.win.IsPoorConnection()
	if poor == c.wasPoor {
		return
	}
	c.wasPoor = poor
	if poor {
		c.log.Warn("連線品質不佳", zap.Float64("loss_ratio", c.win.LossRatio()))
	} else {
		c.log.Info("連線品質恢復", zap.Float64("loss_ratio", c.win.LossRatio()))
	}
}

// ExpireStale processes due leases: replicators past their grace period are
// dropped (and returned), orphaned RPCs past their resend timeout are flushed
// to the dispatcher with a nil replicator.
// The returned slice is reused by the next call.
func (c *Connection) ExpireStale() []ecs.EntityID {
	c.removed = c.removed[:0]
	c.timeouts.UpdateTimeoutsLimit(c.handleTimeout, c.cfg.MaxTimeoutsPerUpdate)
	slices.Sort(c.removed)
	return c.removed
}

func (c *Connection) handleTimeout(item *timeout.Item) timeout.Result {
	id := ecs.EntityID(item.UserData)
	if r, ok := c.replicators[id]; ok && r.PendingRemoval == item.ID {
		delete(c.replicators, id)
		delete(c.pendingCreation, id)
		c.removed = append(c.removed, id)
		return timeout.Delete
	}
	if o, ok := c.orphans[id]; ok && o.lease == item.ID {
		delete(c.orphans, id)
		for _, p := range o.payloads {
			c.dispatch(id, p, nil)
		}
		c.log.Debug("orphaned rpcs expired", zap.Stringer("entity", id), zap.Int("count", len(o.payloads)))
	}
	return timeout.Delete
}

// ResendTimeout is twice the smoothed round trip, floored at MinResendTimeout.
func (c *Connection) ResendTimeout() time.Duration {
	rtt := time.Duration(float64(c.win.LastStats().RoundTripTimeMs) * float64(time.Millisecond))
	if d := 2 * rtt; d > c.cfg.MinResendTimeout {
		return d
	}
	return c.cfg.MinResendTimeout
}

// QueueOrphanedRPC buffers an RPC for an entity that has no active replicator yet.
// Returns true if a replicator already exists and the payload was dispatched now.
func (c *Connection) QueueOrphanedRPC(entity ecs.EntityID, payload []byte) bool {
	if r, ok := c.replicators[entity]; ok && r.Active() {
		c.dispatch(entity, payload, r)
		return true
	}
	o, ok := c.orphans[entity]
	if !ok {
		o = &orphanedRPCs{lease: c.timeouts.Register(uint64(entity), c.ResendTimeout())}
		c.orphans[entity] = o
	}
	o.payloads = append(o.payloads, payload)
	return false
}

func (c *Connection) dispatchOrphans(r *Replicator) {
	o, ok := c.orphans[r.Entity]
	if !ok {
		return
	}
	delete(c.orphans, r.Entity)
	c.timeouts.Remove(o.lease)
	for _, p := range o.payloads {
		c.dispatch(r.Entity, p, r)
	}
}

func (c *Connection) dispatch(id ecs.EntityID, payload []byte, r *Replicator) {
	if c.onOrphanedRPC != nil {
		c.onOrphanedRPC(id, payload, r)
	}
}

// UpdateList picks which dirty replicators get an update this tick. Autonomous
// replicators are always sent; proxies are capped at MaxProxySendCount, and
// replicators not yet created remotely are capped at MaxPendingCreation.
// The returned slice is reused by the next call.
func (c *Connection) UpdateList(dirty iter.Seq[ecs.EntityID]) []*Replicator {
	c.sendList = c.sendList[:0]
	proxies := 0
	for id := range dirty {
		r, ok := c.replicators[id]
		if !ok || !r.Active() {
			continue
		}
		if !r.Established {
			if _, pending := c.pendingCreation[id]; !pending {
				if len(c.pendingCreation) >= c.cfg.MaxPendingCreation {
					continue
				}
			}
		}
		if r.Role != window.RoleAutonomous {
			if proxies >= c.cfg.MaxProxySendCount {
				continue
			}
			proxies++
		}
		if !r.Established {
			c.pendingCreation[id] = struct{}{}
		}
		c.sendList = append(c.sendList, r)
	}
	return c.sendList
}

// MarkEstablished records that the remote side created the entity.
func (c *Connection) MarkEstablished(id ecs.EntityID) {
	if r, ok := c.replicators[id]; ok {
		r.Established = true
	}
	delete(c.pendingCreation, id)
}

// Stats is a read-only snapshot for debug overlays and telemetry.
type Stats struct {
	ConnID          uint64
	WindowLen       int
	MaxSendCount    int
	MinPriority     float32
	PoorConnection  bool
	LossRatio       float64
	RoundTripMs     float32
	Replicators     int
	PendingRemoval  int
	PendingCreation int
	Orphans         int
	TimeoutItems    int
	Outstanding     int
}

func (c *Connection) Stats() Stats {
	pending := 0
	for _, r := range c.replicators {
		if !r.Active() {
			pending++
		}
	}
	return Stats{
		ConnID:          c.ID,
		WindowLen:       c.win.Len(),
		MaxSendCount:    c.win.MaxSendCount(),
		MinPriority:     c.win.MinPriorityReplicated(),
		PoorConnection:  c.win.IsPoorConnection(),
		LossRatio:       c.win.LossRatio(),
		RoundTripMs:     c.win.LastStats().RoundTripTimeMs,
		Replicators:     len(c.replicators),
		PendingRemoval:  pending,
		PendingCreation: len(c.pendingCreation),
		Orphans:         len(c.orphans),
		TimeoutItems:    c.timeouts.Len(),
		Outstanding:     c.acks.Outstanding(),
	}
}
