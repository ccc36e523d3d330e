package system

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/l1jgo/replication/internal/core/ecs"
	"github.com/l1jgo/replication/internal/data"
	"github.com/l1jgo/replication/internal/replication"
	"github.com/l1jgo/replication/internal/sim"
	"github.com/l1jgo/replication/internal/timeout"
	"go.uber.org/zap"
)

// Totals are cumulative per-client counters for the run summary.
type Totals struct {
	Entered      uint64
	Reused       uint64 // re-entries inside the grace period
	Left         uint64
	RoleChanged  uint64
	Removed      uint64 // replicators dropped after the grace period
	Sent         uint64 // replicator updates put on the wire
	Established  uint64
	RPCDelivered uint64
	RPCExpired   uint64
	ScriptErrors uint64
}

// Client couples one replication connection with its simulated link and the
// avatar it controls. All fields are owned by whichever goroutine the Hub
// hands the connection to.
type Client struct {
	ID         uint64
	Conn       *replication.Connection
	Link       *sim.Link
	Avatar     ecs.EntityID
	ViewRadius float32
	BaseSend   int

	Totals Totals

	candidates  []ecs.EntityID
	awaiting    map[uint32][]ecs.EntityID // packet seq → replicators created by it
	historyBits int
}

func (c *Client) record(d replication.Diff) {
	for _, ch := range d.Entered {
		if ch.Reused {
			c.Totals.Reused++
		} else {
			c.Totals.Entered++
		}
	}
	c.Totals.Left += uint64(len(d.Left))
	c.Totals.RoleChanged += uint64(len(d.RoleChanged))
}

// sendPacket puts this tick's updates on the link and remembers which
// replicators it creates remotely.
func (c *Client) sendPacket(now time.Time, sent []*replication.Replicator) {
	seq := c.Link.Send(now)
	c.Conn.Acks().OnSent(seq)
	delete(c.awaiting, seq-uint32(c.historyBits))

	var created []ecs.EntityID
	for _, r := range sent {
		if !r.Established {
			created = append(created, r.Entity)
		}
	}
	if len(created) > 0 {
		c.awaiting[seq] = created
	}
	c.Totals.Sent += uint64(len(sent))
}

// receiveAcks feeds acknowledgements due by now into the ack tracker and
// confirms remote creation of the replicators they carried.
func (c *Client) receiveAcks(now time.Time) {
	acks := c.Conn.Acks()
	c.Link.Deliver(now, func(seq uint32, rtt time.Duration) {
		if !acks.OnAcked(seq) {
			return
		}
		acks.ObserveRTT(float32(rtt.Seconds() * 1000))
		for _, id := range c.awaiting[seq] {
			c.Conn.MarkEstablished(id)
			c.Totals.Established++
		}
		delete(c.awaiting, seq)
	})
}

// Clients indexes the simulated clients by connection id.
type Clients struct {
	byID    map[uint64]*Client
	order   []*Client // ascending id
	avatars map[ecs.EntityID]struct{}
}

func (cs *Clients) Get(id uint64) *Client { return cs.byID[id] }
func (cs *Clients) All() []*Client        { return cs.order }
func (cs *Clients) Len() int              { return len(cs.order) }

func (cs *Clients) IsAvatar(id ecs.EntityID) bool {
	_, ok := cs.avatars[id]
	return ok
}

// Populate spawns the scenario's initial population and returns its size.
func Populate(w *sim.World, sc *data.Scenario) int {
	n := 0
	for _, p := range sc.Population {
		for range p.Count {
			w.SpawnRandom(sim.Info{Kind: p.Kind, Base: p.Base}, p.Speed)
			n++
		}
	}
	return n
}

// BuildClients spawns one avatar per scenario connection and registers a
// replication connection for it with hub.
func BuildClients(w *sim.World, sc *data.Scenario, hub *replication.Hub, cfg replication.Config, clock timeout.Clock, log *zap.Logger) (*Clients, error) {
	entries := slices.Clone(sc.Connections)
	slices.SortFunc(entries, func(a, b data.ConnectionEntry) int { return cmp.Compare(a.ID, b.ID) })

	cs := &Clients{
		byID:    make(map[uint64]*Client, len(entries)),
		avatars: make(map[ecs.EntityID]struct{}, len(entries)),
	}
	for _, e := range entries {
		avatar := w.SpawnRandom(sim.Info{Kind: e.Kind, Base: e.Base}, e.Speed)

		ccfg := cfg
		if e.MaxSendCount > 0 {
			ccfg.Window.MaxSendCount = e.MaxSendCount
		}
		conn := replication.NewConnection(e.ID, ccfg, clock, log)
		conn.Window().SetControlledEntity(avatar)
		conn.Window().SetDistanceFunc(w.DistanceFrom(avatar))

		cl := &Client{
			ID:   e.ID,
			Conn: conn,
			Link: sim.NewLink(sim.LinkConfig{
				LossRate: e.LossRate,
				BaseRTT:  time.Duration(e.RTTMs) * time.Millisecond,
				Jitter:   time.Duration(e.JitterMs) * time.Millisecond,
			}, sc.Seed+int64(e.ID)),
			Avatar:      avatar,
			ViewRadius:  e.ViewRadius,
			BaseSend:    ccfg.Window.MaxSendCount,
			awaiting:    make(map[uint32][]ecs.EntityID),
			historyBits: ccfg.AckHistoryBits,
		}
		conn.SetRPCDispatcher(func(_ ecs.EntityID, _ []byte, r *replication.Replicator) {
			if r == nil {
				cl.Totals.RPCExpired++
			} else {
				cl.Totals.RPCDelivered++
			}
		})

		if err := hub.Add(conn); err != nil {
			return nil, fmt.Errorf("client %d: %w", e.ID, err)
		}
		cs.byID[e.ID] = cl
		cs.order = append(cs.order, cl)
		cs.avatars[avatar] = struct{}{}
	}
	return cs, nil
}
