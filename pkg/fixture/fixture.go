// Package fixture is a deterministic, in-memory cluster simulator used by
// tests that need several pkg/raft.Raft instances talking to each other
// without a real clock or network. It plays the same role pkg/raft's own
// fakeClock/fakeStorage/fakeTransport play inside raft_test.go, generalized
// from one node's unit tests to a whole cluster and exported so other
// packages' tests can use it too.
package fixture

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/raftcore/pkg/fsm"
	"github.com/cuemby/raftcore/pkg/raft"
)

// Clock is a manually-advanced, deterministic raft.Clock.
type Clock struct {
	mu   sync.Mutex
	now  uint64
	skew uint64
}

func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// RandomIn returns min plus this clock's fixed skew (taken modulo the
// width of the range): deterministic, but distinct per node, so simulated elections
// resolve the way real randomized timeouts would instead of splitting the
// vote identically forever.
func (c *Clock) RandomIn(min, max uint64) uint64 {
	if max <= min {
		return min
	}
	return min + c.skew%(max-min)
}

// Advance moves the clock forward by d milliseconds.
func (c *Clock) Advance(d uint64) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// Storage is an in-memory raft.Storage; every callback fires synchronously,
// standing in for a durable store with no real I/O latency.
type Storage struct {
	mu      sync.Mutex
	term    uint64
	vote    uint64
	snap    *raft.Snapshot
	entries []*raft.Entry
}

func (s *Storage) Load(ctx context.Context) (uint64, uint64, *raft.Snapshot, uint64, []*raft.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, s.vote, s.snap, 1, s.entries, nil
}

func (s *Storage) SetTerm(ctx context.Context, term uint64) error {
	s.mu.Lock()
	s.term = term
	s.mu.Unlock()
	return nil
}

func (s *Storage) SetVote(ctx context.Context, id uint64) error {
	s.mu.Lock()
	s.vote = id
	s.mu.Unlock()
	return nil
}

func (s *Storage) Append(ctx context.Context, entries []*raft.Entry, done func(error)) {
	s.mu.Lock()
	s.entries = append(s.entries, entries...)
	s.mu.Unlock()
	done(nil)
}

func (s *Storage) Truncate(ctx context.Context, index uint64) error {
	return nil
}

func (s *Storage) SnapshotPut(ctx context.Context, trailing uint64, snap *raft.Snapshot, done func(error)) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	done(nil)
}

func (s *Storage) SnapshotGet(ctx context.Context, done func(*raft.Snapshot, error)) {
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()
	done(snap, nil)
}

// AsyncWork runs fn inline: the fixture is deterministic, so background
// jobs complete before the call returns.
func (s *Storage) AsyncWork(ctx context.Context, fn func() error, done func(error)) {
	done(fn())
}

// Bus is a shared in-memory transport every node in a Cluster is attached
// to: Send enqueues onto the destination's channel instead of dialing a
// socket, and Recv hands that channel back, matching the blocking-channel
// shape of pkg/transport.Transport so an FSM/raft loop written against the
// real transport runs unchanged against the fixture.
type Bus struct {
	mu    sync.Mutex
	chans map[uint64]chan raft.Message
}

// NewBus returns an empty message bus.
func NewBus() *Bus {
	return &Bus{chans: make(map[uint64]chan raft.Message)}
}

// Node wraps a *Bus with the fixed "to" identity raft.Transport needs.
type Node struct {
	id  uint64
	bus *Bus
}

// Attach registers id on the bus and returns its Transport view.
func (b *Bus) Attach(id uint64) *Node {
	b.mu.Lock()
	b.chans[id] = make(chan raft.Message, 256)
	b.mu.Unlock()
	return &Node{id: id, bus: b}
}

func (n *Node) Send(ctx context.Context, to uint64, address string, msg raft.Message, done func(error)) {
	n.bus.mu.Lock()
	ch, ok := n.bus.chans[to]
	n.bus.mu.Unlock()
	if !ok {
		done(fmt.Errorf("fixture: no such peer %d", to))
		return
	}
	msg.From = n.id
	ch <- msg
	done(nil)
}

func (n *Node) Recv() <-chan raft.Message {
	n.bus.mu.Lock()
	ch := n.bus.chans[n.id]
	n.bus.mu.Unlock()
	return ch
}

func (n *Node) Close(ctx context.Context) error { return nil }

// Cluster drives a fixed set of pkg/raft.Raft instances sharing a single
// Bus, a per-node Clock, and a per-node in-memory Storage and pkg/fsm.KV.
type Cluster struct {
	Nodes map[uint64]*raft.Raft
	FSMs  map[uint64]*fsm.KV

	clocks map[uint64]*Clock
	bus    *Bus
	down   map[uint64]bool
}

// New builds a Cluster of len(ids) voters, all bootstrapped with the same
// initial configuration, none yet elected.
func New(ids []uint64, opts raft.Options) (*Cluster, error) {
	var conf raft.Configuration
	for _, id := range ids {
		if err := conf.Add(id, address(id), raft.RoleVoter); err != nil {
			return nil, err
		}
	}

	c := &Cluster{
		Nodes:  make(map[uint64]*raft.Raft, len(ids)),
		FSMs:   make(map[uint64]*fsm.KV, len(ids)),
		clocks: make(map[uint64]*Clock, len(ids)),
		bus:    NewBus(),
		down:   make(map[uint64]bool),
	}
	for i, id := range ids {
		// 150ms apart: wider than the 100ms steps the fixture tests
		// advance by, so no two nodes time out in the same step.
		clock := &Clock{skew: uint64(i) * 150}
		f := fsm.New()
		node := c.bus.Attach(id)
		r := raft.New(id, address(id), &Storage{}, node, f, clock, opts)
		if err := r.Bootstrap(conf); err != nil {
			return nil, fmt.Errorf("bootstrapping node %d: %w", id, err)
		}
		c.Nodes[id] = r
		c.FSMs[id] = f
		c.clocks[id] = clock
	}
	return c, nil
}

func address(id uint64) string {
	return fmt.Sprintf("127.0.0.1:%d", 10000+id)
}

// Advance moves every node's clock forward by d milliseconds.
func (c *Cluster) Advance(d uint64) {
	for _, clock := range c.clocks {
		clock.Advance(d)
	}
}

// TickAll calls Tick on every live node once, in ascending ID order for
// reproducibility.
func (c *Cluster) TickAll() {
	for _, id := range c.orderedIDs() {
		if c.down[id] {
			continue
		}
		c.Nodes[id].Tick()
	}
}

// Kill takes a node out of the simulation: it stops ticking and every
// message addressed to it is dropped, as a crashed process would.
func (c *Cluster) Kill(id uint64) {
	c.down[id] = true
}

// Revive brings a killed node back. Its in-memory raft state is whatever
// it was at the moment of the kill; a real crash-restart (rebuilding from
// Storage.Load) is out of this harness's scope.
func (c *Cluster) Revive(id uint64) {
	delete(c.down, id)
}

// Pump drains every node's inbound channel into Step until all channels
// are empty, delivering whatever messages TickAll/Apply produced. It must
// be called after any action that can generate traffic (TickAll, Apply,
// AddServer, ...) for the cluster to make progress. Traffic addressed to
// killed nodes is discarded.
func (c *Cluster) Pump(ctx context.Context) {
	for {
		delivered := false
		for _, id := range c.orderedIDs() {
			node := c.Nodes[id]
			select {
			case msg := <-c.bus.chans[id]:
				if c.down[id] {
					delivered = true
					continue
				}
				node.Step(ctx, msg)
				delivered = true
			default:
			}
		}
		if !delivered {
			return
		}
	}
}

// Run advances the whole cluster: steps of d milliseconds, ticking and
// pumping after each, for rounds iterations. The standard way for a test
// to let the cluster make progress through elections and commits.
func (c *Cluster) Run(ctx context.Context, rounds int, d uint64) {
	for i := 0; i < rounds; i++ {
		c.Advance(d)
		c.TickAll()
		c.Pump(ctx)
	}
}

// Leader returns the ID of the node currently in StateLeader, and whether
// exactly one was found. More than one leader observed at once is an
// election-safety violation a test should fail on, not something Leader
// papers over.
func (c *Cluster) Leader() (id uint64, ok bool) {
	var found []uint64
	for _, nid := range c.orderedIDs() {
		if c.down[nid] {
			continue
		}
		if c.Nodes[nid].State() == raft.StateLeader {
			found = append(found, nid)
		}
	}
	if len(found) != 1 {
		return 0, false
	}
	return found[0], true
}

// CheckElectionSafety reports an error if more than one node claims
// leadership in the same term, the invariant the whole protocol rests on.
func (c *Cluster) CheckElectionSafety() error {
	leadersByTerm := make(map[uint64][]uint64)
	for _, id := range c.orderedIDs() {
		if c.down[id] {
			continue
		}
		n := c.Nodes[id]
		if n.State() == raft.StateLeader {
			leadersByTerm[n.CurrentTerm()] = append(leadersByTerm[n.CurrentTerm()], id)
		}
	}
	for term, leaders := range leadersByTerm {
		if len(leaders) > 1 {
			return fmt.Errorf("election safety violated: %v all claim leadership in term %d", leaders, term)
		}
	}
	return nil
}

func (c *Cluster) orderedIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Nodes))
	for id := range c.Nodes {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}
