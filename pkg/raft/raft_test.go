package raft

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a deterministic, manually advanced Clock for tests.
type fakeClock struct {
	mu  sync.Mutex
	now uint64
}

func (c *fakeClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) RandomIn(min, max uint64) uint64 {
	return min // deterministic: always the floor, election timeouts are fixed in tests.
}

func (c *fakeClock) Advance(d uint64) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// fakeStorage persists nothing beyond the current call; every callback
// fires synchronously, mirroring an in-memory store with no real I/O
// latency (Storage collaborator does not mandate asynchrony).
type fakeStorage struct {
	term  uint64
	vote  uint64
	snap  *Snapshot
	saved []*Entry
}

func (s *fakeStorage) Load(ctx context.Context) (uint64, uint64, *Snapshot, uint64, []*Entry, error) {
	return s.term, s.vote, s.snap, 1, nil, nil
}
func (s *fakeStorage) SetTerm(ctx context.Context, term uint64) error { s.term = term; return nil }
func (s *fakeStorage) SetVote(ctx context.Context, id uint64) error   { s.vote = id; return nil }
func (s *fakeStorage) Append(ctx context.Context, entries []*Entry, done func(error)) {
	s.saved = append(s.saved, entries...)
	done(nil)
}
func (s *fakeStorage) Truncate(ctx context.Context, index uint64) error { return nil }
func (s *fakeStorage) SnapshotPut(ctx context.Context, trailing uint64, snap *Snapshot, done func(error)) {
	s.snap = snap
	done(nil)
}
func (s *fakeStorage) SnapshotGet(ctx context.Context, done func(*Snapshot, error)) {
	done(s.snap, nil)
}
func (s *fakeStorage) AsyncWork(ctx context.Context, fn func() error, done func(error)) {
	done(fn())
}

// fakeTransport routes messages directly into peer Raft instances' Step,
// synchronously, so tests don't need to pump a network loop.
type fakeTransport struct {
	peers map[uint64]*Raft
}

func (t *fakeTransport) Send(ctx context.Context, to uint64, address string, msg Message, done func(error)) {
	if peer, ok := t.peers[to]; ok {
		peer.Step(ctx, msg)
	}
	done(nil)
}
func (t *fakeTransport) Recv() <-chan Message   { return nil }
func (t *fakeTransport) Close(ctx context.Context) error { return nil }

type fakeFSM struct {
	applied [][]byte
}

func (f *fakeFSM) Apply(data []byte) (interface{}, error) {
	f.applied = append(f.applied, data)
	return len(f.applied), nil
}
func (f *fakeFSM) Snapshot() ([]byte, error)    { return nil, nil }
func (f *fakeFSM) Restore(data []byte) error    { return nil }

func newSingleVoterRaft(t *testing.T) (*Raft, *fakeFSM, *fakeClock) {
	t.Helper()
	storage := &fakeStorage{}
	transport := &fakeTransport{peers: map[uint64]*Raft{}}
	fsm := &fakeFSM{}
	clock := &fakeClock{}
	r := New(1, "127.0.0.1:1", storage, transport, fsm, clock, Options{})
	var conf Configuration
	require.NoError(t, conf.Add(1, "127.0.0.1:1", RoleVoter))
	require.NoError(t, r.Bootstrap(conf))
	return r, fsm, clock
}

func TestSingleVoterBecomesLeaderOnElectionTimeout(t *testing.T) {
	r, _, clock := newSingleVoterRaft(t)
	require.Equal(t, StateFollower, r.State())

	clock.Advance(r.opts.ElectionTimeout * 2)
	r.Tick()

	assert.Equal(t, StateLeader, r.State())
}

func TestSingleVoterApplyCommitsImmediately(t *testing.T) {
	r, fsm, clock := newSingleVoterRaft(t)
	clock.Advance(r.opts.ElectionTimeout * 2)
	r.Tick()
	require.Equal(t, StateLeader, r.State())

	var gotErr error
	var gotResult interface{}
	err := r.Apply(context.Background(), []byte("cmd-1"), LocalData{}, func(res interface{}, err error) {
		gotResult, gotErr = res, err
	})
	require.NoError(t, err)

	require.NoError(t, gotErr)
	assert.Equal(t, 1, gotResult)
	assert.Len(t, fsm.applied, 1)
	assert.Equal(t, []byte("cmd-1"), fsm.applied[0])
}

func TestApplyRejectedWhenNotLeader(t *testing.T) {
	r, _, _ := newSingleVoterRaft(t)
	err := r.Apply(context.Background(), []byte("cmd"), LocalData{}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrNotLeader, CodeOf(err))
}

func newTwoVoterCluster(t *testing.T) (a, b *Raft, clockA, clockB *fakeClock) {
	t.Helper()
	storageA, storageB := &fakeStorage{}, &fakeStorage{}
	clockA, clockB = &fakeClock{}, &fakeClock{}
	transport := &fakeTransport{peers: map[uint64]*Raft{}}

	a = New(1, "127.0.0.1:1", storageA, transport, &fakeFSM{}, clockA, Options{})
	b = New(2, "127.0.0.1:2", storageB, transport, &fakeFSM{}, clockB, Options{})
	transport.peers[1] = a
	transport.peers[2] = b

	var conf Configuration
	require.NoError(t, conf.Add(1, "127.0.0.1:1", RoleVoter))
	require.NoError(t, conf.Add(2, "127.0.0.1:2", RoleVoter))
	require.NoError(t, a.Bootstrap(conf))
	require.NoError(t, b.Bootstrap(conf))
	return a, b, clockA, clockB
}

func TestTwoVoterElectionRequiresQuorum(t *testing.T) {
	a, b, clockA, _ := newTwoVoterCluster(t)

	clockA.Advance(a.opts.ElectionTimeout * 2)
	a.Tick()

	assert.Equal(t, StateLeader, a.State())
	assert.Equal(t, StateFollower, b.State())
	assert.Equal(t, a.currentTerm, b.currentTerm)
}

func TestAssignRoleCatchUpPromotesAfterRoundsSucceed(t *testing.T) {
	a, _, clockA, _ := newTwoVoterCluster(t)
	clockA.Advance(a.opts.ElectionTimeout * 2)
	a.Tick()
	require.Equal(t, StateLeader, a.State())

	storageC := &fakeStorage{}
	clockC := &fakeClock{}
	c := New(3, "127.0.0.1:3", storageC, a.transport, &fakeFSM{}, clockC, Options{})
	transport := a.transport.(*fakeTransport)
	transport.peers[3] = c

	require.NoError(t, a.AddServer(context.Background(), 3, "127.0.0.1:3"))
	a.replicateToAll(context.Background())

	a.opts.MaxCatchUpRounds = 1
	var doneErr error
	doneCalled := false
	require.NoError(t, a.AssignRole(context.Background(), 3, RoleVoter, func(err error) {
		doneCalled = true
		doneErr = err
	}))
	require.NotNil(t, a.leader.catchUp)

	// Drive replication so c's matchIndex reaches the round's target.
	a.replicateToAll(context.Background())

	require.True(t, doneCalled)
	assert.NoError(t, doneErr)
	assert.Nil(t, a.leader.catchUp)
	s, ok := a.configuration.Get(3)
	require.True(t, ok)
	assert.Equal(t, RoleVoter, s.Role)
}

func TestAssignRoleCatchUpFailsOnTimeout(t *testing.T) {
	a, b, clockA, _ := newTwoVoterCluster(t)
	_ = b
	clockA.Advance(a.opts.ElectionTimeout * 2)
	a.Tick()
	require.Equal(t, StateLeader, a.State())

	// A spare with no transport peer registered never acks, so its
	// matchIndex never reaches the round's target and the round times out.
	var conf Configuration
	conf = a.configuration.Copy()
	require.NoError(t, conf.Add(3, "127.0.0.1:3", RoleSpare))
	a.configuration = conf
	a.leader.progress[3] = NewProgress(a.log.LastIndex() + 1)

	var doneErr error
	doneCalled := false
	require.NoError(t, a.AssignRole(context.Background(), 3, RoleVoter, func(err error) {
		doneCalled = true
		doneErr = err
	}))
	require.NotNil(t, a.leader.catchUp)

	// Tick forward in small heartbeat-sized steps so b's contact stays
	// fresh (keeping quorum) while the round's own deadline elapses; only
	// peer 3 (the promotee, registered with no transport route) never acks.
	var elapsed uint64
	for elapsed < a.opts.MaxCatchUpRoundDuration*2 {
		clockA.Advance(a.opts.HeartbeatTimeout * 2)
		elapsed += a.opts.HeartbeatTimeout * 2
		a.Tick()
		if a.State() != StateLeader {
			break
		}
	}

	require.Equal(t, StateLeader, a.State())
	require.True(t, doneCalled)
	require.Error(t, doneErr)
	assert.Equal(t, ErrNoConnection, CodeOf(doneErr))
	assert.Nil(t, a.leader.catchUp)
	s, _ := a.configuration.Get(3)
	assert.Equal(t, RoleSpare, s.Role)
}

// asyncStorage defers Append completions until the test releases them,
// modeling real disk latency.
type asyncStorage struct {
	fakeStorage
	deferAppends bool
	pending      []func(error)
}

func (s *asyncStorage) Append(ctx context.Context, entries []*Entry, done func(error)) {
	if !s.deferAppends {
		s.fakeStorage.Append(ctx, entries, done)
		return
	}
	s.saved = append(s.saved, entries...)
	s.pending = append(s.pending, done)
}

func (s *asyncStorage) completeAppends() {
	pending := s.pending
	s.pending = nil
	for _, done := range pending {
		done(nil)
	}
}

func TestFollowerDefersCandidacyWhileAppendInFlight(t *testing.T) {
	storageA, storageB := &fakeStorage{}, &asyncStorage{}
	clockA, clockB := &fakeClock{}, &fakeClock{}
	transport := &fakeTransport{peers: map[uint64]*Raft{}}

	a := New(1, "127.0.0.1:1", storageA, transport, &fakeFSM{}, clockA, Options{})
	b := New(2, "127.0.0.1:2", storageB, transport, &fakeFSM{}, clockB, Options{})
	transport.peers[1] = a
	transport.peers[2] = b

	var conf Configuration
	require.NoError(t, conf.Add(1, "127.0.0.1:1", RoleVoter))
	require.NoError(t, conf.Add(2, "127.0.0.1:2", RoleVoter))
	require.NoError(t, a.Bootstrap(conf))
	require.NoError(t, b.Bootstrap(conf))

	clockA.Advance(a.opts.ElectionTimeout * 2)
	a.Tick()
	require.Equal(t, StateLeader, a.State())

	storageB.deferAppends = true
	require.NoError(t, a.Apply(context.Background(), []byte("cmd"), LocalData{}, nil))
	require.Equal(t, 1, b.follower.appendInFlightCount)

	// b's election timer expires, but a local append is still queued: the
	// conversion to candidate is deferred until it completes.
	clockB.Advance(b.opts.ElectionTimeout * 3)
	b.Tick()
	assert.Equal(t, StateFollower, b.State())

	storageB.completeAppends()
	require.Equal(t, 0, b.follower.appendInFlightCount)
	b.Tick()
	// fakeTransport round-trips synchronously, so the conversion runs all
	// the way through the election b just started.
	assert.NotEqual(t, StateFollower, b.State())
}

func TestPreVoteRoundPersistsNothingOnPeers(t *testing.T) {
	storageA, storageB := &fakeStorage{}, &fakeStorage{}
	clockA := &fakeClock{}
	transport := &fakeTransport{peers: map[uint64]*Raft{}}
	opts := Options{PreVote: true}

	a := New(1, "127.0.0.1:1", storageA, transport, &fakeFSM{}, clockA, opts)
	b := New(2, "127.0.0.1:2", storageB, transport, &fakeFSM{}, &fakeClock{}, opts)
	transport.peers[1] = a
	transport.peers[2] = b

	var conf Configuration
	require.NoError(t, conf.Add(1, "127.0.0.1:1", RoleVoter))
	require.NoError(t, conf.Add(2, "127.0.0.1:2", RoleVoter))
	require.NoError(t, a.Bootstrap(conf))
	require.NoError(t, b.Bootstrap(conf))

	clockA.Advance(a.opts.ElectionTimeout * 2)
	a.Tick()

	// The pre-vote round won, then the real election: a ends up leader at
	// term 1 with both sides having persisted term and vote exactly once.
	assert.Equal(t, StateLeader, a.State())
	assert.Equal(t, uint64(1), a.currentTerm)
	assert.Equal(t, uint64(1), storageA.term)
	assert.Equal(t, uint64(1), a.votedFor)
	assert.Equal(t, uint64(1), b.currentTerm)
	assert.Equal(t, uint64(1), b.votedFor)
}

func TestUncommittedConfigurationRollsBackOnTruncate(t *testing.T) {
	storage := &fakeStorage{}
	transport := &fakeTransport{peers: map[uint64]*Raft{}}
	b := New(2, "127.0.0.1:2", storage, transport, &fakeFSM{}, &fakeClock{}, Options{})

	var conf Configuration
	require.NoError(t, conf.Add(1, "127.0.0.1:1", RoleVoter))
	require.NoError(t, conf.Add(2, "127.0.0.1:2", RoleVoter))
	require.NoError(t, conf.Add(3, "127.0.0.1:3", RoleVoter))
	require.NoError(t, b.Bootstrap(conf))

	// Leader at term 1 replicates an uncommitted configuration entry
	// adding a new server 4 as a spare.
	wider := conf.Copy()
	require.NoError(t, wider.Add(4, "127.0.0.1:4", RoleSpare))
	buf, err := wider.Encode()
	require.NoError(t, err)
	ctx := context.Background()
	b.Step(ctx, Message{
		Type: MsgAppendEntries,
		From: 1,
		AppendEntries: &AppendEntries{
			Term:         1,
			PrevLogIndex: 1,
			PrevLogTerm:  1,
			Entries:      []*Entry{{Term: 1, Type: EntryConfigurationChange, Data: buf}},
		},
	})
	_, ok := b.configuration.Get(4)
	require.True(t, ok)
	require.Equal(t, uint64(2), b.configurationUncommittedIndex)

	// A new leader at term 2 overwrites index 2 before the change ever
	// committed: the configuration rolls back to the committed one.
	b.Step(ctx, Message{
		Type: MsgAppendEntries,
		From: 3,
		AppendEntries: &AppendEntries{
			Term:         2,
			PrevLogIndex: 1,
			PrevLogTerm:  1,
			Entries:      []*Entry{{Term: 2, Type: EntryBarrier}},
		},
	})
	_, ok = b.configuration.Get(4)
	assert.False(t, ok, "uncommitted configuration must roll back")
	assert.Equal(t, uint64(0), b.configurationUncommittedIndex)
	assert.Len(t, b.configuration.Servers, 3)
}

func TestLeadershipTransferHandsOffToCaughtUpVoter(t *testing.T) {
	a, b, clockA, _ := newTwoVoterCluster(t)
	clockA.Advance(a.opts.ElectionTimeout * 2)
	a.Tick()
	require.Equal(t, StateLeader, a.State())

	doneCalled := false
	var doneErr error
	require.NoError(t, a.TransferLeadership(context.Background(), 2, func(err error) {
		doneCalled = true
		doneErr = err
	}))

	// The TimeoutNow round-trips synchronously through fakeTransport: b
	// starts a disruptive election, a steps down and grants.
	assert.Equal(t, StateLeader, b.State())
	assert.Equal(t, StateFollower, a.State())
	require.True(t, doneCalled)
	assert.NoError(t, doneErr)
	assert.Greater(t, b.currentTerm, uint64(1))
}

func TestInstallSnapshotDoneRestoresFollowerState(t *testing.T) {
	var conf Configuration
	require.NoError(t, conf.Add(1, "127.0.0.1:1", RoleVoter))
	require.NoError(t, conf.Add(2, "127.0.0.1:2", RoleVoter))

	storage := &fakeStorage{
		snap: &Snapshot{Index: 100, Term: 4, Configuration: conf, ConfigIndex: 1, Data: []byte(`{}`)},
	}
	transport := &fakeTransport{peers: map[uint64]*Raft{}}
	b := New(2, "127.0.0.1:2", storage, transport, &fakeFSM{}, &fakeClock{}, Options{})
	require.NoError(t, b.Recover(context.Background()))
	b.log.Restore(0, 0)
	b.currentTerm = 4

	ctx := context.Background()
	b.Step(ctx, Message{
		Type: MsgInstallSnapshot,
		From: 1,
		InstallSnapshot: &InstallSnapshot{
			Term: 4, LastIndex: 100, LastTerm: 4,
			Configuration: conf, ConfigIndex: 1,
		},
	})
	require.NotNil(t, b.follower.pendingSnapshot)

	b.Step(ctx, Message{
		Type: MsgInstallSnapshot,
		From: 1,
		InstallSnapshot: &InstallSnapshot{
			Term: 4, LastIndex: 100, LastTerm: 4,
			Configuration: conf, ConfigIndex: 1, Done: true,
		},
	})
	assert.Equal(t, uint64(100), b.log.LastIndex())
	assert.Equal(t, uint64(4), b.log.LastTerm())
	assert.Equal(t, uint64(100), b.commitIndex)
	assert.Equal(t, uint64(100), b.lastApplied)
	assert.Equal(t, uint64(100), b.lastStored)
	assert.Nil(t, b.follower.pendingSnapshot)
}

type recordingInstaller struct {
	started []uint64
}

func (i *recordingInstaller) StartSession(peer uint64, snapshotIndex, snapshotTerm uint64) {
	i.started = append(i.started, peer)
}
func (i *recordingInstaller) Tick(now uint64) {}

func TestLeaderStartsSnapshotInstallForLaggingPeer(t *testing.T) {
	a, _, clockA, _ := newTwoVoterCluster(t)
	clockA.Advance(a.opts.ElectionTimeout * 2)
	a.Tick()
	require.Equal(t, StateLeader, a.State())

	installer := &recordingInstaller{}
	a.SetSnapshotInstaller(installer)

	// Compact everything: the snapshot anchor moves past the whole log, so
	// a peer rewound to the beginning can only be served by an install.
	require.NoError(t, a.log.Snapshot(a.log.LastIndex(), a.log.LastTerm(), 0))

	p := a.leader.progress[2]
	p.NextIndex = 1
	p.State = ProgressProbe
	p.inFlight = false
	a.replicateTo(mustServer(a, 2), p, clockA.Now())

	require.Equal(t, []uint64{2}, installer.started)
	assert.Equal(t, ProgressSnapshot, p.State)
	assert.Equal(t, a.log.snapshotLastIndex, p.SnapshotIndex)

	// The closing ack flips the peer back to normal replication right
	// after the snapshot anchor.
	a.Step(context.Background(), Message{
		Type: MsgInstallSnapshotResult,
		From: 2,
		InstallSnapshotResult: &InstallSnapshotResult{Term: a.currentTerm, Done: true},
	})
	assert.Equal(t, ProgressProbe, p.State)
	assert.Equal(t, p.SnapshotIndex+1, p.NextIndex)
	assert.Equal(t, p.SnapshotIndex, p.MatchIndex)
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	a, b, clockA, _ := newTwoVoterCluster(t)
	clockA.Advance(a.opts.ElectionTimeout * 2)
	a.Tick() // a becomes leader at some term > 0

	// A candidate (99) solicits b's vote at a stale (lower) term; b must reject it.
	b.Step(context.Background(), Message{
		Type: MsgRequestVote,
		From: 99,
		RequestVote: &RequestVote{
			Term:         0,
			CandidateID:  99,
			LastLogIndex: 0,
			LastLogTerm:  0,
		},
	})
	assert.NotEqual(t, uint64(99), b.votedFor)
}
