package raft

import (
	"context"

	"github.com/cuemby/raftcore/pkg/log"
)

// StateChangeFunc is invoked whenever the server's role changes.
type StateChangeFunc func(old, new ServerRole)

// SnapshotInstaller drives the incremental snapshot-install protocol
// (pkg/snapshot) for a peer whose Progress has fallen into
// ProgressSnapshot. It is a collaborator boundary: pkg/raft never imports
// pkg/snapshot directly, to keep the page-diff protocol free to evolve
// independently and to avoid a package cycle. The caller that constructs a
// Raft (cmd/raftd, or a test) wires a *snapshot.LeaderDriver in here; it
// satisfies this interface structurally.
type SnapshotInstaller interface {
	// StartSession begins (or restarts) a snapshot-install session with
	// peer, shipping the leader's current snapshot anchor.
	StartSession(peer uint64, snapshotIndex, snapshotTerm uint64)
	// Tick lets timed-out steps in an active session re-send.
	Tick(now uint64)
}

// Raft holds and drives the state of a single raft server.
// Unless stated otherwise its methods assume a single logical caller: the
// core runs single-threaded and cooperative on the main loop, and never
// blocks itself — every potentially slow call returns via a callback.
type Raft struct {
	id      uint64
	address string

	storage   Storage
	transport Transport
	fsm       FSM
	clock     Clock
	installer SnapshotInstaller
	receiver  SnapshotReceiver

	opts Options

	currentTerm uint64
	votedFor    uint64
	log         *Log

	configuration                 Configuration
	configurationCommitted        Configuration
	configurationLastSnapshot     Configuration
	configurationCommittedIndex   uint64
	configurationUncommittedIndex uint64

	commitIndex uint64
	lastApplied uint64
	lastStored  uint64

	state     ServerRole
	follower  *followerState
	candidate *candidateState
	leader    *leaderState

	electionTimerStart uint64

	onStateChange StateChangeFunc
	errmsg        string
}

// New constructs a Raft instance. Call Bootstrap or restore state via
// Storage.Load before driving it with Tick/Step.
func New(id uint64, address string, storage Storage, transport Transport, fsm FSM, clock Clock, opts Options) *Raft {
	opts.setDefaults()
	return &Raft{
		id:        id,
		address:   address,
		storage:   storage,
		transport: transport,
		fsm:       fsm,
		clock:     clock,
		opts:      opts,
		log:       NewLog(),
		state:     StateUnavailable,
	}
}

// SetSnapshotInstaller wires the snapshot-install collaborator used when a
// peer's Progress falls behind the log's retained range.
func (r *Raft) SetSnapshotInstaller(installer SnapshotInstaller) {
	r.installer = installer
}

// SnapshotReceiver finalizes an incoming page-diff install: it durably
// commits the pages staged by the follower-side session as this server's
// new snapshot. pkg/storage's PageStore satisfies it structurally, the
// same collaborator-boundary arrangement as SnapshotInstaller.
type SnapshotReceiver interface {
	Commit(ctx context.Context, trailing uint64, index, term uint64, conf Configuration, confIndex uint64) error
}

// SetSnapshotReceiver wires the follower-side install finalizer consulted
// when the leader marks an install session done.
func (r *Raft) SetSnapshotReceiver(receiver SnapshotReceiver) {
	r.receiver = receiver
}

// OnStateChange registers a callback invoked after every role transition.
func (r *Raft) OnStateChange(fn StateChangeFunc) {
	r.onStateChange = fn
}

// ID returns this server's id.
func (r *Raft) ID() uint64 { return r.id }

// State returns the current role.
func (r *Raft) State() ServerRole { return r.state }

// CurrentTerm returns the cached current term.
func (r *Raft) CurrentTerm() uint64 { return r.currentTerm }

// CommitIndex returns the highest log index known to be committed.
func (r *Raft) CommitIndex() uint64 { return r.commitIndex }

// LastApplied returns the highest index applied to the FSM.
func (r *Raft) LastApplied() uint64 { return r.lastApplied }

// LastLogIndex returns the index of the most recent log entry.
func (r *Raft) LastLogIndex() uint64 { return r.log.LastIndex() }

// NumLogEntries returns the number of log entries currently retained in
// memory.
func (r *Raft) NumLogEntries() int { return r.log.NumEntries() }

// VoterContacts returns the number of voters (including this server)
// heard from within the last election timeout, or zero when not leader.
func (r *Raft) VoterContacts() int {
	if r.leader == nil {
		return 0
	}
	return r.leader.voterContacts
}

// Configuration returns a copy of the current (possibly uncommitted)
// configuration.
func (r *Raft) Configuration() Configuration {
	return r.configuration.Copy()
}

// PeerStatus is a point-in-time snapshot of one peer's replication
// progress, exposed for observability (pkg/metrics) without handing out
// the live *Progress the leader mutates.
type PeerStatus struct {
	ID         uint64
	NextIndex  uint64
	MatchIndex uint64
	State      ProgressState
}

// PeerStatuses returns a snapshot of every peer's replication progress as
// tracked by this server while leader. It returns nil on any other role,
// since only a leader maintains Progress records. Like the other
// accessors on Raft, it must be called from the same goroutine that
// drives Tick/Step.
func (r *Raft) PeerStatuses() []PeerStatus {
	if r.leader == nil {
		return nil
	}
	statuses := make([]PeerStatus, 0, len(r.leader.progress))
	for id, p := range r.leader.progress {
		statuses = append(statuses, PeerStatus{
			ID:         id,
			NextIndex:  p.NextIndex,
			MatchIndex: p.MatchIndex,
			State:      p.State,
		})
	}
	return statuses
}

// Bootstrap initializes a brand new single-server-or-more cluster with the
// given initial configuration. It fails with ErrCantBootstrap if the log
// is not empty.
func (r *Raft) Bootstrap(conf Configuration) error {
	if r.log.NumEntries() > 0 || r.log.LastIndex() > 0 {
		return NewError(ErrCantBootstrap, "log is not empty")
	}
	buf, err := conf.Encode()
	if err != nil {
		return err
	}
	index := r.log.Append(1, EntryConfigurationChange, buf, true, LocalData{}, nil)
	r.configuration = conf.Copy()
	r.configurationCommitted = conf.Copy()
	r.configurationCommittedIndex = index

	slice, _ := r.log.Acquire(index)
	var bootErr error
	r.storage.Append(context.Background(), slice, func(err error) {
		r.log.Release(index, slice)
		bootErr = err
		if err != nil {
			r.fatal(NewError(ErrIO, "persisting bootstrap configuration: %v", err))
			return
		}
		if index > r.lastStored {
			r.lastStored = index
		}
	})
	if bootErr != nil {
		return NewError(ErrIO, "persisting bootstrap configuration: %v", bootErr)
	}
	r.setState(StateFollower)
	return nil
}

// Recover loads cached state from storage (currentTerm, votedFor, the most
// recent snapshot, and any retained log entries) ahead of serving Tick/Step.
func (r *Raft) Recover(ctx context.Context) error {
	term, votedFor, snap, _, entries, err := r.storage.Load(ctx)
	if err != nil {
		r.setState(StateUnavailable)
		return NewError(ErrCorrupt, "%v", err)
	}
	r.currentTerm = term
	r.votedFor = votedFor

	if snap != nil {
		r.log.Restore(snap.Index, snap.Term)
		r.configuration = snap.Configuration.Copy()
		r.configurationCommitted = snap.Configuration.Copy()
		r.configurationLastSnapshot = snap.Configuration
		r.configurationCommittedIndex = snap.ConfigIndex
		r.commitIndex = snap.Index
		r.lastApplied = snap.Index
		r.lastStored = snap.Index
		if err := r.fsm.Restore(snap.Data); err != nil {
			return NewError(ErrCorrupt, "restoring fsm snapshot: %v", err)
		}
	}

	for _, e := range entries {
		r.log.Append(e.Term, e.Type, e.Data, false, e.LocalData, nil)
		if e.Type == EntryConfigurationChange {
			conf, err := Decode(e.Data)
			if err != nil {
				return NewError(ErrCorrupt, "decoding configuration entry: %v", err)
			}
			// Only the most recent configuration entry can still be
			// uncommitted; everything it superseded is the rollback target.
			r.configurationCommitted = r.configuration.Copy()
			r.configuration = conf
			r.configurationUncommittedIndex = r.log.LastIndex()
		}
	}
	r.lastStored = r.log.LastIndex()
	r.setState(StateFollower)
	return nil
}

func (r *Raft) setState(new ServerRole) {
	old := r.state
	if old == StateLeader && new != StateLeader && r.leader != nil {
		// Losing leadership surfaces every pending request to its caller.
		// A transfer that was in flight is considered to have done its job:
		// stepping down is exactly what TransferLeadership asked for.
		for _, req := range r.leader.requests {
			req.done(nil, NewError(ErrLeadershipLost, "stepped down before commit"))
		}
		if r.leader.change != nil && r.leader.change.done != nil {
			r.leader.change.done(NewError(ErrLeadershipLost, "stepped down before the configuration committed"))
		}
		if r.leader.catchUp != nil && r.leader.catchUp.done != nil {
			r.leader.catchUp.done(NewError(ErrLeadershipLost, "stepped down during catch-up"))
		}
		if r.leader.transfer != nil && r.leader.transfer.done != nil {
			r.leader.transfer.done(nil)
		}
	}
	r.state = new
	switch new {
	case StateFollower:
		r.follower = &followerState{electionTimeout: r.randomizedElectionTimeout()}
		r.candidate = nil
		r.leader = nil
	case StateCandidate:
		r.candidate = &candidateState{electionTimeout: r.randomizedElectionTimeout()}
		r.follower = nil
		r.leader = nil
	case StateLeader:
		r.leader = &leaderState{progress: make(map[uint64]*Progress)}
		for _, s := range r.configuration.Servers {
			if s.ID == r.id {
				continue
			}
			r.leader.progress[s.ID] = NewProgress(r.log.LastIndex() + 1)
		}
		r.follower = nil
		r.candidate = nil
	case StateUnavailable:
		r.follower, r.candidate, r.leader = nil, nil, nil
	}
	r.electionTimerStart = r.now()
	if old != new && r.onStateChange != nil {
		r.onStateChange(old, new)
	}
}

func (r *Raft) now() uint64 { return r.clock.Now() }

func (r *Raft) randomizedElectionTimeout() uint64 {
	base := r.opts.ElectionTimeout
	return r.clock.RandomIn(base, base*2)
}

// Tick advances the server's internal timers by one period and drives
// timeout-triggered transitions: election timeouts, leader heartbeats and
// contact tracking, and snapshot-install retries.
func (r *Raft) Tick() {
	now := r.now()
	switch r.state {
	case StateFollower:
		r.tickFollower(now)
	case StateCandidate:
		r.tickCandidate(now)
	case StateLeader:
		r.tickLeader(now)
	}
	if r.installer != nil {
		r.installer.Tick(now)
	}
}

// Step processes one inbound message. Any message other than pre-vote
// traffic (see isPreVote) bearing a term higher than currentTerm causes a
// step-down to follower after persisting the new term.
func (r *Raft) Step(ctx context.Context, msg Message) {
	// Pre-vote traffic never updates terms: the whole point of the
	// pre-vote round is that nothing is persisted on either side.
	if term := messageTerm(msg); term > r.currentTerm && !isPreVote(msg) {
		r.updateTerm(ctx, term)
	}

	switch msg.Type {
	case MsgRequestVote:
		r.handleRequestVote(ctx, msg)
	case MsgRequestVoteResult:
		r.handleRequestVoteResult(msg)
	case MsgAppendEntries:
		r.handleAppendEntries(ctx, msg)
	case MsgAppendEntriesResult:
		r.handleAppendEntriesResult(msg)
	case MsgInstallSnapshot:
		r.handleInstallSnapshot(ctx, msg)
	case MsgInstallSnapshotResult:
		r.handleInstallSnapshotResult(msg)
	case MsgTimeoutNow:
		r.handleTimeoutNow(ctx, msg)
	}
}

func messageTerm(msg Message) uint64 {
	switch msg.Type {
	case MsgRequestVote:
		return msg.RequestVote.Term
	case MsgRequestVoteResult:
		return msg.RequestVoteResult.Term
	case MsgAppendEntries:
		return msg.AppendEntries.Term
	case MsgAppendEntriesResult:
		return msg.AppendEntriesResult.Term
	case MsgInstallSnapshot:
		return msg.InstallSnapshot.Term
	case MsgInstallSnapshotResult:
		return msg.InstallSnapshotResult.Term
	case MsgTimeoutNow:
		return msg.TimeoutNow.Term
	}
	return 0
}

// isPreVote reports whether msg carries a speculative pre-vote term that
// must not be adopted: every pre-vote request, and granted pre-vote
// replies (which echo the round's future term back to the candidate). A
// rejected pre-vote reply carries the peer's real, higher term and goes
// through the normal step-down.
func isPreVote(msg Message) bool {
	switch msg.Type {
	case MsgRequestVote:
		return msg.RequestVote.PreVote
	case MsgRequestVoteResult:
		return msg.RequestVoteResult.PreVote && msg.RequestVoteResult.VoteGranted
	}
	return false
}

// updateTerm persists the new term and clears votedFor before stepping
// down, per Raft's rule for discovering a higher term.
func (r *Raft) updateTerm(ctx context.Context, term uint64) {
	if err := r.storage.SetTerm(ctx, term); err != nil {
		r.fatal(NewError(ErrIO, "persisting term: %v", err))
		return
	}
	r.currentTerm = term
	r.votedFor = 0
	if err := r.storage.SetVote(ctx, 0); err != nil {
		r.fatal(NewError(ErrIO, "persisting vote: %v", err))
		return
	}
	if r.state != StateFollower {
		r.setState(StateFollower)
	}
}

// fatal latches the instance into StateUnavailable; all subsequent
// operations fail fast.
func (r *Raft) fatal(err *Error) {
	r.errmsg = err.Error()
	log.Error(err.Error())
	r.setState(StateUnavailable)
}

// Apply proposes a new EntryCommand be replicated and committed. It fails
// immediately with ErrNotLeader when this server is not the current
// leader. done is invoked once the entry is committed (or fails to be).
func (r *Raft) Apply(ctx context.Context, data []byte, localData LocalData, done func(interface{}, error)) error {
	return r.applyEntry(ctx, EntryCommand, data, localData, done)
}

// Barrier proposes a barrier entry: once committed and applied, every
// command proposed before it is guaranteed to have been applied too.
func (r *Raft) Barrier(ctx context.Context, done func(interface{}, error)) error {
	return r.applyEntry(ctx, EntryBarrier, nil, LocalData{}, done)
}

func (r *Raft) applyEntry(ctx context.Context, typ EntryType, data []byte, localData LocalData, done func(interface{}, error)) error {
	if r.state != StateLeader {
		return NewError(ErrNotLeader, "server %d is not the leader", r.id)
	}
	if r.leader.transfer != nil {
		return NewError(ErrNotLeader, "leadership transfer in progress")
	}
	index := r.log.Append(r.currentTerm, typ, data, true, localData, nil)
	if done != nil {
		r.leader.requests = append(r.leader.requests, &pendingRequest{index: index, term: r.currentTerm, done: done})
	}
	r.persistAndReplicate(ctx, index)
	return nil
}

// updateCommittedConfiguration promotes the uncommitted configuration to
// committed once commitIndex has passed its entry. A leader that finds
// itself demoted (or removed) by the newly committed configuration steps
// down here, after the commit, never before.
func (r *Raft) updateCommittedConfiguration() {
	if r.configurationUncommittedIndex == 0 || r.commitIndex < r.configurationUncommittedIndex {
		return
	}
	r.configurationCommittedIndex = r.configurationUncommittedIndex
	r.configurationUncommittedIndex = 0
	r.configurationCommitted = r.configuration.Copy()
	if r.state == StateLeader {
		if s, ok := r.configuration.Get(r.id); !ok || s.Role != RoleVoter {
			r.setState(StateFollower)
		}
	}
}

// FinishSnapshotInstall tells a peer whose page-diff install session just
// completed that the snapshot is whole, by sending the closing
// InstallSnapshot with Done set. Called by the wiring that owns the
// snapshot-install collaborator once it reports session completion; the
// peer's ack flips its Progress out of snapshot mode.
func (r *Raft) FinishSnapshotInstall(peer uint64) {
	if r.state != StateLeader {
		return
	}
	p, ok := r.leader.progress[peer]
	if !ok || p.State != ProgressSnapshot {
		return
	}
	s, ok := r.configuration.Get(peer)
	if !ok {
		return
	}
	term := r.log.TermOf(p.SnapshotIndex)
	if term == 0 {
		term = r.log.snapshotLastTerm
	}
	r.send(s.ID, s.Address, Message{
		Type: MsgInstallSnapshot,
		From: r.id,
		InstallSnapshot: &InstallSnapshot{
			Term:          r.currentTerm,
			LastIndex:     p.SnapshotIndex,
			LastTerm:      term,
			Configuration: r.configurationCommitted.Copy(),
			ConfigIndex:   r.configurationCommittedIndex,
			Done:          true,
		},
	})
}

func (r *Raft) persistAndReplicate(ctx context.Context, lastIndex uint64) {
	slice, n := r.log.Acquire(lastIndex)
	if n == 0 {
		return
	}
	r.storage.Append(ctx, slice, func(err error) {
		r.log.Release(lastIndex, slice)
		if err != nil {
			r.fatal(NewError(ErrIO, "appending to storage: %v", err))
			return
		}
		if lastIndex > r.lastStored {
			r.lastStored = lastIndex
		}
		r.maybeAdvanceCommit()
		if r.state == StateLeader {
			r.replicateToAll(ctx)
		}
	})
}
