package raft

import "context"

// tickLeader sends heartbeats/pending entries to every peer whose Progress
// allows a send, and steps down if a quorum hasn't been heard from within
// the election timeout (the "leadership lease" check).
func (r *Raft) tickLeader(now uint64) {
	contacted := 1 // self
	for id, p := range r.leader.progress {
		s, ok := r.configuration.Get(id)
		if !ok {
			continue
		}
		if now-p.LastRecvTime < r.opts.ElectionTimeout {
			if s.Role == RoleVoter {
				contacted++
			}
		}
		if p.State == ProgressProbe && p.inFlight && now-p.LastSendTime > r.opts.HeartbeatTimeout*4 {
			p.OnTimeoutOrError()
		}
		// An entry sent within the heartbeat interval already refreshed the
		// peer's election timer; the empty heartbeat is skipped.
		if p.CanSend() && now-p.LastSendTime >= r.opts.HeartbeatTimeout {
			r.replicateTo(s, p, now)
		}
	}

	r.leader.voterContacts = contacted
	if r.configuration.VoterCount() > 1 && contacted*2 <= r.configuration.VoterCount() {
		r.setState(StateFollower)
		return
	}
	r.checkCatchUpRoundTimeout(now)
	r.checkTransferTimeout(now)
}

func (r *Raft) replicateToAll(ctx context.Context) {
	now := r.now()
	for id, p := range r.leader.progress {
		s, ok := r.configuration.Get(id)
		if !ok || !p.CanSend() {
			continue
		}
		r.replicateTo(s, p, now)
	}
}

func (r *Raft) replicateTo(s Server, p *Progress, now uint64) {
	if p.State == ProgressSnapshot {
		// The page-diff install runs out of band; keep the peer's election
		// timer refreshed with an empty heartbeat carrying no consistency
		// check while it lasts.
		p.LastSendTime = now
		r.send(s.ID, s.Address, Message{
			Type: MsgAppendEntries,
			From: r.id,
			AppendEntries: &AppendEntries{
				Term:         r.currentTerm,
				LeaderCommit: r.commitIndex,
			},
		})
		return
	}
	// An AppendEntries can serve the peer only while the term of the entry
	// preceding NextIndex is still derivable (a retained entry, or the
	// snapshot anchor itself). Anything earlier was compacted away and
	// only the install protocol can catch the peer up.
	behind := p.NextIndex < r.log.firstIndexRetained() ||
		(p.NextIndex > 1 && r.log.TermOf(p.NextIndex-1) == 0)
	if r.log.snapshotLastIndex > 0 && behind {
		r.startSnapshotInstall(s, p)
		return
	}

	prevIndex := p.NextIndex - 1
	prevTerm := r.log.TermOf(prevIndex)
	var entries []*Entry
	if p.NextIndex <= r.log.LastIndex() {
		entries = r.log.entriesFrom(p.NextIndex)
	}

	msg := Message{
		Type: MsgAppendEntries,
		From: r.id,
		AppendEntries: &AppendEntries{
			Term:         r.currentTerm,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			LeaderCommit: r.commitIndex,
			Entries:      entries,
		},
	}
	lastSent := prevIndex
	if len(entries) > 0 {
		lastSent = p.NextIndex + uint64(len(entries)) - 1
	}
	p.OnSend(now, lastSent)
	r.send(s.ID, s.Address, msg)
}

func (r *Raft) startSnapshotInstall(s Server, p *Progress) {
	p.State = ProgressSnapshot
	p.SnapshotIndex = r.log.snapshotLastIndex
	if r.installer != nil {
		r.installer.StartSession(s.ID, r.log.snapshotLastIndex, r.log.snapshotLastTerm)
	}
	conf := r.configuration.Copy()
	r.send(s.ID, s.Address, Message{
		Type: MsgInstallSnapshot,
		From: r.id,
		InstallSnapshot: &InstallSnapshot{
			Term:          r.currentTerm,
			LastIndex:     r.log.snapshotLastIndex,
			LastTerm:      r.log.snapshotLastTerm,
			Configuration: conf,
			ConfigIndex:   r.configurationCommittedIndex,
		},
	})
}

// handleAppendEntries implements the follower side of log replication,
// including the log-matching consistency check. The success ack is only
// sent once storage has acknowledged the newly appended entries: an index
// counts toward lastStored, and so toward the leader's commit rule, only
// after it is durable here.
func (r *Raft) handleAppendEntries(ctx context.Context, msg Message) {
	req := msg.AppendEntries
	reply := AppendEntriesResult{Term: r.currentTerm, Features: DefaultFeatureFlags}

	if req.Term < r.currentTerm {
		r.send(msg.From, msg.FromAddress, Message{Type: MsgAppendEntriesResult, From: r.id, AppendEntriesResult: &reply})
		return
	}

	if r.state != StateFollower {
		r.setState(StateFollower)
	}
	r.electionTimerStart = r.now()
	r.follower.currentLeaderID = msg.From
	r.follower.currentLeaderAddress = msg.FromAddress

	if req.PrevLogIndex > 0 {
		localTerm := r.log.TermOf(req.PrevLogIndex)
		if localTerm != req.PrevLogTerm {
			reply.Rejected = r.log.LastIndex() + 1
			reply.LastLogIndex = r.log.LastIndex()
			r.send(msg.From, msg.FromAddress, Message{Type: MsgAppendEntriesResult, From: r.id, AppendEntriesResult: &reply})
			return
		}
	}

	var firstNew uint64
	index := req.PrevLogIndex
	for _, e := range req.Entries {
		index++
		if index <= r.log.LastIndex() {
			if r.log.TermOf(index) == e.Term {
				continue
			}
			if err := r.storage.Truncate(ctx, index); err != nil {
				r.fatal(NewError(ErrIO, "truncating storage: %v", err))
				return
			}
			r.log.Truncate(index)
			if r.lastStored >= index {
				r.lastStored = index - 1
			}
			if r.configurationUncommittedIndex >= index && r.configurationUncommittedIndex > 0 {
				// The uncommitted configuration entry was overwritten by a
				// newer leader: roll back to the committed one.
				r.configuration = r.configurationCommitted.Copy()
				r.configurationUncommittedIndex = 0
			}
		}
		r.log.Append(e.Term, e.Type, e.Data, false, e.LocalData, nil)
		if firstNew == 0 {
			firstNew = index
		}
		if e.Type == EntryConfigurationChange {
			conf, err := Decode(e.Data)
			if err == nil {
				r.configuration = conf
				r.configurationUncommittedIndex = index
			}
		}
	}

	matchIndex := req.PrevLogIndex + uint64(len(req.Entries))
	finish := func() {
		if req.LeaderCommit > r.commitIndex {
			newCommit := req.LeaderCommit
			if newCommit > r.lastStored {
				newCommit = r.lastStored
			}
			if newCommit > r.commitIndex {
				r.commitIndex = newCommit
				r.updateCommittedConfiguration()
				r.applyCommitted()
			}
		}
		reply.LastLogIndex = matchIndex
		r.send(msg.From, msg.FromAddress, Message{Type: MsgAppendEntriesResult, From: r.id, AppendEntriesResult: &reply})
	}

	if firstNew == 0 {
		// Heartbeat, or a full retransmit of entries already stored.
		finish()
		return
	}

	last := r.log.LastIndex()
	slice, n := r.log.Acquire(firstNew)
	if n == 0 {
		finish()
		return
	}
	r.follower.appendInFlightCount++
	r.storage.Append(ctx, slice, func(err error) {
		r.log.Release(firstNew, slice)
		if r.follower != nil {
			r.follower.appendInFlightCount--
		}
		if err != nil {
			r.fatal(NewError(ErrIO, "appending to storage: %v", err))
			return
		}
		if last > r.lastStored {
			r.lastStored = last
		}
		finish()
	})
}

func (r *Raft) handleAppendEntriesResult(msg Message) {
	if r.state != StateLeader {
		return
	}
	res := msg.AppendEntriesResult
	p, ok := r.leader.progress[msg.From]
	if !ok {
		return
	}
	now := r.now()
	if res.Term > r.currentTerm {
		return // handled by the generic term check in Step
	}
	if p.State == ProgressSnapshot {
		// Keepalive ack; real progress resumes when the install completes.
		p.LastRecvTime = now
		return
	}
	if res.Rejected != 0 {
		p.OnAppendFailure(now, res.Rejected)
		r.replicateTo(mustServer(r, msg.From), p, now)
		return
	}
	p.OnAppendSuccess(now, res.LastLogIndex)
	p.Features = res.Features
	r.maybeAdvanceCommit()
	r.checkCatchUpRoundProgress(msg.From, p)
	r.checkTransferProgress(msg.From, p)
	if p.NextIndex <= r.log.LastIndex() {
		r.replicateTo(mustServer(r, msg.From), p, now)
	}
}

func mustServer(r *Raft, id uint64) Server {
	s, _ := r.configuration.Get(id)
	return s
}

// handleInstallSnapshot brackets the page-diff exchange that pkg/snapshot
// carries outside the core Step loop. The opening message (Done unset)
// records the session's snapshot metadata; the closing one (Done set)
// commits the staged pages through the SnapshotReceiver collaborator and
// restores the log anchor, configuration, and FSM from the result.
func (r *Raft) handleInstallSnapshot(ctx context.Context, msg Message) {
	req := msg.InstallSnapshot
	if req.Term < r.currentTerm {
		return
	}
	if r.state != StateFollower {
		r.setState(StateFollower)
	}
	r.electionTimerStart = r.now()
	r.follower.currentLeaderID = msg.From
	r.follower.currentLeaderAddress = msg.FromAddress

	reply := InstallSnapshotResult{Term: r.currentTerm}
	if !req.Done {
		r.follower.pendingSnapshot = req
		r.send(msg.From, msg.FromAddress, Message{Type: MsgInstallSnapshotResult, From: r.id, InstallSnapshotResult: &reply})
		return
	}

	meta := r.follower.pendingSnapshot
	if meta == nil {
		meta = req
	}
	if r.receiver != nil {
		if err := r.receiver.Commit(ctx, r.opts.SnapshotTrailing, meta.LastIndex, meta.LastTerm, meta.Configuration, meta.ConfigIndex); err != nil {
			reply.Unexpected = true
			r.send(msg.From, msg.FromAddress, Message{Type: MsgInstallSnapshotResult, From: r.id, InstallSnapshotResult: &reply})
			return
		}
	}
	r.storage.SnapshotGet(ctx, func(snap *Snapshot, err error) {
		if err != nil || snap == nil {
			reply.Unexpected = true
			r.send(msg.From, msg.FromAddress, Message{Type: MsgInstallSnapshotResult, From: r.id, InstallSnapshotResult: &reply})
			return
		}
		if err := r.fsm.Restore(snap.Data); err != nil {
			r.fatal(NewError(ErrCorrupt, "restoring installed snapshot: %v", err))
			return
		}
		r.log.Restore(meta.LastIndex, meta.LastTerm)
		r.configuration = meta.Configuration.Copy()
		r.configurationCommitted = meta.Configuration.Copy()
		r.configurationCommittedIndex = meta.ConfigIndex
		r.configurationUncommittedIndex = 0
		r.commitIndex = meta.LastIndex
		r.lastApplied = meta.LastIndex
		r.lastStored = meta.LastIndex
		if r.follower != nil {
			r.follower.pendingSnapshot = nil
		}
		reply.Done = true
		r.send(msg.From, msg.FromAddress, Message{Type: MsgInstallSnapshotResult, From: r.id, InstallSnapshotResult: &reply})
	})
}

func (r *Raft) handleInstallSnapshotResult(msg Message) {
	if r.state != StateLeader {
		return
	}
	res := msg.InstallSnapshotResult
	p, ok := r.leader.progress[msg.From]
	if !ok {
		return
	}
	if res.Unexpected {
		// The follower's session state didn't match ours; the installer
		// collaborator is responsible for restarting the session.
		return
	}
	if res.Done {
		p.State = ProgressProbe
		p.NextIndex = p.SnapshotIndex + 1
		p.MatchIndex = p.SnapshotIndex
		r.maybeAdvanceCommit()
	}
}

// maybeAdvanceCommit applies the commit rule: only an entry from the
// current term can be committed directly by counting matchIndex;
// earlier-term entries are committed transitively once a later,
// current-term entry commits.
func (r *Raft) maybeAdvanceCommit() {
	if r.state != StateLeader {
		return
	}
	matches := make([]uint64, 0, len(r.leader.progress)+1)
	matches = append(matches, r.log.LastIndex())
	for id, p := range r.leader.progress {
		if s, ok := r.configuration.Get(id); ok && s.Role == RoleVoter {
			matches = append(matches, p.MatchIndex)
		}
	}
	n := majorityMatch(matches, r.configuration.VoterCount())
	if n <= r.commitIndex {
		return
	}
	if r.log.TermOf(n) != r.currentTerm {
		return
	}
	r.commitIndex = n
	r.updateCommittedConfiguration()
	r.applyCommitted()
	r.checkChangeCompletion()
}

// majorityMatch returns the highest index acknowledged by at least a
// majority of voters, treating the leader itself (matches[0]) as always
// caught up to its own last index.
func majorityMatch(matches []uint64, voters int) uint64 {
	if voters == 0 {
		return 0
	}
	sorted := append([]uint64(nil), matches...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	// With `voters` voters the majority-acked index is at position
	// len(sorted) - ceil((voters+1)/2) in the sorted ascending values,
	// restricted to the voter matchIndexes plus the leader's own index.
	pos := len(sorted) - (voters/2 + 1)
	if pos < 0 {
		pos = 0
	}
	if pos >= len(sorted) {
		pos = len(sorted) - 1
	}
	return sorted[pos]
}

func (r *Raft) applyCommitted() {
	for r.lastApplied < r.commitIndex {
		idx := r.lastApplied + 1
		e := r.log.Get(idx)
		if e == nil {
			break
		}
		if e.Type == EntryCommand {
			result, err := r.fsm.Apply(e.Data)
			r.completeRequest(idx, result, err)
		} else {
			r.completeRequest(idx, nil, nil)
		}
		r.lastApplied = idx
		r.maybeSnapshot()
	}
}

func (r *Raft) completeRequest(index uint64, result interface{}, err error) {
	if r.state != StateLeader || r.leader == nil {
		return
	}
	remaining := r.leader.requests[:0]
	for _, req := range r.leader.requests {
		if req.index == index {
			req.done(result, err)
			continue
		}
		remaining = append(remaining, req)
	}
	r.leader.requests = remaining
}

// maybeSnapshot takes a new FSM snapshot once the log has grown past the
// configured threshold beyond the last snapshot.
func (r *Raft) maybeSnapshot() {
	if r.lastApplied-r.log.snapshotLastIndex < r.opts.SnapshotThreshold {
		return
	}
	data, err := r.fsm.Snapshot()
	if err != nil {
		r.snapshotFailed(err)
		return
	}
	snap := &Snapshot{
		Index:         r.lastApplied,
		Term:          r.log.TermOf(r.lastApplied),
		Configuration: r.configuration.Copy(),
		ConfigIndex:   r.configurationCommittedIndex,
		Data:          data,
	}
	r.storage.SnapshotPut(context.Background(), r.opts.SnapshotTrailing, snap, func(err error) {
		if err != nil {
			r.snapshotFailed(err)
			return
		}
		if err := r.log.Snapshot(snap.Index, snap.Term, r.opts.SnapshotTrailing); err != nil {
			r.snapshotFailed(err)
			return
		}
		r.configurationLastSnapshot = snap.Configuration
	})
}

func (r *Raft) snapshotFailed(err error) {
	r.fatal(NewError(ErrIO, "taking snapshot: %v", err))
}
