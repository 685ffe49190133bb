package raft

import "context"

// TransferLeadership asks target, a fully caught-up voter, to start an
// election immediately via TimeoutNow, handing off leadership without a
// period of no leader. While a transfer is in flight, Apply is rejected
// with ErrNotLeader.
func (r *Raft) TransferLeadership(ctx context.Context, target uint64, done func(error)) error {
	if r.state != StateLeader {
		return NewError(ErrNotLeader, "server %d is not the leader", r.id)
	}
	if r.leader.transfer != nil {
		return NewError(ErrBusy, "a leadership transfer is already in progress")
	}
	s, ok := r.configuration.Get(target)
	if !ok || s.Role != RoleVoter {
		return NewError(ErrBadID, "server %d is not a voter", target)
	}
	if target == r.id {
		return NewError(ErrInvalid, "cannot transfer leadership to self")
	}
	r.leader.transfer = &transferState{targetID: target, startTime: r.now(), done: done}

	p, ok := r.leader.progress[target]
	if ok && p.MatchIndex >= r.log.LastIndex() {
		r.sendTimeoutNow(s, p)
	}
	return nil
}

func (r *Raft) sendTimeoutNow(s Server, p *Progress) {
	r.leader.transfer.notified = true
	r.send(s.ID, s.Address, Message{
		Type: MsgTimeoutNow,
		From: r.id,
		TimeoutNow: &TimeoutNow{
			Term:         r.currentTerm,
			LastLogIndex: r.log.LastIndex(),
			LastLogTerm:  r.log.LastTerm(),
		},
	})
}

// checkTransferProgress fires TimeoutNow as soon as the target catches up,
// for a transfer that was requested before the target was fully replicated.
func (r *Raft) checkTransferProgress(peerID uint64, p *Progress) {
	t := r.leader.transfer
	if t == nil || t.targetID != peerID || t.notified {
		return
	}
	if p.MatchIndex < r.log.LastIndex() {
		return
	}
	s, ok := r.configuration.Get(peerID)
	if !ok {
		return
	}
	r.sendTimeoutNow(s, p)
}

// checkTransferTimeout aborts a transfer that didn't complete within one
// election timeout, bounding how long a leader will withhold new Apply()
// calls for a handoff.
func (r *Raft) checkTransferTimeout(now uint64) {
	t := r.leader.transfer
	if t == nil {
		return
	}
	if now-t.startTime < r.opts.ElectionTimeout {
		return
	}
	r.leader.transfer = nil
	if t.done != nil {
		t.done(NewError(ErrNoConnection, "leadership transfer to %d timed out", t.targetID))
	}
}
