package raft

import "context"

// AddServer appends a new non-voting server to the configuration and
// begins replicating to it. Promotion to voter happens separately via
// AssignRole once the server has caught up.
func (r *Raft) AddServer(ctx context.Context, id uint64, address string) error {
	if r.state != StateLeader {
		return NewError(ErrNotLeader, "server %d is not the leader", r.id)
	}
	if r.leader.change != nil {
		return NewError(ErrBusy, "a configuration change is already in progress")
	}
	conf := r.configuration.Copy()
	if err := conf.Add(id, address, RoleSpare); err != nil {
		return err
	}
	r.leader.progress[id] = NewProgress(r.log.LastIndex() + 1)
	return r.changeConfiguration(ctx, conf)
}

// AssignRole changes an existing server's role. Promoting to RoleVoter
// first runs up to MaxCatchUpRounds bounded catch-up rounds to make sure
// the server won't stall the cluster immediately after promotion.
func (r *Raft) AssignRole(ctx context.Context, id uint64, role Role, done func(error)) error {
	if r.state != StateLeader {
		return NewError(ErrNotLeader, "server %d is not the leader", r.id)
	}
	if r.leader.change != nil || r.leader.catchUp != nil {
		return NewError(ErrBusy, "a configuration change is already in progress")
	}
	s, ok := r.configuration.Get(id)
	if !ok {
		return NewError(ErrBadID, "server %d not found", id)
	}
	if role == RoleVoter && s.Role != RoleVoter {
		r.leader.catchUp = &catchUpRound{
			promoteeID: id,
			number:     1,
			targetIdx:  r.log.LastIndex(),
			startTime:  r.now(),
			done:       done,
		}
		return nil
	}
	conf := r.configuration.Copy()
	idx := conf.IndexOf(id)
	if idx < 0 {
		return NewError(ErrBadID, "server %d not found", id)
	}
	conf.Servers[idx].Role = role
	return r.changeConfigurationWithCallback(ctx, conf, done)
}

// RemoveServer removes a server from the configuration.
func (r *Raft) RemoveServer(ctx context.Context, id uint64) error {
	if r.state != StateLeader {
		return NewError(ErrNotLeader, "server %d is not the leader", r.id)
	}
	if r.leader.change != nil {
		return NewError(ErrBusy, "a configuration change is already in progress")
	}
	conf := r.configuration.Copy()
	if err := conf.Remove(id); err != nil {
		return err
	}
	if err := r.changeConfiguration(ctx, conf); err != nil {
		return err
	}
	delete(r.leader.progress, id)
	return nil
}

func (r *Raft) changeConfiguration(ctx context.Context, conf Configuration) error {
	return r.changeConfigurationWithCallback(ctx, conf, nil)
}

func (r *Raft) changeConfigurationWithCallback(ctx context.Context, conf Configuration, done func(error)) error {
	buf, err := conf.Encode()
	if err != nil {
		return err
	}
	index := r.log.Append(r.currentTerm, EntryConfigurationChange, buf, true, LocalData{}, nil)
	r.configuration = conf
	r.configurationUncommittedIndex = index
	r.leader.change = &pendingChange{index: index, done: done}
	r.persistAndReplicate(ctx, index)
	return nil
}

// checkCatchUpRoundProgress advances the promotee's catch-up round once its
// matchIndex reaches the round's target within the round's deadline. A round
// that reaches its target only counts as a success if MaxCatchUpRoundDuration
// hasn't elapsed yet; checkCatchUpRoundTimeout is the one that fails or
// retires a round once its deadline passes, so this only needs to advance.
func (r *Raft) checkCatchUpRoundProgress(peerID uint64, p *Progress) {
	round := r.leader.catchUp
	if round == nil || round.promoteeID != peerID {
		return
	}
	if p.MatchIndex < round.targetIdx {
		return
	}
	if round.number >= r.opts.MaxCatchUpRounds {
		r.promotePromotee(round.promoteeID)
		return
	}
	round.number++
	round.targetIdx = r.log.LastIndex()
	round.startTime = r.now()
}

// checkCatchUpRoundTimeout fails the in-flight catch-up once a round's
// deadline elapses without the promotee's matchIndex reaching the round's
// target: per spec, a round only succeeds within MaxCatchUpRoundDuration, and
// the change fails unless every round succeeds.
func (r *Raft) checkCatchUpRoundTimeout(now uint64) {
	round := r.leader.catchUp
	if round == nil {
		return
	}
	if now-round.startTime < r.opts.MaxCatchUpRoundDuration {
		return
	}
	r.leader.catchUp = nil
	if round.done != nil {
		round.done(NewError(ErrNoConnection, "server %d did not catch up with round %d/%d", round.promoteeID, round.number, r.opts.MaxCatchUpRounds))
	}
}

func (r *Raft) promotePromotee(id uint64) {
	round := r.leader.catchUp
	r.leader.catchUp = nil
	conf := r.configuration.Copy()
	idx := conf.IndexOf(id)
	if idx < 0 {
		if round != nil && round.done != nil {
			round.done(NewError(ErrBadID, "server %d not found", id))
		}
		return
	}
	conf.Servers[idx].Role = RoleVoter
	var done func(error)
	if round != nil {
		done = round.done
	}
	r.changeConfigurationWithCallback(context.Background(), conf, done)
}

func (r *Raft) checkChangeCompletion() {
	change := r.leader.change
	if change == nil {
		return
	}
	if r.commitIndex < change.index {
		return
	}
	r.leader.change = nil
	if change.done != nil {
		change.done(nil)
	}
}
