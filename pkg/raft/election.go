package raft

import "context"

// tickFollower checks whether the election timeout has elapsed without a
// valid AppendEntries/InstallSnapshot from the current leader, and if so
// converts to candidate. Only voters convert, and only once every locally
// queued append has been acknowledged by storage: counting a vote on a
// log we haven't finished persisting could elect a leader on entries that
// then fail to survive a crash.
func (r *Raft) tickFollower(now uint64) {
	if now-r.electionTimerStart < r.follower.electionTimeout {
		return
	}
	if r.configuration.IndexOfVoter(r.id) < 0 {
		r.electionTimerStart = now
		return
	}
	if r.follower.appendInFlightCount > 0 {
		return
	}
	r.convertToCandidate(false)
}

func (r *Raft) tickCandidate(now uint64) {
	if now-r.electionTimerStart < r.candidate.electionTimeout {
		return
	}
	// Split vote or lost messages: start a fresh round at a higher term.
	r.convertToCandidate(r.candidate.disruptLeader)
}

// convertToCandidate starts a new election round. When PreVote is enabled
// the first round only solicits pre-votes: currentTerm is not bumped and
// peers do not persist anything, so a partitioned server rejoining can't
// disrupt a healthy leader by inflating terms.
func (r *Raft) convertToCandidate(disruptLeader bool) {
	// A TimeoutNow-triggered election (leadership transfer) skips the
	// pre-vote round: the current leader asked for this disruption.
	preVote := r.opts.PreVote && !disruptLeader
	r.setState(StateCandidate)
	r.candidate.preVote = preVote
	r.candidate.disruptLeader = disruptLeader
	r.candidate.votes = map[uint64]bool{r.id: true}
	r.candidate.term = r.currentTerm + 1

	if r.configuration.IndexOfVoter(r.id) < 0 {
		// Not a voter: can't win an election, stay a perpetual candidate
		// waiting for an AppendEntries to bring us back to follower.
		return
	}
	if preVote {
		r.solicitVotes(true)
		return
	}
	r.startRealElection()
}

// startRealElection persists the bumped term and the self-vote, then
// solicits real votes. Also the continuation of a won pre-vote round.
func (r *Raft) startRealElection() {
	ctx := context.Background()
	if err := r.storage.SetTerm(ctx, r.candidate.term); err != nil {
		r.fatal(NewError(ErrIO, "persisting term: %v", err))
		return
	}
	r.currentTerm = r.candidate.term
	if err := r.storage.SetVote(ctx, r.id); err != nil {
		r.fatal(NewError(ErrIO, "persisting vote: %v", err))
		return
	}
	r.votedFor = r.id

	if r.configuration.VoterCount() == 1 {
		r.winElection()
		return
	}
	r.solicitVotes(false)
}

// solicitVotes sends a RequestVote for the current round to every other
// voter. Pre-vote requests carry the term the candidate would campaign at
// without the candidate (or any peer) having persisted it.
func (r *Raft) solicitVotes(preVote bool) {
	lastIndex := r.log.LastIndex()
	lastTerm := r.log.LastTerm()
	for _, s := range r.configuration.Servers {
		if s.Role != RoleVoter || s.ID == r.id {
			continue
		}
		r.send(s.ID, s.Address, Message{
			Type: MsgRequestVote,
			From: r.id,
			RequestVote: &RequestVote{
				Term:          r.candidate.term,
				CandidateID:   r.id,
				LastLogIndex:  lastIndex,
				LastLogTerm:   lastTerm,
				DisruptLeader: r.candidate.disruptLeader,
				PreVote:       preVote,
			},
		})
	}
}

func (r *Raft) send(to uint64, address string, msg Message) {
	r.transport.Send(context.Background(), to, address, msg, func(err error) {
		// Best-effort RPCs: failures are implied by the lack of a timely
		// response and handled by the relevant timeout, not here.
	})
}

// handleRequestVote answers a vote request per the safety rule: grant
// only if the candidate's log is at least as up to date as ours, we have
// not already voted for someone else this term, and we don't currently
// have a healthy leader (unless the request carries DisruptLeader, the
// leadership-transfer escape hatch). Pre-vote requests are answered with
// the same predicate but persist nothing.
func (r *Raft) handleRequestVote(ctx context.Context, msg Message) {
	req := msg.RequestVote
	reply := RequestVoteResult{Term: r.currentTerm, PreVote: req.PreVote}

	if req.Term < r.currentTerm {
		r.send(msg.From, msg.FromAddress, Message{Type: MsgRequestVoteResult, From: r.id, RequestVoteResult: &reply})
		return
	}

	// Suppress votes while we've recently heard from a live leader. A
	// disrupt-leader request (leadership transfer) bypasses this; a server
	// that never heard from any leader has nothing to protect.
	if r.state == StateFollower && r.follower.currentLeaderID != 0 && !req.DisruptLeader {
		if r.now()-r.electionTimerStart < r.opts.ElectionTimeout {
			r.send(msg.From, msg.FromAddress, Message{Type: MsgRequestVoteResult, From: r.id, RequestVoteResult: &reply})
			return
		}
	}

	upToDate := req.LastLogTerm > r.log.LastTerm() ||
		(req.LastLogTerm == r.log.LastTerm() && req.LastLogIndex >= r.log.LastIndex())

	if req.PreVote {
		reply.VoteGranted = upToDate
		if reply.VoteGranted {
			// A granted pre-vote echoes the round's term, tagging the reply
			// so the candidate can discard stragglers from earlier rounds.
			// Rejections keep our real term: a candidate behind on terms
			// learns the truth and steps down.
			reply.Term = req.Term
		}
	} else {
		canVote := r.votedFor == 0 || r.votedFor == req.CandidateID
		if canVote && upToDate {
			if err := r.storage.SetVote(ctx, req.CandidateID); err != nil {
				r.fatal(NewError(ErrIO, "persisting vote: %v", err))
				return
			}
			r.votedFor = req.CandidateID
			reply.VoteGranted = true
			r.electionTimerStart = r.now()
		}
	}

	r.send(msg.From, msg.FromAddress, Message{Type: MsgRequestVoteResult, From: r.id, RequestVoteResult: &reply})
}

func (r *Raft) handleRequestVoteResult(msg Message) {
	if r.state != StateCandidate {
		return
	}
	res := msg.RequestVoteResult
	if res.PreVote != r.candidate.preVote {
		return
	}
	if res.VoteGranted && res.Term != r.candidate.term {
		// A stale response from an earlier round; must not be counted.
		return
	}
	if !res.VoteGranted {
		return
	}
	r.candidate.votes[msg.From] = true
	if r.hasQuorum(r.candidate.votes) {
		if r.candidate.preVote {
			r.candidate.preVote = false
			r.candidate.votes = map[uint64]bool{r.id: true}
			r.startRealElection()
			return
		}
		r.winElection()
	}
}

func (r *Raft) hasQuorum(votes map[uint64]bool) bool {
	voters := r.configuration.VoterCount()
	n := 0
	for id, granted := range votes {
		if !granted {
			continue
		}
		if s, ok := r.configuration.Get(id); ok && s.Role == RoleVoter {
			n++
		}
	}
	return n*2 > voters
}

func (r *Raft) winElection() {
	r.setState(StateLeader)
	// A no-op barrier entry at the new term lets the commit rule advance
	// commitIndex past entries from prior terms as soon as this entry
	// itself is replicated to a quorum.
	r.log.Append(r.currentTerm, EntryBarrier, nil, true, LocalData{}, nil)
	r.persistAndReplicate(context.Background(), r.log.LastIndex())
}

func (r *Raft) handleTimeoutNow(ctx context.Context, msg Message) {
	if msg.TimeoutNow.Term < r.currentTerm {
		return
	}
	if r.configuration.IndexOfVoter(r.id) < 0 {
		return
	}
	r.convertToCandidate(true)
}
