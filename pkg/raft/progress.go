package raft

// ProgressState is the replication mode the leader tracks for one peer.
type ProgressState uint8

const (
	// ProgressProbe allows at most one in-flight AppendEntries per
	// heartbeat interval, used until the peer's log position is known.
	ProgressProbe ProgressState = iota
	// ProgressPipeline streams new entries immediately on local append,
	// advancing NextIndex optimistically.
	ProgressPipeline
	// ProgressSnapshot means the peer has fallen behind the leader's
	// snapshot anchor and is running the incremental snapshot-install
	// protocol (pkg/snapshot) instead of AppendEntries.
	ProgressSnapshot
)

func (s ProgressState) String() string {
	switch s {
	case ProgressProbe:
		return "probe"
	case ProgressPipeline:
		return "pipeline"
	case ProgressSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Progress is the leader's replication bookkeeping for a single peer.
type Progress struct {
	NextIndex  uint64
	MatchIndex uint64

	LastSendTime uint64
	LastRecvTime uint64

	State         ProgressState
	SnapshotIndex uint64
	Features      Flags

	// inFlight is true while a probe-mode AppendEntries is awaiting its
	// ack; pipeline mode never sets it since multiple sends may be
	// outstanding.
	inFlight bool
}

// NewProgress returns a Progress for a peer that starts replication in
// probe mode immediately after nextIndex.
func NewProgress(nextIndex uint64) *Progress {
	return &Progress{
		NextIndex: nextIndex,
		State:     ProgressProbe,
	}
}

// CanSend reports whether a new AppendEntries may be sent to this peer
// right now, honoring the probe-mode single-flight rule.
func (p *Progress) CanSend() bool {
	if p.State == ProgressProbe {
		return !p.inFlight
	}
	return true
}

// OnSend records that entries up to lastIndexSent were (optimistically, in
// pipeline mode) sent.
func (p *Progress) OnSend(now uint64, lastIndexSent uint64) {
	p.LastSendTime = now
	if p.State == ProgressProbe {
		p.inFlight = true
		return
	}
	if lastIndexSent+1 > p.NextIndex {
		p.NextIndex = lastIndexSent + 1
	}
}

// OnAppendSuccess updates progress after a successful AppendEntries ack and
// promotes a probing peer to pipeline mode.
func (p *Progress) OnAppendSuccess(now, matchIndex uint64) {
	p.LastRecvTime = now
	p.inFlight = false
	if matchIndex > p.MatchIndex {
		p.MatchIndex = matchIndex
	}
	if p.NextIndex < matchIndex+1 {
		p.NextIndex = matchIndex + 1
	}
	if p.State == ProgressProbe {
		p.State = ProgressPipeline
	}
}

// OnAppendFailure reverts the peer to probe mode and rewinds NextIndex
// using the log-matching rewind rule.
func (p *Progress) OnAppendFailure(now, rejected uint64) {
	p.LastRecvTime = now
	p.inFlight = false
	p.State = ProgressProbe
	next := p.NextIndex
	if next > 1 {
		next--
	}
	if rejected != 0 && rejected < next {
		next = rejected
	}
	if next < 1 {
		next = 1
	}
	p.NextIndex = next
}

// OnTimeoutOrError reverts to probe mode, same as a failed write, without
// altering NextIndex.
func (p *Progress) OnTimeoutOrError() {
	p.inFlight = false
	p.State = ProgressProbe
}
