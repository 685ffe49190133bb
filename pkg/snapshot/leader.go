package snapshot

const (
	lsFOnline state = iota
	lsHTWait
	lsFNeedsSnap
	lsCheckFHasSigs
	lsWaitSigs
	lsReqSigLoop
	lsRecvSigPart
	lsPersistedSigPart
	lsReadPagesLoop
	lsPageRead
	lsPageSent
	lsSnapDone
	lsFinal
)

var leaderConf = []stateConf{
	lsFOnline:          {name: "online", allowed: bits(lsHTWait, lsFOnline)},
	lsHTWait:           {name: "ht-wait", allowed: bits(lsFNeedsSnap)},
	lsFNeedsSnap:       {name: "needs-snapshot", allowed: bits(lsCheckFHasSigs, lsFNeedsSnap, lsFOnline)},
	lsCheckFHasSigs:    {name: "check-f-has-sigs", allowed: bits(lsCheckFHasSigs, lsWaitSigs, lsFOnline)},
	lsWaitSigs:         {name: "wait-sigs", allowed: bits(lsCheckFHasSigs, lsReqSigLoop, lsFOnline)},
	lsReqSigLoop:       {name: "req-sig-loop", allowed: bits(lsRecvSigPart, lsFOnline)},
	lsRecvSigPart:      {name: "recv-sig", allowed: bits(lsPersistedSigPart, lsReqSigLoop, lsFOnline)},
	lsPersistedSigPart: {name: "pers-sig", allowed: bits(lsReadPagesLoop, lsReqSigLoop, lsFOnline)},
	lsReadPagesLoop:    {name: "read-pages-loop", allowed: bits(lsPageRead, lsFOnline)},
	lsPageRead:         {name: "page-read", allowed: bits(lsPageSent, lsFOnline)},
	lsPageSent:         {name: "page-sent", allowed: bits(lsReadPagesLoop, lsSnapDone, lsFOnline)},
	lsSnapDone:         {name: "snap-done", allowed: bits(lsSnapDone, lsFinal, lsFOnline)},
	lsFinal:            {name: "final", allowed: bits(lsFOnline)},
}

// DataSource is the snapshot data the leader side reads pages from, a
// thin adapter over whatever holds the leader's current snapshot bytes
// (typically pkg/storage).
type DataSource interface {
	// Page returns the raw bytes of page n.
	Page(n uint32) ([]byte, error)
	// NumPages returns the total page count of the snapshot being shipped.
	NumPages() uint32
}

// LeaderSession drives one follower's snapshot install from the leader
// side. It owns no network code: Step is fed inbound messages and
// produces outbound ones; the caller (the raftcore/pkg/raft wiring) is
// responsible for actually sending them.
type LeaderSession struct {
	id     string
	peer   uint64
	source DataSource
	state  state

	snapshotIndex uint64
	snapshotTerm  uint64

	followerHT    HT     // checksum -> follower page, accumulated across SignatureResult chunks
	sigReceived   uint32 // signature chunks folded in so far; the next one wanted
	nextChunk     uint32
	nextPage      uint32
	sentLast      bool // true once the chunk carrying Last: true has been sent
	pendingChunks map[uint32][]outbound // resend cache keyed by chunk index, for idempotent retries
}

// outbound is either a CP or an MV, boxed so pendingChunks can replay it.
type outbound struct {
	cp *CP
	mv *MV
}

// NewLeaderSession starts a session shipping source to peer.
func NewLeaderSession(id string, peer uint64, source DataSource) *LeaderSession {
	return &LeaderSession{
		id:            id,
		peer:          peer,
		source:        source,
		state:         lsFOnline,
		followerHT:    NewHT(),
		pendingChunks: make(map[uint32][]outbound),
	}
}

func (s *LeaderSession) goTo(to state) {
	transition(leaderConf, s.state, to)
	s.state = to
}

// Start transitions out of "online" and requests the follower's
// signature, the first step of ht-wait -> needs-snapshot -> ... -> wait-sigs.
func (s *LeaderSession) Start() SignatureRequest {
	s.goTo(lsHTWait)
	s.goTo(lsFNeedsSnap)
	s.goTo(lsCheckFHasSigs)
	s.goTo(lsWaitSigs)
	s.goTo(lsReqSigLoop)
	return SignatureRequest{SessionID: s.id}
}

// HandleSignature folds one chunk of the follower's signature into the
// accumulated followerHT and, once Done, begins the read-pages loop.
func (s *LeaderSession) HandleSignature(res SignatureResult) {
	if res.SessionID != s.id {
		return
	}
	if s.state != lsReqSigLoop {
		// A duplicate chunk delivered after the signature exchange ended
		// (retransmit racing the page loop); drop it.
		return
	}
	if res.ChunkIndex != s.sigReceived {
		// A retransmit of a chunk already folded in; drop it.
		return
	}
	s.goTo(lsRecvSigPart)
	for _, e := range res.Entries {
		s.followerHT.Put(e.PageNo, e.Checksum)
	}
	s.sigReceived++
	s.goTo(lsPersistedSigPart)
	if res.Done {
		s.goTo(lsReadPagesLoop)
		return
	}
	s.goTo(lsReqSigLoop)
}

// NextMessage produces the next CP or MV instruction for the follower, or
// (nil, nil, true) once every page has been sent. Call after HandleSignature
// reaches lsReadPagesLoop and again after each matching ack.
func (s *LeaderSession) NextMessage() (cp *CP, mv *MV, done bool, err error) {
	if s.state == lsSnapDone || s.state == lsFinal {
		// A duplicate ack raced the session's completion; nothing left.
		return nil, nil, true, nil
	}
	if s.nextPage >= s.source.NumPages() {
		// An empty snapshot: pass through page-read/page-sent with no
		// actual page, matching the reference table's only path into
		// snap-done.
		s.goTo(lsPageRead)
		s.goTo(lsPageSent)
		s.goTo(lsSnapDone)
		return nil, nil, true, nil
	}
	s.goTo(lsPageRead)
	n := s.nextPage
	chunk := s.nextChunk
	last := n+1 >= s.source.NumPages()

	if followerPage, ok := s.reverseLookup(n); ok {
		mv = &MV{SessionID: s.id, ChunkIndex: chunk, From: followerPage, To: n, Last: last}
		s.pendingChunks[chunk] = []outbound{{mv: mv}}
	} else {
		data, rerr := s.source.Page(n)
		if rerr != nil {
			return nil, nil, false, rerr
		}
		cp = &CP{SessionID: s.id, ChunkIndex: chunk, PageNo: n, Data: data, Last: last}
		s.pendingChunks[chunk] = []outbound{{cp: cp}}
	}
	s.goTo(lsPageSent)
	s.nextPage++
	s.nextChunk++
	s.sentLast = last
	return cp, mv, false, nil
}

// reverseLookup reports whether the follower is already known to hold, at
// some page number, the same content the leader's page n has.
func (s *LeaderSession) reverseLookup(n uint32) (uint32, bool) {
	data, err := s.source.Page(n)
	if err != nil {
		return 0, false
	}
	return s.followerHT.Lookup(ChecksumPage(data))
}

// HandleAck processes the follower's ack of a CP/MV. An Unexpected ack
// (chunk index mismatch) means the follower's idea of the session diverged
// from the leader's; the caller should abandon this session and start a
// fresh one rather than try to patch it up in place.
func (s *LeaderSession) HandleAck(res Result) (retry bool) {
	if res.SessionID != s.id {
		return false
	}
	if res.Unexpected {
		s.goTo(lsFOnline)
		return false
	}
	delete(s.pendingChunks, res.ChunkIndex)
	if s.state == lsPageSent {
		if s.sentLast {
			s.goTo(lsSnapDone)
		} else {
			s.goTo(lsReadPagesLoop)
		}
	}
	return false
}

// Resend returns every not-yet-acked outbound message, for the leader's
// fixed retry timer to re-send verbatim (same chunk index, so the
// follower's idempotence check accepts a duplicate harmlessly).
func (s *LeaderSession) Resend() (cps []*CP, mvs []*MV) {
	for _, out := range s.pendingChunks {
		for _, o := range out {
			if o.cp != nil {
				cps = append(cps, o.cp)
			}
			if o.mv != nil {
				mvs = append(mvs, o.mv)
			}
		}
	}
	return cps, mvs
}

// Finish completes the session once the follower acked Done.
func (s *LeaderSession) Finish() {
	if s.state == lsSnapDone {
		s.goTo(lsFinal)
	}
}

// State exposes the current state name, for logging/metrics.
func (s *LeaderSession) State() string {
	return leaderConf[s.state].name
}
