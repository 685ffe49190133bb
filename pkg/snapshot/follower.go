package snapshot

const (
	fsNormal state = iota
	fsHTCreate
	fsHTWait
	fsSigsCalcStarted
	fsSigsCalcLoop
	fsSigsCalcMsgReceived
	fsSigsCalcDone
	fsSigReceiving
	fsSigProcessed
	fsSigRead
	fsSigReplied
	fsChunkReceiving
	fsChunkProcessed
	fsChunkApplied
	fsChunkReplied
	fsSnapDone
	fsFinal
)

var followerConf = []stateConf{
	fsNormal:              {name: "normal", allowed: bits(fsHTCreate, fsNormal)},
	fsHTCreate:            {name: "ht_create", allowed: bits(fsHTWait, fsNormal)},
	fsHTWait:              {name: "ht_waiting", allowed: bits(fsSigsCalcStarted, fsNormal)},
	fsSigsCalcStarted:     {name: "signatures_calc_started", allowed: bits(fsSigsCalcLoop, fsNormal)},
	fsSigsCalcLoop:        {name: "signatures_calc_loop", allowed: bits(fsSigsCalcMsgReceived, fsSigsCalcDone, fsNormal)},
	fsSigsCalcMsgReceived: {name: "signatures_msg_received", allowed: bits(fsSigsCalcLoop, fsNormal)},
	fsSigsCalcDone:        {name: "signatures_calc_done", allowed: bits(fsSigReceiving, fsNormal)},
	fsSigReceiving:        {name: "signature_received", allowed: bits(fsSigProcessed, fsNormal)},
	fsSigProcessed:        {name: "signature_processed", allowed: bits(fsSigRead, fsNormal)},
	fsSigRead:             {name: "signature_read", allowed: bits(fsSigReplied, fsNormal)},
	fsSigReplied:          {name: "signature_sent", allowed: bits(fsChunkReceiving, fsSigReceiving, fsNormal)},
	fsChunkReceiving:      {name: "chunk_received", allowed: bits(fsChunkProcessed, fsNormal)},
	fsChunkProcessed:      {name: "chunk_processed", allowed: bits(fsChunkApplied, fsNormal)},
	fsChunkApplied:        {name: "chunk_applied", allowed: bits(fsChunkReplied, fsNormal)},
	fsChunkReplied:        {name: "chunk_replied", allowed: bits(fsChunkProcessed, fsSnapDone, fsNormal)},
	fsSnapDone:            {name: "snap_done", allowed: bits(fsFinal, fsNormal)},
	fsFinal:               {name: "final", allowed: bits(fsNormal)},
}

// Store is the follower-side page store the install writes into.
type Store interface {
	// CurrentHT returns a signature over the follower's existing data
	// (what it had before this install started), used to avoid
	// re-shipping pages the follower already holds.
	CurrentHT() (HT, error)
	// WritePage writes data verbatim to page n of the snapshot under
	// construction.
	WritePage(n uint32, data []byte) error
	// CopyPage copies page from of the follower's pre-existing data (the
	// data CurrentHT was computed over) onto page to of the snapshot
	// under construction, without the leader having to ship the bytes.
	CopyPage(from, to uint32) error
}

// FollowerSession drives one incoming snapshot install from the follower
// side. Every chunked message (signature and page) carries a monotonically
// increasing ChunkIndex; a chunk equal to the last one already applied is
// treated as a harmless retransmit (ack it again, don't reapply), and any
// other mismatch is reported back as Unexpected so the leader restarts the
// session from scratch rather than risk corrupting partially-applied state.
type FollowerSession struct {
	id    string
	store Store
	state state

	ht             HT
	sigChunks      [][]SignatureEntry
	lastChunkIndex uint32
	lastChunkLast  bool
	haveAppliedAny bool
}

// NewFollowerSession begins a session identified by id against store.
func NewFollowerSession(id string, store Store) *FollowerSession {
	return &FollowerSession{id: id, store: store, state: fsNormal}
}

func (s *FollowerSession) goTo(to state) {
	transition(followerConf, s.state, to)
	s.state = to
}

// StartSignatureCalc begins the session's signature phase: the HT is
// created and the checksum computation over all local pages is launched
// (ht_create → ht_waiting → calc started → calc loop).
func (s *FollowerSession) StartSignatureCalc() {
	s.goTo(fsHTCreate)
	s.goTo(fsHTWait)
	s.goTo(fsSigsCalcStarted)
	s.goTo(fsSigsCalcLoop)
}

// ComputeSignature hashes the follower's current data into the session's
// HT and prepares the chunked signature. It is the long-running job the
// driver hands to the Storage collaborator's async-work pool: it walks no
// state-machine transitions, so it is safe off the protocol's message
// path while the session sits in the calc loop.
func (s *FollowerSession) ComputeSignature() error {
	ht, err := s.store.CurrentHT()
	if err != nil {
		return err
	}
	s.ht = ht
	s.sigChunks = chunkSignature(ht, 256)
	return nil
}

// FinishSignatureCalc records the computation's completion
// (calc loop → msg received → calc loop → calc done).
func (s *FollowerSession) FinishSignatureCalc() {
	s.goTo(fsSigsCalcMsgReceived)
	s.goTo(fsSigsCalcLoop)
	s.goTo(fsSigsCalcDone)
}

// HandleSignatureRequest runs the whole signature preparation inline, for
// callers driving a session directly rather than through a FollowerDriver
// and its work runner.
func (s *FollowerSession) HandleSignatureRequest(req SignatureRequest) error {
	if req.SessionID != s.id {
		return NewUnexpectedSessionError(s.id, req.SessionID)
	}
	s.StartSignatureCalc()
	if err := s.ComputeSignature(); err != nil {
		s.goTo(fsNormal)
		return err
	}
	s.FinishSignatureCalc()
	return nil
}

// chunkSignature is package level so it has no receiver-captured state,
// simplifying testing it against a synthetic HT.
func chunkSignature(ht HT, chunkSize int) [][]SignatureEntry {
	entries := ht.Entries()
	var chunks [][]SignatureEntry
	for i := 0; i < len(entries); i += chunkSize {
		end := i + chunkSize
		if end > len(entries) {
			end = len(entries)
		}
		chunks = append(chunks, entries[i:end])
	}
	if len(chunks) == 0 {
		chunks = [][]SignatureEntry{{}}
	}
	return chunks
}

// CanStreamSignature reports whether the session is at a point where a
// signature chunk may be produced: either right after the signature was
// computed, or between chunks. Once the page exchange has begun a
// straggling signature request must not rewind the state machine.
func (s *FollowerSession) CanStreamSignature() bool {
	return s.state == fsSigsCalcDone || s.state == fsSigReplied
}

// SignatureChunk serves chunk i of the computed signature, walking the
// sig-receiving/processed/read/replied sub-loop once per serve. Serving
// is addressed by the request's chunk index rather than an internal
// cursor, so a duplicated or retried request re-serves the same chunk
// (an index past the end re-serves the final one).
func (s *FollowerSession) SignatureChunk(i uint32) SignatureResult {
	s.goTo(fsSigReceiving)
	s.goTo(fsSigProcessed)
	s.goTo(fsSigRead)
	idx := int(i)
	if idx >= len(s.sigChunks) {
		idx = len(s.sigChunks) - 1
	}
	done := idx == len(s.sigChunks)-1
	res := SignatureResult{SessionID: s.id, ChunkIndex: uint32(idx), Entries: s.sigChunks[idx], Done: done}
	s.goTo(fsSigReplied)
	return res
}

// HandleCP applies a copy-page chunk, idempotently.
func (s *FollowerSession) HandleCP(msg CP) (Result, error) {
	if ok, res := s.checkChunk(msg.SessionID, msg.ChunkIndex); !ok {
		return res, nil
	}
	s.enterChunkPhase()
	if err := s.store.WritePage(msg.PageNo, msg.Data); err != nil {
		s.goTo(fsNormal)
		return Result{}, err
	}
	return s.finishChunk(msg.SessionID, msg.ChunkIndex, msg.Last), nil
}

// HandleMV applies a move-page chunk, idempotently.
func (s *FollowerSession) HandleMV(msg MV) (Result, error) {
	if ok, res := s.checkChunk(msg.SessionID, msg.ChunkIndex); !ok {
		return res, nil
	}
	s.enterChunkPhase()
	if err := s.store.CopyPage(msg.From, msg.To); err != nil {
		s.goTo(fsNormal)
		return Result{}, err
	}
	return s.finishChunk(msg.SessionID, msg.ChunkIndex, msg.Last), nil
}

// enterChunkPhase advances into fsChunkProcessed, the common state before
// applying a chunk's effect. The very first chunk passes through
// fsChunkReceiving (entered only from fsSigReplied); every later chunk
// loops directly from fsChunkReplied, matching the reference state table
// where fsChunkReceiving has no other incoming edge.
func (s *FollowerSession) enterChunkPhase() {
	if s.state == fsChunkProcessed {
		return
	}
	if s.state == fsSigReplied {
		s.goTo(fsChunkReceiving)
	}
	s.goTo(fsChunkProcessed)
}

// checkChunk reports whether chunkIndex should be applied. A repeat of the
// last chunk already applied is acked again without reapplying; any other
// out-of-order index is reported Unexpected.
func (s *FollowerSession) checkChunk(sessionID string, chunkIndex uint32) (apply bool, dup Result) {
	if sessionID != s.id {
		return false, Result{SessionID: sessionID, ChunkIndex: chunkIndex, Unexpected: true}
	}
	if s.haveAppliedAny && chunkIndex == s.lastChunkIndex {
		// A retransmit of the chunk just applied: re-ack without
		// reapplying, preserving the Done marker if it carried one.
		return false, Result{SessionID: s.id, ChunkIndex: chunkIndex, Done: s.lastChunkLast}
	}
	if s.haveAppliedAny && chunkIndex != s.lastChunkIndex+1 {
		return false, Result{SessionID: s.id, ChunkIndex: chunkIndex, Unexpected: true}
	}
	if !s.haveAppliedAny && chunkIndex != 0 {
		return false, Result{SessionID: s.id, ChunkIndex: chunkIndex, Unexpected: true}
	}
	return true, Result{}
}

func (s *FollowerSession) finishChunk(sessionID string, chunkIndex uint32, last bool) Result {
	s.lastChunkIndex = chunkIndex
	s.lastChunkLast = last
	s.haveAppliedAny = true
	s.goTo(fsChunkApplied)
	s.goTo(fsChunkReplied)
	res := Result{SessionID: sessionID, ChunkIndex: chunkIndex, Done: last}
	if last {
		s.goTo(fsSnapDone)
	} else {
		s.goTo(fsChunkProcessed)
	}
	return res
}

// Finish completes the session once the leader has no more chunks to send.
func (s *FollowerSession) Finish() {
	if s.state == fsSnapDone {
		s.goTo(fsFinal)
	}
}

// State exposes the current state name, for logging/metrics.
func (s *FollowerSession) State() string {
	return followerConf[s.state].name
}
