package snapshot

import (
	"sync"

	"github.com/cuemby/raftcore/pkg/log"
)

// ResultSender ships a Result ack back to the leader; implemented by
// pkg/transport.
type ResultSender interface {
	SendSignatureResult(leader uint64, res SignatureResult)
	SendResult(leader uint64, res Result)
}

// WorkRunner dispatches a long-running job (HT creation, the signature
// computation over every local page) off the protocol's message path,
// reporting completion via done. Production wiring routes it to the
// Storage collaborator's AsyncWork.
type WorkRunner interface {
	AsyncWork(fn func() error, done func(error))
}

// WorkRunnerFunc adapts a function to WorkRunner.
type WorkRunnerFunc func(fn func() error, done func(error))

func (f WorkRunnerFunc) AsyncWork(fn func() error, done func(error)) { f(fn, done) }

// FollowerDriver manages the single in-flight install session a follower
// can have at a time (a follower only ever installs from its current
// leader).
type FollowerDriver struct {
	mu     sync.Mutex
	store  Store
	sender ResultSender

	// Runner, when set, carries the signature computation instead of the
	// inbound message path. Set before any traffic arrives; nil runs jobs
	// inline.
	Runner WorkRunner

	leaderID uint64
	session  *FollowerSession
}

// NewFollowerDriver returns a driver that writes pages into store and acks
// through sender.
func NewFollowerDriver(store Store, sender ResultSender) *FollowerDriver {
	return &FollowerDriver{store: store, sender: sender}
}

func (d *FollowerDriver) run(fn func() error, done func(error)) {
	if d.Runner != nil {
		d.Runner.AsyncWork(fn, done)
		return
	}
	done(fn())
}

// HandleSignatureRequest starts the session on first sight of its id,
// launching the signature computation on the work runner, then streams
// one signature chunk per request once the computation completes. The
// leader re-requests after folding in each chunk and on its retry timer;
// a request that arrives while the computation is still running, or
// after the page exchange began, is dropped rather than allowed to
// rewind the session — the retry timer asks again.
func (d *FollowerDriver) HandleSignatureRequest(leader uint64, req SignatureRequest) {
	d.mu.Lock()
	if d.session != nil && d.session.id == req.SessionID {
		sess, leaderID := d.session, d.leaderID
		if !sess.CanStreamSignature() {
			d.mu.Unlock()
			return
		}
		res := sess.SignatureChunk(req.ChunkIndex)
		d.mu.Unlock()
		d.sender.SendSignatureResult(leaderID, res)
		return
	}
	sess := NewFollowerSession(req.SessionID, d.store)
	d.session = sess
	d.leaderID = leader
	sess.StartSignatureCalc()
	d.mu.Unlock()

	sessLogger := log.WithSession(req.SessionID)
	sessLogger.Info().Uint64("leader_id", leader).Msg("accepted snapshot install session")
	d.run(sess.ComputeSignature, func(err error) {
		d.mu.Lock()
		if d.session != sess {
			d.mu.Unlock()
			return
		}
		if err != nil {
			d.session = nil
			d.mu.Unlock()
			errLogger := log.WithSession(req.SessionID)
			errLogger.Error().Msg(err.Error())
			return
		}
		sess.FinishSignatureCalc()
		res := sess.SignatureChunk(req.ChunkIndex)
		d.mu.Unlock()
		d.sender.SendSignatureResult(leader, res)
	})
}

// HandleCP applies an incoming copy-page chunk.
func (d *FollowerDriver) HandleCP(leader uint64, msg CP) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil || d.session.id != msg.SessionID {
		d.sender.SendResult(leader, Result{SessionID: msg.SessionID, ChunkIndex: msg.ChunkIndex, Unexpected: true})
		return
	}
	res, err := d.session.HandleCP(msg)
	if err != nil {
		cpLogger := log.WithSession(msg.SessionID)
		cpLogger.Error().Msg(err.Error())
		return
	}
	if res.Done {
		d.session.Finish()
	}
	d.sender.SendResult(d.leaderID, res)
}

// HandleMV applies an incoming move-page chunk.
func (d *FollowerDriver) HandleMV(leader uint64, msg MV) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil || d.session.id != msg.SessionID {
		d.sender.SendResult(leader, Result{SessionID: msg.SessionID, ChunkIndex: msg.ChunkIndex, Unexpected: true})
		return
	}
	res, err := d.session.HandleMV(msg)
	if err != nil {
		mvLogger := log.WithSession(msg.SessionID)
		mvLogger.Error().Msg(err.Error())
		return
	}
	if res.Done {
		d.session.Finish()
	}
	d.sender.SendResult(d.leaderID, res)
}
