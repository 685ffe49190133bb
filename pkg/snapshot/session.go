package snapshot

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/raftcore/pkg/log"
	"github.com/cuemby/raftcore/pkg/metrics"
)

// retryInterval is the fixed delay before resending an unacknowledged
// chunk. A fixed timeout is used rather than exponential backoff, since
// a snapshot install peer is either reachable on a steady link or the
// session will be torn down by the surrounding raft core's own
// peer-contact tracking anyway.
const retryInterval = 10000 // milliseconds

// Sender ships one outbound protocol message to a peer; the concrete
// implementation lives in pkg/transport.
type Sender interface {
	SendSignatureRequest(peer uint64, req SignatureRequest)
	SendCP(peer uint64, msg CP)
	SendMV(peer uint64, msg MV)
}

// LeaderDriver manages one LeaderSession per peer currently behind the
// leader's snapshot anchor. It satisfies pkg/raft's SnapshotInstaller
// collaborator interface structurally (StartSession, Tick), so pkg/raft
// never needs to import this package directly.
type LeaderDriver struct {
	// mu serializes entry points: sessions are stepped both from the raft
	// core's tick (main loop) and from inbound replies delivered on
	// transport goroutines.
	mu        sync.Mutex
	source    DataSource
	sender    Sender
	sessions  map[uint64]*LeaderSession
	lastRetry map[uint64]uint64
	timers    map[uint64]*metrics.Timer

	// OnComplete, when set, is invoked after a peer acks the final chunk
	// of a session. The wiring that owns both this driver and the raft
	// core uses it to send the closing raft-level InstallSnapshot.
	OnComplete func(peer uint64, snapshotIndex, snapshotTerm uint64)
}

// NewLeaderDriver returns a driver that reads pages from source and ships
// protocol messages through sender.
func NewLeaderDriver(source DataSource, sender Sender) *LeaderDriver {
	return &LeaderDriver{
		source:    source,
		sender:    sender,
		sessions:  make(map[uint64]*LeaderSession),
		lastRetry: make(map[uint64]uint64),
		timers:    make(map[uint64]*metrics.Timer),
	}
}

// StartSession begins (or restarts) a session with peer.
func (d *LeaderDriver) StartSession(peer uint64, snapshotIndex, snapshotTerm uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startSession(peer, snapshotIndex, snapshotTerm)
}

func (d *LeaderDriver) startSession(peer uint64, snapshotIndex, snapshotTerm uint64) {
	id := uuid.New().String()
	sess := NewLeaderSession(id, peer, d.source)
	sess.snapshotIndex = snapshotIndex
	sess.snapshotTerm = snapshotTerm
	d.sessions[peer] = sess
	d.timers[peer] = metrics.NewTimer()
	req := sess.Start()
	logger := log.WithSession(id)
	logger.Info().Uint64("peer_id", peer).Uint64("snapshot_index", snapshotIndex).Msg("starting snapshot install session")
	d.sender.SendSignatureRequest(peer, req)
}

// ActiveSessions returns the number of sessions currently in flight.
func (d *LeaderDriver) ActiveSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// HandleSignatureResult folds in one chunk of peer's signature and, once
// the leader has collected it all, starts shipping CP/MV instructions.
func (d *LeaderDriver) HandleSignatureResult(peer uint64, res SignatureResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[peer]
	if !ok {
		return fmt.Errorf("no active snapshot session with peer %d", peer)
	}
	if res.SessionID != sess.id {
		return nil
	}
	sess.HandleSignature(res)
	if sess.State() != "read-pages-loop" {
		// More signature chunks to come: ask for the next one.
		d.sender.SendSignatureRequest(peer, SignatureRequest{SessionID: sess.id, ChunkIndex: sess.sigReceived})
		return nil
	}
	return d.sendNext(peer, sess)
}

// HandleAck processes a CP/MV acknowledgement and advances the session.
// An Unexpected ack means the follower's idea of the session diverged
// from ours (typically a follower restart): abandon it and start over.
func (d *LeaderDriver) HandleAck(peer uint64, res Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[peer]
	if !ok {
		return nil
	}
	if res.SessionID != sess.id {
		// Straggler from a session already abandoned; ignore.
		return nil
	}
	sess.HandleAck(res)
	if res.Unexpected {
		delete(d.sessions, peer)
		d.startSession(peer, sess.snapshotIndex, sess.snapshotTerm)
		return nil
	}
	if res.Done {
		sess.Finish()
		delete(d.sessions, peer)
		delete(d.lastRetry, peer)
		if timer, ok := d.timers[peer]; ok {
			timer.ObserveDuration(metrics.SnapshotInstallDuration)
			delete(d.timers, peer)
		}
		doneLogger := log.WithSession(sess.id)
		doneLogger.Info().Uint64("peer_id", peer).Msg("snapshot install session complete")
		if d.OnComplete != nil {
			d.OnComplete(peer, sess.snapshotIndex, sess.snapshotTerm)
		}
		return nil
	}
	return d.sendNext(peer, sess)
}

func (d *LeaderDriver) sendNext(peer uint64, sess *LeaderSession) error {
	cp, mv, done, err := sess.NextMessage()
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	if cp != nil {
		d.sender.SendCP(peer, *cp)
	}
	if mv != nil {
		d.sender.SendMV(peer, *mv)
	}
	return nil
}

// Tick resends whatever a session is still waiting on, once the fixed
// retry interval has elapsed with no ack: unacked CP/MV chunks during the
// page loop, or the signature request itself earlier in the exchange.
func (d *LeaderDriver) Tick(now uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for peer, sess := range d.sessions {
		last, ok := d.lastRetry[peer]
		if !ok {
			d.lastRetry[peer] = now
			continue
		}
		if now-last < retryInterval {
			continue
		}
		d.lastRetry[peer] = now
		cps, mvs := sess.Resend()
		if len(cps) == 0 && len(mvs) == 0 {
			d.sender.SendSignatureRequest(peer, SignatureRequest{SessionID: sess.id, ChunkIndex: sess.sigReceived})
			continue
		}
		for _, cp := range cps {
			d.sender.SendCP(peer, *cp)
		}
		for _, mv := range mvs {
			d.sender.SendMV(peer, *mv)
		}
	}
}
