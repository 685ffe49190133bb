package storage

import (
	"context"
	"fmt"

	"github.com/cuemby/raftcore/pkg/raft"
	"github.com/cuemby/raftcore/pkg/snapshot"
)

// PageStore exposes the durably-stored snapshot as a page-addressable
// source for outgoing installs, and as a staging buffer for incoming
// ones. It implements both snapshot.DataSource (leader side) and
// snapshot.Store (follower side); a process only plays one role against
// a given peer at a time, but nothing prevents the same node from being
// a leader to one follower while receiving an install itself from a
// newer leader after a term change, so both sides live on one type.
type PageStore struct {
	storage *BoltStorage

	// staging accumulates pages for the snapshot currently being
	// installed from a leader, until the raft core calls Commit (as its
	// SnapshotReceiver) on the leader's closing InstallSnapshot.
	staging [][]byte
}

// NewPageStore wraps storage for page-level access.
func NewPageStore(storage *BoltStorage) *PageStore {
	return &PageStore{storage: storage}
}

func (p *PageStore) committedSnapshot() (*raft.Snapshot, error) {
	var snap *raft.Snapshot
	var loadErr error
	p.storage.SnapshotGet(context.Background(), func(s *raft.Snapshot, err error) {
		snap, loadErr = s, err
	})
	return snap, loadErr
}

func pagesOf(data []byte) [][]byte {
	var pages [][]byte
	for off := 0; off < len(data); off += snapshot.PageSize {
		end := off + snapshot.PageSize
		if end > len(data) {
			end = len(data)
		}
		pages = append(pages, data[off:end])
	}
	return pages
}

// Page returns page n of the most recently committed snapshot. It
// implements snapshot.DataSource, used when this node is leading an
// install for a lagging peer.
func (p *PageStore) Page(n uint32) ([]byte, error) {
	snap, err := p.committedSnapshot()
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("no committed snapshot to read pages from")
	}
	pages := pagesOf(snap.Data)
	if int(n) >= len(pages) {
		return nil, fmt.Errorf("page %d out of range (have %d pages)", n, len(pages))
	}
	return pages[n], nil
}

// NumPages implements snapshot.DataSource.
func (p *PageStore) NumPages() uint32 {
	snap, err := p.committedSnapshot()
	if err != nil || snap == nil {
		return 0
	}
	return uint32(len(pagesOf(snap.Data)))
}

// CurrentHT implements snapshot.Store: it signs over the node's own most
// recently committed snapshot, the "pre-existing data" an incoming
// install is diffed against.
func (p *PageStore) CurrentHT() (snapshot.HT, error) {
	snap, err := p.committedSnapshot()
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return snapshot.NewHT(), nil
	}
	return snapshot.BuildHT(snap.Data), nil
}

// WritePage implements snapshot.Store, writing into the in-progress
// snapshot staged for this install. Pages are stored at their exact
// length: the final page of a snapshot is usually partial, and padding it
// would corrupt the reassembled byte stream handed to FSM.Restore.
func (p *PageStore) WritePage(n uint32, data []byte) error {
	for uint32(len(p.staging)) <= n {
		p.staging = append(p.staging, nil)
	}
	p.staging[n] = append([]byte(nil), data...)
	return nil
}

// CopyPage implements snapshot.Store: from refers to a page of the
// node's pre-existing committed snapshot, not the staging buffer.
func (p *PageStore) CopyPage(from, to uint32) error {
	snap, err := p.committedSnapshot()
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("no pre-existing snapshot to copy page %d from", from)
	}
	pages := pagesOf(snap.Data)
	if int(from) >= len(pages) {
		return fmt.Errorf("page %d out of range (have %d pages)", from, len(pages))
	}
	return p.WritePage(to, pages[from])
}

// Commit durably persists the staged pages as a new snapshot and clears
// the staging buffer, called once an install session reaches SnapDone.
func (p *PageStore) Commit(ctx context.Context, trailing uint64, index, term uint64, conf raft.Configuration, confIndex uint64) error {
	var flat []byte
	for _, page := range p.staging {
		flat = append(flat, page...)
	}
	snap := &raft.Snapshot{
		Index:         index,
		Term:          term,
		Configuration: conf,
		ConfigIndex:   confIndex,
		Data:          flat,
	}
	var err error
	done := make(chan struct{})
	p.storage.SnapshotPut(ctx, trailing, snap, func(e error) {
		err = e
		close(done)
	})
	<-done
	p.staging = nil
	return err
}
