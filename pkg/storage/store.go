// Package storage implements raftcore's durable storage collaborator on
// top of bbolt, an embedded key/value store (see doc.go).
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raft"
)

var (
	bucketMeta      = []byte("meta")
	bucketEntries   = []byte("entries")
	bucketSnapshot  = []byte("snapshot")
)

var (
	keyCurrentTerm = []byte("current_term")
	keyVotedFor    = []byte("voted_for")

	keySnapshotIndex  = []byte("index")
	keySnapshotTerm   = []byte("term")
	keySnapshotConfig = []byte("configuration")
	keySnapshotConfigIndex = []byte("config_index")
	keySnapshotData   = []byte("data")
)

// BoltStorage is a bbolt-backed implementation of raft.Storage. Every
// SetTerm/SetVote call commits its own transaction before returning, since
// both must be durable before the RPC they guard is allowed to proceed
//. Append and SnapshotPut accept the wider raftcore
// convention of a completion callback, but this implementation's bbolt
// calls are synchronous: the callback simply fires before the call
// returns.
type BoltStorage struct {
	db *bolt.DB
}

// Open creates or opens the raft data file under dataDir.
func Open(dataDir string) (*BoltStorage, error) {
	dbPath := filepath.Join(dataDir, "raft.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening raft storage: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketEntries, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStorage{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func entryKey(index uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	return buf[:]
}

type storedEntry struct {
	Term      uint64
	Type      uint8
	Data      []byte
	LocalData [16]byte
}

// Load reconstructs everything Recover needs: the cached term/vote, the
// most recent snapshot if any, and every log entry retained on disk.
func (s *BoltStorage) Load(ctx context.Context) (currentTerm uint64, votedFor uint64, snap *raft.Snapshot, startIndex uint64, entries []*raft.Entry, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyCurrentTerm); v != nil {
			currentTerm = binary.BigEndian.Uint64(v)
		}
		if v := meta.Get(keyVotedFor); v != nil {
			votedFor = binary.BigEndian.Uint64(v)
		}

		snapBucket := tx.Bucket(bucketSnapshot)
		if v := snapBucket.Get(keySnapshotIndex); v != nil {
			var conf raft.Configuration
			if cv := snapBucket.Get(keySnapshotConfig); cv != nil {
				decoded, derr := raft.Decode(cv)
				if derr != nil {
					return fmt.Errorf("decoding snapshot configuration: %w", derr)
				}
				conf = decoded
			}
			snap = &raft.Snapshot{
				Index:         binary.BigEndian.Uint64(v),
				Term:          binary.BigEndian.Uint64(snapBucket.Get(keySnapshotTerm)),
				Configuration: conf,
				ConfigIndex:   binary.BigEndian.Uint64(snapBucket.Get(keySnapshotConfigIndex)),
				Data:          append([]byte(nil), snapBucket.Get(keySnapshotData)...),
			}
		}

		entriesBucket := tx.Bucket(bucketEntries)
		c := entriesBucket.Cursor()
		first := true
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if first {
				startIndex = binary.BigEndian.Uint64(k)
				first = false
			}
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				return fmt.Errorf("decoding entry %x: %w", k, err)
			}
			entries = append(entries, &raft.Entry{
				Term:      se.Term,
				Type:      raft.EntryType(se.Type),
				Data:      se.Data,
				LocalData: se.LocalData,
			})
		}
		return nil
	})
	return
}

// SetTerm durably persists the current term.
func (s *BoltStorage) SetTerm(ctx context.Context, term uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], term)
		return tx.Bucket(bucketMeta).Put(keyCurrentTerm, buf[:])
	})
}

// SetVote durably persists the server this instance voted for.
func (s *BoltStorage) SetVote(ctx context.Context, id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], id)
		return tx.Bucket(bucketMeta).Put(keyVotedFor, buf[:])
	})
}

// Append durably persists entries, keyed by their 1-based log index
// (startIndex inferred from the existing bucket's last key, or 1 if empty).
func (s *BoltStorage) Append(ctx context.Context, entries []*raft.Entry, done func(error)) {
	timer := metrics.NewTimer()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		next := uint64(1)
		if k, _ := c.Last(); k != nil {
			next = binary.BigEndian.Uint64(k) + 1
		}
		for i, e := range entries {
			se := storedEntry{Term: e.Term, Type: uint8(e.Type), Data: e.Data, LocalData: e.LocalData}
			data, err := json.Marshal(se)
			if err != nil {
				return fmt.Errorf("encoding entry: %w", err)
			}
			if err := b.Put(entryKey(next+uint64(i)), data); err != nil {
				return err
			}
		}
		return nil
	})
	timer.ObserveDuration(metrics.StorageAppendDuration)
	done(err)
}

// Truncate removes every entry with index >= index.
func (s *BoltStorage) Truncate(ctx context.Context, index uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(entryKey(index)); k != nil; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// SnapshotPut persists a new snapshot and drops entries older than
// trailing behind it, matching the in-memory Log's own retention rule.
func (s *BoltStorage) SnapshotPut(ctx context.Context, trailing uint64, snap *raft.Snapshot, done func(error)) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		var idxBuf, termBuf, cidxBuf [8]byte
		binary.BigEndian.PutUint64(idxBuf[:], snap.Index)
		binary.BigEndian.PutUint64(termBuf[:], snap.Term)
		binary.BigEndian.PutUint64(cidxBuf[:], snap.ConfigIndex)
		confBuf, err := snap.Configuration.Encode()
		if err != nil {
			return err
		}
		if err := b.Put(keySnapshotIndex, idxBuf[:]); err != nil {
			return err
		}
		if err := b.Put(keySnapshotTerm, termBuf[:]); err != nil {
			return err
		}
		if err := b.Put(keySnapshotConfigIndex, cidxBuf[:]); err != nil {
			return err
		}
		if err := b.Put(keySnapshotConfig, confBuf); err != nil {
			return err
		}
		if err := b.Put(keySnapshotData, snap.Data); err != nil {
			return err
		}

		entries := tx.Bucket(bucketEntries)
		c := entries.Cursor()
		keepFrom := uint64(1)
		if trailing < snap.Index {
			keepFrom = snap.Index - trailing + 1
		}
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) < keepFrom {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := entries.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		metrics.SnapshotsTaken.Inc()
	}
	done(err)
}

// AsyncWork implements raft.Storage, running fn on its own goroutine and
// reporting the result via done. The snapshot-install protocol's HT and
// signature jobs hash every page of a snapshot and must not block the
// raft main loop.
func (s *BoltStorage) AsyncWork(ctx context.Context, fn func() error, done func(error)) {
	go func() {
		done(fn())
	}()
}

// SnapshotGet loads the most recently persisted snapshot, if any.
func (s *BoltStorage) SnapshotGet(ctx context.Context, done func(*raft.Snapshot, error)) {
	var snap *raft.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		v := b.Get(keySnapshotIndex)
		if v == nil {
			return nil
		}
		conf, derr := raft.Decode(b.Get(keySnapshotConfig))
		if derr != nil {
			return derr
		}
		snap = &raft.Snapshot{
			Index:         binary.BigEndian.Uint64(v),
			Term:          binary.BigEndian.Uint64(b.Get(keySnapshotTerm)),
			Configuration: conf,
			ConfigIndex:   binary.BigEndian.Uint64(b.Get(keySnapshotConfigIndex)),
			Data:          append([]byte(nil), b.Get(keySnapshotData)...),
		}
		return nil
	})
	done(snap, err)
}
