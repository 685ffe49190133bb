/*
Package storage provides BoltDB-backed persistence for raftcore's durable
state: the current term and vote, the log entries retained on disk, and
the most recently taken snapshot.

The storage package implements raft.Storage using BoltDB as the
underlying database, providing ACID transactions for every write a raft
server must make durable before it is safe to reply to a vote request
or acknowledge an append. Entries are serialized as JSON and stored in
their own bucket, keyed by big-endian log index for ordered iteration.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStorage                       │          │
	│  │  - File: <dataDir>/raft.db                   │          │
	│  │  - Format: B+tree with MVCC                  │          │
	│  │  - Transactions: ACID with fsync             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌────────────────────────────┐             │          │
	│  │  │ meta     (term, voted_for) │             │          │
	│  │  │ entries  (index -> entry)  │             │          │
	│  │  │ snapshot (index/term/data) │             │          │
	│  │  └────────────────────────────┘             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - Read: db.View() - concurrent reads        │          │
	│  │  - Write: db.Update() - serialized writes    │          │
	│  │  - Rollback: automatic on error              │          │
	│  │  - Commit: automatic on success + fsync      │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Durability ordering

raft.Storage requires SetTerm and SetVote to be durable before the RPC
they guard proceeds; both commit their own bbolt transaction
synchronously. Append and SnapshotPut use the wider asynchronous
convention of a completion callback, but this implementation's bbolt
calls never actually block on network I/O, so the callback fires
before the call returns.

# Page-level access for incremental installs

PageStore adapts BoltStorage's single flat snapshot blob into the
page-addressable shape pkg/snapshot's install protocol needs: it
implements snapshot.DataSource (serving pages of the most recently
committed snapshot to a lagging peer) and snapshot.Store (staging pages
of an in-progress install from this node's own leader, then committing
them as a new snapshot once the install finishes). A single node can be
the DataSource side for one peer and the Store side for another in the
same term, since leadership can move mid-install.
*/
package storage
