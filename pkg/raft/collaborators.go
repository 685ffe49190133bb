package raft

import "context"

// Snapshot is the raw, opaque state captured by the application FSM at a
// point in time, paired with the log position it corresponds to.
type Snapshot struct {
	Index         uint64
	Term          uint64
	Configuration Configuration
	ConfigIndex   uint64
	Data          []byte
}

// IOStatus is the outcome of an asynchronous storage or transport
// operation, reported via a callback.
type IOStatus struct {
	Err error
}

// Storage is the durable storage collaborator. Implementations must
// durably persist SetTerm/SetVote before the next message is sent, and
// deliver Append completions in submission order.
type Storage interface {
	Load(ctx context.Context) (currentTerm uint64, votedFor uint64, snap *Snapshot, startIndex uint64, entries []*Entry, err error)
	SetTerm(ctx context.Context, term uint64) error
	SetVote(ctx context.Context, id uint64) error
	Append(ctx context.Context, entries []*Entry, done func(error))
	Truncate(ctx context.Context, index uint64) error
	SnapshotPut(ctx context.Context, trailing uint64, snap *Snapshot, done func(error))
	SnapshotGet(ctx context.Context, done func(*Snapshot, error))
	// AsyncWork runs fn off the main loop and reports its error via done.
	// The snapshot-install protocol's HT and signature jobs, which hash
	// every page of a snapshot, go through here. done may fire on another
	// goroutine; implementations backed by synchronous I/O may also run fn
	// inline and fire done before returning.
	AsyncWork(ctx context.Context, fn func() error, done func(error))
}

// Transport is the networking collaborator.
type Transport interface {
	Send(ctx context.Context, to uint64, address string, msg Message, done func(error))
	Recv() <-chan Message
	Close(ctx context.Context) error
}

// FSM is the application-supplied state machine collaborator. Command
// payloads are opaque; this package never inspects them.
type FSM interface {
	Apply(data []byte) (interface{}, error)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Clock is the time collaborator.
type Clock interface {
	Now() uint64 // milliseconds
	RandomIn(min, max uint64) uint64
}
