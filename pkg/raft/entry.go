package raft

// EntryType tags what a log entry carries.
type EntryType uint8

const (
	// EntryCommand is an application command for the FSM.
	EntryCommand EntryType = iota + 1
	// EntryBarrier ensures all previous commands have been applied before
	// it is itself applied; it carries no payload.
	EntryBarrier
	// EntryConfigurationChange carries an encoded Configuration.
	EntryConfigurationChange
)

// LocalData is a small fixed-size slot for leader-only auxiliary data that
// never travels on the wire with the entry.
type LocalData [16]byte

// batch is the arena a group of entries loaded or received together share.
// Entries keep a pointer into the batch's buf; the batch's memory is
// released once every entry that references it has been released.
type batch struct {
	buf      []byte
	refcount int
}

// Entry is a single record in the raft log.
type Entry struct {
	Term      uint64
	Type      EntryType
	Data      []byte
	LocalData LocalData
	IsLocal   bool

	batch *batch
}

func newLocalEntry(term uint64, typ EntryType, data []byte, localData LocalData) *Entry {
	return &Entry{
		Term:      term,
		Type:      typ,
		Data:      data,
		LocalData: localData,
		IsLocal:   true,
	}
}

// newBatchEntry creates an entry whose Data slice is backed by b's buffer
// and increments b's refcount once.
func newBatchEntry(term uint64, typ EntryType, data []byte, b *batch) *Entry {
	b.refcount++
	return &Entry{
		Term: term,
		Type: typ,
		Data: data,
		batch: b,
	}
}

// releaseBatch decrements e's batch refcount, if any, and reports whether
// the batch's backing memory can now be dropped.
func releaseBatchRef(e *Entry) (batchFreed bool) {
	if e == nil || e.batch == nil {
		return false
	}
	e.batch.refcount--
	if e.batch.refcount <= 0 {
		e.batch.buf = nil
		return true
	}
	return false
}
