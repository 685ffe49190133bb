package raft

// Log is an in-memory sequence of entries keyed by a 1-based monotonic
// index, backed by a plain Go slice rather than a manually addressed ring
// buffer: append() already grows the backing array by doubling, and a
// slice naturally supports contiguous acquire/truncate/snapshot slicing,
// so a hand-rolled ring buffer would only re-implement what the slice
// already gives for free. Per-entry acquisition refcounts live in a
// parallel slice indexed the same way; entries detached by a truncate or
// snapshot while still referenced move into a side map until their last
// reference is released.
type Log struct {
	entries    []*Entry
	refs       []int
	firstIndex uint64 // index of entries[0], meaningless when len(entries) == 0

	detached map[uint64]*detachedEntry

	snapshotLastIndex uint64
	snapshotLastTerm  uint64

	allocator Allocator
}

type detachedEntry struct {
	entry    *Entry
	refcount int
}

// NewLog returns an empty log with no snapshot anchor.
func NewLog() *Log {
	return &Log{
		firstIndex: 1,
		detached:   make(map[uint64]*detachedEntry),
		allocator:  noopAllocator{},
	}
}

// LastIndex returns the index of the most recent entry, or the snapshot
// anchor's index if the log holds no entries.
func (l *Log) LastIndex() uint64 {
	if n := len(l.entries); n > 0 {
		return l.firstIndex + uint64(n) - 1
	}
	return l.snapshotLastIndex
}

// LastTerm returns the term of the most recent entry, or the snapshot
// anchor's term if the log holds no entries.
func (l *Log) LastTerm() uint64 {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].Term
	}
	return l.snapshotLastTerm
}

// NumEntries returns the number of entries currently retained in memory.
func (l *Log) NumEntries() int {
	return len(l.entries)
}

// TermOf returns the term of the entry at index, zero for any index below
// the retained range, and the snapshot anchor's term when index is exactly
// the anchor's last index.
func (l *Log) TermOf(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	if pos, ok := l.position(index); ok {
		return l.entries[pos].Term
	}
	if index == l.snapshotLastIndex {
		return l.snapshotLastTerm
	}
	return 0
}

// Get returns the entry at index, or nil if index is outside the retained
// range.
func (l *Log) Get(index uint64) *Entry {
	if pos, ok := l.position(index); ok {
		return l.entries[pos]
	}
	return nil
}

func (l *Log) position(index uint64) (int, bool) {
	if len(l.entries) == 0 {
		return 0, false
	}
	if index < l.firstIndex || index > l.LastIndex() {
		return 0, false
	}
	return int(index - l.firstIndex), true
}

// Append appends an entry at LastIndex()+1 with an acquisition refcount of
// 1. When b is non-nil the entry's Data is assumed to alias b's buffer and
// the batch's refcount is incremented.
func (l *Log) Append(term uint64, typ EntryType, data []byte, isLocal bool, localData LocalData, b *batch) uint64 {
	index := l.LastIndex() + 1
	if len(l.entries) == 0 {
		l.firstIndex = index
	}
	var e *Entry
	if b != nil {
		if b.refcount == 0 {
			l.allocator.Alloc(len(b.buf))
		}
		e = newBatchEntry(term, typ, data, b)
	} else {
		e = newLocalEntry(term, typ, data, localData)
		e.IsLocal = isLocal
	}
	l.entries = append(l.entries, e)
	l.refs = append(l.refs, 1)
	return index
}

// Acquire returns a contiguous, independent copy of the entries starting at
// index through the end of the log, incrementing each entry's acquisition
// refcount by one. It returns (nil, 0) when index is outside the retained
// range.
func (l *Log) Acquire(index uint64) ([]*Entry, int) {
	pos, ok := l.position(index)
	if !ok {
		return nil, 0
	}
	n := len(l.entries) - pos
	out := make([]*Entry, n)
	copy(out, l.entries[pos:])
	for i := pos; i < len(l.entries); i++ {
		l.refs[i]++
	}
	return out, n
}

// Release decrements the acquisition refcount of len(slice) entries
// starting at index by one. Entries that have already been truncated or
// snapshotted out of the live range, and whose refcount drops to zero, are
// destroyed: their batch reference (if any) is released.
func (l *Log) Release(index uint64, slice []*Entry) {
	for i := 0; i < len(slice); i++ {
		idx := index + uint64(i)
		if d, ok := l.detached[idx]; ok {
			d.refcount--
			if d.refcount <= 0 {
				l.release(d.entry)
				delete(l.detached, idx)
			}
			continue
		}
		if pos, ok := l.position(idx); ok {
			if l.refs[pos] > 0 {
				l.refs[pos]--
			}
		}
	}
}

// Truncate removes entries with index >= from. Entries with a positive
// acquisition refcount are detached: their memory (and outstanding
// Acquire()'d slices) remains valid until Release()'d, but the live index
// range is immediately free for a new, independent Append at the same
// index. Truncate(from) with from > LastIndex() is a no-op.
func (l *Log) Truncate(from uint64) {
	pos, ok := l.position(from)
	if !ok {
		return
	}
	for i := pos; i < len(l.entries); i++ {
		l.detachOrRelease(l.firstIndex+uint64(i), i)
		l.entries[i] = nil
	}
	l.entries = l.entries[:pos]
	l.refs = l.refs[:pos]
}

// detachOrRelease drops the log's own reference to the entry at slot i.
// An entry with outstanding acquisitions moves to the detached table,
// where the remaining Release calls find it; one with none is destroyed.
func (l *Log) detachOrRelease(idx uint64, i int) {
	rc := l.refs[i]
	if rc > 0 {
		rc--
	}
	if rc > 0 {
		l.detached[idx] = &detachedEntry{entry: l.entries[i], refcount: rc}
		return
	}
	l.release(l.entries[i])
}

// Snapshot advances the snapshot anchor to lastIndex, retaining at most
// trailing preceding entries (fewer if the log holds fewer). Entries
// dropped out the front that still carry a positive refcount are detached,
// same as Truncate. Passing a lastIndex beyond LastIndex() is a
// precondition violation.
func (l *Log) Snapshot(lastIndex, lastTerm uint64, trailing uint64) error {
	if lastIndex > l.LastIndex() {
		return NewError(ErrInvalid, "snapshot last index %d beyond log's last index %d", lastIndex, l.LastIndex())
	}
	l.snapshotLastIndex = lastIndex
	l.snapshotLastTerm = lastTerm

	if len(l.entries) == 0 {
		return nil
	}
	keepFrom := uint64(1)
	if trailing < lastIndex {
		keepFrom = lastIndex - trailing + 1
	}
	if keepFrom < l.firstIndex {
		return nil
	}
	dropCount := int(keepFrom - l.firstIndex)
	if dropCount > len(l.entries) {
		dropCount = len(l.entries)
	}
	for i := 0; i < dropCount; i++ {
		l.detachOrRelease(l.firstIndex+uint64(i), i)
		l.entries[i] = nil
	}
	l.entries = l.entries[dropCount:]
	l.refs = l.refs[dropCount:]
	l.firstIndex += uint64(dropCount)
	return nil
}

// release frees e's batch reference, reporting the freed size to the
// log's allocator when the batch's last reference just dropped.
func (l *Log) release(e *Entry) {
	var size int
	if e != nil && e.batch != nil {
		size = len(e.batch.buf)
	}
	if releaseBatchRef(e) {
		l.allocator.Free(size)
	}
}

// firstIndexRetained returns the lowest index still held in memory, or the
// snapshot anchor's index plus one when the log holds no entries.
func (l *Log) firstIndexRetained() uint64 {
	if len(l.entries) > 0 {
		return l.firstIndex
	}
	return l.snapshotLastIndex + 1
}

// entriesFrom returns the retained entries starting at index, without
// affecting acquisition refcounts. Used by the replication path to read
// entries that are about to be handed to Storage.Append via Acquire
// separately.
func (l *Log) entriesFrom(index uint64) []*Entry {
	pos, ok := l.position(index)
	if !ok {
		return nil
	}
	return l.entries[pos:]
}

// Restore resets the log to hold no entries and anchors it at
// (lastIndex, lastTerm), used after loading a persisted snapshot on a log
// that has no entries of its own yet.
func (l *Log) Restore(lastIndex, lastTerm uint64) {
	for i := range l.entries {
		l.detachOrRelease(l.firstIndex+uint64(i), i)
	}
	l.entries = nil
	l.refs = nil
	l.firstIndex = lastIndex + 1
	l.snapshotLastIndex = lastIndex
	l.snapshotLastTerm = lastTerm
}
