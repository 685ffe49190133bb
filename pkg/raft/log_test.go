package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppendInvariants(t *testing.T) {
	l := NewLog()
	for i := 1; i <= 5; i++ {
		idx := l.Append(uint64(i), EntryCommand, []byte("x"), true, LocalData{}, nil)
		require.Equal(t, uint64(i), idx)
	}
	assert.Equal(t, uint64(5), l.LastIndex())
	assert.Equal(t, 5, l.NumEntries())
	for i := 1; i <= 5; i++ {
		assert.Equal(t, uint64(i), l.TermOf(uint64(i)))
	}
}

func TestLogAcquireReleaseRoundTrip(t *testing.T) {
	l := NewLog()
	for i := 1; i <= 3; i++ {
		l.Append(1, EntryCommand, []byte("x"), true, LocalData{}, nil)
	}
	slice, n := l.Acquire(1)
	require.Equal(t, 3, n)
	require.Len(t, slice, 3)

	before := append([]int(nil), l.refs...)
	l.Release(1, slice)
	for i, r := range l.refs {
		assert.Equal(t, before[i]-1, r)
	}
}

func TestLogAcquireOutsideRangeReturnsEmpty(t *testing.T) {
	l := NewLog()
	l.Append(1, EntryCommand, []byte("x"), true, LocalData{}, nil)
	slice, n := l.Acquire(5)
	assert.Nil(t, slice)
	assert.Equal(t, 0, n)
}

func TestLogTruncateDetachesOutstandingAcquisitions(t *testing.T) {
	l := NewLog()
	for i := 1; i <= 3; i++ {
		l.Append(1, EntryCommand, []byte("x"), true, LocalData{}, nil)
	}
	slice, _ := l.Acquire(2) // refcount on index 2,3 becomes 2

	l.Truncate(2)
	assert.Equal(t, uint64(1), l.LastIndex())
	assert.Equal(t, 1, l.NumEntries())

	// The acquired slice is still valid and independent of the truncate.
	require.Len(t, slice, 2)
	assert.Equal(t, uint64(1), slice[0].Term)

	// A fresh append at index 2 is independent from the detached entry.
	newIdx := l.Append(9, EntryCommand, []byte("y"), true, LocalData{}, nil)
	assert.Equal(t, uint64(2), newIdx)
	assert.Equal(t, uint64(9), l.TermOf(2))

	l.Release(2, slice)
	assert.Empty(t, l.detached)
}

func TestLogTruncateNoopPastEnd(t *testing.T) {
	l := NewLog()
	l.Append(1, EntryCommand, []byte("x"), true, LocalData{}, nil)
	l.Truncate(10)
	assert.Equal(t, uint64(1), l.LastIndex())
}

func TestLogSnapshotRetainsTrailing(t *testing.T) {
	l := NewLog()
	for i := 1; i <= 10; i++ {
		l.Append(1, EntryCommand, []byte("x"), true, LocalData{}, nil)
	}
	err := l.Snapshot(8, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, l.NumEntries()) // n-k+t = 10-8+2, indices 7..10 retained
	assert.Equal(t, uint64(8), l.snapshotLastIndex)
	assert.Equal(t, uint64(10), l.LastIndex())
}

func TestLogSnapshotKeepsAllWhenFewerThanTrailing(t *testing.T) {
	l := NewLog()
	for i := 1; i <= 3; i++ {
		l.Append(1, EntryCommand, []byte("x"), true, LocalData{}, nil)
	}
	err := l.Snapshot(3, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, l.NumEntries())
}

func TestLogSnapshotBeyondLastIndexErrors(t *testing.T) {
	l := NewLog()
	l.Append(1, EntryCommand, []byte("x"), true, LocalData{}, nil)
	err := l.Snapshot(5, 1, 0)
	require.Error(t, err)
	assert.Equal(t, ErrInvalid, CodeOf(err))
}

func TestLogTermOfBelowRetainedRangeIsZero(t *testing.T) {
	l := NewLog()
	for i := 1; i <= 5; i++ {
		l.Append(1, EntryCommand, []byte("x"), true, LocalData{}, nil)
	}
	require.NoError(t, l.Snapshot(4, 1, 0))
	assert.Equal(t, uint64(0), l.TermOf(2))
	assert.Equal(t, uint64(1), l.TermOf(4)) // snapshot anchor term
}

func TestLogRestore(t *testing.T) {
	l := NewLog()
	l.Append(1, EntryCommand, []byte("x"), true, LocalData{}, nil)
	l.Restore(100, 7)
	assert.Equal(t, uint64(100), l.LastIndex())
	assert.Equal(t, uint64(7), l.LastTerm())
	assert.Equal(t, 0, l.NumEntries())
}

func TestLogBatchReleasedWhenAllEntriesRelease(t *testing.T) {
	l := NewLog()
	b := &batch{buf: []byte("batched-data")}
	l.Append(1, EntryCommand, []byte("a"), false, LocalData{}, b)
	l.Append(1, EntryCommand, []byte("b"), false, LocalData{}, b)
	assert.Equal(t, 2, b.refcount)

	slice, n := l.Acquire(1) // hold both entries across the truncate
	require.Equal(t, 2, n)

	l.Truncate(1) // the log's own references drop; the acquisition keeps the batch alive
	assert.NotNil(t, b.buf, "batch must survive while the acquired slice references it")

	l.Release(1, slice)
	assert.Nil(t, b.buf, "batch memory freed once every referencing entry released")
	assert.Empty(t, l.detached)
}
