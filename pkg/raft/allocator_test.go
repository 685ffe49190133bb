package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingAllocator struct {
	allocs, frees int
	freedBytes    int
}

func (c *countingAllocator) Alloc(size int) { c.allocs++ }
func (c *countingAllocator) Free(size int) {
	c.frees++
	c.freedBytes += size
}

func TestLogReportsBatchFreeToAllocator(t *testing.T) {
	l := NewLog()
	alloc := &countingAllocator{}
	l.SetAllocator(alloc)

	b := &batch{buf: make([]byte, 64)}
	l.Append(1, EntryCommand, b.buf[0:8], false, LocalData{}, b)
	l.Append(1, EntryCommand, b.buf[8:16], false, LocalData{}, b)

	assert.Equal(t, 1, alloc.allocs, "a shared batch is accounted once, not per entry")

	l.Truncate(1)
	assert.Equal(t, 1, alloc.frees, "batch refcount should drop to zero only once both entries are gone")
	assert.Equal(t, 64, alloc.freedBytes)
}

func TestSetAllocatorNilRestoresNoop(t *testing.T) {
	l := NewLog()
	l.SetAllocator(nil)
	assert.IsType(t, noopAllocator{}, l.allocator)
}
