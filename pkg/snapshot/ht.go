package snapshot

import "github.com/cespare/xxhash/v2"

// PageSize is the fixed unit the page-diff protocol ships in. The database
// page size is a detail of the FSM, not of this protocol; raftcore treats
// every snapshot as a flat sequence of fixed-size pages of this size.
const PageSize = 4096

// Checksum identifies the content of one page, independent of its
// position. Two pages with the same Checksum are assumed identical.
type Checksum uint64

// ChecksumPage hashes one page's raw bytes.
func ChecksumPage(page []byte) Checksum {
	return Checksum(xxhash.Sum64(page))
}

// HT (hash table) maps page checksums to the page numbers that currently
// hold that content. It is the signature a side of the exchange builds
// over its own copy of the data and sends to the other side, letting the
// receiver answer "which of my pages do you already have, and at what
// number" without shipping page content.
type HT interface {
	// Put records that page number n currently holds content with the
	// given checksum.
	Put(n uint32, sum Checksum)
	// Lookup returns a page number known to hold sum's content, and
	// whether one was found. When more than one page shares a checksum,
	// the smallest page number wins, keeping repeated installs
	// deterministic.
	Lookup(sum Checksum) (n uint32, ok bool)
	// Len returns the number of distinct checksums recorded (one page
	// number is kept per checksum).
	Len() int
	// Entries returns every (page, checksum) pair recorded, in no
	// particular order. Used to chunk a signature for wire delivery.
	Entries() []SignatureEntry
}

// memHT is the in-memory HT implementation; building the full signature
// set for a database in the range of single-digit gigabytes comfortably
// fits in memory.
type memHT struct {
	byChecksum map[Checksum]uint32
}

// NewHT returns an empty in-memory HT.
func NewHT() HT {
	return &memHT{byChecksum: make(map[Checksum]uint32)}
}

func (h *memHT) Put(n uint32, sum Checksum) {
	if prev, ok := h.byChecksum[sum]; ok && prev <= n {
		return
	}
	h.byChecksum[sum] = n
}

func (h *memHT) Lookup(sum Checksum) (uint32, bool) {
	n, ok := h.byChecksum[sum]
	return n, ok
}

func (h *memHT) Len() int {
	return len(h.byChecksum)
}

func (h *memHT) Entries() []SignatureEntry {
	out := make([]SignatureEntry, 0, len(h.byChecksum))
	for sum, n := range h.byChecksum {
		out = append(out, SignatureEntry{PageNo: n, Checksum: sum})
	}
	return out
}

// BuildHT computes the signature of data, a flat byte slice logically
// divided into PageSize pages (the final partial page, if any, is padded
// conceptually but hashed as-is).
func BuildHT(data []byte) HT {
	ht := NewHT()
	var n uint32
	for off := 0; off < len(data); off += PageSize {
		end := off + PageSize
		if end > len(data) {
			end = len(data)
		}
		ht.Put(n, ChecksumPage(data[off:end]))
		n++
	}
	return ht
}
