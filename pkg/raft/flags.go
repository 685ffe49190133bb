package raft

// Flags is the bitset a server advertises in AppendEntriesResult so peers
// can learn its optional capabilities without a separate handshake.
type Flags uint64

const (
	// DefaultFeatureFlags is the flag set advertised absent any optional
	// capability.
	DefaultFeatureFlags Flags = 0

	// FlagBatchedAppendEntries marks support for receiving a batch of
	// entries that share a single backing allocation (see entry.go's
	// batch type); a peer lacking this flag should still be sent entries
	// one allocation at a time.
	FlagBatchedAppendEntries Flags = 1 << 0
)

func flagsSet(in, flags Flags) Flags   { return in | flags }
func flagsClear(in, flags Flags) Flags { return in &^ flags }
func flagsIsSet(in, flag Flags) bool   { return in&flag != 0 }
