package snapshot

// Result reports how a chunked message was received. Unexpected is set
// when the chunk index (or session id) doesn't match what the receiver
// expects, the trigger for resetting the whole session rather than trying
// to reconcile mid-stream.
type Result struct {
	SessionID  string
	ChunkIndex uint32
	Unexpected bool
	Done       bool
}

// SignatureRequest asks the follower for one chunk of the checksum
// signature of its current on-disk data, used by the leader to tell,
// page by page, which of its own snapshot's pages the follower already
// has under some other page number. ChunkIndex addresses the chunk
// wanted, so a retried or duplicated request re-serves the same chunk
// instead of silently skipping one.
type SignatureRequest struct {
	SessionID  string
	ChunkIndex uint32
}

// SignatureEntry is one row of a follower's HT, as shipped back to the
// leader: "my page PageNo currently holds content with this checksum".
type SignatureEntry struct {
	PageNo   uint32
	Checksum Checksum
}

// SignatureResult carries one chunk of the follower's signature. Sent in
// parts (req-sig-loop / recv-sig / pers-sig in the leader state machine)
// since the full signature of a large database does not fit one message.
type SignatureResult struct {
	SessionID  string
	ChunkIndex uint32
	Entries    []SignatureEntry
	Done       bool
}

// CP ("copy page") instructs the follower to write Data verbatim at page
// PageNo. Used when the leader has no record of the follower already
// holding this page's content anywhere.
type CP struct {
	SessionID  string
	ChunkIndex uint32
	PageNo     uint32
	Data       []byte
	Last       bool
}

// MV ("move page") instructs the follower to copy its own existing page
// From onto page To, without any data crossing the wire. Used when the
// follower's signature already showed it holds this exact content, just
// under a different page number.
type MV struct {
	SessionID  string
	ChunkIndex uint32
	From       uint32
	To         uint32
	Last       bool
}
