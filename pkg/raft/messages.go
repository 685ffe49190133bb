package raft

// MessageType tags the payload carried by a Message.
type MessageType uint8

const (
	MsgRequestVote MessageType = iota + 1
	MsgRequestVoteResult
	MsgAppendEntries
	MsgAppendEntriesResult
	MsgInstallSnapshot
	MsgInstallSnapshotResult
	MsgTimeoutNow
)

// Message is the envelope every server-to-server RPC travels in. Exactly
// one of the typed payload fields is populated, matching Type.
type Message struct {
	Type          MessageType
	From          uint64
	FromAddress   string

	RequestVote          *RequestVote
	RequestVoteResult    *RequestVoteResult
	AppendEntries        *AppendEntries
	AppendEntriesResult  *AppendEntriesResult
	InstallSnapshot      *InstallSnapshot
	InstallSnapshotResult *InstallSnapshotResult
	TimeoutNow           *TimeoutNow
}

// RequestVote is sent by a candidate to gather votes.
type RequestVote struct {
	Term          uint64
	CandidateID   uint64
	LastLogIndex  uint64
	LastLogTerm   uint64
	DisruptLeader bool
	PreVote       bool
}

// RequestVoteResult answers a RequestVote.
type RequestVoteResult struct {
	Term        uint64
	VoteGranted bool
	PreVote     bool
}

// AppendEntries replicates log entries and doubles as a heartbeat when
// Entries is empty.
type AppendEntries struct {
	Term         uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	LeaderCommit uint64
	Entries      []*Entry
}

// AppendEntriesResult answers an AppendEntries.
type AppendEntriesResult struct {
	Term             uint64
	Rejected         uint64 // non-zero: rejection hint (the peer's last log index + 1), used to rewind NextIndex.
	LastLogIndex     uint64
	Features         Flags
}

// InstallSnapshot starts (or, with Done set, finishes) an incremental
// snapshot-install session with a follower that has fallen behind the
// leader's snapshot anchor. The page-level exchange itself
// is carried by pkg/snapshot's Signature/CP/MV messages, not by this type.
type InstallSnapshot struct {
	Term            uint64
	LastIndex       uint64
	LastTerm        uint64
	Configuration   Configuration
	ConfigIndex     uint64
	Done            bool
	Unexpected      bool
}

// InstallSnapshotResult answers an InstallSnapshot.
type InstallSnapshotResult struct {
	Term       uint64
	Unexpected bool
	Done       bool
}

// TimeoutNow asks a fully caught-up voter to start an election immediately,
// used for leadership transfer.
type TimeoutNow struct {
	Term         uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}
