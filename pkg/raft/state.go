package raft

// ServerRole is the role a server currently plays in the cluster.
type ServerRole uint8

const (
	StateUnavailable ServerRole = iota
	StateFollower
	StateCandidate
	StateLeader
)

func (s ServerRole) String() string {
	switch s {
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	default:
		return "unavailable"
	}
}

// followerState holds the volatile state only meaningful while Follower.
type followerState struct {
	currentLeaderID      uint64
	currentLeaderAddress string
	electionTimeout      uint64 // randomized, milliseconds
	appendInFlightCount  int

	// pendingSnapshot is the opening InstallSnapshot of an in-progress
	// page-diff install, kept so the closing Done message can be applied
	// with the metadata the session started under.
	pendingSnapshot *InstallSnapshot
}

// candidateState holds the volatile state only meaningful while Candidate.
type candidateState struct {
	electionTimeout uint64
	votes           map[uint64]bool
	preVote         bool
	disruptLeader   bool
	// term is the term this round's votes were solicited for; stale
	// responses tagged with a different term are discarded.
	term uint64
}

// pendingChange tracks a single in-flight configuration change request.
type pendingChange struct {
	index uint64
	done  func(error)
}

// catchUpRound tracks the leader's progress through the bounded catch-up
// rounds required before promoting a server to voter.
type catchUpRound struct {
	promoteeID uint64
	number     int
	targetIdx  uint64
	startTime  uint64
	done       func(error)
}

// transferState tracks an in-flight leadership transfer.
type transferState struct {
	targetID  uint64
	startTime uint64
	notified  bool // TimeoutNow already sent
	done      func(error)
}

// pendingRequest is a client Apply() awaiting commit.
type pendingRequest struct {
	index uint64
	term  uint64
	done  func(interface{}, error)
}

// leaderState holds the volatile state only meaningful while Leader.
type leaderState struct {
	progress      map[uint64]*Progress
	change        *pendingChange
	catchUp       *catchUpRound
	transfer      *transferState
	requests      []*pendingRequest
	voterContacts int
}

// Options configures a new Raft instance. Zero values fall back to
// reasonable defaults, set by setDefaults below.
type Options struct {
	ElectionTimeout         uint64 // milliseconds, default 1000
	HeartbeatTimeout        uint64 // milliseconds, default 100
	InstallSnapshotTimeout  uint64 // milliseconds, default 10000
	SnapshotThreshold       uint64 // entries, default 1024
	SnapshotTrailing        uint64 // entries, default 256
	PreVote                 bool
	MaxCatchUpRounds        int    // default 10
	MaxCatchUpRoundDuration uint64 // milliseconds, default = ElectionTimeout
}

func (o *Options) setDefaults() {
	if o.ElectionTimeout == 0 {
		o.ElectionTimeout = 1000
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = 100
	}
	if o.InstallSnapshotTimeout == 0 {
		o.InstallSnapshotTimeout = 10000
	}
	if o.SnapshotThreshold == 0 {
		o.SnapshotThreshold = 1024
	}
	if o.SnapshotTrailing == 0 {
		o.SnapshotTrailing = 256
	}
	if o.MaxCatchUpRounds == 0 {
		o.MaxCatchUpRounds = 10
	}
	if o.MaxCatchUpRoundDuration == 0 {
		o.MaxCatchUpRoundDuration = o.ElectionTimeout
	}
}
