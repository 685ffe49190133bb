package metrics

import (
	"fmt"

	"github.com/cuemby/raftcore/pkg/raft"
)

// Collector republishes a Raft instance's state into the package's
// Prometheus gauges. Collect must be called from the same goroutine that
// drives Tick/Step on node, matching the accessor contract documented on
// raft.Raft; the natural place is the main loop's tick branch.
type Collector struct {
	node *raft.Raft
}

// NewCollector creates a collector for node.
func NewCollector(node *raft.Raft) *Collector {
	return &Collector{node: node}
}

// Collect reads the node's current state into the registered gauges.
func (c *Collector) Collect() {
	c.collectCoreMetrics()
	c.collectPeerMetrics()
}

func (c *Collector) collectCoreMetrics() {
	RaftTerm.Set(float64(c.node.CurrentTerm()))

	if c.node.State() == raft.StateLeader {
		RaftIsLeader.Set(1)
	} else {
		RaftIsLeader.Set(0)
	}

	for _, role := range []raft.ServerRole{raft.StateUnavailable, raft.StateFollower, raft.StateCandidate, raft.StateLeader} {
		value := 0.0
		if c.node.State() == role {
			value = 1
		}
		RaftState.WithLabelValues(role.String()).Set(value)
	}

	RaftCommitIndex.Set(float64(c.node.CommitIndex()))
	RaftLastApplied.Set(float64(c.node.LastApplied()))
	RaftLastLogIndex.Set(float64(c.node.LastLogIndex()))
	RaftLogEntriesRetained.Set(float64(c.node.NumLogEntries()))

	voters := 0
	for _, s := range c.node.Configuration().Servers {
		if s.Role == raft.RoleVoter {
			voters++
		}
	}
	RaftVoterCount.Set(float64(voters))
	RaftVoterContacts.Set(float64(c.node.VoterContacts()))
}

func (c *Collector) collectPeerMetrics() {
	for _, status := range c.node.PeerStatuses() {
		label := fmt.Sprintf("%d", status.ID)
		PeerMatchIndex.WithLabelValues(label).Set(float64(status.MatchIndex))
		PeerNextIndex.WithLabelValues(label).Set(float64(status.NextIndex))

		for _, state := range []raft.ProgressState{raft.ProgressProbe, raft.ProgressPipeline, raft.ProgressSnapshot} {
			value := 0.0
			if status.State == state {
				value = 1
			}
			PeerReplicationState.WithLabelValues(label, state.String()).Set(value)
		}
	}
}
