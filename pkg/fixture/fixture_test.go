package fixture

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftcore/pkg/fsm"
	"github.com/cuemby/raftcore/pkg/raft"
)

// electLeader runs the cluster until exactly one leader emerges.
func electLeader(t *testing.T, c *Cluster) uint64 {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		c.Run(ctx, 1, 100)
		require.NoError(t, c.CheckElectionSafety())
		if id, ok := c.Leader(); ok {
			return id
		}
	}
	t.Fatal("no leader elected")
	return 0
}

func setCommand(t *testing.T, key, value string) []byte {
	t.Helper()
	cmd, err := json.Marshal(fsm.Command{Op: "set", Key: key, Value: []byte(value)})
	require.NoError(t, err)
	return cmd
}

// applyAndWait proposes cmd on the leader and runs the cluster until the
// commit callback fires.
func applyAndWait(t *testing.T, c *Cluster, leader *raft.Raft, cmd []byte) {
	t.Helper()
	ctx := context.Background()
	var applyErr error
	committed := false
	err := leader.Apply(ctx, cmd, raft.LocalData{}, func(_ interface{}, err error) {
		applyErr = err
		committed = true
	})
	require.NoError(t, err)
	for i := 0; i < 60 && !committed; i++ {
		c.Run(ctx, 1, 50)
	}
	require.True(t, committed, "command did not commit")
	require.NoError(t, applyErr)
}

func TestClusterElectsExactlyOneLeader(t *testing.T) {
	c, err := New([]uint64{1, 2, 3}, raft.Options{})
	require.NoError(t, err)

	id := electLeader(t, c)
	for _, nid := range []uint64{1, 2, 3} {
		if nid == id {
			continue
		}
		assert.Equal(t, raft.StateFollower, c.Nodes[nid].State())
		assert.Equal(t, c.Nodes[id].CurrentTerm(), c.Nodes[nid].CurrentTerm())
	}
}

func TestClusterReplicatesAppliedCommand(t *testing.T) {
	c, err := New([]uint64{1, 2, 3}, raft.Options{})
	require.NoError(t, err)

	leaderID := electLeader(t, c)
	applyAndWait(t, c, c.Nodes[leaderID], setCommand(t, "k", "v"))

	// A couple more rounds let the followers learn the advanced commit
	// index through heartbeats and apply the entry themselves.
	c.Run(context.Background(), 5, 50)
	for _, id := range []uint64{1, 2, 3} {
		v, ok := c.FSMs[id].Get("k")
		assert.True(t, ok, "node %d missing replicated key", id)
		assert.Equal(t, []byte("v"), v)
	}
}

func TestClusterReelectsAfterLeaderFailure(t *testing.T) {
	c, err := New([]uint64{1, 2, 3}, raft.Options{})
	require.NoError(t, err)

	oldLeader := electLeader(t, c)
	applyAndWait(t, c, c.Nodes[oldLeader], setCommand(t, "before", "1"))

	c.Kill(oldLeader)
	newLeader := electLeader(t, c)
	require.NotEqual(t, oldLeader, newLeader)
	assert.Greater(t, c.Nodes[newLeader].CurrentTerm(), c.Nodes[oldLeader].CurrentTerm())

	// The cluster keeps accepting commands with the survivor quorum.
	applyAndWait(t, c, c.Nodes[newLeader], setCommand(t, "after", "2"))
	c.Run(context.Background(), 5, 50)
	for _, id := range []uint64{1, 2, 3} {
		if id == oldLeader {
			continue
		}
		v, ok := c.FSMs[id].Get("after")
		assert.True(t, ok, "survivor %d missing post-failover key", id)
		assert.Equal(t, []byte("2"), v)
	}
}

func TestClusterLeadershipTransfer(t *testing.T) {
	c, err := New([]uint64{1, 2, 3}, raft.Options{})
	require.NoError(t, err)

	oldLeader := electLeader(t, c)
	var target uint64
	for _, id := range []uint64{1, 2, 3} {
		if id != oldLeader {
			target = id
			break
		}
	}

	ctx := context.Background()
	transferDone := false
	var transferErr error
	require.NoError(t, c.Nodes[oldLeader].TransferLeadership(ctx, target, func(err error) {
		transferDone = true
		transferErr = err
	}))
	for i := 0; i < 60 && !transferDone; i++ {
		c.Run(ctx, 1, 50)
	}
	require.True(t, transferDone)
	require.NoError(t, transferErr)

	newLeader := electLeader(t, c)
	assert.Equal(t, target, newLeader)
	assert.Equal(t, raft.StateFollower, c.Nodes[oldLeader].State())
}

func TestClusterLeadershipTransferToDeadTargetExpires(t *testing.T) {
	c, err := New([]uint64{1, 2, 3}, raft.Options{})
	require.NoError(t, err)

	leaderID := electLeader(t, c)
	var target uint64
	for _, id := range []uint64{1, 2, 3} {
		if id != leaderID {
			target = id
			break
		}
	}
	c.Kill(target)

	ctx := context.Background()
	transferDone := false
	var transferErr error
	require.NoError(t, c.Nodes[leaderID].TransferLeadership(ctx, target, func(err error) {
		transferDone = true
		transferErr = err
	}))

	// While the transfer is pending, proposals are refused.
	err = c.Nodes[leaderID].Apply(ctx, setCommand(t, "x", "y"), raft.LocalData{}, nil)
	assert.Equal(t, raft.ErrNotLeader, raft.CodeOf(err))

	for i := 0; i < 60 && !transferDone; i++ {
		c.Run(ctx, 1, 100)
	}
	require.True(t, transferDone)
	require.Error(t, transferErr)
	assert.Equal(t, raft.ErrNoConnection, raft.CodeOf(transferErr))

	// The originating leader resumes normal duty.
	id, ok := c.Leader()
	require.True(t, ok)
	assert.Equal(t, leaderID, id)
	applyAndWait(t, c, c.Nodes[leaderID], setCommand(t, "resumed", "ok"))
}
