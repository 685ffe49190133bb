package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigurationAddRemove(t *testing.T) {
	var c Configuration
	require.NoError(t, c.Add(1, "127.0.0.1:9001", RoleVoter))
	require.NoError(t, c.Add(2, "127.0.0.1:9002", RoleStandby))

	err := c.Add(1, "127.0.0.1:9003", RoleVoter)
	assert.Equal(t, ErrDuplicateID, CodeOf(err))

	err = c.Add(3, "127.0.0.1:9001", RoleVoter)
	assert.Equal(t, ErrDuplicateAddress, CodeOf(err))

	err = c.Add(4, "127.0.0.1:9004", Role(99))
	assert.Equal(t, ErrBadRole, CodeOf(err))

	assert.Equal(t, 1, c.VoterCount())
	require.NoError(t, c.Remove(2))
	assert.Equal(t, -1, c.IndexOf(2))

	err = c.Remove(2)
	assert.Equal(t, ErrBadID, CodeOf(err))
}

func TestConfigurationVoterIndex(t *testing.T) {
	var c Configuration
	require.NoError(t, c.Add(1, "a", RoleVoter))
	require.NoError(t, c.Add(2, "b", RoleSpare))
	require.NoError(t, c.Add(3, "c", RoleVoter))

	assert.Equal(t, 0, c.IndexOfVoter(1))
	assert.Equal(t, -1, c.IndexOfVoter(2))
	assert.Equal(t, 1, c.IndexOfVoter(3))
}

func TestConfigurationEncodeDecodeRoundTrip(t *testing.T) {
	var c Configuration
	require.NoError(t, c.Add(1, "127.0.0.1:9001", RoleVoter))
	require.NoError(t, c.Add(2, "127.0.0.1:9002", RoleStandby))
	require.NoError(t, c.Add(3, "127.0.0.1:9003", RoleSpare))

	buf, err := c.Encode()
	require.NoError(t, err)
	assert.Equal(t, 0, len(buf)%8, "encoded configuration must be padded to an 8-byte boundary")

	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, c.Servers, decoded.Servers)
}

func TestConfigurationDecodeRejectsUnknownVersion(t *testing.T) {
	buf := []byte{99, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err := Decode(buf)
	assert.Equal(t, ErrMalformed, CodeOf(err))
}

func TestConfigurationDecodeRejectsTruncatedAddress(t *testing.T) {
	var c Configuration
	require.NoError(t, c.Add(1, "127.0.0.1:9001", RoleVoter))
	buf, err := c.Encode()
	require.NoError(t, err)

	truncated := buf[:len(buf)-10]
	_, err = Decode(truncated)
	assert.Equal(t, ErrMalformed, CodeOf(err))
}

func TestConfigurationDecodeRejectsDuplicateIDs(t *testing.T) {
	var c Configuration
	c.Servers = []Server{
		{ID: 1, Address: "a", Role: RoleVoter},
		{ID: 1, Address: "b", Role: RoleVoter},
	}
	buf, err := c.Encode()
	require.NoError(t, err)
	_, err = Decode(buf)
	assert.Equal(t, ErrMalformed, CodeOf(err))
}

func TestConfigurationCopyIsDeep(t *testing.T) {
	var c Configuration
	require.NoError(t, c.Add(1, "a", RoleVoter))
	cp := c.Copy()
	cp.Servers[0].Address = "mutated"
	assert.Equal(t, "a", c.Servers[0].Address)
}
