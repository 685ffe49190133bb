package fsm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, cmd Command) []byte {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return data
}

func TestApplySetThenGet(t *testing.T) {
	f := New()
	_, err := f.Apply(encode(t, Command{Op: "set", Key: "a", Value: []byte("1")}))
	require.NoError(t, err)

	v, ok := f.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func TestApplySetReturnsPreviousValue(t *testing.T) {
	f := New()
	_, err := f.Apply(encode(t, Command{Op: "set", Key: "a", Value: []byte("1")}))
	require.NoError(t, err)

	prev, err := f.Apply(encode(t, Command{Op: "set", Key: "a", Value: []byte("2")}))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), prev)
}

func TestApplyDelete(t *testing.T) {
	f := New()
	_, err := f.Apply(encode(t, Command{Op: "set", Key: "a", Value: []byte("1")}))
	require.NoError(t, err)
	_, err = f.Apply(encode(t, Command{Op: "delete", Key: "a"}))
	require.NoError(t, err)

	_, ok := f.Get("a")
	assert.False(t, ok)
}

func TestApplyUnknownCommandErrors(t *testing.T) {
	f := New()
	_, err := f.Apply(encode(t, Command{Op: "bogus", Key: "a"}))
	assert.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := New()
	_, err := f.Apply(encode(t, Command{Op: "set", Key: "a", Value: []byte("1")}))
	require.NoError(t, err)
	_, err = f.Apply(encode(t, Command{Op: "set", Key: "b", Value: []byte("2")}))
	require.NoError(t, err)

	snap, err := f.Snapshot()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.Restore(snap))

	v, ok := restored.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	v, ok = restored.Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)
}
