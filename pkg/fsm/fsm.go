// Package fsm provides a minimal in-memory key/value reference
// implementation of raft.FSM, used by cmd/raftd and by tests that need a
// concrete application state machine without defining their own command
// format.
package fsm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/raftcore/pkg/metrics"
)

// Command is the opaque entry payload this reference FSM understands.
// Real deployments are free to use any byte encoding; raft.FSM never
// inspects Apply's argument itself.
type Command struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// KV is a minimal in-memory key/value state machine implementing
// raft.FSM, reduced to the two operations a generic reference machine
// needs: set and delete.
type KV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty KV machine.
func New() *KV {
	return &KV{data: make(map[string][]byte)}
}

// Apply decodes data as a Command and applies it, returning the
// previous value for a "set" or a "delete" (nil if the key was absent).
func (f *KV) Apply(data []byte) (interface{}, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FSMApplyDuration)

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("decoding command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "set":
		prev := f.data[cmd.Key]
		f.data[cmd.Key] = cmd.Value
		return prev, nil
	case "delete":
		prev := f.data[cmd.Key]
		delete(f.data, cmd.Key)
		return prev, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Get reads a key directly, without going through the log. Callers that
// need linearizable reads should route through Barrier first.
func (f *KV) Get(key string) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	return v, ok
}

// Snapshot captures the full key/value set as JSON.
func (f *KV) Snapshot() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return json.Marshal(f.data)
}

// Restore replaces the machine's state with a previously captured
// snapshot.
func (f *KV) Restore(data []byte) error {
	m := make(map[string][]byte)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decoding snapshot: %w", err)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = m
	return nil
}
