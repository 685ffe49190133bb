// Package config loads the on-disk cluster bootstrap file cmd/raftd reads
// to construct a pkg/raft.Raft instance: this node's identity, its initial
// peers, and the timing/threshold knobs pkg/raft.Options exposes.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/raftcore/pkg/raft"
)

// ServerConfig is one member of the initial cluster configuration.
type ServerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
	Role    string `yaml:"role"` // "voter", "standby", or "spare"
}

// Config is the root of a cluster bootstrap file.
type Config struct {
	NodeID  uint64 `yaml:"node_id"`
	Bind    string `yaml:"bind"`
	DataDir string `yaml:"data_dir"`

	Servers []ServerConfig `yaml:"servers"`

	ElectionTimeoutMS         uint64 `yaml:"election_timeout_ms"`
	HeartbeatTimeoutMS        uint64 `yaml:"heartbeat_timeout_ms"`
	InstallSnapshotTimeoutMS  uint64 `yaml:"install_snapshot_timeout_ms"`
	SnapshotThreshold         uint64 `yaml:"snapshot_threshold"`
	SnapshotTrailing          uint64 `yaml:"snapshot_trailing"`
	PreVote                   bool   `yaml:"pre_vote"`
	MaxCatchUpRounds          int    `yaml:"max_catch_up_rounds"`
	MaxCatchUpRoundDurationMS uint64 `yaml:"max_catch_up_round_duration_ms"`
}

// Load reads and parses a cluster bootstrap file from path.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.NodeID == 0 {
		return nil, fmt.Errorf("config %s: node_id is required", path)
	}
	if cfg.Bind == "" {
		return nil, fmt.Errorf("config %s: bind is required", path)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("config %s: data_dir is required", path)
	}
	return &cfg, nil
}

// Options builds a raft.Options from the timing/threshold fields, leaving
// zero fields for raft.Options.setDefaults to fill in.
func (c *Config) Options() raft.Options {
	return raft.Options{
		ElectionTimeout:         c.ElectionTimeoutMS,
		HeartbeatTimeout:        c.HeartbeatTimeoutMS,
		InstallSnapshotTimeout:  c.InstallSnapshotTimeoutMS,
		SnapshotThreshold:       c.SnapshotThreshold,
		SnapshotTrailing:        c.SnapshotTrailing,
		PreVote:                 c.PreVote,
		MaxCatchUpRounds:        c.MaxCatchUpRounds,
		MaxCatchUpRoundDuration: c.MaxCatchUpRoundDurationMS,
	}
}

// roleOf maps a config file role string to a raft.Role, defaulting to
// RoleVoter when unset.
func roleOf(s string) (raft.Role, error) {
	switch s {
	case "", "voter":
		return raft.RoleVoter, nil
	case "standby":
		return raft.RoleStandby, nil
	case "spare":
		return raft.RoleSpare, nil
	default:
		return 0, fmt.Errorf("unknown server role %q", s)
	}
}

// Configuration builds the raft.Configuration this node should bootstrap
// with from the config file's servers list.
func (c *Config) Configuration() (raft.Configuration, error) {
	var conf raft.Configuration
	for _, s := range c.Servers {
		role, err := roleOf(s.Role)
		if err != nil {
			return raft.Configuration{}, fmt.Errorf("server %d: %w", s.ID, err)
		}
		if err := conf.Add(s.ID, s.Address, role); err != nil {
			return raft.Configuration{}, err
		}
	}
	return conf, nil
}

// PeerAddresses returns every configured peer's address keyed by ID,
// including this node's own entry, for wiring into pkg/transport.
func (c *Config) PeerAddresses() map[uint64]string {
	out := make(map[uint64]string, len(c.Servers))
	for _, s := range c.Servers {
		out[s.ID] = s.Address
	}
	return out
}
