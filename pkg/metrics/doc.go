/*
Package metrics provides Prometheus metrics collection, health/readiness
reporting, and HTTP exposition for a raft server process.

# Architecture

The package registers every metric at init time into the default
Prometheus registry and exposes a Handler for wiring into an HTTP mux.
A Collector republishes a live *raft.Raft instance's state (term, role,
indices, per-peer progress) into the registered gauges, so callers never
have to touch Prometheus types directly from raft code.

Collector.Collect reads accessor methods on raft.Raft (CurrentTerm,
State, CommitIndex, LastApplied, LastLogIndex, NumLogEntries,
Configuration, PeerStatuses), all of which must be called from the same
goroutine driving Tick/Step, matching the concurrency contract
documented on raft.Raft itself — cmd/raftd calls Collect from its main
loop's tick branch.

# Metrics Catalog

Core raft state:

raftcore_term:
  - Type: Gauge
  - Description: current term cached by this server
  - Example: raftcore_term 42

raftcore_is_leader:
  - Type: Gauge
  - Description: 1 if this server believes itself leader, 0 otherwise
  - Example: raftcore_is_leader 1

raftcore_state{role}:
  - Type: Gauge
  - Labels: role (unavailable, follower, candidate, leader)
  - Description: 1 for the active role, 0 for the others
  - Example: raftcore_state{role="leader"} 1

raftcore_commit_index:
  - Type: Gauge
  - Description: highest log index known to be committed
  - Example: raftcore_commit_index 1543

raftcore_last_applied:
  - Type: Gauge
  - Description: highest log index applied to the state machine
  - Example: raftcore_last_applied 1540

raftcore_last_log_index:
  - Type: Gauge
  - Description: index of the most recent log entry
  - Example: raftcore_last_log_index 1543

raftcore_log_entries_retained:
  - Type: Gauge
  - Description: number of log entries currently held in memory
  - Example: raftcore_log_entries_retained 512

raftcore_voter_count:
  - Type: Gauge
  - Description: number of voters in the current configuration
  - Example: raftcore_voter_count 3

Per-peer replication:

raftcore_peer_match_index{peer}:
  - Type: Gauge
  - Labels: peer (server id)
  - Description: leader's match index for a peer
  - Example: raftcore_peer_match_index{peer="2"} 1540

raftcore_peer_next_index{peer}:
  - Type: Gauge
  - Labels: peer (server id)
  - Description: leader's next index for a peer
  - Example: raftcore_peer_next_index{peer="2"} 1541

raftcore_peer_replication_state{peer, state}:
  - Type: Gauge
  - Labels: peer (server id), state (probe, pipeline, snapshot)
  - Description: 1 for the peer's active replication mode, 0 for the others
  - Example: raftcore_peer_replication_state{peer="2",state="pipeline"} 1

Elections and leadership:

raftcore_elections_started_total:
  - Type: Counter
  - Description: times this server became a candidate; repeated
    election rounds while it is already a candidate are not counted
  - Example: raftcore_elections_started_total 4

Snapshot installation:

raftcore_snapshot_install_sessions_active:
  - Type: Gauge
  - Description: open snapshot-install sessions this leader is driving
  - Example: raftcore_snapshot_install_sessions_active 1

raftcore_snapshot_install_pages_sent_total{method}:
  - Type: Counter
  - Labels: method (copy, move)
  - Description: pages shipped during snapshot installs
  - Example: raftcore_snapshot_install_pages_sent_total{method="copy"} 812

raftcore_snapshot_install_duration_seconds:
  - Type: Histogram
  - Description: time for a snapshot-install session to complete
  - Example: raftcore_snapshot_install_duration_seconds_bucket{le="1"} 3

raftcore_snapshots_taken_total:
  - Type: Counter
  - Description: local FSM snapshots taken
  - Example: raftcore_snapshots_taken_total 6

Storage and apply latency:

raftcore_storage_append_duration_seconds:
  - Type: Histogram
  - Description: time for a storage Append call to complete
  - Example: raftcore_storage_append_duration_seconds_bucket{le="0.01"} 500

raftcore_fsm_apply_duration_seconds:
  - Type: Histogram
  - Description: time for a single FSM.Apply call
  - Example: raftcore_fsm_apply_duration_seconds_bucket{le="0.005"} 490

Transport:

raftcore_messages_sent_total{type, outcome}:
  - Type: Counter
  - Labels: type (message kind), outcome (ok, error)
  - Description: messages sent by this server's transport
  - Example: raftcore_messages_sent_total{type="append_entries",outcome="ok"} 9000

raftcore_messages_received_total{type}:
  - Type: Counter
  - Labels: type (message kind)
  - Description: messages received by this server's transport
  - Example: raftcore_messages_received_total{type="append_entries"} 9000

# Usage

	import "github.com/cuemby/raftcore/pkg/metrics"

	collector := metrics.NewCollector(node)
	// from the goroutine driving node.Tick/Step:
	collector.Collect()

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

Outside the collector's periodic scrape, request-scoped code times its own
work with Timer:

	timer := metrics.NewTimer()
	err := storage.Append(entries)
	timer.ObserveDuration(metrics.StorageAppendDuration)

# Health and readiness

RegisterComponent/UpdateComponent let the owning process report the
health of cmd/raftd's own subsystems (raft, storage, transport) under
names it chooses; GetReadiness treats "raft", "storage", and
"transport" as critical — any of the three missing or unhealthy marks
the process not_ready.

# Performance

All metric updates are simple label/value sets on pre-registered
collectors; the caller's Collect cadence (cmd/raftd collects once per
tick) bounds how often the Configuration/PeerStatuses accessors run.
Memory cost is proportional to the label cardinality actually observed,
dominated by one series per known peer.

# Alerting guidance

Useful starting expressions for an operator's dashboard:

Leadership:
  - Has leader: max(raftcore_is_leader) > 0
  - Leader changes: changes(raftcore_is_leader[10m])
  - Apply lag: raftcore_last_log_index - raftcore_last_applied

Replication:
  - Peers behind: raftcore_last_log_index - raftcore_peer_match_index
  - Peers in snapshot mode: raftcore_peer_replication_state{state="snapshot"} == 1

Suggested alerts:
  - No leader: max(raftcore_is_leader) == 0 for 30s
  - Frequent elections: increase(raftcore_elections_started_total[10m]) > 5
  - Snapshot install stuck: raftcore_snapshot_install_sessions_active > 0 for 10m
*/
package metrics
