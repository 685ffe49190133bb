package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft core metrics
	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_term",
			Help: "Current raft term cached by this server",
		},
	)

	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_is_leader",
			Help: "Whether this server is the current leader (1 = leader, 0 = otherwise)",
		},
	)

	RaftState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raftcore_state",
			Help: "Always 1 for the server's current role; other roles report 0",
		},
		[]string{"role"},
	)

	RaftCommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_commit_index",
			Help: "Highest log index known to be committed",
		},
	)

	RaftLastApplied = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_last_applied",
			Help: "Highest log index applied to the state machine",
		},
	)

	RaftLastLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_last_log_index",
			Help: "Index of the most recent log entry",
		},
	)

	RaftLogEntriesRetained = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_log_entries_retained",
			Help: "Number of log entries currently retained in memory",
		},
	)

	RaftVoterCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_voter_count",
			Help: "Number of voters in the current configuration",
		},
	)

	RaftVoterContacts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_voter_contacts",
			Help: "Voters (including self) the leader heard from within the last election timeout; 0 when not leader",
		},
	)

	// Per-peer replication metrics
	PeerMatchIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raftcore_peer_match_index",
			Help: "Leader's match index for a peer",
		},
		[]string{"peer"},
	)

	PeerNextIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raftcore_peer_next_index",
			Help: "Leader's next index for a peer",
		},
		[]string{"peer"},
	)

	PeerReplicationState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raftcore_peer_replication_state",
			Help: "Always 1 for the peer's current replication mode (probe/pipeline/snapshot); other modes report 0",
		},
		[]string{"peer", "state"},
	)

	// Election metrics
	ElectionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raftcore_elections_started_total",
			Help: "Total number of times this server became a candidate (repeated rounds while already a candidate are not counted)",
		},
	)

	// Snapshot-install protocol metrics
	SnapshotInstallSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_snapshot_install_sessions_active",
			Help: "Number of snapshot-install sessions this leader currently has open",
		},
	)

	SnapshotInstallPagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftcore_snapshot_install_pages_sent_total",
			Help: "Total pages shipped during snapshot installs by method (copy or move)",
		},
		[]string{"method"},
	)

	SnapshotInstallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftcore_snapshot_install_duration_seconds",
			Help:    "Time taken for a snapshot-install session to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotsTaken = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raftcore_snapshots_taken_total",
			Help: "Total number of local FSM snapshots taken",
		},
	)

	// Storage and apply latency
	StorageAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftcore_storage_append_duration_seconds",
			Help:    "Time taken for a storage Append call to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	FSMApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftcore_fsm_apply_duration_seconds",
			Help:    "Time taken for a single FSM.Apply call",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transport metrics
	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftcore_messages_sent_total",
			Help: "Total messages sent by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftcore_messages_received_total",
			Help: "Total messages received by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(RaftTerm)
	prometheus.MustRegister(RaftIsLeader)
	prometheus.MustRegister(RaftState)
	prometheus.MustRegister(RaftCommitIndex)
	prometheus.MustRegister(RaftLastApplied)
	prometheus.MustRegister(RaftLastLogIndex)
	prometheus.MustRegister(RaftLogEntriesRetained)
	prometheus.MustRegister(RaftVoterCount)
	prometheus.MustRegister(RaftVoterContacts)
	prometheus.MustRegister(PeerMatchIndex)
	prometheus.MustRegister(PeerNextIndex)
	prometheus.MustRegister(PeerReplicationState)
	prometheus.MustRegister(ElectionsStarted)
	prometheus.MustRegister(SnapshotInstallSessionsActive)
	prometheus.MustRegister(SnapshotInstallPagesSent)
	prometheus.MustRegister(SnapshotInstallDuration)
	prometheus.MustRegister(SnapshotsTaken)
	prometheus.MustRegister(StorageAppendDuration)
	prometheus.MustRegister(FSMApplyDuration)
	prometheus.MustRegister(MessagesSentTotal)
	prometheus.MustRegister(MessagesReceivedTotal)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and recording their duration to
// a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
