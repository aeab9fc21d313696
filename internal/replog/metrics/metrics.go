// Package metrics exposes prometheus collectors for the storage layer and the replication engines. A nil *Metrics is
// valid and records nothing, so components can run without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// namespace is the leading part of all published metrics.
const namespace = "replog"

const (
	storageSubsystem     = "storage"
	replicationSubsystem = "replication"
)

// Metrics collects storage and replication metrics for every log of a process.
type Metrics struct {
	// Storage. Requests have the labels lane = {"sync", "nosync"} and action = {"insert", "remove_front", "remove_back"}.
	StorageRequests *prometheus.CounterVec
	BatchesFlushed  *prometheus.CounterVec
	BatchesFailed   *prometheus.CounterVec
	BatchSize       *prometheus.HistogramVec
	SyncDuration    prometheus.Histogram

	// Replication. Per log gauges carry the label log_id, per follower counters add follower.
	CommitIndex          *prometheus.GaugeVec
	FirstIndex           *prometheus.GaugeVec
	AppendEntriesSent    *prometheus.CounterVec
	AppendEntriesReject  *prometheus.CounterVec
	LeaderResignations   *prometheus.CounterVec
	Compactions          *prometheus.CounterVec
	EntriesCompacted     *prometheus.CounterVec
	InsertCommitDuration prometheus.Histogram
}

// New initialises all collectors. Nothing is registered.
func New() *Metrics {
	return &Metrics{
		StorageRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: storageSubsystem,
			Name:      "requests_total",
			Help:      "Number of storage requests queued per lane and action.",
		}, []string{"lane", "action"}),
		BatchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: storageSubsystem,
			Name:      "batches_total",
			Help:      "Number of batches written to the backend per lane.",
		}, []string{"lane"}),
		BatchesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: storageSubsystem,
			Name:      "batches_failed_total",
			Help:      "Number of batches whose write or durability barrier failed.",
		}, []string{"lane"}),
		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: storageSubsystem,
			Name:      "batch_requests",
			Help:      "Number of requests applied in a single write transaction.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"lane"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: storageSubsystem,
			Name:      "sync_duration_seconds",
			Help:      "Time spent waiting for the durability barrier.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		CommitIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: replicationSubsystem,
			Name:      "commit_index",
			Help:      "Highest index known to be committed.",
		}, []string{"log_id"}),
		FirstIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: replicationSubsystem,
			Name:      "first_index",
			Help:      "First index retained in memory after compaction.",
		}, []string{"log_id"}),
		AppendEntriesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: replicationSubsystem,
			Name:      "append_entries_sent_total",
			Help:      "Number of append entries requests sent to a follower.",
		}, []string{"log_id", "follower"}),
		AppendEntriesReject: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: replicationSubsystem,
			Name:      "append_entries_rejected_total",
			Help:      "Number of append entries requests that failed or were rejected, by reason.",
		}, []string{"log_id", "follower", "reason"}),
		LeaderResignations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: replicationSubsystem,
			Name:      "leader_resignations_total",
			Help:      "Number of times a leader resigned.",
		}, []string{"log_id"}),
		Compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: replicationSubsystem,
			Name:      "compactions_total",
			Help:      "Number of physical compactions run.",
		}, []string{"log_id"}),
		EntriesCompacted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: replicationSubsystem,
			Name:      "entries_compacted_total",
			Help:      "Number of entries removed by compaction.",
		}, []string{"log_id"}),
		InsertCommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: replicationSubsystem,
			Name:      "insert_commit_duration_seconds",
			Help:      "Time from a leader insert until its entry is committed.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

// PrometheusCollectors returns all collectors for registration.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.StorageRequests,
		m.BatchesFlushed,
		m.BatchesFailed,
		m.BatchSize,
		m.SyncDuration,
		m.CommitIndex,
		m.FirstIndex,
		m.AppendEntriesSent,
		m.AppendEntriesReject,
		m.LeaderResignations,
		m.Compactions,
		m.EntriesCompacted,
		m.InsertCommitDuration,
	}
}

func laneName(waitForSync bool) string {
	if waitForSync {
		return "sync"
	}
	return "nosync"
}

// RecordRequest counts a storage request queued on a lane.
func (m *Metrics) RecordRequest(waitForSync bool, action string) {
	if m == nil {
		return
	}
	m.StorageRequests.WithLabelValues(laneName(waitForSync), action).Inc()
}

// RecordBatch records a flushed batch of n requests.
func (m *Metrics) RecordBatch(waitForSync bool, n int, err error) {
	if m == nil {
		return
	}
	lane := laneName(waitForSync)
	m.BatchesFlushed.WithLabelValues(lane).Inc()
	m.BatchSize.WithLabelValues(lane).Observe(float64(n))
	if err != nil {
		m.BatchesFailed.WithLabelValues(lane).Inc()
	}
}

// RecordSync records the time spent in a durability barrier.
func (m *Metrics) RecordSync(d time.Duration) {
	if m == nil {
		return
	}
	m.SyncDuration.Observe(d.Seconds())
}

// SetCommitIndex publishes the commit index of a log.
func (m *Metrics) SetCommitIndex(logID string, idx uint64) {
	if m == nil {
		return
	}
	m.CommitIndex.WithLabelValues(logID).Set(float64(idx))
}

// SetFirstIndex publishes the first retained index of a log.
func (m *Metrics) SetFirstIndex(logID string, idx uint64) {
	if m == nil {
		return
	}
	m.FirstIndex.WithLabelValues(logID).Set(float64(idx))
}

// RecordAppendEntries counts a request sent to follower.
func (m *Metrics) RecordAppendEntries(logID, follower string) {
	if m == nil {
		return
	}
	m.AppendEntriesSent.WithLabelValues(logID, follower).Inc()
}

// RecordAppendEntriesRejected counts a failed or rejected request.
func (m *Metrics) RecordAppendEntriesRejected(logID, follower, reason string) {
	if m == nil {
		return
	}
	m.AppendEntriesReject.WithLabelValues(logID, follower, reason).Inc()
}

// RecordResignation counts a leader resignation.
func (m *Metrics) RecordResignation(logID string) {
	if m == nil {
		return
	}
	m.LeaderResignations.WithLabelValues(logID).Inc()
}

// RecordCompaction counts a compaction that removed n entries.
func (m *Metrics) RecordCompaction(logID string, n uint64) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(logID).Inc()
	m.EntriesCompacted.WithLabelValues(logID).Add(float64(n))
}

// RecordCommitLatency records the time between an insert and its commit.
func (m *Metrics) RecordCommitLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.InsertCommitDuration.Observe(d.Seconds())
}

// Forget drops every per log series of logID, used when a log is dropped.
func (m *Metrics) Forget(logID string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"log_id": logID}
	m.CommitIndex.DeletePartialMatch(labels)
	m.FirstIndex.DeletePartialMatch(labels)
	m.AppendEntriesSent.DeletePartialMatch(labels)
	m.AppendEntriesReject.DeletePartialMatch(labels)
	m.LeaderResignations.DeletePartialMatch(labels)
	m.Compactions.DeletePartialMatch(labels)
	m.EntriesCompacted.DeletePartialMatch(labels)
}
