// Package metrics holds the process-wide Prometheus collectors shared
// across the gateway's pipelines. Components register their own
// effect on these gauges/counters; nothing here is pipeline-specific.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BlockCacheBlocksWritten = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ug",
		Subsystem: "blockcache",
		Name:      "blocks_written",
		Help:      "Number of blocks currently resident on disk in the block cache.",
	})
	BlockCacheBlocksPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ug",
		Subsystem: "blockcache",
		Name:      "blocks_pending",
		Help:      "Number of blocks queued or in flight in the async writer.",
	})

	ReplicationInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ug",
		Subsystem: "replication",
		Name:      "contexts_in_flight",
		Help:      "Number of replica contexts currently executing phase A or B.",
	})
	ReplicationFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ug",
		Subsystem: "replication",
		Name:      "failures_total",
		Help:      "Number of replica context attempts that failed.",
	})

	VacuumLogEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ug",
		Subsystem: "vacuum",
		Name:      "log_entries_total",
		Help:      "Number of vacuum log entries consumed.",
	})
	VacuumPendingFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ug",
		Subsystem: "vacuum",
		Name:      "pending_files",
		Help:      "Number of vacuum requests queued for the background worker.",
	})

	SyncQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ug",
		Subsystem: "syncctl",
		Name:      "queue_depth",
		Help:      "Total queued fsync requests across all inodes.",
	})

	ConsistencyRefetchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ug",
		Subsystem: "consistency",
		Name:      "refetches_total",
		Help:      "Number of path/manifest refetches issued by the consistency engine.",
	})
)

func init() {
	prometheus.MustRegister(
		BlockCacheBlocksWritten,
		BlockCacheBlocksPending,
		ReplicationInFlight,
		ReplicationFailuresTotal,
		VacuumLogEntriesTotal,
		VacuumPendingFiles,
		SyncQueueDepth,
		ConsistencyRefetchesTotal,
	)
}
