package coord

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level vars registered once via promauto, labeled rather than
// built per-instance.
var (
	bundleStateGauge = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratoq_coord_bundle_transitions_total",
		Help: "Count of BundleSender state transitions by resulting state",
	}, []string{"state"})

	queryStateGauge = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratoq_coord_query_transitions_total",
		Help: "Count of query terminal-status transitions",
	}, []string{"status"})

	mergeRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratoq_coord_merge_rows_total",
		Help: "Total rows merged into result tables across all queries",
	})

	mergePullFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratoq_coord_merge_pull_failures_total",
		Help: "Result-file pull failures by worker, before retry exhaustion",
	}, []string{"worker_id"})

	gcSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratoq_coord_gc_sweeps_total",
		Help: "GarbageCollector sweep invocations by loop name",
	}, []string{"loop"})

	gcReclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratoq_coord_gc_reclaimed_total",
		Help: "Result/message tables reclaimed by GarbageCollector",
	}, []string{"loop"})

	workerLivenessGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratoq_coord_worker_alive",
		Help: "1 if a worker is currently ALIVE per PeerTracker, 0 if DEAD",
	}, []string{"worker_id"})
)
