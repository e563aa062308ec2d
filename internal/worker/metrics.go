package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskStateGauge = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratoq_worker_task_state_transitions_total",
		Help: "Count of worker Task state transitions by resulting state.",
	}, []string{"state"})

	workerRowsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratoq_worker_rows_written_total",
		Help: "Total result rows written across all tasks on this worker.",
	})

	workerRowcapHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratoq_worker_rowcap_hits_total",
		Help: "Count of tasks that stopped early because a row or byte cap was reached, by query_id.",
	}, []string{"query_id"})

	bundlesAcceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stratoq_worker_bundles_accepted_total",
		Help: "Count of bundles accepted by BundleReceiver, by outcome.",
	}, []string{"outcome"})

	coordinatorLivenessGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratoq_worker_coordinator_liveness",
		Help: "1 if a known coordinator peer is ALIVE, 0 if DEAD.",
	}, []string{"coordinator_id"})

	workerGCSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratoq_worker_gc_sweeps_total",
		Help: "GarbageCollector sweep invocations on the worker side.",
	})

	workerGCReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stratoq_worker_gc_reclaimed_total",
		Help: "Result files reclaimed by the worker-side GarbageCollector.",
	})
)
