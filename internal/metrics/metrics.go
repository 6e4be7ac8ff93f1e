// Package metrics holds the pipeline's Prometheus collectors. They are
// registered with the default registry and served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal counts intake outcomes: accepted, rejected, dispatch_failed.
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_submissions_total",
			Help: "Upload intake results",
		},
		[]string{"result"},
	)

	// DispatchRetriesTotal counts publish attempts that had to be repeated.
	DispatchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fileflow_dispatch_retries_total",
		Help: "Submitted event publishes that were retried",
	})

	// FilesProcessedTotal counts worker results: succeeded, failed, transient.
	FilesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_files_processed_total",
			Help: "Worker processing results",
		},
		[]string{"outcome"},
	)

	// ProcessingDuration observes time spent processing one delivery.
	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fileflow_processing_duration_seconds",
		Help:    "Time to fetch, extract and validate one file",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	// WorkerInFlight is the number of files being processed right now.
	WorkerInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fileflow_worker_in_flight",
		Help: "Files currently being processed",
	})

	// TransitionsTotal counts projector decisions by event type.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_status_transitions_total",
			Help: "Projector decisions (apply, noop, anomaly) per event type",
		},
		[]string{"event", "decision"},
	)

	// DedupHitsTotal counts outcome events skipped by the projector's cache.
	DedupHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fileflow_projector_dedup_hits_total",
		Help: "Outcome events skipped because their id was recently applied",
	})

	// ConsistencyAnomaliesTotal counts events rejected against a terminal
	// record with a different outcome.
	ConsistencyAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileflow_consistency_anomalies_total",
			Help: "Events that contradicted a terminal status record",
		},
		[]string{"event"},
	)

	// VersionConflictsTotal counts conditional writes that lost a race.
	VersionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fileflow_status_version_conflicts_total",
		Help: "Conditional status writes rejected because the version moved",
	})

	// SweeperRepublishedTotal counts stranded submissions re-published.
	SweeperRepublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fileflow_sweeper_republished_total",
		Help: "Stranded Submitted records re-published by the sweeper",
	})
)
