package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// JobsProcessed counts pipeline jobs by stage name and outcome
// (completed, retried, failed, skipped).
var JobsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mmbot_jobs_total",
		Help: "Total number of pipeline jobs processed by stage and outcome",
	},
	[]string{"job", "outcome"},
)

// JobDuration records handler latency per stage
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "mmbot_job_duration_seconds",
		Help:    "Latency in seconds of pipeline job handlers",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"job"},
)

// Settlement metrics
var (
	SnapshotsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmbot_snapshots_ingested_total",
			Help: "Ledger snapshots observed by the poller, by result",
		},
		[]string{"result"},
	)

	RefundsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmbot_refunds_total",
			Help: "Refund transfers attempted, by result",
		},
		[]string{"result"},
	)

	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mmbot_order_transitions_total",
			Help: "Order state transitions by target state",
		},
		[]string{"to"},
	)
)

func init() {
	prometheus.MustRegister(JobsProcessed, JobDuration)
	prometheus.MustRegister(SnapshotsIngested, RefundsIssued, OrderTransitions)
}
