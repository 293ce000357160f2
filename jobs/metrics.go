package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_jobs_enqueued_total",
		Help: "Count of jobs appended to the queue by type.",
	}, []string{"type"})
	jobsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_jobs_suppressed_total",
		Help: "Count of enqueues suppressed by a held dedup key.",
	}, []string{"type"})
	jobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_jobs_claimed_total",
		Help: "Count of jobs claimed for processing by type.",
	}, []string{"type"})
	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_jobs_failed_total",
		Help: "Count of claims abandoned via Fail by type.",
	}, []string{"type"})
	jobsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasury_jobs_swept_total",
		Help: "Count of stale or unparsable jobs dropped by the sweeper.",
	})
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treasury_jobs_queue_depth",
		Help: "Number of jobs waiting in the queue at last observation.",
	})
)
