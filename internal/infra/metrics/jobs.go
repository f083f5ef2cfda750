package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(jobRunsTotal, jobUsersTotal, jobDuration) }

var (
	jobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_job_runs_total",
			Help: "Billing job executions by job and result.",
		},
		[]string{"job", "result"}, // 'ok', 'error', 'skipped'
	)

	jobUsersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_job_items_total",
			Help: "Users or payments processed by billing jobs, by outcome.",
		},
		[]string{"job", "outcome"}, // 'renewed', 'deactivated', 'failed', 'settled', 'stuck'
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_job_duration_seconds",
			Help:    "Wall time of billing job runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"job"},
	)
)

func IncJobRun(job, result string) {
	jobRunsTotal.WithLabelValues(norm(job), norm(result)).Inc()
}

func AddJobItems(job, outcome string, n int) {
	if n <= 0 {
		return
	}
	jobUsersTotal.WithLabelValues(norm(job), norm(outcome)).Add(float64(n))
}

func ObserveJobDuration(job string, d time.Duration) {
	jobDuration.WithLabelValues(norm(job)).Observe(d.Seconds())
}
