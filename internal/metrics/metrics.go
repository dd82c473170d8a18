// Package metrics exposes Prometheus collectors for the run pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsentr_runs_completed_total",
		Help: "The total number of runs that reached a terminal status",
	}, []string{"status"})

	RunsLeased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsentr_runs_leased_total",
		Help: "The total number of successful run leases",
	})

	LeasesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsentr_leases_lost_total",
		Help: "The total number of leases lost mid-run",
	})

	OrphansRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsentr_orphans_recovered_total",
		Help: "The total number of runs requeued by the orphan sweeper",
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dsentr_active_runs_total",
		Help: "The number of runs currently executing in this process",
	})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dsentr_run_duration_seconds",
		Help:    "Time taken to execute a run from lease to terminal status",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	SchedulesFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsentr_schedules_fired_total",
		Help: "The total number of schedule firings that enqueued a run",
	})

	WebhooksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dsentr_webhooks_rejected_total",
		Help: "The total number of webhook triggers rejected at admission",
	}, []string{"reason"})

	QuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dsentr_quota_rejections_total",
		Help: "The total number of enqueues rejected by the workspace run quota",
	})
)
