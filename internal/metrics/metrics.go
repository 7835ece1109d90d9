// Package metrics exposes the orchestrator's Prometheus instrumentation:
// active/queued job gauges and per-stage-kind failure counters, the
// observability surface SPEC_FULL.md adds on top of spec.md's core.
//
// The Vec-with-labels shape (CounterVec/HistogramVec, registered once at
// package init and referenced by package-level vars) is grounded on the
// one retrieved example that actually instruments a long-running pipeline
// with prometheus/client_golang (a ZFS replication planner tracking
// per-state seconds and per-filesystem bytes replicated); this package
// generalizes "per-state" to "per-stage" and "per-filesystem" to
// "per-error-kind".
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flashd",
		Name:      "active_jobs",
		Help:      "Number of jobs currently in a running (non-terminal, non-queued) state.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flashd",
		Name:      "queue_depth",
		Help:      "Number of jobs admitted to the scheduler but not yet running.",
	})

	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flashd",
		Name:      "stage_failures_total",
		Help:      "Count of stage runner failures by stage and error kind.",
	}, []string{"stage", "kind"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flashd",
		Name:      "jobs_completed_total",
		Help:      "Count of jobs that reached a terminal state, by final state.",
	}, []string{"state"})

	BytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flashd",
		Name:      "bytes_written_total",
		Help:      "Cumulative bytes written to devices by the write stage.",
	}, []string{"device_path"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flashd",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock duration of each stage invocation.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s .. 8192s (~2.3h)
	}, []string{"stage"})
)
