// Package metrics provides Prometheus metrics for the sight node.
// Counters, gauges and histograms for metering, the ledger, gateway sync
// and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sight"

// ─── Metering ───────────────────────────────────────────────────────────────

// MeteredRequests tracks metered inference calls by family, kind and outcome.
var MeteredRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "metered_requests_total",
	Help:      "Total metered inference calls.",
}, []string{"family", "kind", "outcome"})

// InferenceLatency tracks metered call duration in seconds.
var InferenceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "inference_latency_seconds",
	Help:      "Metered inference call duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"family", "kind"})

// InferenceTokens tracks estimated or reported tokens by direction.
var InferenceTokens = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "inference_tokens_total",
	Help:      "Total tokens metered.",
}, []string{"direction"})

// ClassificationMisses counts rate lookups that fell back to the default.
var ClassificationMisses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "classification_misses_total",
	Help:      "Rate lookups that fell back to the default rate.",
})

// MeteringErrors counts bookkeeping failures swallowed at the interceptor.
var MeteringErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "metering_errors_total",
	Help:      "Bookkeeping failures caught by the metering interceptor.",
}, []string{"stage"})

// ─── Ledger ─────────────────────────────────────────────────────────────────

// TasksOpened tracks local tasks created.
var TasksOpened = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_opened_total",
	Help:      "Total local tasks created.",
})

// TasksClosed tracks tasks reaching a terminal state by status.
var TasksClosed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_closed_total",
	Help:      "Total tasks reaching a terminal status.",
}, []string{"status"})

// TasksSwept tracks stale tasks moved to failed.
var TasksSwept = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_swept_total",
	Help:      "Total stale running tasks swept to failed.",
})

// EarningsWritten tracks earnings persisted by source.
var EarningsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "earnings_written_total",
	Help:      "Total earnings persisted.",
}, []string{"source"})

// EarningsRejected tracks earnings refused by reason.
var EarningsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "earnings_rejected_total",
	Help:      "Total earnings refused by the ledger.",
}, []string{"reason"})

// JobRewards tracks the sum of locally computed job rewards.
var JobRewards = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "job_rewards_total",
	Help:      "Sum of job rewards computed by local metering.",
})

// ─── Gateway Sync ───────────────────────────────────────────────────────────

// SyncRuns tracks sync job runs by job and outcome (ok, skipped, error).
var SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "sync_runs_total",
	Help:      "Gateway sync job runs.",
}, []string{"job", "outcome"})

// SyncRecords tracks records processed by job and outcome
// (created, updated, skipped, error).
var SyncRecords = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "sync_records_total",
	Help:      "Gateway records processed.",
}, []string{"job", "outcome"})

// GatewayLatency tracks gateway round-trip latency.
var GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "gateway_request_seconds",
	Help:      "Gateway request round-trip latency.",
	Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"resource"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
