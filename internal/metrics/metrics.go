// Package metrics holds the service's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shield"

type Metrics struct {
	reconciled  *prometheus.CounterVec
	conflicts   prometheus.Counter
	nextIndex   prometheus.Gauge
	records     prometheus.Gauge
	backfillTxs prometheus.Counter
	skippedLogs prometheus.Counter
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	queueDepth  prometheus.Gauge
	sweptJobs   prometheus.Counter
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer", Name: "reconciled_total",
			Help: "Commitment events reconciled, by outcome.",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer", Name: "conflicts_total",
			Help: "Events rejected because their index holds a different commitment.",
		}),
		nextIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "indexer", Name: "next_index",
			Help: "Next free leaf index of the in-memory tree.",
		}),
		records: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "indexer", Name: "records",
			Help: "Commitment records loaded at the last rebuild plus those accepted since.",
		}),
		backfillTxs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer", Name: "backfill_transactions_total",
			Help: "Historical transactions fetched during backfill.",
		}),
		skippedLogs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexer", Name: "skipped_logs_total",
			Help: "Transactions whose program logs could not be decoded.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relayer", Name: "jobs_total",
			Help: "Relay jobs reaching a terminal state, by type and status.",
		}, []string{"type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "relayer", Name: "job_duration_seconds",
			Help:    "Time from processing start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"type"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relayer", Name: "queue_pending",
			Help: "Jobs waiting for the worker.",
		}),
		sweptJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relayer", Name: "swept_jobs_total",
			Help: "Terminal jobs removed after the retention window.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.reconciled, m.conflicts, m.nextIndex, m.records, m.backfillTxs, m.skippedLogs,
			m.jobs, m.jobDuration, m.queueDepth, m.sweptJobs,
		)
	}
	return m
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) TreeState(nextIndex, records uint64) {
	if m == nil {
		return
	}
	m.nextIndex.Set(float64(nextIndex))
	m.records.Set(float64(records))
}

func (m *Metrics) BackfillTx() {
	if m == nil {
		return
	}
	m.backfillTxs.Inc()
}

func (m *Metrics) SkippedLogs() {
	if m == nil {
		return
	}
	m.skippedLogs.Inc()
}

func (m *Metrics) JobFinished(jobType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(jobType, status).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(took.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.sweptJobs.Add(float64(n))
}
