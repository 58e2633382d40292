package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the counters and histogram the admin server exposes at
// /metrics, one per cycle-level outcome named in the scheduler's
// responsibilities.
type Metrics struct {
	CyclesTotal       prometheus.Counter
	AttemptedTotal    prometheus.Counter
	SucceededTotal    prometheus.Counter
	EnqueuedTotal     prometheus.Counter
	SkippedTotal      prometheus.Counter
	QueueDepth        prometheus.Gauge
	ReconcileDuration prometheus.Histogram
}

// NewMetrics registers the scheduler's metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synccore", Name: "cycles_total", Help: "Total number of sync cycles run.",
		}),
		AttemptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synccore", Name: "records_attempted_total", Help: "Total records handed to the reconciler.",
		}),
		SucceededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synccore", Name: "records_succeeded_total", Help: "Total records successfully reconciled.",
		}),
		EnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synccore", Name: "records_enqueued_total", Help: "Total records enqueued to the retry queue.",
		}),
		SkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synccore", Name: "records_skipped_total", Help: "Total records dropped (data quality) or skipped (auto-bind ambiguous).",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "synccore", Name: "retry_queue_depth", Help: "Current number of live items in the retry queue.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "synccore", Name: "reconcile_duration_seconds", Help: "Per-record reconcile latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.CyclesTotal, m.AttemptedTotal, m.SucceededTotal, m.EnqueuedTotal, m.SkippedTotal, m.QueueDepth, m.ReconcileDuration)
	return m
}
