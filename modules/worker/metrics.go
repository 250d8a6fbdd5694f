package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type workerMetrics struct {
	recordsConsumed prometheus.Counter
	batchesFlushed  prometheus.Counter
	rowsInserted    prometheus.Counter
	insertFailures  prometheus.Counter
	deadLetters     prometheus.Counter
	breakerState    prometheus.Gauge
	targetBatchSize prometheus.Gauge
	consumerLag     prometheus.Gauge
	flushLatency    prometheus.Histogram
}

func newWorkerMetrics(reg prometheus.Registerer) *workerMetrics {
	return &workerMetrics{
		recordsConsumed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vantage",
			Subsystem: "worker",
			Name:      "records_consumed_total",
			Help:      "Records consumed from the bus.",
		}),
		batchesFlushed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vantage",
			Subsystem: "worker",
			Name:      "batches_flushed_total",
			Help:      "Batches successfully written to storage.",
		}),
		rowsInserted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vantage",
			Subsystem: "worker",
			Name:      "rows_inserted_total",
			Help:      "Rows successfully written to storage.",
		}),
		insertFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vantage",
			Subsystem: "worker",
			Name:      "insert_failures_total",
			Help:      "Insert attempts that failed after in-place retries.",
		}),
		deadLetters: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vantage",
			Subsystem: "worker",
			Name:      "dead_letters_total",
			Help:      "Records routed to the dead-letter topic.",
		}),
		breakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "vantage",
			Subsystem: "worker",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		targetBatchSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "vantage",
			Subsystem: "worker",
			Name:      "target_batch_size",
			Help:      "Current adaptive batch size.",
		}),
		consumerLag: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "vantage",
			Subsystem: "worker",
			Name:      "consumer_lag_records",
			Help:      "Consumer group lag in records.",
		}),
		flushLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "vantage",
			Subsystem: "worker",
			Name:      "flush_duration_seconds",
			Help:      "Latency of storage flushes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
