package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type gatewayMetrics struct {
	batchesAccepted   prometheus.Counter
	batchesRejected   *prometheus.CounterVec
	samplesAccepted   prometheus.Counter
	rowsPublished     prometheus.Counter
	publishErrors     prometheus.Counter
	publishLatency    prometheus.Histogram
	inflightRequests  prometheus.Gauge
	limiterIdentities prometheus.Gauge
}

func newGatewayMetrics(reg prometheus.Registerer) *gatewayMetrics {
	return &gatewayMetrics{
		batchesAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vantage",
			Subsystem: "gateway",
			Name:      "batches_accepted_total",
			Help:      "Batches accepted for publishing.",
		}),
		batchesRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vantage",
			Subsystem: "gateway",
			Name:      "batches_rejected_total",
			Help:      "Batches rejected, by reason.",
		}, []string{"reason"}),
		samplesAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vantage",
			Subsystem: "gateway",
			Name:      "samples_accepted_total",
			Help:      "Samples accepted for publishing.",
		}),
		rowsPublished: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vantage",
			Subsystem: "gateway",
			Name:      "rows_published_total",
			Help:      "Rows published to the bus.",
		}),
		publishErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vantage",
			Subsystem: "gateway",
			Name:      "publish_errors_total",
			Help:      "Publish attempts that failed after retries.",
		}),
		publishLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "vantage",
			Subsystem: "gateway",
			Name:      "publish_duration_seconds",
			Help:      "Latency of bus publishes.",
			Buckets:   prometheus.DefBuckets,
		}),
		inflightRequests: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "vantage",
			Subsystem: "gateway",
			Name:      "inflight_requests",
			Help:      "Requests currently being handled.",
		}),
		limiterIdentities: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "vantage",
			Subsystem: "gateway",
			Name:      "limiter_identities",
			Help:      "Identities currently tracked by the rate limiter.",
		}),
	}
}
