package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log/level"

	"github.com/vantage-obs/vantage/pkg/model"
)

// retryAfterSeconds is returned with 429s; one refill window.
const retryAfterSeconds = "60"

type errorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, errorResponse{Code: code, Message: message, Details: details})
}

func marshalRow(r model.Row) ([]byte, error) {
	return json.Marshal(r)
}

// identity is the admission-control key: the API key when present, the
// remote host otherwise.
func (g *Gateway) identity(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authorized does a constant-time comparison against every configured key so
// response timing leaks nothing about key prefixes.
func (g *Gateway) authorized(r *http.Request) bool {
	if !g.cfg.AuthEnabled {
		return true
	}
	provided := []byte(r.Header.Get("X-API-Key"))
	ok := false
	for _, key := range g.cfg.APIKeys {
		if subtle.ConstantTimeCompare(provided, []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	g.stats.receivedBatches.Inc()

	if !g.authorized(r) {
		g.reject(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key", nil)
		return
	}

	if !g.limiter.allow(g.identity(r)) {
		g.stats.rateLimited.Inc()
		w.Header().Set("Retry-After", retryAfterSeconds)
		g.reject(w, http.StatusTooManyRequests, "rate_limited", "request rate exceeds the per-identity allowance", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(g.cfg.MaxBatchBytes))
	var batch model.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.reject(w, http.StatusRequestEntityTooLarge, "too_large", "request body exceeds the size limit", nil)
			return
		}
		g.reject(w, http.StatusBadRequest, "bad_json", "request body is not a valid batch", nil)
		return
	}
	if len(batch.Metrics) == 0 {
		g.reject(w, http.StatusBadRequest, "empty_batch", "batch contains no samples", nil)
		return
	}
	if len(batch.Metrics) > g.cfg.MaxBatchSamples {
		g.reject(w, http.StatusRequestEntityTooLarge, "too_large", "batch exceeds the sample limit", nil)
		return
	}

	now := time.Now()
	batch.ReceivedAt = now.UnixMilli()
	if fieldErrs := model.ValidateBatch(&batch, now); len(fieldErrs) > 0 {
		g.stats.rejectedSamples.Add(uint64(len(batch.Metrics)))
		g.reject(w, http.StatusBadRequest, "invalid_batch", "one or more samples failed validation", fieldErrs)
		return
	}

	environment := batch.Environment
	if environment == "" {
		environment = g.cfg.DefaultEnv
	}

	// Endpoint samples fold into the pre-aggregation buffer when enabled;
	// everything else publishes raw immediately.
	var payloads [][]byte
	for _, s := range batch.Metrics {
		if g.agg != nil && g.agg.add(s) {
			continue
		}
		payload, err := marshalRow(model.RowFromSample(g.ids.Next(), s, environment))
		if err != nil {
			level.Error(g.logger).Log("msg", "marshaling row", "err", err)
			continue
		}
		payloads = append(payloads, payload)
	}

	if len(payloads) > 0 {
		if err := g.publish(r.Context(), batch.ServiceName, payloads); err != nil {
			g.stats.publishFailures.Inc()
			g.metrics.publishErrors.Inc()
			level.Error(g.logger).Log("msg", "publishing batch", "service", batch.ServiceName, "err", err)
			g.reject(w, http.StatusServiceUnavailable, "publish_failed", "temporarily unable to accept data", nil)
			return
		}
	}
	if g.agg != nil && g.agg.full() {
		g.flushAggregates(r.Context())
	}

	g.stats.receivedSamples.Add(uint64(len(batch.Metrics)))
	g.metrics.batchesAccepted.Inc()
	g.metrics.samplesAccepted.Add(float64(len(batch.Metrics)))
	writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: len(batch.Metrics)})
}

func (g *Gateway) reject(w http.ResponseWriter, status int, code, message string, details interface{}) {
	g.stats.rejectedBatches.Inc()
	g.metrics.batchesRejected.WithLabelValues(code).Inc()
	writeError(w, status, code, message, details)
}

type statsSnapshot struct {
	ReceivedBatches uint64 `json:"received_batches"`
	ReceivedSamples uint64 `json:"received_samples"`
	RejectedBatches uint64 `json:"rejected_batches"`
	RejectedSamples uint64 `json:"rejected_samples"`
	RateLimited     uint64 `json:"rate_limited"`
	PublishedRows   uint64 `json:"published_rows"`
	PublishFailures uint64 `json:"publish_failures"`
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsSnapshot{
		ReceivedBatches: g.stats.receivedBatches.Load(),
		ReceivedSamples: g.stats.receivedSamples.Load(),
		RejectedBatches: g.stats.rejectedBatches.Load(),
		RejectedSamples: g.stats.rejectedSamples.Load(),
		RateLimited:     g.stats.rateLimited.Load(),
		PublishedRows:   g.stats.publishedRows.Load(),
		PublishFailures: g.stats.publishFailures.Load(),
	})
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := g.pub.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "bus unreachable", nil)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
