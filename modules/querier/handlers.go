package querier

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/vantage-obs/vantage/pkg/store"
	"github.com/vantage-obs/vantage/pkg/vql"
)

const (
	minBucketSeconds = 60
	maxBucketSeconds = 86_400

	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

type errorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeJSON(w, status, errorResponse{Code: code, Message: message, Details: details})
}

func (q *Querier) serverError(w http.ResponseWriter, route string, err error) {
	q.metrics.queryErrors.WithLabelValues(route).Inc()
	level.Error(q.logger).Log("msg", "request failed", "route", route, "err", errors.WithStack(err))
	writeError(w, http.StatusInternalServerError, "internal", "query failed", nil)
}

// bucketWidthSeconds is a tenth of the range, clamped to [1 minute, 1 day].
func bucketWidthSeconds(rangeSeconds int64) int64 {
	w := rangeSeconds / 10
	if w < minBucketSeconds {
		w = minBucketSeconds
	}
	if w > maxBucketSeconds {
		w = maxBucketSeconds
	}
	return w
}

// rangeParams parses service/metric/range query parameters.
func (q *Querier) rangeParams(r *http.Request) (store.RangeParams, bool) {
	service := r.URL.Query().Get("service")
	if service == "" {
		return store.RangeParams{}, false
	}
	rangeSeconds := q.cfg.DefaultRangeSeconds
	if raw := r.URL.Query().Get("range"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return store.RangeParams{}, false
		}
		rangeSeconds = parsed
	}
	end := time.Now()
	return store.RangeParams{
		Service:       service,
		Metric:        r.URL.Query().Get("metric"),
		Start:         end.Add(-time.Duration(rangeSeconds) * time.Second),
		End:           end,
		BucketSeconds: bucketWidthSeconds(rangeSeconds),
	}, true
}

func (q *Querier) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	params, ok := q.rangeParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "service is required and range must be a positive integer", nil)
		return
	}
	buckets, err := q.store.QueryRange(r.Context(), params)
	if err != nil {
		q.serverError(w, "timeseries", err)
		return
	}
	if buckets == nil {
		buckets = []store.Bucket{}
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (q *Querier) handleAggregated(w http.ResponseWriter, r *http.Request) {
	params, ok := q.rangeParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "service is required and range must be a positive integer", nil)
		return
	}
	agg, err := q.store.QueryAggregate(r.Context(), params)
	if err != nil {
		q.serverError(w, "aggregated", err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (q *Querier) handleServices(w http.ResponseWriter, r *http.Request) {
	services, err := q.store.ListServices(r.Context(), 24*time.Hour)
	if err != nil {
		q.serverError(w, "services", err)
		return
	}
	if services == nil {
		services = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"services": services})
}

func (q *Querier) handleHealthScores(w http.ResponseWriter, r *http.Request) {
	statsPerService, err := q.store.ServiceWindowStats(r.Context(), q.cfg.HealthWindow)
	if err != nil {
		q.serverError(w, "health_scores", err)
		return
	}
	refs := healthRefs{
		errRef:   q.cfg.ErrorRateRef,
		latLowMs: q.cfg.LatencyRefLowMs,
		latHiMs:  q.cfg.LatencyRefHighMs,
		traffic:  q.cfg.TrafficRef,
	}
	scores := make([]HealthScore, 0, len(statsPerService))
	for _, st := range statsPerService {
		scores = append(scores, scoreService(st, refs))
	}
	writeJSON(w, http.StatusOK, scores)
}

func (q *Querier) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer", nil)
			return
		}
		if parsed > maxAlertLimit {
			parsed = maxAlertLimit
		}
		limit = parsed
	}
	alerts, err := q.store.ListAlerts(r.Context(), limit)
	if err != nil {
		q.serverError(w, "alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (q *Querier) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := q.store.ActiveAlerts(r.Context())
	if err != nil {
		q.serverError(w, "alerts_active", err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

type vqlRequest struct {
	Query string `json:"query"`
}

type vqlResponse struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

func (q *Querier) handleVQL(w http.ResponseWriter, r *http.Request) {
	var req vqlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be {\"query\": \"...\"}", nil)
		return
	}

	parsed, err := vql.Parse(req.Query)
	if err != nil {
		var perr *vql.Error
		if errors.As(err, &perr) {
			writeError(w, http.StatusBadRequest, "invalid_query", perr.Error(), map[string]string{"token": perr.Token})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error(), nil)
		return
	}

	sql, args := parsed.ToSQL()
	cols, rows, err := q.store.RunQuery(r.Context(), sql, args)
	if err != nil {
		q.serverError(w, "vql", err)
		return
	}
	if rows == nil {
		rows = [][]interface{}{}
	}
	writeJSON(w, http.StatusOK, vqlResponse{Columns: cols, Rows: rows})
}

func (q *Querier) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req CompareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed comparison request", nil)
		return
	}
	if req.BaselineService == "" || req.CandidateService == "" || req.MetricName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "baseline_service, candidate_service and metric_name are required", nil)
		return
	}
	result, err := q.compare(r.Context(), req)
	if err != nil {
		q.serverError(w, "compare", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (q *Querier) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (q *Querier) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := q.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "storage unreachable", nil)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
