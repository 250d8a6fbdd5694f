// Package querier serves the read side: range and aggregate queries, the
// restricted query language, live streaming, health scores, adaptive
// alerting, and cohort comparison.
package querier

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/store"
)

// storeAPI is the slice of the store the querier needs; tests fake it.
type storeAPI interface {
	QueryRange(ctx context.Context, p store.RangeParams) ([]store.Bucket, error)
	QueryAggregate(ctx context.Context, p store.RangeParams) (store.Bucket, error)
	ListServices(ctx context.Context, window time.Duration) ([]string, error)
	ListSeries(ctx context.Context, window time.Duration) ([]store.Series, error)
	ServiceWindowStats(ctx context.Context, window time.Duration) ([]store.ServiceStats, error)
	MinuteMeans(ctx context.Context, service, metric string, start, end time.Time) ([]store.MinuteBucket, error)
	SeriesSummary(ctx context.Context, service, metric string, start, end time.Time) (store.SeriesSummary, error)
	TailRows(ctx context.Context, service string, afterID uint64, limit int) ([]model.Row, error)
	RunQuery(ctx context.Context, query string, args []interface{}) ([]string, [][]interface{}, error)
	UpsertAlert(ctx context.Context, a model.Alert) error
	ListAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	ActiveAlerts(ctx context.Context) ([]model.Alert, error)
	Ping(ctx context.Context) error
}

type querierMetrics struct {
	queries     *prometheus.CounterVec
	queryErrors *prometheus.CounterVec
	liveConns   prometheus.Gauge
}

func newQuerierMetrics(reg prometheus.Registerer) *querierMetrics {
	return &querierMetrics{
		queries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vantage",
			Subsystem: "querier",
			Name:      "requests_total",
			Help:      "Query API requests by route.",
		}, []string{"route"}),
		queryErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vantage",
			Subsystem: "querier",
			Name:      "request_errors_total",
			Help:      "Query API errors by route.",
		}, []string{"route"}),
		liveConns: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "vantage",
			Subsystem: "querier",
			Name:      "live_connections",
			Help:      "Open live streaming connections.",
		}),
	}
}

type Querier struct {
	services.Service

	cfg     Config
	logger  log.Logger
	store   storeAPI
	alerts  *alertEngine
	metrics *querierMetrics

	server   *http.Server
	listener net.Listener
}

func New(cfg Config, st storeAPI, logger log.Logger, reg prometheus.Registerer) (*Querier, error) {
	q := &Querier{
		cfg:     cfg,
		logger:  log.With(logger, "component", "querier"),
		store:   st,
		metrics: newQuerierMetrics(reg),
	}
	if cfg.AlertsEnabled {
		q.alerts = newAlertEngine(st, cfg.BaselineWindow, cfg.SigmaK, q.logger)
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/metrics/timeseries", q.instrument("timeseries", q.handleTimeseries)).Methods(http.MethodGet)
	router.HandleFunc("/api/metrics/aggregated", q.instrument("aggregated", q.handleAggregated)).Methods(http.MethodGet)
	router.HandleFunc("/api/services", q.instrument("services", q.handleServices)).Methods(http.MethodGet)
	router.HandleFunc("/health/scores", q.instrument("health_scores", q.handleHealthScores)).Methods(http.MethodGet)
	router.HandleFunc("/alerts", q.instrument("alerts", q.handleAlerts)).Methods(http.MethodGet)
	router.HandleFunc("/alerts/active", q.instrument("alerts_active", q.handleActiveAlerts)).Methods(http.MethodGet)
	router.HandleFunc("/vql/execute", q.instrument("vql", q.handleVQL)).Methods(http.MethodPost)
	router.HandleFunc("/compare/services", q.instrument("compare", q.handleCompare)).Methods(http.MethodPost)
	router.HandleFunc("/ws/metrics", q.handleLiveInstrumented).Methods(http.MethodGet)
	router.HandleFunc("/healthz", q.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", q.handleReadyz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	q.server = &http.Server{
		Handler:     router,
		ReadTimeout: cfg.RequestTimeout,
		// live connections outlive the request timeout; write deadlines are
		// managed per message on the websocket
	}

	q.Service = services.NewBasicService(q.starting, q.running, q.stopping)
	return q, nil
}

// instrument wraps a handler with counters and the request deadline.
func (q *Querier) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q.metrics.queries.WithLabelValues(route).Inc()
		ctx, cancel := context.WithTimeout(r.Context(), q.cfg.RequestTimeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

func (q *Querier) handleLiveInstrumented(w http.ResponseWriter, r *http.Request) {
	q.metrics.liveConns.Inc()
	defer q.metrics.liveConns.Dec()
	q.handleLive(w, r)
}

func (q *Querier) starting(_ context.Context) error {
	listener, err := net.Listen("tcp", q.cfg.ListenAddress)
	if err != nil {
		return errors.Wrap(err, "binding query listener")
	}
	q.listener = listener
	level.Info(q.logger).Log("msg", "query API listening", "addr", listener.Addr().String())
	return nil
}

func (q *Querier) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := q.server.Serve(q.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if q.alerts != nil {
		go q.alerts.run(ctx, q.cfg.AlertEvalInterval)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (q *Querier) stopping(_ error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.server.Shutdown(shutdownCtx)
}
