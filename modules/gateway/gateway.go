// Package gateway is the ingest edge: it validates incoming metric batches,
// applies per-identity admission control, optionally pre-aggregates endpoint
// samples into one-minute buckets, and publishes rows to the bus.
package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/vantage-obs/vantage/pkg/bus"
	"github.com/vantage-obs/vantage/pkg/model"
)

// publisher is the slice of the bus writer the gateway needs.
type publisher interface {
	Publish(ctx context.Context, topic, key string, payloads ...[]byte) error
	Ping(ctx context.Context) error
}

// ingestStats backs the /v1/stats snapshot.
type ingestStats struct {
	receivedBatches  atomic.Uint64
	receivedSamples  atomic.Uint64
	rejectedBatches  atomic.Uint64
	rejectedSamples  atomic.Uint64
	rateLimited      atomic.Uint64
	publishedRows    atomic.Uint64
	publishFailures  atomic.Uint64
}

type Gateway struct {
	services.Service

	cfg     Config
	logger  log.Logger
	pub     publisher
	limiter *limiterPool
	agg     *aggregator
	ids     *model.IDGenerator
	stats   ingestStats
	metrics *gatewayMetrics

	server   *http.Server
	listener net.Listener
}

func New(cfg Config, pub publisher, logger log.Logger, reg prometheus.Registerer) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		logger:  log.With(logger, "component", "gateway"),
		pub:     pub,
		limiter: newLimiterPool(cfg.RateLimitRPM),
		ids:     model.NewIDGenerator(),
		metrics: newGatewayMetrics(reg),
	}
	if cfg.PreaggEnabled {
		g.agg = newAggregator(cfg.PreaggMaxKeys)
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/metrics", g.handleIngest).Methods(http.MethodPost)
	router.HandleFunc("/v1/stats", g.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/healthz", g.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/live", g.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", g.handleReadyz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	g.server = &http.Server{
		Handler:      g.deadlineMiddleware(router),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	g.Service = services.NewBasicService(g.starting, g.running, g.stopping)
	return g, nil
}

func (g *Gateway) starting(_ context.Context) error {
	listener, err := net.Listen("tcp", g.cfg.ListenAddress)
	if err != nil {
		return errors.Wrap(err, "binding ingest listener")
	}
	g.listener = listener
	level.Info(g.logger).Log("msg", "ingest API listening", "addr", listener.Addr().String())
	return nil
}

func (g *Gateway) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := g.server.Serve(g.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	flushTicker := time.NewTicker(g.cfg.PreaggWindow)
	defer flushTicker.Stop()
	gcTicker := time.NewTicker(time.Minute)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-flushTicker.C:
			g.flushAggregates(ctx)
		case <-gcTicker.C:
			g.limiter.gc()
			g.metrics.limiterIdentities.Set(float64(g.limiter.size()))
		}
	}
}

func (g *Gateway) stopping(_ error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.server.Shutdown(shutdownCtx); err != nil {
		level.Warn(g.logger).Log("msg", "http shutdown", "err", err)
	}
	// publish what the aggregator still holds so a clean restart loses nothing
	g.flushAggregates(shutdownCtx)
	return nil
}

// flushAggregates drains the pre-aggregation buffer and publishes one row
// per key, grouped by service so partition ordering holds.
func (g *Gateway) flushAggregates(ctx context.Context) {
	if g.agg == nil {
		return
	}
	accs := g.agg.drain()
	if len(accs) == 0 {
		return
	}

	byService := make(map[string][][]byte)
	for _, acc := range accs {
		row := acc.row(g.ids.Next(), g.cfg.DefaultEnv)
		payload, err := marshalRow(row)
		if err != nil {
			level.Error(g.logger).Log("msg", "marshaling aggregate row", "err", err)
			continue
		}
		byService[row.ServiceName] = append(byService[row.ServiceName], payload)
	}
	for service, payloads := range byService {
		if err := g.publish(ctx, service, payloads); err != nil {
			g.stats.publishFailures.Inc()
			g.metrics.publishErrors.Inc()
			level.Error(g.logger).Log("msg", "publishing aggregate rows", "service", service, "rows", len(payloads), "err", err)
		}
	}
}

// publish sends payloads with bounded retries on retryable bus errors.
func (g *Gateway) publish(ctx context.Context, service string, payloads [][]byte) error {
	start := time.Now()
	defer func() {
		g.metrics.publishLatency.Observe(time.Since(start).Seconds())
	}()

	b := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: 3,
	})
	var err error
	for b.Ongoing() {
		err = g.pub.Publish(ctx, "", service, payloads...)
		if err == nil {
			g.stats.publishedRows.Add(uint64(len(payloads)))
			g.metrics.rowsPublished.Add(float64(len(payloads)))
			return nil
		}
		if !errors.Is(err, bus.ErrRetryable) {
			return err
		}
		b.Wait()
	}
	if err == nil {
		err = b.Err()
	}
	return err
}

func (g *Gateway) deadlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
		defer cancel()
		g.metrics.inflightRequests.Inc()
		defer g.metrics.inflightRequests.Dec()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
