// Package worker drains the bus into columnar storage. The consume loop
// batches records, writes through a circuit breaker, and commits offsets
// only after storage acknowledges — at-least-once end to end, with the bus
// holding the buffer whenever storage is down.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/atomic"

	"github.com/vantage-obs/vantage/pkg/bus"
	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/store"
)

// consumer is the slice of the bus reader the worker needs.
type consumer interface {
	Poll(ctx context.Context, maxRecords int) ([]bus.Record, error)
	Commit(ctx context.Context, records []bus.Record) error
	Lag(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// deadLetterer publishes poison records for offline inspection.
type deadLetterer interface {
	Publish(ctx context.Context, topic, key string, payloads ...[]byte) error
}

// storage is the slice of the store the worker needs.
type storage interface {
	InsertRows(ctx context.Context, rows []model.Row) error
	RollupHourly(ctx context.Context, start, end time.Time) error
	RollupDaily(ctx context.Context, start, end time.Time) error
	Ping(ctx context.Context) error
}

type Worker struct {
	services.Service

	cfg      Config
	logger   log.Logger
	consumer consumer
	store    storage
	dlq      deadLetterer
	dlqTopic string
	breaker  *gobreaker.CircuitBreaker
	metrics  *workerMetrics

	targetSize atomic.Int64

	// batch under construction
	pending     []bus.Record
	pendingRows []model.Row
	batchStart  time.Time
}

func New(cfg Config, consumer consumer, storage storage, dlq deadLetterer, dlqTopic string, logger log.Logger, reg prometheus.Registerer) (*Worker, error) {
	w := &Worker{
		cfg:      cfg,
		logger:   log.With(logger, "component", "worker"),
		consumer: consumer,
		store:    storage,
		dlq:      dlq,
		dlqTopic: dlqTopic,
		metrics:  newWorkerMetrics(reg),
	}
	w.targetSize.Store(int64(cfg.BaseBatchSize))

	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "storage-insert",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerThreshold)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			level.Warn(w.logger).Log("msg", "circuit breaker state change", "from", from.String(), "to", to.String())
			w.metrics.breakerState.Set(breakerStateValue(to))
		},
	})

	w.Service = services.NewBasicService(w.starting, w.running, w.stopping)
	return w, nil
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func (w *Worker) starting(ctx context.Context) error {
	// fail fast when storage is unreachable at boot
	return errors.Wrap(w.store.Ping(ctx), "storage unreachable")
}

func (w *Worker) running(ctx context.Context) error {
	go w.lagLoop(ctx)
	go w.rollupLoop(ctx)

	for ctx.Err() == nil {
		// While the breaker is open, stop consuming: the bus retains the
		// backlog and nothing is dropped.
		if w.breaker.State() == gobreaker.StateOpen {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		target := int(w.targetSize.Load())
		w.metrics.targetBatchSize.Set(float64(target))

		want := target - len(w.pending)
		if want > 0 {
			recs, err := w.consumer.Poll(ctx, want)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				level.Error(w.logger).Log("msg", "poll failed", "err", err)
				continue
			}
			w.append(ctx, recs)
		}

		if len(w.pending) >= target || (len(w.pending) > 0 && time.Since(w.batchStart) >= w.cfg.MaxFlushInterval) {
			w.flush(ctx)
		}
	}
	return nil
}

func (w *Worker) stopping(_ error) error {
	// drain what is already in memory; anything uncommitted redelivers
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()
	if len(w.pending) > 0 {
		w.flush(ctx)
	}
	return nil
}

// append decodes records into the pending batch. Undecodable records go to
// the dead-letter topic immediately but stay in pending so their offsets
// commit with the batch.
func (w *Worker) append(ctx context.Context, recs []bus.Record) {
	if len(recs) == 0 {
		return
	}
	if len(w.pending) == 0 {
		w.batchStart = time.Now()
	}
	w.metrics.recordsConsumed.Add(float64(len(recs)))
	for _, rec := range recs {
		w.pending = append(w.pending, rec)
		var row model.Row
		if err := json.Unmarshal(rec.Value, &row); err != nil {
			level.Error(w.logger).Log("msg", "undecodable record, dead-lettering", "partition", rec.Partition, "offset", rec.Offset, "err", err)
			w.deadLetter(ctx, string(rec.Key), rec.Value)
			continue
		}
		w.pendingRows = append(w.pendingRows, row)
	}
}

// flush writes the pending rows through the breaker and commits on success.
// A fatal insert dead-letters the batch and still commits; only exhausted
// retryable failures count toward the breaker.
func (w *Worker) flush(ctx context.Context) {
	rows := w.pendingRows
	start := time.Now()

	_, err := w.breaker.Execute(func() (interface{}, error) {
		insertErr := w.insertWithRetry(ctx, rows)
		if insertErr == nil {
			return nil, nil
		}
		if errors.Is(insertErr, store.ErrFatal) {
			// poison batch: will fail identically on every replay
			level.Error(w.logger).Log("msg", "fatal insert, dead-lettering batch", "rows", len(rows), "err", insertErr)
			for _, rec := range w.pending {
				w.deadLetter(ctx, string(rec.Key), rec.Value)
			}
			return nil, nil
		}
		return nil, insertErr
	})
	if err != nil {
		// breaker open or retryable exhaustion: keep the batch, it flushes
		// after recovery
		w.metrics.insertFailures.Inc()
		if !errors.Is(err, gobreaker.ErrOpenState) {
			level.Error(w.logger).Log("msg", "flush failed", "rows", len(rows), "err", err)
		}
		return
	}

	if commitErr := w.consumer.Commit(ctx, w.pending); commitErr != nil {
		// records redeliver and dedupe in storage by row id
		level.Error(w.logger).Log("msg", "offset commit failed", "err", commitErr)
	}
	w.metrics.batchesFlushed.Inc()
	w.metrics.rowsInserted.Add(float64(len(rows)))
	w.metrics.flushLatency.Observe(time.Since(start).Seconds())
	w.pending = nil
	w.pendingRows = nil
}

// insertWithRetry retries retryable insert failures in place with 2s/4s/8s
// backoff before giving up.
func (w *Worker) insertWithRetry(ctx context.Context, rows []model.Row) error {
	b := backoff.New(ctx, backoff.Config{
		MinBackoff: 2 * time.Second,
		MaxBackoff: 8 * time.Second,
		MaxRetries: 3,
	})
	var err error
	for {
		err = w.store.InsertRows(ctx, rows)
		if err == nil || !errors.Is(err, store.ErrRetryable) {
			return err
		}
		if !b.Ongoing() {
			return err
		}
		level.Warn(w.logger).Log("msg", "retryable insert failure, backing off", "attempt", b.NumRetries()+1, "err", err)
		b.Wait()
	}
}

func (w *Worker) deadLetter(ctx context.Context, key string, payload []byte) {
	w.metrics.deadLetters.Inc()
	if w.dlq == nil {
		return
	}
	if err := w.dlq.Publish(ctx, w.dlqTopic, key, payload); err != nil {
		level.Error(w.logger).Log("msg", "dead-letter publish failed", "err", err)
	}
}

func (w *Worker) lagLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.LagPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := w.consumer.Lag(ctx)
			if err != nil {
				level.Warn(w.logger).Log("msg", "lag poll failed", "err", err)
				continue
			}
			w.metrics.consumerLag.Set(float64(lag))
			w.targetSize.Store(int64(targetBatchSize(w.cfg.BaseBatchSize, w.cfg.MinBatchSize, w.cfg.MaxBatchSize, lag)))
		}
	}
}

// rollupLoop materializes hourly aggregates from raw rows and daily ones
// from hourly, re-covering the previous window each tick so late data lands.
func (w *Worker) rollupLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RollupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			hourEnd := now.Truncate(time.Hour)
			if err := w.store.RollupHourly(ctx, hourEnd.Add(-2*time.Hour), hourEnd); err != nil {
				level.Error(w.logger).Log("msg", "hourly rollup failed", "err", err)
			}
			dayEnd := now.Truncate(24 * time.Hour)
			if err := w.store.RollupDaily(ctx, dayEnd.Add(-48*time.Hour), dayEnd); err != nil {
				level.Error(w.logger).Log("msg", "daily rollup failed", "err", err)
			}
		}
	}
}
