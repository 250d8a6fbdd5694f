package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/vantage-obs/vantage/pkg/model"
)

// Store wraps a pooled native-protocol connection. All methods are safe for
// concurrent use; the pool bounds concurrency at cfg.MaxOpenConns.
type Store struct {
	cfg    Config
	conn   driver.Conn
	logger log.Logger
}

func New(cfg Config, logger log.Logger) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Address},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening clickhouse connection")
	}
	return &Store{cfg: cfg, conn: conn, logger: logger}, nil
}

// Ping verifies connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.conn.Ping(ctx))
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// InsertRows writes one batch of rows. The returned error wraps ErrRetryable
// or ErrFatal for the caller's retry/breaker logic.
func (s *Store) InsertRows(ctx context.Context, rows []model.Row) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.metrics", s.cfg.Database))
	if err != nil {
		return classify(err)
	}
	for _, r := range rows {
		aggregated := uint8(0)
		if r.Aggregated {
			aggregated = 1
		}
		tags := r.Tags
		if tags == nil {
			tags = map[string]string{}
		}
		err := batch.Append(
			r.ID,
			time.UnixMilli(r.Timestamp),
			r.ServiceName,
			r.MetricName,
			string(r.MetricType),
			r.Value,
			r.Endpoint,
			r.Method,
			uint16(r.StatusCode),
			r.DurationMs,
			tags,
			r.TraceID,
			r.SpanID,
			r.Environment,
			aggregated,
			r.ResolutionMinutes,
			r.MinValue,
			r.MaxValue,
			r.P50,
			r.P95,
			r.P99,
			r.SampleCount,
			r.ErrorCount,
		)
		if err != nil {
			return classify(err)
		}
	}
	return classify(batch.Send())
}
