package store

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"
)

// EnsureSchema creates the database and tables if they do not exist. Raw
// rows live in a ReplacingMergeTree keyed by id so redelivered bus records
// dedupe at merge time; rollups and alerts get their own tables with longer
// retention.
func (s *Store) EnsureSchema(ctx context.Context) error {
	// the pooled connection authenticates against cfg.Database, which does
	// not exist yet on a fresh server; create it over a default-database
	// connection first
	if err := s.ensureDatabase(ctx); err != nil {
		return errors.Wrap(err, "ensuring database")
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.metrics (
			id                 UInt64,
			timestamp          DateTime64(3),
			service_name       LowCardinality(String),
			metric_name        LowCardinality(String),
			metric_type        LowCardinality(String),
			value              Float64,
			endpoint           String,
			method             LowCardinality(String),
			status_code        UInt16,
			duration_ms        Float64,
			tags               Map(String, String),
			trace_id           String,
			span_id            String,
			environment        LowCardinality(String),
			aggregated         UInt8,
			resolution_minutes UInt32,
			min_value          Nullable(Float64),
			max_value          Nullable(Float64),
			p50                Nullable(Float64),
			p95                Nullable(Float64),
			p99                Nullable(Float64),
			sample_count       Nullable(UInt64),
			error_count        Nullable(UInt64)
		)
		ENGINE = ReplacingMergeTree
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (service_name, metric_name, timestamp, id)
		TTL toDateTime(timestamp) + INTERVAL %d DAY`, s.cfg.Database, s.cfg.RetentionRawDays),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.metrics_hourly (
			bucket_start DateTime,
			service_name LowCardinality(String),
			metric_name  LowCardinality(String),
			endpoint     String,
			method       LowCardinality(String),
			avg_value    Float64,
			min_value    Float64,
			max_value    Float64,
			p50          Float64,
			p95          Float64,
			p99          Float64,
			sample_count UInt64,
			error_count  UInt64
		)
		ENGINE = ReplacingMergeTree
		PARTITION BY toYYYYMM(bucket_start)
		ORDER BY (service_name, metric_name, endpoint, method, bucket_start)
		TTL bucket_start + INTERVAL %d DAY`, s.cfg.Database, s.cfg.RetentionHourlyDays),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.metrics_daily (
			bucket_start DateTime,
			service_name LowCardinality(String),
			metric_name  LowCardinality(String),
			endpoint     String,
			method       LowCardinality(String),
			avg_value    Float64,
			min_value    Float64,
			max_value    Float64,
			p50          Float64,
			p95          Float64,
			p99          Float64,
			sample_count UInt64,
			error_count  UInt64
		)
		ENGINE = ReplacingMergeTree
		PARTITION BY toYear(bucket_start)
		ORDER BY (service_name, metric_name, endpoint, method, bucket_start)
		TTL bucket_start + INTERVAL %d DAY`, s.cfg.Database, s.cfg.RetentionDailyDays),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.alerts (
			alert_id               String,
			service_name           LowCardinality(String),
			metric_name            LowCardinality(String),
			severity               LowCardinality(String),
			status                 LowCardinality(String),
			message                String,
			current_value          Float64,
			expected_min           Float64,
			expected_max           Float64,
			threshold_breach_count UInt32,
			first_triggered        DateTime64(3),
			last_triggered         DateTime64(3),
			resolved_at            Nullable(DateTime64(3)),
			updated_at             DateTime64(3)
		)
		ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY alert_id
		TTL toDateTime(updated_at) + INTERVAL %d DAY`, s.cfg.Database, s.cfg.RetentionHourlyDays),
	}

	for _, stmt := range stmts {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return errors.Wrap(classify(err), "ensuring schema")
		}
	}
	return nil
}

func (s *Store) ensureDatabase(ctx context.Context) error {
	boot, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{s.cfg.Address},
		Auth: clickhouse.Auth{
			Username: s.cfg.Username,
			Password: s.cfg.Password,
		},
		DialTimeout: s.cfg.DialTimeout,
	})
	if err != nil {
		return classify(err)
	}
	defer boot.Close()
	return classify(boot.Exec(ctx, fmt.Sprintf(`CREATE DATABASE IF NOT EXISTS %s`, s.cfg.Database)))
}
