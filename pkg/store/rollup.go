package store

import (
	"context"
	"fmt"
	"time"
)

// RollupHourly materializes hourly aggregates from raw rows for buckets
// inside [start, end). Re-running a window is safe: the rollup table is a
// ReplacingMergeTree keyed by the bucket, so recomputed rows replace the
// old ones.
func (s *Store) RollupHourly(ctx context.Context, start, end time.Time) error {
	query := fmt.Sprintf(`INSERT INTO %s.metrics_hourly
		SELECT
			toStartOfHour(timestamp) AS bucket_start,
			service_name,
			metric_name,
			endpoint,
			method,
			avg(value) AS avg_value,
			min(value) AS min_value,
			max(value) AS max_value,
			quantile(0.5)(value) AS p50,
			quantile(0.95)(value) AS p95,
			quantile(0.99)(value) AS p99,
			count() AS sample_count,
			countIf(status_code >= 500) AS error_count
		FROM %s.metrics
		WHERE timestamp >= ? AND timestamp < ? AND aggregated = 0
		GROUP BY bucket_start, service_name, metric_name, endpoint, method`,
		s.cfg.Database, s.cfg.Database)
	return classify(s.conn.Exec(ctx, query, start, end))
}

// RollupDaily materializes daily aggregates from the hourly table. Quantiles
// of quantiles are approximate; averages are weighted by sample_count.
func (s *Store) RollupDaily(ctx context.Context, start, end time.Time) error {
	query := fmt.Sprintf(`INSERT INTO %s.metrics_daily
		SELECT
			toStartOfDay(bucket_start) AS day_start,
			service_name,
			metric_name,
			endpoint,
			method,
			sum(avg_value * sample_count) / sum(sample_count) AS avg_value,
			min(min_value) AS min_value,
			max(max_value) AS max_value,
			avg(p50) AS p50,
			max(p95) AS p95,
			max(p99) AS p99,
			sum(sample_count) AS sample_count,
			sum(error_count) AS error_count
		FROM %s.metrics_hourly
		WHERE bucket_start >= ? AND bucket_start < ?
		GROUP BY day_start, service_name, metric_name, endpoint, method
		HAVING sum(sample_count) > 0`,
		s.cfg.Database, s.cfg.Database)
	return classify(s.conn.Exec(ctx, query, start, end))
}
