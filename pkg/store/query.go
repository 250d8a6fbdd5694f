package store

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/vantage-obs/vantage/pkg/model"
)

// predicate accumulates WHERE terms from a fixed set of columns. User input
// only ever appears in the bind arguments, never in the statement text.
type predicate struct {
	terms []string
	args  []interface{}
}

func (p *predicate) add(term string, args ...interface{}) {
	p.terms = append(p.terms, term)
	p.args = append(p.args, args...)
}

func (p *predicate) clause() string {
	if len(p.terms) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.terms, " AND ")
}

// RangeParams select a window of one service's data.
type RangeParams struct {
	Service       string
	Metric        string // optional
	Start, End    time.Time
	BucketSeconds int64
}

// Bucket is one aggregate point of a time series.
type Bucket struct {
	BucketStart time.Time `json:"bucket_start"`
	Count       uint64    `json:"count"`
	Avg         float64   `json:"avg"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	P95         float64   `json:"p95"`
	ErrorCount  uint64    `json:"error_count"`
}

func (s *Store) rangePredicate(p RangeParams) *predicate {
	pred := &predicate{}
	pred.add("service_name = ?", p.Service)
	if p.Metric != "" {
		pred.add("metric_name = ?", p.Metric)
	}
	pred.add("timestamp >= ?", p.Start)
	pred.add("timestamp < ?", p.End)
	return pred
}

// QueryRange returns bucketed aggregates over the window, ordered by bucket
// start. BucketSeconds is validated by the caller and interpolated as an
// integer; everything user-supplied is bound.
func (s *Store) QueryRange(ctx context.Context, p RangeParams) ([]Bucket, error) {
	pred := s.rangePredicate(p)
	query := fmt.Sprintf(`SELECT
			toStartOfInterval(timestamp, INTERVAL %d SECOND) AS bucket_start,
			count() AS cnt,
			avg(value) AS avg_value,
			min(value) AS min_value,
			max(value) AS max_value,
			quantile(0.95)(duration_ms) AS p95,
			countIf(status_code >= 500) AS error_count
		FROM %s.metrics%s
		GROUP BY bucket_start
		ORDER BY bucket_start`, p.BucketSeconds, s.cfg.Database, pred.clause())

	rows, err := s.conn.Query(ctx, query, pred.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.BucketStart, &b.Count, &b.Avg, &b.Min, &b.Max, &b.P95, &b.ErrorCount); err != nil {
			return nil, classify(err)
		}
		out = append(out, b)
	}
	return out, classify(rows.Err())
}

// QueryAggregate returns one aggregate object across the whole window.
func (s *Store) QueryAggregate(ctx context.Context, p RangeParams) (Bucket, error) {
	pred := s.rangePredicate(p)
	query := fmt.Sprintf(`SELECT
			count() AS cnt,
			avg(value) AS avg_value,
			min(value) AS min_value,
			max(value) AS max_value,
			quantile(0.95)(duration_ms) AS p95,
			countIf(status_code >= 500) AS error_count
		FROM %s.metrics%s`, s.cfg.Database, pred.clause())

	var b Bucket
	b.BucketStart = p.Start
	row := s.conn.QueryRow(ctx, query, pred.args...)
	if err := row.Scan(&b.Count, &b.Avg, &b.Min, &b.Max, &b.P95, &b.ErrorCount); err != nil {
		return Bucket{}, classify(err)
	}
	return b, nil
}

// ListServices returns the service names seen within the window, sorted.
func (s *Store) ListServices(ctx context.Context, window time.Duration) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT service_name
		FROM %s.metrics
		WHERE timestamp >= ?
		ORDER BY service_name`, s.cfg.Database)

	rows, err := s.conn.Query(ctx, query, time.Now().Add(-window))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify(err)
		}
		out = append(out, name)
	}
	return out, classify(rows.Err())
}

// Series identifies one (service, metric) pair.
type Series struct {
	ServiceName string
	MetricName  string
}

// ListSeries returns the distinct (service, metric) pairs seen within the
// window, sorted.
func (s *Store) ListSeries(ctx context.Context, window time.Duration) ([]Series, error) {
	query := fmt.Sprintf(`SELECT DISTINCT service_name, metric_name
		FROM %s.metrics
		WHERE timestamp >= ?
		ORDER BY service_name, metric_name`, s.cfg.Database)

	rows, err := s.conn.Query(ctx, query, time.Now().Add(-window))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Series
	for rows.Next() {
		var sr Series
		if err := rows.Scan(&sr.ServiceName, &sr.MetricName); err != nil {
			return nil, classify(err)
		}
		out = append(out, sr)
	}
	return out, classify(rows.Err())
}

// ServiceStats are the per-service aggregates feeding health scoring.
type ServiceStats struct {
	ServiceName  string
	RequestCount uint64
	ErrorCount   uint64
	P95Duration  float64 // milliseconds
}

// ServiceWindowStats aggregates every service over the trailing window.
func (s *Store) ServiceWindowStats(ctx context.Context, window time.Duration) ([]ServiceStats, error) {
	query := fmt.Sprintf(`SELECT
			service_name,
			count() AS request_count,
			countIf(status_code >= 500) AS error_count,
			quantile(0.95)(duration_ms) AS p95
		FROM %s.metrics
		WHERE timestamp >= ?
		GROUP BY service_name
		ORDER BY service_name`, s.cfg.Database)

	rows, err := s.conn.Query(ctx, query, time.Now().Add(-window))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []ServiceStats
	for rows.Next() {
		var st ServiceStats
		if err := rows.Scan(&st.ServiceName, &st.RequestCount, &st.ErrorCount, &st.P95Duration); err != nil {
			return nil, classify(err)
		}
		out = append(out, st)
	}
	return out, classify(rows.Err())
}

// MinuteBucket is one per-minute mean, the unit of baseline and comparison
// statistics.
type MinuteBucket struct {
	Start time.Time
	Mean  float64
}

// MinuteMeans returns per-minute bucket means for one (service, metric)
// series over [start, end).
func (s *Store) MinuteMeans(ctx context.Context, service, metric string, start, end time.Time) ([]MinuteBucket, error) {
	query := fmt.Sprintf(`SELECT
			toStartOfMinute(timestamp) AS minute,
			avg(value) AS mean
		FROM %s.metrics
		WHERE service_name = ? AND metric_name = ? AND timestamp >= ? AND timestamp < ?
		GROUP BY minute
		ORDER BY minute`, s.cfg.Database)

	rows, err := s.conn.Query(ctx, query, service, metric, start, end)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []MinuteBucket
	for rows.Next() {
		var b MinuteBucket
		if err := rows.Scan(&b.Start, &b.Mean); err != nil {
			return nil, classify(err)
		}
		out = append(out, b)
	}
	return out, classify(rows.Err())
}

// SeriesSummary are the descriptive statistics of one series over a window,
// used by the comparison endpoint.
type SeriesSummary struct {
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count uint64  `json:"count"`
}

func (s *Store) SeriesSummary(ctx context.Context, service, metric string, start, end time.Time) (SeriesSummary, error) {
	query := fmt.Sprintf(`SELECT
			avg(value) AS mean,
			quantile(0.5)(value) AS p50,
			quantile(0.95)(value) AS p95,
			quantile(0.99)(value) AS p99,
			count() AS cnt
		FROM %s.metrics
		WHERE service_name = ? AND metric_name = ? AND timestamp >= ? AND timestamp < ?`, s.cfg.Database)

	var sum SeriesSummary
	row := s.conn.QueryRow(ctx, query, service, metric, start, end)
	if err := row.Scan(&sum.Mean, &sum.P50, &sum.P95, &sum.P99, &sum.Count); err != nil {
		return SeriesSummary{}, classify(err)
	}
	return sum, nil
}

// TailRows returns up to limit raw rows with id > afterID, optionally
// filtered to one service, in id order. Ids pack the publish timestamp, so
// id order is time order.
func (s *Store) TailRows(ctx context.Context, service string, afterID uint64, limit int) ([]model.Row, error) {
	pred := &predicate{}
	pred.add("id > ?", afterID)
	if service != "" {
		pred.add("service_name = ?", service)
	}
	query := fmt.Sprintf(`SELECT
			id, timestamp, service_name, metric_name, metric_type, value,
			endpoint, method, status_code, duration_ms, environment
		FROM %s.metrics%s
		ORDER BY id
		LIMIT %d`, s.cfg.Database, pred.clause(), limit)

	rows, err := s.conn.Query(ctx, query, pred.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.Row
	for rows.Next() {
		var (
			r          model.Row
			ts         time.Time
			metricType string
			statusCode uint16
		)
		if err := rows.Scan(&r.ID, &ts, &r.ServiceName, &r.MetricName, &metricType, &r.Value,
			&r.Endpoint, &r.Method, &statusCode, &r.DurationMs, &r.Environment); err != nil {
			return nil, classify(err)
		}
		r.Timestamp = ts.UnixMilli()
		r.MetricType = model.MetricType(metricType)
		r.StatusCode = int(statusCode)
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

// RunQuery executes a statement produced by the restricted query language
// and returns column names plus generically-typed rows.
func (s *Store) RunQuery(ctx context.Context, query string, args []interface{}) ([]string, [][]interface{}, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer rows.Close()

	cols := rows.Columns()
	types := rows.ColumnTypes()
	var out [][]interface{}
	for rows.Next() {
		dest := make([]interface{}, len(types))
		for i, ct := range types {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, classify(err)
		}
		vals := make([]interface{}, len(dest))
		for i, d := range dest {
			vals[i] = reflect.ValueOf(d).Elem().Interface()
		}
		out = append(out, vals)
	}
	return cols, out, classify(rows.Err())
}
