package store

import (
	"context"
	"fmt"
	"time"

	"github.com/vantage-obs/vantage/pkg/model"
)

// UpsertAlert writes the current version of an alert. The alerts table is a
// ReplacingMergeTree versioned by updated_at, so writing a newer version is
// the update; reads go through FINAL.
func (s *Store) UpsertAlert(ctx context.Context, a model.Alert) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.alerts", s.cfg.Database))
	if err != nil {
		return classify(err)
	}
	var resolvedAt *time.Time
	if a.ResolvedAt != 0 {
		t := time.UnixMilli(a.ResolvedAt)
		resolvedAt = &t
	}
	err = batch.Append(
		a.AlertID,
		a.ServiceName,
		a.MetricName,
		string(a.Severity),
		string(a.Status),
		a.Message,
		a.CurrentValue,
		a.ExpectedMin,
		a.ExpectedMax,
		a.ThresholdBreachCount,
		time.UnixMilli(a.FirstTriggered),
		time.UnixMilli(a.LastTriggered),
		resolvedAt,
		time.Now(),
	)
	if err != nil {
		return classify(err)
	}
	return classify(batch.Send())
}

// ListAlerts returns up to limit alert records, newest first.
func (s *Store) ListAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	query := fmt.Sprintf(`SELECT
			alert_id, service_name, metric_name, severity, status, message,
			current_value, expected_min, expected_max, threshold_breach_count,
			first_triggered, last_triggered, resolved_at
		FROM %s.alerts FINAL
		ORDER BY last_triggered DESC
		LIMIT %d`, s.cfg.Database, limit)
	return s.scanAlerts(ctx, query)
}

// ActiveAlerts returns every alert currently firing, newest first.
func (s *Store) ActiveAlerts(ctx context.Context) ([]model.Alert, error) {
	query := fmt.Sprintf(`SELECT
			alert_id, service_name, metric_name, severity, status, message,
			current_value, expected_min, expected_max, threshold_breach_count,
			first_triggered, last_triggered, resolved_at
		FROM %s.alerts FINAL
		WHERE status = 'firing'
		ORDER BY last_triggered DESC`, s.cfg.Database)
	return s.scanAlerts(ctx, query)
}

func (s *Store) scanAlerts(ctx context.Context, query string, args ...interface{}) ([]model.Alert, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var (
			a                model.Alert
			severity, status string
			first, last      time.Time
			resolved         *time.Time
		)
		if err := rows.Scan(&a.AlertID, &a.ServiceName, &a.MetricName, &severity, &status, &a.Message,
			&a.CurrentValue, &a.ExpectedMin, &a.ExpectedMax, &a.ThresholdBreachCount,
			&first, &last, &resolved); err != nil {
			return nil, classify(err)
		}
		a.Severity = model.Severity(severity)
		a.Status = model.AlertStatus(status)
		a.FirstTriggered = first.UnixMilli()
		a.LastTriggered = last.UnixMilli()
		if resolved != nil {
			a.ResolvedAt = resolved.UnixMilli()
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}
