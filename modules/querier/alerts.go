package querier

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/stats"
	"github.com/vantage-obs/vantage/pkg/store"
)

const (
	// consecutive evaluations outside the band before an alert fires
	fireAfterBreaches = 2
	// consecutive in-band evaluations before a firing alert resolves
	resolveAfterOK = 3
	// below this many baseline buckets the series is too thin to judge
	minBaselineBuckets = 10
)

// alertStore is the persistence slice the engine needs.
type alertStore interface {
	ListSeries(ctx context.Context, window time.Duration) ([]store.Series, error)
	MinuteMeans(ctx context.Context, service, metric string, start, end time.Time) ([]store.MinuteBucket, error)
	UpsertAlert(ctx context.Context, a model.Alert) error
}

type seriesState struct {
	consecBreaches int
	consecOK       int
	active         *model.Alert
}

// alertEngine keeps a rolling μ±kσ band per series and walks each series
// through the firing / resolved lifecycle.
type alertEngine struct {
	store          alertStore
	logger         log.Logger
	baselineWindow time.Duration
	k              float64

	states map[store.Series]*seriesState
	now    func() time.Time
}

func newAlertEngine(st alertStore, baselineWindow time.Duration, k float64, logger log.Logger) *alertEngine {
	return &alertEngine{
		store:          st,
		logger:         log.With(logger, "component", "alert-engine"),
		baselineWindow: baselineWindow,
		k:              k,
		states:         make(map[store.Series]*seriesState),
		now:            time.Now,
	}
}

func (e *alertEngine) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.evaluateAll(ctx); err != nil {
				level.Error(e.logger).Log("msg", "alert evaluation failed", "err", err)
			}
		}
	}
}

func (e *alertEngine) evaluateAll(ctx context.Context) error {
	series, err := e.store.ListSeries(ctx, 24*time.Hour)
	if err != nil {
		return err
	}
	now := e.now()
	for _, sr := range series {
		if err := e.evaluate(ctx, sr, now); err != nil {
			level.Warn(e.logger).Log("msg", "series evaluation failed",
				"service", sr.ServiceName, "metric", sr.MetricName, "err", err)
		}
	}

	// forget series that stopped reporting
	seen := make(map[store.Series]bool, len(series))
	for _, sr := range series {
		seen[sr] = true
	}
	for sr := range e.states {
		if !seen[sr] && e.states[sr].active == nil {
			delete(e.states, sr)
		}
	}
	return nil
}

func (e *alertEngine) evaluate(ctx context.Context, sr store.Series, now time.Time) error {
	buckets, err := e.store.MinuteMeans(ctx, sr.ServiceName, sr.MetricName, now.Add(-e.baselineWindow), now)
	if err != nil {
		return err
	}
	if len(buckets) < minBaselineBuckets {
		return nil
	}

	current := buckets[len(buckets)-1].Mean
	baseline := make([]float64, 0, len(buckets)-1)
	for _, b := range buckets[:len(buckets)-1] {
		baseline = append(baseline, b.Mean)
	}

	mu := stats.Mean(baseline)
	sigma := stats.Stddev(baseline)
	// a near-flat baseline falls back to a ±20% band around the mean
	if floor := 0.2 * math.Abs(mu) / e.k; sigma < floor {
		sigma = floor
	}
	expectedMin := mu - e.k*sigma
	expectedMax := mu + e.k*sigma

	st, ok := e.states[sr]
	if !ok {
		st = &seriesState{}
		e.states[sr] = st
	}

	if current >= expectedMin && current <= expectedMax {
		st.consecBreaches = 0
		st.consecOK++
		if st.active != nil && st.consecOK >= resolveAfterOK {
			st.active.Status = model.StatusResolved
			st.active.ResolvedAt = now.UnixMilli()
			if err := e.store.UpsertAlert(ctx, *st.active); err != nil {
				return err
			}
			level.Info(e.logger).Log("msg", "alert resolved", "alert_id", st.active.AlertID,
				"service", sr.ServiceName, "metric", sr.MetricName)
			st.active = nil
			st.consecOK = 0
		}
		return nil
	}

	st.consecOK = 0
	st.consecBreaches++
	if st.consecBreaches < fireAfterBreaches {
		return nil
	}

	z := 0.0
	if sigma > 0 {
		z = (current - mu) / sigma
	}
	severity := model.SeverityInfo
	switch {
	case math.Abs(z) >= 5:
		severity = model.SeverityCritical
	case math.Abs(z) >= 4:
		severity = model.SeverityWarning
	}

	direction := "high"
	if current < expectedMin {
		direction = "low"
	}
	message := fmt.Sprintf("%s for %s is abnormally %s: %.2f (expected %.2f to %.2f)",
		sr.MetricName, sr.ServiceName, direction, current, expectedMin, expectedMax)

	if st.active != nil {
		st.active.LastTriggered = now.UnixMilli()
		st.active.CurrentValue = current
		st.active.ExpectedMin = expectedMin
		st.active.ExpectedMax = expectedMax
		st.active.Severity = severity
		st.active.Message = message
		st.active.ThresholdBreachCount++
		return e.store.UpsertAlert(ctx, *st.active)
	}

	st.active = &model.Alert{
		AlertID:              uuid.NewString(),
		ServiceName:          sr.ServiceName,
		MetricName:           sr.MetricName,
		Severity:             severity,
		Status:               model.StatusFiring,
		Message:              message,
		CurrentValue:         current,
		ExpectedMin:          expectedMin,
		ExpectedMax:          expectedMax,
		ThresholdBreachCount: uint32(st.consecBreaches),
		FirstTriggered:       now.UnixMilli(),
		LastTriggered:        now.UnixMilli(),
	}
	level.Info(e.logger).Log("msg", "alert firing", "alert_id", st.active.AlertID,
		"service", sr.ServiceName, "metric", sr.MetricName, "severity", severity)
	return e.store.UpsertAlert(ctx, *st.active)
}
