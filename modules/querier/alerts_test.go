package querier

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/store"
)

type fakeAlertStore struct {
	baseline []float64
	current  float64
	upserted []model.Alert
}

func (f *fakeAlertStore) ListSeries(context.Context, time.Duration) ([]store.Series, error) {
	return []store.Series{{ServiceName: "api", MetricName: "request_duration"}}, nil
}

func (f *fakeAlertStore) MinuteMeans(_ context.Context, _, _ string, _, end time.Time) ([]store.MinuteBucket, error) {
	out := make([]store.MinuteBucket, 0, len(f.baseline)+1)
	start := end.Add(-time.Duration(len(f.baseline)+1) * time.Minute)
	for i, v := range f.baseline {
		out = append(out, store.MinuteBucket{Start: start.Add(time.Duration(i) * time.Minute), Mean: v})
	}
	out = append(out, store.MinuteBucket{Start: end.Add(-time.Minute), Mean: f.current})
	return out, nil
}

func (f *fakeAlertStore) UpsertAlert(_ context.Context, a model.Alert) error {
	f.upserted = append(f.upserted, a)
	return nil
}

func (f *fakeAlertStore) last(t *testing.T) model.Alert {
	t.Helper()
	require.NotEmpty(t, f.upserted)
	return f.upserted[len(f.upserted)-1]
}

func flatBaseline(value float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func testEngine(st *fakeAlertStore) (*alertEngine, *time.Time) {
	e := newAlertEngine(st, 7*24*time.Hour, 3, log.NewNopLogger())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, &now
}

func step(t *testing.T, e *alertEngine, now *time.Time) {
	t.Helper()
	*now = now.Add(time.Minute)
	require.NoError(t, e.evaluateAll(context.Background()))
}

func TestAlertFiresAfterConsecutiveBreaches(t *testing.T) {
	st := &fakeAlertStore{baseline: flatBaseline(100, 50), current: 150}
	e, now := testEngine(st)

	// first breach arms the series but does not fire
	step(t, e, now)
	assert.Empty(t, st.upserted)

	// second consecutive breach fires
	step(t, e, now)
	require.Len(t, st.upserted, 1)
	a := st.last(t)
	assert.Equal(t, model.StatusFiring, a.Status)
	assert.Equal(t, "api", a.ServiceName)
	assert.Equal(t, uint32(2), a.ThresholdBreachCount)
	assert.NotEmpty(t, a.AlertID)

	// flat baseline falls back to the ±20% band
	assert.InDelta(t, 80, a.ExpectedMin, 0.001)
	assert.InDelta(t, 120, a.ExpectedMax, 0.001)

	// 150 against a band of ±20 is far outside, |z| = 7.5
	assert.Equal(t, model.SeverityCritical, a.Severity)
	assert.Contains(t, a.Message, "abnormally high")
}

func TestAlertUpdatedInPlaceWhileFiring(t *testing.T) {
	st := &fakeAlertStore{baseline: flatBaseline(100, 50), current: 150}
	e, now := testEngine(st)

	step(t, e, now)
	step(t, e, now)
	firstID := st.last(t).AlertID
	firstTriggered := st.last(t).FirstTriggered

	step(t, e, now)
	a := st.last(t)
	assert.Equal(t, firstID, a.AlertID)
	assert.Equal(t, firstTriggered, a.FirstTriggered)
	assert.Equal(t, uint32(3), a.ThresholdBreachCount)
	assert.Greater(t, a.LastTriggered, firstTriggered)
}

func TestAlertResolvesAfterRecovery(t *testing.T) {
	st := &fakeAlertStore{baseline: flatBaseline(100, 50), current: 150}
	e, now := testEngine(st)

	step(t, e, now)
	step(t, e, now)
	firstID := st.last(t).AlertID

	// back in band: two OK evaluations are not enough
	st.current = 100
	step(t, e, now)
	step(t, e, now)
	assert.Equal(t, model.StatusFiring, st.last(t).Status)

	// third OK resolves
	step(t, e, now)
	a := st.last(t)
	assert.Equal(t, model.StatusResolved, a.Status)
	assert.Equal(t, firstID, a.AlertID)
	assert.NotZero(t, a.ResolvedAt)

	// a fresh breach episode gets a new alert id
	st.current = 150
	step(t, e, now)
	step(t, e, now)
	second := st.last(t)
	assert.Equal(t, model.StatusFiring, second.Status)
	assert.NotEqual(t, firstID, second.AlertID)
}

func TestAlertLowDirection(t *testing.T) {
	st := &fakeAlertStore{baseline: flatBaseline(100, 50), current: 40}
	e, now := testEngine(st)

	step(t, e, now)
	step(t, e, now)
	a := st.last(t)
	assert.Contains(t, a.Message, "abnormally low")
}

func TestAlertBreachStreakResetByRecovery(t *testing.T) {
	st := &fakeAlertStore{baseline: flatBaseline(100, 50), current: 150}
	e, now := testEngine(st)

	// breach, recover, breach: the streak restarts so nothing fires
	step(t, e, now)
	st.current = 100
	step(t, e, now)
	st.current = 150
	step(t, e, now)
	assert.Empty(t, st.upserted)

	step(t, e, now)
	assert.Len(t, st.upserted, 1)
}

func TestAlertSkipsThinBaseline(t *testing.T) {
	st := &fakeAlertStore{baseline: flatBaseline(100, 5), current: 10_000}
	e, now := testEngine(st)

	step(t, e, now)
	step(t, e, now)
	step(t, e, now)
	assert.Empty(t, st.upserted)
}

func TestAlertVariableBaselineUsesSigma(t *testing.T) {
	// alternating 90/110: μ=100, σ≈10, band ≈ 100±30
	baseline := make([]float64, 50)
	for i := range baseline {
		baseline[i] = 90 + float64(20*(i%2))
	}
	st := &fakeAlertStore{baseline: baseline, current: 125}
	e, now := testEngine(st)

	// 125 is inside μ±3σ, no breach
	step(t, e, now)
	step(t, e, now)
	assert.Empty(t, st.upserted)

	// |z| between 3 and 4 is info severity
	st.current = 135
	step(t, e, now)
	step(t, e, now)
	require.Len(t, st.upserted, 1)
	assert.Equal(t, model.SeverityInfo, st.last(t).Severity)
}
