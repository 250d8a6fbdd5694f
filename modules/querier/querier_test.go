package querier

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/store"
)

type fakeStore struct {
	buckets   []store.Bucket
	aggregate store.Bucket
	services  []string
	series    []store.Series
	svcStats  []store.ServiceStats
	summaries map[string]store.SeriesSummary
	minutes   map[string][]store.MinuteBucket
	tail      []model.Row
	columns   []string
	rows      [][]interface{}
	alerts    []model.Alert
	upserted  []model.Alert
	pingErr   error

	lastQuery string
	lastArgs  []interface{}
}

func (f *fakeStore) QueryRange(context.Context, store.RangeParams) ([]store.Bucket, error) {
	return f.buckets, nil
}

func (f *fakeStore) QueryAggregate(context.Context, store.RangeParams) (store.Bucket, error) {
	return f.aggregate, nil
}

func (f *fakeStore) ListServices(context.Context, time.Duration) ([]string, error) {
	return f.services, nil
}

func (f *fakeStore) ListSeries(context.Context, time.Duration) ([]store.Series, error) {
	return f.series, nil
}

func (f *fakeStore) ServiceWindowStats(context.Context, time.Duration) ([]store.ServiceStats, error) {
	return f.svcStats, nil
}

func (f *fakeStore) MinuteMeans(_ context.Context, service, _ string, _, _ time.Time) ([]store.MinuteBucket, error) {
	return f.minutes[service], nil
}

func (f *fakeStore) SeriesSummary(_ context.Context, service, _ string, _, _ time.Time) (store.SeriesSummary, error) {
	return f.summaries[service], nil
}

func (f *fakeStore) TailRows(context.Context, string, uint64, int) ([]model.Row, error) {
	return f.tail, nil
}

func (f *fakeStore) RunQuery(_ context.Context, query string, args []interface{}) ([]string, [][]interface{}, error) {
	f.lastQuery = query
	f.lastArgs = args
	return f.columns, f.rows, nil
}

func (f *fakeStore) UpsertAlert(_ context.Context, a model.Alert) error {
	f.upserted = append(f.upserted, a)
	return nil
}

func (f *fakeStore) ListAlerts(context.Context, int) ([]model.Alert, error) {
	return f.alerts, nil
}

func (f *fakeStore) ActiveAlerts(context.Context) ([]model.Alert, error) {
	return f.alerts, nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func testConfig() Config {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("querier", flag.NewFlagSet("test", flag.PanicOnError))
	cfg.AlertsEnabled = false
	return cfg
}

func testQuerier(t *testing.T, st storeAPI) *Querier {
	t.Helper()
	q, err := New(testConfig(), st, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	return q
}

func TestBucketWidthClamp(t *testing.T) {
	assert.Equal(t, int64(360), bucketWidthSeconds(3600))
	assert.Equal(t, int64(60), bucketWidthSeconds(100))
	assert.Equal(t, int64(60), bucketWidthSeconds(599))
	assert.Equal(t, int64(86_400), bucketWidthSeconds(100_000_000))
}

func TestTimeseriesRequiresService(t *testing.T) {
	q := testQuerier(t, &fakeStore{})

	w := httptest.NewRecorder()
	q.handleTimeseries(w, httptest.NewRequest(http.MethodGet, "/api/metrics/timeseries", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	q.handleTimeseries(w, httptest.NewRequest(http.MethodGet, "/api/metrics/timeseries?service=api&range=-5", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTimeseries(t *testing.T) {
	st := &fakeStore{buckets: []store.Bucket{
		{Count: 10, Avg: 120, P95: 300},
		{Count: 12, Avg: 110, P95: 290, ErrorCount: 1},
	}}
	q := testQuerier(t, st)

	w := httptest.NewRecorder()
	q.handleTimeseries(w, httptest.NewRequest(http.MethodGet, "/api/metrics/timeseries?service=api&metric=request_duration", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got []store.Bucket
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got, 2)
	assert.Equal(t, uint64(12), got[1].Count)
}

func TestHealthScores(t *testing.T) {
	st := &fakeStore{svcStats: []store.ServiceStats{
		{ServiceName: "healthy", RequestCount: 10_000, ErrorCount: 0, P95Duration: 100},
		{ServiceName: "warning", RequestCount: 10_000, ErrorCount: 100, P95Duration: 550},
		{ServiceName: "critical", RequestCount: 1_000, ErrorCount: 100, P95Duration: 1_500},
	}}
	q := testQuerier(t, st)

	w := httptest.NewRecorder()
	q.handleHealthScores(w, httptest.NewRequest(http.MethodGet, "/health/scores", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var scores []HealthScore
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scores))
	require.Len(t, scores, 3)

	assert.Equal(t, "healthy", scores[0].Status)
	assert.Equal(t, float64(100), scores[0].OverallScore)

	// err 80 * .5 + lat 50 * .3 + traffic 100 * .2
	assert.Equal(t, "warning", scores[1].Status)
	assert.Equal(t, float64(75), scores[1].OverallScore)
	assert.Equal(t, float64(80), scores[1].ErrorRateScore)
	assert.Equal(t, float64(50), scores[1].LatencyScore)

	// error rate and latency both floor at 0, only traffic contributes
	assert.Equal(t, "critical", scores[2].Status)
	assert.Equal(t, float64(0), scores[2].ErrorRateScore)
	assert.Equal(t, float64(0), scores[2].LatencyScore)
	assert.InDelta(t, 15.0, scores[2].OverallScore, 0.1)
}

func TestVQLExecute(t *testing.T) {
	st := &fakeStore{
		columns: []string{"service_name", "value"},
		rows:    [][]interface{}{{"api", 42.0}},
	}
	q := testQuerier(t, st)

	body := bytes.NewBufferString(`{"query": "SELECT service_name, AVG(value) FROM metrics WHERE service_name = 'api' GROUP BY service_name"}`)
	w := httptest.NewRecorder()
	q.handleVQL(w, httptest.NewRequest(http.MethodPost, "/vql/execute", body))
	require.Equal(t, http.StatusOK, w.Code)

	var resp vqlResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"service_name", "value"}, resp.Columns)
	require.Len(t, resp.Rows, 1)
	assert.Contains(t, st.lastQuery, "service_name = ?")
	assert.Equal(t, []interface{}{"api"}, st.lastArgs)
}

func TestVQLRejectsInjection(t *testing.T) {
	st := &fakeStore{}
	q := testQuerier(t, st)

	body := bytes.NewBufferString(`{"query": "SELECT * FROM metrics; DROP TABLE metrics"}`)
	w := httptest.NewRecorder()
	q.handleVQL(w, httptest.NewRequest(http.MethodPost, "/vql/execute", body))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_query", resp.Code)
	assert.Empty(t, st.lastQuery)
}

func TestVQLBadBody(t *testing.T) {
	q := testQuerier(t, &fakeStore{})

	w := httptest.NewRecorder()
	q.handleVQL(w, httptest.NewRequest(http.MethodPost, "/vql/execute", bytes.NewBufferString("not json")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlertsLimitValidation(t *testing.T) {
	q := testQuerier(t, &fakeStore{})

	w := httptest.NewRecorder()
	q.handleAlerts(w, httptest.NewRequest(http.MethodGet, "/alerts?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	q.handleAlerts(w, httptest.NewRequest(http.MethodGet, "/alerts?limit=50", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func minuteSeries(values ...float64) []store.MinuteBucket {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make([]store.MinuteBucket, 0, len(values))
	for i, v := range values {
		out = append(out, store.MinuteBucket{Start: start.Add(time.Duration(i) * time.Minute), Mean: v})
	}
	return out
}

func TestCompareSignificantImprovement(t *testing.T) {
	baseMeans := make([]float64, 0, 40)
	candMeans := make([]float64, 0, 40)
	for i := 0; i < 40; i++ {
		jitter := float64(2 - 4*(i%2)) // +2, -2, +2, ...
		baseMeans = append(baseMeans, 200+jitter)
		candMeans = append(candMeans, 150+jitter)
	}

	st := &fakeStore{
		summaries: map[string]store.SeriesSummary{
			"api-v1": {Mean: 200, P50: 195, P95: 240, P99: 260, Count: 4000},
			"api-v2": {Mean: 150, P50: 145, P95: 180, P99: 200, Count: 4000},
		},
		minutes: map[string][]store.MinuteBucket{
			"api-v1": minuteSeries(baseMeans...),
			"api-v2": minuteSeries(candMeans...),
		},
	}
	q := testQuerier(t, st)

	res, err := q.compare(context.Background(), CompareRequest{
		BaselineService:  "api-v1",
		CandidateService: "api-v2",
		MetricName:       "request_duration",
	})
	require.NoError(t, err)

	assert.InDelta(t, 25.0, res.ImprovementPct, 0.001)
	assert.Less(t, res.PValue, 0.05)
	assert.True(t, res.Significant)
	assert.Equal(t, "deploy", res.Recommendation)
	assert.Equal(t, 40, res.Baseline.Buckets)
}

func TestCompareThinDataHolds(t *testing.T) {
	st := &fakeStore{
		summaries: map[string]store.SeriesSummary{
			"api-v1": {Mean: 200, Count: 50},
			"api-v2": {Mean: 150, Count: 50},
		},
		minutes: map[string][]store.MinuteBucket{
			"api-v1": minuteSeries(198, 202, 199, 201, 200),
			"api-v2": minuteSeries(148, 152, 149, 151, 150),
		},
	}
	q := testQuerier(t, st)

	res, err := q.compare(context.Background(), CompareRequest{
		BaselineService:  "api-v1",
		CandidateService: "api-v2",
		MetricName:       "request_duration",
	})
	require.NoError(t, err)

	assert.False(t, res.Significant)
	assert.Equal(t, "hold", res.Recommendation)
}

func TestCompareRegressionRejects(t *testing.T) {
	baseMeans := make([]float64, 0, 40)
	candMeans := make([]float64, 0, 40)
	for i := 0; i < 40; i++ {
		jitter := float64(2 - 4*(i%2))
		baseMeans = append(baseMeans, 150+jitter)
		candMeans = append(candMeans, 200+jitter)
	}

	st := &fakeStore{
		summaries: map[string]store.SeriesSummary{
			"api-v1": {Mean: 150, Count: 4000},
			"api-v2": {Mean: 200, Count: 4000},
		},
		minutes: map[string][]store.MinuteBucket{
			"api-v1": minuteSeries(baseMeans...),
			"api-v2": minuteSeries(candMeans...),
		},
	}
	q := testQuerier(t, st)

	res, err := q.compare(context.Background(), CompareRequest{
		BaselineService:  "api-v1",
		CandidateService: "api-v2",
		MetricName:       "request_duration",
	})
	require.NoError(t, err)

	assert.Negative(t, res.ImprovementPct)
	assert.True(t, res.Significant)
	assert.Equal(t, "reject", res.Recommendation)
}

func TestLiveBufferDropsOldest(t *testing.T) {
	buf := newLiveBuffer(3)
	for i := 0; i < 5; i++ {
		buf.push(liveFrame{Type: "rows", Rows: []model.Row{{ServiceName: "api", Value: float64(i)}}})
	}
	assert.Equal(t, 3, buf.len())

	f, ok := buf.pop()
	require.True(t, ok)
	assert.Equal(t, "dropped", f.Type)
	assert.Equal(t, uint64(2), f.Dropped)

	// the two oldest frames are gone
	f, ok = buf.pop()
	require.True(t, ok)
	assert.Equal(t, float64(2), f.Rows[0].Value)

	buf.pop()
	f, ok = buf.pop()
	require.True(t, ok)
	assert.Equal(t, float64(4), f.Rows[0].Value)

	_, ok = buf.pop()
	assert.False(t, ok)
}

func TestLiveBufferNoDropFrameWithoutOverflow(t *testing.T) {
	buf := newLiveBuffer(4)
	buf.push(liveFrame{Type: "rows"})
	f, ok := buf.pop()
	require.True(t, ok)
	assert.Equal(t, "rows", f.Type)
}
