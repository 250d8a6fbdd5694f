package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage-obs/vantage/pkg/bus"
	"github.com/vantage-obs/vantage/pkg/model"
)

type fakePublisher struct {
	mtx      sync.Mutex
	payloads map[string][][]byte // key -> payloads
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, _, key string, payloads ...[]byte) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.payloads == nil {
		f.payloads = make(map[string][][]byte)
	}
	f.payloads[key] = append(f.payloads[key], payloads...)
	return nil
}

func (f *fakePublisher) Ping(context.Context) error { return nil }

func (f *fakePublisher) rows(t *testing.T, key string) []model.Row {
	t.Helper()
	f.mtx.Lock()
	defer f.mtx.Unlock()
	var rows []model.Row
	for _, p := range f.payloads[key] {
		var r model.Row
		require.NoError(t, json.Unmarshal(p, &r))
		rows = append(rows, r)
	}
	return rows
}

func testGateway(t *testing.T, mutate func(*Config)) (*Gateway, *fakePublisher) {
	t.Helper()
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("gateway", flag.NewFlagSet("test", flag.PanicOnError))
	cfg.PreaggEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	pub := &fakePublisher{}
	g, err := New(cfg, pub, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	return g, pub
}

func postBatch(t *testing.T, g *Gateway, batch model.Batch, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(batch)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/metrics", bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.server.Handler.ServeHTTP(rec, req)
	return rec
}

func sampleAt(ts int64) model.Sample {
	return model.Sample{
		Timestamp:   ts,
		ServiceName: "api",
		MetricName:  "http.request",
		MetricType:  model.TypeGauge,
		Value:       12.5,
		Endpoint:    "/users",
		Method:      "GET",
		StatusCode:  200,
		DurationMs:  42,
	}
}

func TestIngestAccepted(t *testing.T) {
	g, pub := testGateway(t, nil)

	rec := postBatch(t, g, model.Batch{
		ServiceName: "api",
		Metrics:     []model.Sample{sampleAt(time.Now().UnixMilli())},
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)

	rows := pub.rows(t, "api")
	require.Len(t, rows, 1)
	assert.NotZero(t, rows[0].ID)
	assert.Equal(t, "api", rows[0].ServiceName)
	assert.Equal(t, "production", rows[0].Environment)
	assert.False(t, rows[0].Aggregated)
}

func TestIngestValidationFailure(t *testing.T) {
	g, pub := testGateway(t, nil)

	bad := sampleAt(time.Now().UnixMilli())
	bad.MetricName = "bad name"
	rec := postBatch(t, g, model.Batch{ServiceName: "api", Metrics: []model.Sample{bad}}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_batch", resp.Code)
	assert.NotEmpty(t, resp.Details)
	assert.Empty(t, pub.payloads)
}

func TestIngestAuth(t *testing.T) {
	g, _ := testGateway(t, func(cfg *Config) {
		cfg.AuthEnabled = true
		cfg.APIKeys = []string{"sekret"}
	})
	batch := model.Batch{ServiceName: "api", Metrics: []model.Sample{sampleAt(time.Now().UnixMilli())}}

	rec := postBatch(t, g, batch, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postBatch(t, g, batch, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postBatch(t, g, batch, map[string]string{"X-API-Key": "sekret"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestIngestRateLimit(t *testing.T) {
	g, _ := testGateway(t, func(cfg *Config) {
		cfg.RateLimitRPM = 1
	})
	batch := model.Batch{ServiceName: "api", Metrics: []model.Sample{sampleAt(time.Now().UnixMilli())}}

	rec := postBatch(t, g, batch, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = postBatch(t, g, batch, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	// a different identity has its own bucket
	rec = postBatch(t, g, batch, map[string]string{"X-API-Key": "other"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestIngestBatchTooLarge(t *testing.T) {
	g, _ := testGateway(t, func(cfg *Config) {
		cfg.MaxBatchSamples = 2
	})
	batch := model.Batch{ServiceName: "api"}
	for i := 0; i < 3; i++ {
		batch.Metrics = append(batch.Metrics, sampleAt(time.Now().UnixMilli()))
	}
	rec := postBatch(t, g, batch, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIngestPublishFailure(t *testing.T) {
	g, pub := testGateway(t, nil)
	pub.err = fmt.Errorf("%w: topic gone", bus.ErrFatal)

	rec := postBatch(t, g, model.Batch{
		ServiceName: "api",
		Metrics:     []model.Sample{sampleAt(time.Now().UnixMilli())},
	}, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "publish_failed", resp.Code)
}

func TestPreaggregation(t *testing.T) {
	g, pub := testGateway(t, func(cfg *Config) {
		cfg.PreaggEnabled = true
	})

	base := time.Now().Add(-time.Minute).Truncate(time.Minute).UnixMilli()
	batch := model.Batch{ServiceName: "api"}
	for i := 0; i < 10; i++ {
		s := sampleAt(base + int64(i)*1000)
		s.Value = float64(i + 1) // 1..10
		if i == 0 {
			s.StatusCode = 503
		}
		batch.Metrics = append(batch.Metrics, s)
	}

	rec := postBatch(t, g, batch, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Empty(t, pub.payloads, "endpoint samples buffer instead of publishing")

	g.flushAggregates(context.Background())
	rows := pub.rows(t, "api")
	require.Len(t, rows, 2, "one aggregate per status code")

	var total uint64
	var errs uint64
	for _, row := range rows {
		assert.True(t, row.Aggregated)
		assert.EqualValues(t, 1, row.ResolutionMinutes)
		assert.Equal(t, base, row.Timestamp)
		require.NotNil(t, row.SampleCount)
		total += *row.SampleCount
		errs += *row.ErrorCount
		if row.StatusCode == 200 {
			assert.InDelta(t, 6.0, row.Value, 1e-9, "mean of 2..10")
			assert.Equal(t, 2.0, *row.MinValue)
			assert.Equal(t, 10.0, *row.MaxValue)
		}
	}
	assert.EqualValues(t, 10, total)
	assert.EqualValues(t, 1, errs)
}

func TestPreaggRawBypass(t *testing.T) {
	g, pub := testGateway(t, func(cfg *Config) {
		cfg.PreaggEnabled = true
	})

	s := sampleAt(time.Now().UnixMilli())
	s.Endpoint = "" // not aggregatable
	rec := postBatch(t, g, model.Batch{ServiceName: "api", Metrics: []model.Sample{s}}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rows := pub.rows(t, "api")
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Aggregated)
}

func TestStatsSnapshot(t *testing.T) {
	g, _ := testGateway(t, nil)

	postBatch(t, g, model.Batch{ServiceName: "api", Metrics: []model.Sample{sampleAt(time.Now().UnixMilli())}}, nil)
	bad := sampleAt(time.Now().UnixMilli())
	bad.MetricType = "nope"
	postBatch(t, g, model.Batch{ServiceName: "api", Metrics: []model.Sample{bad}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	g.server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap statsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.EqualValues(t, 2, snap.ReceivedBatches)
	assert.EqualValues(t, 1, snap.ReceivedSamples)
	assert.EqualValues(t, 1, snap.RejectedBatches)
	assert.EqualValues(t, 1, snap.PublishedRows)
}

func TestLimiterGC(t *testing.T) {
	p := newLimiterPool(10)
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	p.allow("a")
	p.allow("b")
	require.Equal(t, 2, p.size())

	now = now.Add(limiterIdleTimeout + time.Second)
	p.allow("c")
	dropped := p.gc()
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 1, p.size())
}
