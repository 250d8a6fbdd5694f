package querier

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vantage-obs/vantage/pkg/stats"
)

// CompareRequest names two cohorts of the same metric over a window.
// Timestamps are wall-clock milliseconds; a zero window defaults to the
// trailing hour.
type CompareRequest struct {
	BaselineService  string `json:"baseline_service"`
	CandidateService string `json:"candidate_service"`
	MetricName       string `json:"metric_name"`
	TimeStart        int64  `json:"time_start,omitempty"`
	TimeEnd          int64  `json:"time_end,omitempty"`
}

type CompareSide struct {
	ServiceName string  `json:"service_name"`
	Mean        float64 `json:"mean"`
	P50         float64 `json:"p50"`
	P95         float64 `json:"p95"`
	P99         float64 `json:"p99"`
	Count       uint64  `json:"count"`
	Buckets     int     `json:"buckets"`
}

type CompareResult struct {
	Baseline       CompareSide `json:"baseline"`
	Candidate      CompareSide `json:"candidate"`
	ImprovementPct float64     `json:"improvement_pct"`
	PValue         float64     `json:"p_value"`
	Significant    bool        `json:"significant"`
	Recommendation string      `json:"recommendation"`
}

// significanceMinBuckets is the minimum per-minute bucket count on each side
// before the t-test is trusted.
const significanceMinBuckets = 30

func (q *Querier) compare(ctx context.Context, req CompareRequest) (CompareResult, error) {
	end := time.Now()
	if req.TimeEnd != 0 {
		end = time.UnixMilli(req.TimeEnd)
	}
	start := end.Add(-time.Hour)
	if req.TimeStart != 0 {
		start = time.UnixMilli(req.TimeStart)
	}

	side := func(ctx context.Context, service string, out *CompareSide, means *[]float64) error {
		summary, err := q.store.SeriesSummary(ctx, service, req.MetricName, start, end)
		if err != nil {
			return err
		}
		buckets, err := q.store.MinuteMeans(ctx, service, req.MetricName, start, end)
		if err != nil {
			return err
		}
		*means = make([]float64, 0, len(buckets))
		for _, b := range buckets {
			*means = append(*means, b.Mean)
		}
		*out = CompareSide{
			ServiceName: service,
			Mean:        summary.Mean,
			P50:         summary.P50,
			P95:         summary.P95,
			P99:         summary.P99,
			Count:       summary.Count,
			Buckets:     len(*means),
		}
		return nil
	}

	var (
		baseline, candidate  CompareSide
		baseMeans, candMeans []float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return side(gctx, req.BaselineService, &baseline, &baseMeans) })
	g.Go(func() error { return side(gctx, req.CandidateService, &candidate, &candMeans) })
	if err := g.Wait(); err != nil {
		return CompareResult{}, err
	}

	res := CompareResult{Baseline: baseline, Candidate: candidate}
	if baseline.Mean != 0 {
		res.ImprovementPct = (baseline.Mean - candidate.Mean) / baseline.Mean * 100
	}

	if welch, ok := stats.Welch(baseMeans, candMeans); ok {
		res.PValue = welch.P
		res.Significant = welch.P < 0.05 &&
			baseline.Buckets >= significanceMinBuckets &&
			candidate.Buckets >= significanceMinBuckets
	}

	switch {
	case res.Significant && res.ImprovementPct > 0:
		res.Recommendation = "deploy"
	case res.Significant && res.ImprovementPct < 0:
		res.Recommendation = "reject"
	default:
		res.Recommendation = "hold"
	}
	return res, nil
}
