package querier

import (
	"math"

	"github.com/vantage-obs/vantage/pkg/store"
)

// HealthScore is the derived health of one service over the scoring window.
type HealthScore struct {
	ServiceName    string  `json:"service_name"`
	OverallScore   float64 `json:"overall_score"`
	ErrorRateScore float64 `json:"error_rate_score"`
	LatencyScore   float64 `json:"latency_score"`
	TrafficScore   float64 `json:"traffic_score"`
	ErrorRate      float64 `json:"error_rate"`
	P95LatencyMs   float64 `json:"p95_latency_ms"`
	RequestCount   uint64  `json:"request_count"`
	Status         string  `json:"status"`
}

type healthRefs struct {
	errRef   float64
	latLowMs float64
	latHiMs  float64
	traffic  float64
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// scoreService derives the weighted health score. Error rate dominates
// (weight .5), then latency (.3), then traffic volume (.2).
func scoreService(in store.ServiceStats, refs healthRefs) HealthScore {
	errorRate := float64(in.ErrorCount) / math.Max(float64(in.RequestCount), 1)
	errorScore := 100 * (1 - clamp01(errorRate/refs.errRef))
	latencyScore := 100 * (1 - clamp01((in.P95Duration-refs.latLowMs)/(refs.latHiMs-refs.latLowMs)))
	trafficScore := 100 * clamp01(math.Log10(1+float64(in.RequestCount))/math.Log10(1+refs.traffic))

	overall := 0.5*errorScore + 0.3*latencyScore + 0.2*trafficScore
	overall = math.Min(100, math.Max(0, overall))

	status := "critical"
	switch {
	case overall >= 80:
		status = "healthy"
	case overall >= 50:
		status = "warning"
	}

	return HealthScore{
		ServiceName:    in.ServiceName,
		OverallScore:   round2(overall),
		ErrorRateScore: round2(errorScore),
		LatencyScore:   round2(latencyScore),
		TrafficScore:   round2(trafficScore),
		ErrorRate:      errorRate,
		P95LatencyMs:   in.P95Duration,
		RequestCount:   in.RequestCount,
		Status:         status,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
