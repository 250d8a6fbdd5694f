// Package stats holds the small amount of statistics the signal engine
// needs: streaming reservoir sampling for ingest-time quantiles, simple
// descriptive statistics, and Welch's t-test for cohort comparison.
package stats

import (
	"math"
	"math/rand"
	"sort"
)

// Mean returns the arithmetic mean of xs, 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Variance returns the unbiased sample variance of xs.
func Variance(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	m := Mean(xs)
	ss := 0.0
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return ss / float64(n-1)
}

// Stddev returns the sample standard deviation of xs.
func Stddev(xs []float64) float64 {
	return math.Sqrt(Variance(xs))
}

// Percentile returns the p-th percentile (0 < p <= 100) of xs using
// nearest-rank on a sorted copy. Returns 0 for an empty slice.
func Percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Reservoir is a fixed-size uniform sample over a stream (Vitter's
// algorithm R). It is not safe for concurrent use; callers shard or lock.
type Reservoir struct {
	values []float64
	seen   int64
	rng    *rand.Rand
}

func NewReservoir(size int, seed int64) *Reservoir {
	return &Reservoir{
		values: make([]float64, 0, size),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (r *Reservoir) Add(v float64) {
	r.seen++
	if len(r.values) < cap(r.values) {
		r.values = append(r.values, v)
		return
	}
	if j := r.rng.Int63n(r.seen); j < int64(cap(r.values)) {
		r.values[j] = v
	}
}

func (r *Reservoir) Len() int { return len(r.values) }

// Quantile returns the q-th quantile (0 < q <= 1) of the sampled values.
func (r *Reservoir) Quantile(q float64) float64 {
	return Percentile(r.values, q*100)
}
