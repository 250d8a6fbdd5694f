package gateway

import (
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/vantage-obs/vantage/pkg/model"
	"github.com/vantage-obs/vantage/pkg/stats"
)

const (
	aggShards     = 16
	reservoirSize = 256
)

// accumulator folds samples sharing one aggregation key into a one-minute
// summary row.
type accumulator struct {
	key        model.AggregationKey
	metricType model.MetricType
	count      uint64
	sum        float64
	min        float64
	max        float64
	errors     uint64
	sample     *stats.Reservoir
}

func newAccumulator(key model.AggregationKey, typ model.MetricType) *accumulator {
	return &accumulator{
		key:        key,
		metricType: typ,
		min:        math.Inf(1),
		max:        math.Inf(-1),
		sample:     stats.NewReservoir(reservoirSize, time.Now().UnixNano()),
	}
}

func (a *accumulator) add(s model.Sample) {
	a.count++
	a.sum += s.Value
	a.min = math.Min(a.min, s.Value)
	a.max = math.Max(a.max, s.Value)
	if s.StatusCode >= 500 {
		a.errors++
	}
	a.sample.Add(s.Value)
}

func (a *accumulator) row(id uint64, environment string) model.Row {
	minV, maxV := a.min, a.max
	p50 := a.sample.Quantile(0.5)
	p95 := a.sample.Quantile(0.95)
	p99 := a.sample.Quantile(0.99)
	count := a.count
	errs := a.errors
	return model.Row{
		ID:                id,
		Timestamp:         a.key.Minute,
		ServiceName:       a.key.ServiceName,
		MetricName:        a.key.MetricName,
		MetricType:        a.metricType,
		Value:             a.sum / float64(a.count),
		Endpoint:          a.key.Endpoint,
		Method:            a.key.Method,
		StatusCode:        a.key.StatusCode,
		Environment:       environment,
		Aggregated:        true,
		ResolutionMinutes: 1,
		MinValue:          &minV,
		MaxValue:          &maxV,
		P50:               &p50,
		P95:               &p95,
		P99:               &p99,
		SampleCount:       &count,
		ErrorCount:        &errs,
	}
}

type aggShard struct {
	mtx sync.Mutex
	m   map[model.AggregationKey]*accumulator
}

// aggregator buffers endpoint samples in one-minute buckets. Keys hash to a
// fixed set of shards so concurrent request handlers do not contend on one
// lock.
type aggregator struct {
	shards  [aggShards]*aggShard
	maxKeys int
}

func newAggregator(maxKeys int) *aggregator {
	agg := &aggregator{maxKeys: maxKeys}
	for i := range agg.shards {
		agg.shards[i] = &aggShard{m: make(map[model.AggregationKey]*accumulator)}
	}
	return agg
}

// add buffers the sample under its aggregation key. Returns false when the
// sample has no key and must be published raw.
func (g *aggregator) add(s model.Sample) bool {
	key, ok := model.KeyFor(s)
	if !ok {
		return false
	}
	shard := g.shards[xxhash.Sum64String(key.String())%aggShards]
	shard.mtx.Lock()
	acc, ok := shard.m[key]
	if !ok {
		acc = newAccumulator(key, s.MetricType)
		shard.m[key] = acc
	}
	acc.add(s)
	shard.mtx.Unlock()
	return true
}

// full reports whether the buffered key count has reached the early-flush
// threshold.
func (g *aggregator) full() bool {
	total := 0
	for _, shard := range g.shards {
		shard.mtx.Lock()
		total += len(shard.m)
		shard.mtx.Unlock()
	}
	return total >= g.maxKeys
}

// drain removes and returns every buffered accumulator.
func (g *aggregator) drain() []*accumulator {
	var out []*accumulator
	for _, shard := range g.shards {
		shard.mtx.Lock()
		for _, acc := range shard.m {
			out = append(out, acc)
		}
		shard.m = make(map[model.AggregationKey]*accumulator)
		shard.mtx.Unlock()
	}
	return out
}
