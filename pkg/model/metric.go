package model

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// MetricType enumerates the supported sample kinds.
type MetricType string

const (
	TypeCounter   MetricType = "counter"
	TypeGauge     MetricType = "gauge"
	TypeHistogram MetricType = "histogram"
	TypeSummary   MetricType = "summary"
)

// ValidType reports whether t is one of the declared metric types.
func ValidType(t MetricType) bool {
	switch t {
	case TypeCounter, TypeGauge, TypeHistogram, TypeSummary:
		return true
	}
	return false
}

// Sample is one measurement emitted by an instrumented process.
// Timestamps are wall-clock milliseconds.
type Sample struct {
	Timestamp   int64      `json:"timestamp"`
	ServiceName string     `json:"service_name"`
	MetricName  string     `json:"metric_name"`
	MetricType  MetricType `json:"metric_type"`
	Value       float64    `json:"value"`

	Endpoint    string            `json:"endpoint,omitempty"`
	Method      string            `json:"method,omitempty"`
	StatusCode  int               `json:"status_code,omitempty"`
	DurationMs  float64           `json:"duration_ms,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	TraceID     string            `json:"trace_id,omitempty"`
	SpanID      string            `json:"span_id,omitempty"`
	Environment string            `json:"environment,omitempty"`
}

// Batch is the envelope accepted by the ingest gateway.
type Batch struct {
	Metrics      []Sample `json:"metrics"`
	ServiceName  string   `json:"service_name"`
	Environment  string   `json:"environment,omitempty"`
	AgentVersion string   `json:"agent_version,omitempty"`
	ReceivedAt   int64    `json:"received_at,omitempty"` // server-assigned on ingest
}

// Row is the persisted form of a sample. It is also the wire format between
// the gateway and the worker: ids are assigned at publish time so that
// redelivered bus records keep stable ids and dedupe in storage.
type Row struct {
	ID          uint64     `json:"id"`
	Timestamp   int64      `json:"timestamp"`
	ServiceName string     `json:"service_name"`
	MetricName  string     `json:"metric_name"`
	MetricType  MetricType `json:"metric_type"`
	Value       float64    `json:"value"`

	Endpoint   string            `json:"endpoint,omitempty"`
	Method     string            `json:"method,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`
	DurationMs float64           `json:"duration_ms,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	TraceID    string            `json:"trace_id,omitempty"`
	SpanID     string            `json:"span_id,omitempty"`

	Environment       string `json:"environment,omitempty"`
	Aggregated        bool   `json:"aggregated,omitempty"`
	ResolutionMinutes uint32 `json:"resolution_minutes,omitempty"`

	// Rollup summary columns, only set when Aggregated.
	MinValue    *float64 `json:"min_value,omitempty"`
	MaxValue    *float64 `json:"max_value,omitempty"`
	P50         *float64 `json:"p50,omitempty"`
	P95         *float64 `json:"p95,omitempty"`
	P99         *float64 `json:"p99,omitempty"`
	SampleCount *uint64  `json:"sample_count,omitempty"`
	ErrorCount  *uint64  `json:"error_count,omitempty"`
}

// RowFromSample builds a raw (unaggregated) row.
func RowFromSample(id uint64, s Sample, environment string) Row {
	env := s.Environment
	if env == "" {
		env = environment
	}
	return Row{
		ID:          id,
		Timestamp:   s.Timestamp,
		ServiceName: s.ServiceName,
		MetricName:  s.MetricName,
		MetricType:  s.MetricType,
		Value:       s.Value,
		Endpoint:    s.Endpoint,
		Method:      s.Method,
		StatusCode:  s.StatusCode,
		DurationMs:  s.DurationMs,
		Tags:        s.Tags,
		TraceID:     s.TraceID,
		SpanID:      s.SpanID,
		Environment: env,
	}
}

// AggregationKey groups samples for pre-aggregation and rollups. Minute is
// the sample timestamp floored to one minute, in milliseconds.
type AggregationKey struct {
	ServiceName string
	MetricName  string
	Endpoint    string
	Method      string
	StatusCode  int
	Minute      int64
}

// KeyFor returns the aggregation key of s, and false when the sample cannot
// be aggregated (missing endpoint).
func KeyFor(s Sample) (AggregationKey, bool) {
	if s.Endpoint == "" {
		return AggregationKey{}, false
	}
	return AggregationKey{
		ServiceName: s.ServiceName,
		MetricName:  s.MetricName,
		Endpoint:    s.Endpoint,
		Method:      s.Method,
		StatusCode:  s.StatusCode,
		Minute:      s.Timestamp - s.Timestamp%60_000,
	}, true
}

func (k AggregationKey) String() string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%d\x00%d",
		k.ServiceName, k.MetricName, k.Endpoint, k.Method, k.StatusCode, k.Minute)
}

const seqBits = 20

// IDGenerator assigns monotonically increasing row ids. The id packs the
// wall-clock millisecond into the high bits and a process-local sequence in
// the low 20, so ids sort by time and never collide within a process.
type IDGenerator struct {
	seq atomic.Uint64
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

func (g *IDGenerator) Next() uint64 {
	return g.At(time.Now())
}

func (g *IDGenerator) At(now time.Time) uint64 {
	seq := g.seq.Inc() & (1<<seqBits - 1)
	return uint64(now.UnixMilli())<<seqBits | seq
}
