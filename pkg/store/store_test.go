package store

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	// context errors pass through so shutdown is not mistaken for trouble
	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)
	assert.NotErrorIs(t, classify(context.Canceled), ErrRetryable)

	// transient server conditions
	for _, code := range []int32{codeTimeoutExceeded, codeSocketTimeout, codeNetworkError, codeMemoryLimitExceeded, codeTooManyQueries} {
		err := classify(&clickhouse.Exception{Code: code, Message: "busy"})
		assert.ErrorIs(t, err, ErrRetryable, "code %d", code)
	}

	// schema and type errors never succeed on replay
	for _, code := range []int32{codeNoSuchColumn, codeTypeMismatch, codeUnknownTable} {
		err := classify(&clickhouse.Exception{Code: code, Message: "bad"})
		assert.ErrorIs(t, err, ErrFatal, "code %d", code)
	}

	// network failures are retryable
	assert.ErrorIs(t, classify(io.ErrUnexpectedEOF), ErrRetryable)
	assert.ErrorIs(t, classify(&net.OpError{Op: "dial", Err: errors.New("connection refused")}), ErrRetryable)

	// wrapped exceptions still classify
	wrapped := errors.Wrap(&clickhouse.Exception{Code: codeUnknownTable}, "insert")
	assert.ErrorIs(t, classify(wrapped), ErrFatal)
}

func TestPredicateBuilder(t *testing.T) {
	p := &predicate{}
	assert.Equal(t, "", p.clause())

	p.add("service_name = ?", "api")
	p.add("timestamp >= ?", time.Unix(0, 0))
	p.add("timestamp < ?", time.Unix(60, 0))
	assert.Equal(t, " WHERE service_name = ? AND timestamp >= ? AND timestamp < ?", p.clause())
	assert.Len(t, p.args, 3)
}

func TestRangePredicateOptionalMetric(t *testing.T) {
	s := &Store{cfg: Config{Database: "vantage"}}

	withMetric := s.rangePredicate(RangeParams{Service: "api", Metric: "latency", Start: time.Unix(0, 0), End: time.Unix(60, 0)})
	require.Len(t, withMetric.args, 4)
	assert.Contains(t, withMetric.clause(), "metric_name = ?")

	withoutMetric := s.rangePredicate(RangeParams{Service: "api", Start: time.Unix(0, 0), End: time.Unix(60, 0)})
	require.Len(t, withoutMetric.args, 3)
	assert.NotContains(t, withoutMetric.clause(), "metric_name")
}
