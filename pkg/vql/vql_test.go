package vql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStar(t *testing.T) {
	q, err := Parse("SELECT * FROM metrics")
	require.NoError(t, err)
	assert.True(t, q.Star)
	assert.Equal(t, "metrics", q.Table)
	assert.Equal(t, DefaultLimit, q.Limit, "a limit is always applied")
}

func TestParseFull(t *testing.T) {
	q, err := Parse(`SELECT service_name, AVG(value), P95(duration_ms)
		FROM metrics
		WHERE service_name = 'api' AND status_code >= 500 AND value > 1.5
		GROUP BY service_name
		ORDER BY timestamp DESC
		LIMIT 50`)
	require.NoError(t, err)

	require.Len(t, q.Projection, 3)
	assert.Equal(t, AggExpr{Column: "service_name"}, q.Projection[0])
	assert.Equal(t, AggExpr{Func: "AVG", Column: "value"}, q.Projection[1])
	assert.Equal(t, AggExpr{Func: "P95", Column: "duration_ms"}, q.Projection[2])

	require.Len(t, q.Where, 3)
	assert.Equal(t, Cond{Column: "service_name", Op: "=", Value: Literal{Kind: LitString, Str: "api"}}, q.Where[0])
	assert.Equal(t, Cond{Column: "status_code", Op: ">=", Value: Literal{Kind: LitInt, Int: 500}}, q.Where[1])
	assert.Equal(t, Cond{Column: "value", Op: ">", Value: Literal{Kind: LitFloat, Float: 1.5}}, q.Where[2])

	assert.Equal(t, []string{"service_name"}, q.GroupBy)
	assert.Equal(t, "timestamp", q.OrderBy)
	assert.Equal(t, "DESC", q.OrderDir)
	assert.Equal(t, 50, q.Limit)
}

func TestParseCaseInsensitiveKeywords(t *testing.T) {
	q, err := Parse("select avg(value) from METRICS where Service_Name = 'api' limit 10")
	require.NoError(t, err)
	assert.Equal(t, "metrics", q.Table)
	assert.Equal(t, AggExpr{Func: "AVG", Column: "value"}, q.Projection[0])
	assert.Equal(t, "service_name", q.Where[0].Column)
}

func TestUnparseRoundTrip(t *testing.T) {
	queries := []string{
		"SELECT * FROM metrics",
		"SELECT * FROM metrics WHERE service_name = 'api' LIMIT 100",
		"SELECT AVG(value), COUNT(id) FROM metrics GROUP BY service_name LIMIT 10",
		"SELECT value FROM metrics WHERE value > -1.5 ORDER BY timestamp ASC LIMIT 7",
		"SELECT P99(duration_ms) FROM metrics WHERE endpoint = 'it''s' LIMIT 1",
	}
	for _, src := range queries {
		q, err := Parse(src)
		require.NoError(t, err, src)
		again, err := Parse(q.String())
		require.NoError(t, err, q.String())
		assert.Equal(t, q, again, "canonical form must re-parse to the same query")
	}
}

func TestToSQLBindsLiterals(t *testing.T) {
	q, err := Parse("SELECT AVG(value) FROM metrics WHERE service_name = 'api' AND status_code >= 500 LIMIT 10")
	require.NoError(t, err)
	sql, args := q.ToSQL()
	assert.Equal(t, "SELECT avg(value) FROM metrics WHERE service_name = ? AND status_code >= ? LIMIT 10", sql)
	assert.Equal(t, []interface{}{"api", int64(500)}, args)
}

func TestToSQLQuantiles(t *testing.T) {
	q, err := Parse("SELECT P50(duration_ms), P95(duration_ms), P99(duration_ms) FROM metrics LIMIT 1")
	require.NoError(t, err)
	sql, args := q.ToSQL()
	assert.Equal(t,
		"SELECT quantile(0.5)(duration_ms), quantile(0.95)(duration_ms), quantile(0.99)(duration_ms) FROM metrics LIMIT 1",
		sql)
	assert.Empty(t, args)
}

func TestRejectsInjection(t *testing.T) {
	_, err := Parse("SELECT * FROM metrics; DROP TABLE metrics")
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ";", perr.Token)
}

func TestRejectsWrites(t *testing.T) {
	for _, src := range []string{
		"DROP TABLE metrics",
		"INSERT INTO metrics VALUES (1)",
		"SELECT * FROM metrics WHERE service_name = 'x' UNION SELECT * FROM system",
		"DELETE FROM metrics",
	} {
		_, err := Parse(src)
		require.Error(t, err, src)
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.NotEmpty(t, perr.Token)
	}
}

func TestRejectsUnknownIdentifiers(t *testing.T) {
	_, err := Parse("SELECT * FROM users")
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "users", perr.Token)

	_, err = Parse("SELECT password FROM metrics")
	require.Error(t, err)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "password", perr.Token)

	_, err = Parse("SELECT * FROM metrics WHERE secret = 1")
	require.Error(t, err)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "secret", perr.Token)
}

func TestRejectsLimitOverflow(t *testing.T) {
	_, err := Parse("SELECT * FROM metrics LIMIT 10001")
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "10001", perr.Token)

	q, err := Parse("SELECT * FROM metrics LIMIT 10000")
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, q.Limit)
}

func TestRejectsTooManyWhereTerms(t *testing.T) {
	src := "SELECT * FROM metrics WHERE value > 0"
	for i := 0; i < MaxWhereTerms; i++ {
		src += " AND value > 0"
	}
	_, err := Parse(src)
	require.Error(t, err)
}

func TestRejectsMalformed(t *testing.T) {
	for _, src := range []string{
		"",
		"SELECT",
		"SELECT * FROM",
		"SELECT * FROM metrics WHERE",
		"SELECT * FROM metrics WHERE value >",
		"SELECT * FROM metrics LIMIT -5",
		"SELECT * FROM metrics LIMIT abc",
		"SELECT AVG( FROM metrics",
		"SELECT * FROM metrics WHERE endpoint = 'unterminated",
		"SELECT * FROM metrics extra",
	} {
		_, err := Parse(src)
		assert.Error(t, err, src)
	}
}
