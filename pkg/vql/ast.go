// Package vql implements the restricted read-only query language exposed by
// the query service. Queries parse to a small AST which renders to a
// parameterized ClickHouse statement; user-supplied strings are always bound,
// never interpolated.
package vql

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxLimit caps the row count of any query.
	MaxLimit = 10_000
	// DefaultLimit applies when the query carries no LIMIT clause.
	DefaultLimit = 1_000
	// MaxWhereTerms bounds the number of AND-ed conditions.
	MaxWhereTerms = 10
)

// allowedTables and allowedColumns form the identifier whitelist. Anything
// outside them is rejected at parse time.
var allowedTables = map[string]bool{
	"metrics": true,
}

var allowedColumns = map[string]bool{
	"id":           true,
	"timestamp":    true,
	"service_name": true,
	"metric_name":  true,
	"metric_type":  true,
	"value":        true,
	"endpoint":     true,
	"method":       true,
	"status_code":  true,
	"duration_ms":  true,
	"environment":  true,
	"min_value":    true,
	"max_value":    true,
	"p50":          true,
	"p95":          true,
	"p99":          true,
	"sample_count": true,
	"error_count":  true,
}

var allowedFuncs = map[string]string{
	"AVG":   "avg(%s)",
	"SUM":   "sum(%s)",
	"MIN":   "min(%s)",
	"MAX":   "max(%s)",
	"COUNT": "count(%s)",
	"P50":   "quantile(0.5)(%s)",
	"P95":   "quantile(0.95)(%s)",
	"P99":   "quantile(0.99)(%s)",
}

var allowedOps = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

// deniedKeywords are rejected wherever they appear; the language is
// read-only by construction.
var deniedKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"ALTER": true, "CREATE": true, "TRUNCATE": true, "GRANT": true,
	"REVOKE": true, "ATTACH": true, "DETACH": true, "RENAME": true,
	"UNION": true, "JOIN": true, "INTO": true, "SYSTEM": true,
}

// Error is a query rejection carrying the offending token for the caller's
// 400 response.
type Error struct {
	Token string
	Msg   string
}

func (e *Error) Error() string {
	if e.Token == "" {
		return "invalid query: " + e.Msg
	}
	return fmt.Sprintf("invalid query: %s near %q", e.Msg, e.Token)
}

func errf(token, format string, args ...interface{}) *Error {
	return &Error{Token: token, Msg: fmt.Sprintf(format, args...)}
}

// AggExpr is one projection term, a bare column or an aggregate call.
type AggExpr struct {
	Func   string // "", or one of the allowed aggregate names
	Column string
}

func (e AggExpr) String() string {
	if e.Func == "" {
		return e.Column
	}
	return e.Func + "(" + e.Column + ")"
}

// LiteralKind discriminates condition values.
type LiteralKind int

const (
	LitString LiteralKind = iota
	LitInt
	LitFloat
)

// Literal is a typed condition value.
type Literal struct {
	Kind  LiteralKind
	Str   string
	Int   int64
	Float float64
}

// Value returns the literal as a driver bind argument.
func (l Literal) Value() interface{} {
	switch l.Kind {
	case LitInt:
		return l.Int
	case LitFloat:
		return l.Float
	default:
		return l.Str
	}
}

func (l Literal) String() string {
	switch l.Kind {
	case LitInt:
		return strconv.FormatInt(l.Int, 10)
	case LitFloat:
		return strconv.FormatFloat(l.Float, 'g', -1, 64)
	default:
		return "'" + strings.ReplaceAll(l.Str, "'", "''") + "'"
	}
}

// Cond is one WHERE term.
type Cond struct {
	Column string
	Op     string
	Value  Literal
}

// Query is a validated statement. Every Query produced by Parse satisfies
// the identifier whitelist and carries an effective LIMIT.
type Query struct {
	Star       bool
	Projection []AggExpr
	Table      string
	Where      []Cond
	GroupBy    []string
	OrderBy    string
	OrderDir   string // "", "ASC" or "DESC"
	Limit      int
}

// String renders the canonical text form. Parsing the result yields an
// equal Query.
func (q *Query) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if q.Star {
		b.WriteString("*")
	} else {
		for i, e := range q.Projection {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(e.String())
		}
	}
	b.WriteString(" FROM ")
	b.WriteString(q.Table)
	for i, c := range q.Where {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(c.Column + " " + c.Op + " " + c.Value.String())
	}
	if len(q.GroupBy) > 0 {
		b.WriteString(" GROUP BY " + strings.Join(q.GroupBy, ", "))
	}
	if q.OrderBy != "" {
		b.WriteString(" ORDER BY " + q.OrderBy)
		if q.OrderDir != "" {
			b.WriteString(" " + q.OrderDir)
		}
	}
	fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	return b.String()
}

// ToSQL renders the parameterized ClickHouse statement and its bind
// arguments. Identifiers come only from the whitelist, so interpolating
// them is safe; literals are always bound.
func (q *Query) ToSQL() (string, []interface{}) {
	var b strings.Builder
	var args []interface{}

	b.WriteString("SELECT ")
	if q.Star {
		b.WriteString("*")
	} else {
		for i, e := range q.Projection {
			if i > 0 {
				b.WriteString(", ")
			}
			if e.Func == "" {
				b.WriteString(e.Column)
			} else {
				fmt.Fprintf(&b, allowedFuncs[e.Func], e.Column)
			}
		}
	}
	b.WriteString(" FROM " + q.Table)
	for i, c := range q.Where {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(c.Column + " " + c.Op + " ?")
		args = append(args, c.Value.Value())
	}
	if len(q.GroupBy) > 0 {
		b.WriteString(" GROUP BY " + strings.Join(q.GroupBy, ", "))
	}
	if q.OrderBy != "" {
		b.WriteString(" ORDER BY " + q.OrderBy)
		if q.OrderDir == "DESC" {
			b.WriteString(" DESC")
		}
	}
	fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	return b.String(), args
}
