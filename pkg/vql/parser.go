package vql

import (
	"strconv"
	"strings"
)

// Parse validates and compiles one statement. The returned Query always has
// an effective LIMIT; absent clauses get DefaultLimit.
func Parse(input string) (*Query, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, errf(p.peek().text, "unexpected trailing input")
	}
	return q, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// acceptKeyword consumes the next token when it is the given keyword
// (case-insensitive).
func (p *parser) acceptKeyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return errf(p.peek().text, "expected %s", kw)
	}
	return nil
}

func (p *parser) parseQuery() (*Query, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	q := &Query{Limit: DefaultLimit}

	if p.peek().kind == tokStar {
		p.next()
		q.Star = true
	} else {
		for {
			e, err := p.parseAggExpr()
			if err != nil {
				return nil, err
			}
			q.Projection = append(q.Projection, e)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	tbl := p.next()
	if tbl.kind != tokIdent {
		return nil, errf(tbl.text, "expected table name")
	}
	table := strings.ToLower(tbl.text)
	if !allowedTables[table] {
		return nil, errf(tbl.text, "unknown table")
	}
	q.Table = table

	if p.acceptKeyword("WHERE") {
		for {
			c, err := p.parseCond()
			if err != nil {
				return nil, err
			}
			q.Where = append(q.Where, c)
			if len(q.Where) > MaxWhereTerms {
				return nil, errf(c.Column, "too many WHERE terms (max %d)", MaxWhereTerms)
			}
			if !p.acceptKeyword("AND") {
				break
			}
		}
	}

	if p.acceptKeyword("GROUP") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			col, err := p.parseColumn()
			if err != nil {
				return nil, err
			}
			q.GroupBy = append(q.GroupBy, col)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}

	if p.acceptKeyword("ORDER") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		col, err := p.parseColumn()
		if err != nil {
			return nil, err
		}
		q.OrderBy = col
		if p.acceptKeyword("ASC") {
			q.OrderDir = "ASC"
		} else if p.acceptKeyword("DESC") {
			q.OrderDir = "DESC"
		}
	}

	if p.acceptKeyword("LIMIT") {
		t := p.next()
		if t.kind != tokNumber {
			return nil, errf(t.text, "expected LIMIT value")
		}
		n, err := strconv.Atoi(t.text)
		if err != nil || n <= 0 {
			return nil, errf(t.text, "LIMIT must be a positive integer")
		}
		if n > MaxLimit {
			return nil, errf(t.text, "LIMIT exceeds maximum %d", MaxLimit)
		}
		q.Limit = n
	}

	return q, nil
}

func (p *parser) parseAggExpr() (AggExpr, error) {
	t := p.next()
	if t.kind != tokIdent {
		return AggExpr{}, errf(t.text, "expected column or aggregate")
	}
	fn := strings.ToUpper(t.text)
	if _, ok := allowedFuncs[fn]; ok && p.peek().kind == tokLParen {
		p.next()
		col, err := p.parseColumn()
		if err != nil {
			return AggExpr{}, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return AggExpr{}, errf(closing.text, "expected )")
		}
		return AggExpr{Func: fn, Column: col}, nil
	}
	col := strings.ToLower(t.text)
	if !allowedColumns[col] {
		return AggExpr{}, errf(t.text, "unknown column")
	}
	return AggExpr{Column: col}, nil
}

func (p *parser) parseColumn() (string, error) {
	t := p.next()
	if t.kind != tokIdent {
		return "", errf(t.text, "expected column name")
	}
	col := strings.ToLower(t.text)
	if !allowedColumns[col] {
		return "", errf(t.text, "unknown column")
	}
	return col, nil
}

func (p *parser) parseCond() (Cond, error) {
	col, err := p.parseColumn()
	if err != nil {
		return Cond{}, err
	}
	op := p.next()
	if op.kind != tokOp || !allowedOps[op.text] {
		return Cond{}, errf(op.text, "expected comparison operator")
	}
	lit, err := p.parseLiteral()
	if err != nil {
		return Cond{}, err
	}
	return Cond{Column: col, Op: op.text, Value: lit}, nil
}

func (p *parser) parseLiteral() (Literal, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return Literal{Kind: LitString, Str: t.text}, nil
	case tokNumber:
		if !strings.Contains(t.text, ".") {
			n, err := strconv.ParseInt(t.text, 10, 64)
			if err == nil {
				return Literal{Kind: LitInt, Int: n}, nil
			}
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return Literal{}, errf(t.text, "bad numeric literal")
		}
		return Literal{Kind: LitFloat, Float: f}, nil
	default:
		return Literal{}, errf(t.text, "expected literal")
	}
}
