package vql

import "strings"

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokComma
	tokLParen
	tokRParen
	tokStar
)

type token struct {
	kind tokenKind
	text string
}

// lex tokenizes the input. Characters outside the language (semicolons,
// comment markers, backticks) are rejected here, before any parsing.
func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '*':
			toks = append(toks, token{tokStar, "*"})
			i++

		case c == '=':
			toks = append(toks, token{tokOp, "="})
			i++
		case c == '!':
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokOp, "!="})
				i += 2
			} else {
				return nil, errf("!", "unexpected character")
			}
		case c == '<' || c == '>':
			op := string(c)
			i++
			if i < len(input) && input[i] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{tokOp, op})

		case c == '\'':
			s, n, err := lexString(input[i:])
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, s})
			i += n

		case c >= '0' && c <= '9' || c == '-':
			j := i + 1
			for j < len(input) && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			if j == i+1 && c == '-' {
				return nil, errf("-", "unexpected character")
			}
			toks = append(toks, token{tokNumber, input[i:j]})
			i = j

		case isIdentStart(c):
			j := i + 1
			for j < len(input) && isIdentPart(input[j]) {
				j++
			}
			word := input[i:j]
			if deniedKeywords[strings.ToUpper(word)] {
				return nil, errf(word, "statement is not allowed")
			}
			toks = append(toks, token{tokIdent, word})
			i = j

		default:
			return nil, errf(string(c), "unexpected character")
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

// lexString consumes a single-quoted string starting at input[0], with ''
// as the escape for a literal quote. Returns the unescaped value and the
// number of input bytes consumed.
func lexString(input string) (string, int, error) {
	var b strings.Builder
	i := 1
	for i < len(input) {
		c := input[i]
		if c == '\'' {
			if i+1 < len(input) && input[i+1] == '\'' {
				b.WriteByte('\'')
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteByte(c)
		i++
	}
	return "", 0, errf("'", "unterminated string")
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
