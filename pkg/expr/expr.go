// Package expr evaluates condition-node expressions against a JSON context.
// The grammar covers literals, dotted field paths, equality and comparison
// operators, and/or/not, and parentheses.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Eval parses and evaluates an expression, coercing the result to bool.
// An empty expression is an error: a condition node must decide a branch.
func Eval(expression string, context []byte) (bool, error) {
	p := &parser{input: expression, context: context}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return false, fmt.Errorf("unexpected input at %q", p.input[p.pos:])
	}
	return truthy(v), nil
}

type parser struct {
	input   string
	pos     int
	context []byte
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) keyword(word string) bool {
	p.skipSpace()
	end := p.pos + len(word)
	if end > len(p.input) || !strings.EqualFold(p.input[p.pos:end], word) {
		return false
	}
	// Must not run into an identifier tail.
	if end < len(p.input) && isIdentChar(p.input[end]) {
		return false
	}
	p.pos = end
	return true
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *parser) parseNot() (any, error) {
	if p.keyword("not") {
		v, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseComparison()
}

var comparisonOps = []string{"==", "!=", "<=", ">=", "<", ">"}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	for _, op := range comparisonOps {
		if strings.HasPrefix(p.input[p.pos:], op) {
			p.pos += len(op)
			right, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return compare(op, left, right)
		}
	}
	return left, nil
}

func (p *parser) parsePrimary() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	c := p.input[p.pos]
	switch {
	case c == '(':
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case c == '\'' || c == '"':
		return p.parseString(c)
	case c >= '0' && c <= '9' || c == '-':
		return p.parseNumber()
	default:
		return p.parseIdent()
	}
}

func (p *parser) parseString(quote byte) (any, error) {
	start := p.pos + 1
	for i := start; i < len(p.input); i++ {
		if p.input[i] == quote {
			s := p.input[start:i]
			p.pos = i + 1
			return s, nil
		}
	}
	return nil, fmt.Errorf("unterminated string literal")
}

func (p *parser) parseNumber() (any, error) {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
		p.pos++
	}
	f, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return f, nil
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		c == '_' || c == '.' || c == '[' || c == ']'
}

func (p *parser) parseIdent() (any, error) {
	start := p.pos
	for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
		p.pos++
	}
	word := p.input[start:p.pos]
	if word == "" {
		return nil, fmt.Errorf("unexpected character %q", p.input[p.pos])
	}
	switch strings.ToLower(word) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	return pathValue(word, p.context), nil
}

func pathValue(path string, context []byte) any {
	if strings.ContainsAny(path, "[]") {
		r := strings.NewReplacer("[", ".", "]", "")
		path = strings.Trim(r.Replace(path), ".")
	}
	v := gjson.GetBytes(context, path)
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return v.Num
	case gjson.True:
		return true
	case gjson.False:
		return false
	case gjson.Null:
		return nil
	default:
		if !v.Exists() {
			return nil
		}
		return v.Raw
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != "" && x != "false"
	default:
		return true
	}
}

func compare(op string, left, right any) (any, error) {
	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}

	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		ls, lsok := left.(string)
		rs, rsok := right.(string)
		if lsok && rsok {
			switch op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
		return nil, fmt.Errorf("cannot compare %T with %T", left, right)
	}
	switch op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func equal(left, right any) bool {
	if lf, ok := toNumber(left); ok {
		if rf, ok := toNumber(right); ok {
			return lf == rf
		}
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
