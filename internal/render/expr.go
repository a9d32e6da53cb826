package render

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hexamarkco/kifersaude-sub001/internal/condition"
)

// Expression grammar:
//
//	expr  = call | ident | string | int
//	call  = ident "(" [ expr { "," expr } ] ")"
//
// Every value is a string. Evaluation reads only the variables map; functions are
// pure and there is no clock, so the same input always renders the same output.

var (
	ErrSyntax          = errors.New("expression syntax error")
	ErrUnknownVariable = errors.New("unknown variable")
	ErrUnknownFunction = errors.New("unknown function")
	ErrArity           = errors.New("wrong number of arguments")
	ErrBadArgument     = errors.New("invalid argument")
)

const maxDepth = 16

type function struct {
	minArgs, maxArgs int // maxArgs < 0 means variadic
	call             func(args []string) (string, error)
}

var functions = map[string]function{
	"if": {3, 3, func(a []string) (string, error) {
		if truthy(a[0]) {
			return a[1], nil
		}
		return a[2], nil
	}},
	"concat": {0, -1, func(a []string) (string, error) {
		return strings.Join(a, ""), nil
	}},
	"upper": {1, 1, func(a []string) (string, error) { return strings.ToUpper(a[0]), nil }},
	"lower": {1, 1, func(a []string) (string, error) { return strings.ToLower(a[0]), nil }},
	"capitalize": {1, 1, func(a []string) (string, error) {
		return capitalize(a[0]), nil
	}},
	"len": {1, 1, func(a []string) (string, error) {
		return strconv.Itoa(utf8.RuneCountInString(a[0])), nil
	}},
	"add_days": {2, 2, func(a []string) (string, error) {
		t, ok := parseDate(a[0])
		if !ok {
			return "", fmt.Errorf("add_days: %w: date %q", ErrBadArgument, a[0])
		}
		n, err := strconv.Atoi(strings.TrimSpace(a[1]))
		if err != nil {
			return "", fmt.Errorf("add_days: %w: days %q", ErrBadArgument, a[1])
		}
		return t.AddDate(0, 0, n).Format(DateLayout), nil
	}},
	"format_date": {1, 2, func(a []string) (string, error) {
		t, ok := parseDate(a[0])
		if !ok {
			return "", fmt.Errorf("format_date: %w: date %q", ErrBadArgument, a[0])
		}
		style := "date"
		if len(a) == 2 {
			style = strings.ToLower(strings.TrimSpace(a[1]))
		}
		switch style {
		case "date":
			return t.Format(DateLayout), nil
		case "datetime":
			return t.Format(DateLayout + " 15:04"), nil
		case "iso":
			return t.Format("2006-01-02"), nil
		default:
			return "", fmt.Errorf("format_date: %w: style %q", ErrBadArgument, a[1])
		}
	}},
	"default": {2, 2, func(a []string) (string, error) {
		if strings.TrimSpace(a[0]) == "" {
			return a[1], nil
		}
		return a[0], nil
	}},
}

// Functions returns the names of the available expression functions.
func Functions() []string {
	names := make([]string, 0, len(functions))
	for name := range functions {
		names = append(names, name)
	}
	return names
}

// Eval evaluates a single expression against vars.
func Eval(src string, vars map[string]string) (string, error) {
	p := &parser{src: src, vars: vars}
	v, err := p.expr(0)
	if err != nil {
		return "", err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return "", fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, p.src[p.pos:], p.pos)
	}
	return v, nil
}

type parser struct {
	src  string
	pos  int
	vars map[string]string
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expr(depth int) (string, error) {
	if depth > maxDepth {
		return "", fmt.Errorf("%w: nesting too deep", ErrSyntax)
	}
	p.skipSpace()
	c := p.peek()
	switch {
	case c == '"' || c == '\'':
		return p.str()
	case c == '-' || isDigit(c):
		return p.integer()
	case isIdentStart(c):
		name := p.ident()
		p.skipSpace()
		if p.peek() == '(' {
			p.pos++
			return p.call(name, depth)
		}
		v, ok := p.vars[strings.ToLower(name)]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownVariable, name)
		}
		return v, nil
	default:
		return "", fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, string(c), p.pos)
	}
}

func (p *parser) call(name string, depth int) (string, error) {
	fn, ok := functions[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}

	var args []string
	p.skipSpace()
	if p.peek() == ')' {
		p.pos++
	} else {
		for {
			v, err := p.expr(depth + 1)
			if err != nil {
				return "", err
			}
			args = append(args, v)
			p.skipSpace()
			switch p.peek() {
			case ',':
				p.pos++
				continue
			case ')':
				p.pos++
			default:
				return "", fmt.Errorf("%w: expected ',' or ')' at %d", ErrSyntax, p.pos)
			}
			break
		}
	}

	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return "", fmt.Errorf("%s: %w: got %d", name, ErrArity, len(args))
	}
	return fn.call(args)
}

func (p *parser) str() (string, error) {
	quote := p.src[p.pos]
	p.pos++
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == '\\' && p.pos+1 < len(p.src):
			b.WriteByte(p.src[p.pos+1])
			p.pos += 2
		case c == quote:
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", fmt.Errorf("%w: unterminated string", ErrSyntax)
}

func (p *parser) integer() (string, error) {
	start := p.pos
	if p.peek() == '-' {
		p.pos++
	}
	for isDigit(p.peek()) {
		p.pos++
	}
	lit := p.src[start:p.pos]
	if _, err := strconv.Atoi(lit); err != nil {
		return "", fmt.Errorf("%w: bad number %q", ErrSyntax, lit)
	}
	return lit, nil
}

func (p *parser) ident() string {
	start := p.pos
	for p.pos < len(p.src) && (isIdentStart(p.src[p.pos]) || isDigit(p.src[p.pos])) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "nao", "não":
		return false
	default:
		return true
	}
}

func capitalize(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

// parseDate accepts the rendered lead date layout plus the layouts conditions accept.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, true
	}
	return condition.ParseDate(s)
}
