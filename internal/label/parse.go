package label

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokAtom
	tokNot
	tokAnd
	tokOr
	tokImplies
	tokIff
	tokLParen
	tokRParen
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of expression"
	case tokAtom:
		return "label"
	case tokNot:
		return "'!'"
	case tokAnd:
		return "'&&'"
	case tokOr:
		return "'||'"
	case tokImplies:
		return "'->'"
	case tokIff:
		return "'<->'"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	default:
		return "unknown token"
	}
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, pos: i})
			i++
		case c == '!':
			toks = append(toks, token{kind: tokNot, pos: i})
			i++
		case c == '&':
			if !strings.HasPrefix(src[i:], "&&") {
				return nil, fmt.Errorf("%w: expected '&&' at offset %d", ErrSyntax, i)
			}
			toks = append(toks, token{kind: tokAnd, pos: i})
			i += 2
		case c == '|':
			if !strings.HasPrefix(src[i:], "||") {
				return nil, fmt.Errorf("%w: expected '||' at offset %d", ErrSyntax, i)
			}
			toks = append(toks, token{kind: tokOr, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "->"):
			toks = append(toks, token{kind: tokImplies, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "<->"):
			toks = append(toks, token{kind: tokIff, pos: i})
			i += 3
		case c == '"':
			text, n, err := lexQuoted(src[i:])
			if err != nil {
				return nil, fmt.Errorf("%w at offset %d", err, i)
			}
			toks = append(toks, token{kind: tokAtom, text: text, pos: i})
			i += n
		default:
			start := i
			for i < len(src) && !atomEnd(src[i:]) {
				i++
			}
			toks = append(toks, token{kind: tokAtom, text: src[start:i], pos: start})
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

// atomEnd reports whether a bare atom stops at the start of rest.
func atomEnd(rest string) bool {
	c := rest[0]
	if unicode.IsSpace(rune(c)) {
		return true
	}
	switch c {
	case '(', ')', '!', '&', '|', '"':
		return true
	}
	return strings.HasPrefix(rest, "->") || strings.HasPrefix(rest, "<->")
}

// lexQuoted reads a double-quoted atom starting at s[0] and returns the
// unescaped text and the number of bytes consumed.
func lexQuoted(s string) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return "", 0, fmt.Errorf("%w: dangling escape in quoted label", ErrSyntax)
			}
			i++
			b.WriteByte(s[i])
		case '"':
			if b.Len() == 0 {
				return "", 0, fmt.Errorf("%w: empty quoted label", ErrSyntax)
			}
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, fmt.Errorf("%w: unterminated quoted label", ErrSyntax)
}

type parser struct {
	toks []token
	pos  int
}

// Parse parses a label expression.  Surrounding whitespace is ignored
// and an empty expression yields Any.
func Parse(expr string) (Expr, error) {
	if strings.TrimSpace(expr) == "" {
		return Any, nil
	}
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseIff()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.unexpected(t)
	}
	return e, nil
}

// MustParse is like Parse but panics on error.  It is intended for
// expressions known at compile time.
func MustParse(expr string) Expr {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) unexpected(t token) error {
	if t.kind == tokAtom {
		return fmt.Errorf("%w: unexpected label %q at offset %d", ErrSyntax, t.text, t.pos)
	}
	return fmt.Errorf("%w: unexpected %s at offset %d", ErrSyntax, t.kind, t.pos)
}

func (p *parser) parseIff() (Expr, error) {
	l, err := p.parseImplies()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIff {
		p.next()
		r, err := p.parseImplies()
		if err != nil {
			return nil, err
		}
		l = iff{l, r}
	}
	return l, nil
}

func (p *parser) parseImplies() (Expr, error) {
	l, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokImplies {
		p.next()
		r, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		l = implies{l, r}
	}
	return l, nil
}

func (p *parser) parseOr() (Expr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = or{l, r}
	}
	return l, nil
}

func (p *parser) parseAnd() (Expr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = and{l, r}
	}
	return l, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return not{x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokAtom:
		return atom(t.text), nil
	case tokLParen:
		e, err := p.parseIff()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("%w: expected ')' at offset %d", ErrSyntax, closing.pos)
		}
		return e, nil
	default:
		return nil, p.unexpected(t)
	}
}

// ValidateSet checks that every whitespace-separated label in s could be
// matched by a bare atom in an expression.  Labels containing operator
// characters would be unreachable by any request.
func ValidateSet(s string) error {
	for _, f := range strings.Fields(s) {
		toks, err := lex(f)
		if err != nil {
			return fmt.Errorf("label %q: %w", f, err)
		}
		if len(toks) != 2 || toks[0].kind != tokAtom || toks[0].text != f {
			return fmt.Errorf("%w: label %q contains operator characters", ErrSyntax, f)
		}
	}
	return nil
}
