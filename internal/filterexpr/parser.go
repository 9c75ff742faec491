package filterexpr

import (
	"slices"
	"strings"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

var comparisonOps = map[string]bool{
	"=": true, "==": true, "!=": true, "<>": true,
	"<": true, "<=": true, ">": true, ">=": true,
}

var reserved = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IN": true, "LIKE": true, "ILIKE": true,
	"BETWEEN": true, "IS": true,
}

type parser struct {
	src  string
	toks []token
	i    int
}

// Parse builds the AST for src. Errors are *filtererr.TranslationError of
// kind SyntaxError carrying the fragment where parsing stopped.
func Parse(src string) (Node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	if p.peek().kind == tokEOF {
		return nil, errorAt(src, 0, "empty expression")
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, errorAt(src, t.pos, "unexpected trailing input")
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) peekAt(k int) token {
	if p.i+k >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i+k]
}

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) fail(t token, detail string) error {
	return errorAt(p.src, t.pos, detail)
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, p.fail(t, "expected "+what)
	}
	return t, nil
}

func (p *parser) parseOr() (Node, error) {
	return p.parseLogical("OR", p.parseAnd)
}

func (p *parser) parseAnd() (Node, error) {
	return p.parseLogical("AND", p.parseNot)
}

func (p *parser) parseLogical(op string, sub func() (Node, error)) (Node, error) {
	first, err := sub()
	if err != nil {
		return nil, err
	}
	if !p.peek().is(op) {
		return first, nil
	}
	terms := []Node{first}
	for p.peek().is(op) {
		p.next()
		t, err := sub()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return &Logical{Op: op, Terms: terms}, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.peek().is("NOT") {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Not{X: x}, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	if t.kind == tokOp && comparisonOps[t.text] {
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &Binary{Op: t.text, L: left, R: right}, nil
	}

	if t.is("IS") {
		p.next()
		neg := false
		if p.peek().is("NOT") {
			p.next()
			neg = true
		}
		if n := p.next(); !n.is("NULL") {
			return nil, p.fail(n, "expected NULL")
		}
		return &IsNull{X: left, Negated: neg}, nil
	}

	neg := false
	if t.is("NOT") {
		nt := p.peekAt(1)
		if !nt.is("IN") && !nt.is("LIKE") && !nt.is("ILIKE") && !nt.is("BETWEEN") {
			return left, nil
		}
		p.next()
		neg = true
		t = p.peek()
	}

	switch {
	case t.is("IN"):
		p.next()
		vals, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return &In{X: left, Values: vals, Negated: neg}, nil
	case t.is("LIKE"), t.is("ILIKE"):
		p.next()
		pat, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &Like{X: left, Pattern: pat, Negated: neg, Insensitive: t.is("ILIKE")}, nil
	case t.is("BETWEEN"):
		p.next()
		lo, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if a := p.next(); !a.is("AND") {
			return nil, p.fail(a, "expected AND in BETWEEN")
		}
		hi, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &Between{X: left, Lo: lo, Hi: hi, Negated: neg}, nil
	}
	return left, nil
}

func (p *parser) parseList() ([]Node, error) {
	if _, err := p.expect(tokLParen, "( after IN"); err != nil {
		return nil, err
	}
	var out []Node
	for {
		v, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		t := p.next()
		if t.kind == tokRParen {
			return out, nil
		}
		if t.kind != tokComma {
			return nil, p.fail(t, "expected , or ) in IN list")
		}
	}
}

func (p *parser) parseAdditive() (Node, error) {
	return p.parseBinary([]string{"+", "-", "||"}, p.parseMultiplicative)
}

func (p *parser) parseMultiplicative() (Node, error) {
	return p.parseBinary([]string{"*", "/", "%"}, p.parseUnary)
}

func (p *parser) parseBinary(ops []string, sub func() (Node, error)) (Node, error) {
	left, err := sub()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || !slices.Contains(ops, t.text) {
			return left, nil
		}
		p.next()
		right, err := sub()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: t.text, L: left, R: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	if t := p.peek(); t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: t.text, X: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "::" {
		p.next()
		typ, err := p.expect(tokIdent, "type name after ::")
		if err != nil {
			return nil, err
		}
		x = &Cast{X: x, Type: typ.text}
	}
	return x, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &Literal{Kind: LitNumber, Text: t.text}, nil
	case tokString:
		return &Literal{Kind: LitString, Text: t.text}, nil
	case tokVariable:
		return &Variable{Name: t.text}, nil
	case tokLParen:
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return &Paren{X: x}, nil
	case tokQuotedIdent:
		return p.finishIdent(t.text, true)
	case tokIdent:
		up := strings.ToUpper(t.text)
		switch up {
		case "TRUE", "FALSE":
			return &Literal{Kind: LitBool, Text: up}, nil
		case "NULL":
			return &Literal{Kind: LitNull, Text: "NULL"}, nil
		}
		if reserved[up] {
			return nil, p.fail(t, "unexpected keyword "+up)
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t.text)
		}
		return p.finishIdent(t.text, false)
	case tokEOF:
		return nil, p.fail(t, "unexpected end of expression")
	default:
		return nil, p.fail(t, "unexpected "+t.text)
	}
}

func (p *parser) finishIdent(name string, quoted bool) (Node, error) {
	if p.peek().kind != tokDot {
		return &Ident{Name: name, Quoted: quoted}, nil
	}
	p.next()
	t := p.next()
	if t.kind != tokIdent && t.kind != tokQuotedIdent {
		return nil, p.fail(t, "expected field name after .")
	}
	return &Ident{Table: name, Name: t.text, Quoted: quoted || t.kind == tokQuotedIdent}, nil
}

func (p *parser) parseCall(name string) (Node, error) {
	p.next() // (
	c := &Call{Name: name}
	if p.peek().kind == tokRParen {
		p.next()
		return c, nil
	}
	for {
		a, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		c.Args = append(c.Args, a)
		t := p.next()
		if t.kind == tokRParen {
			return c, nil
		}
		if t.kind != tokComma {
			return nil, p.fail(t, "expected , or ) in argument list")
		}
	}
}

func errorAt(src string, pos int, detail string) error {
	return &filtererr.TranslationError{
		Kind:     filtererr.SyntaxError,
		Dialect:  model.DialectGeneric,
		Fragment: fragment(src, pos),
		Detail:   detail,
	}
}

// fragment is up to 24 bytes of src starting at pos, cut on a rune boundary.
func fragment(src string, pos int) string {
	if pos >= len(src) {
		return "<end>"
	}
	end := min(pos+24, len(src))
	for end < len(src) && end > pos && !isBoundary(src, end) {
		end--
	}
	return src[pos:end]
}

func isBoundary(s string, i int) bool {
	return i == len(s) || s[i] < 0x80 || s[i] >= 0xC0
}
