package filterexpr

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedIdent
	tokNumber
	tokString
	tokVariable
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokDot
)

type token struct {
	kind tokenKind
	// text is the unescaped value for strings and quoted identifiers, the
	// raw source otherwise
	text string
	pos  int
}

func (t token) is(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

var twoCharOps = []string{"<=", ">=", "<>", "!=", "==", "||", "::"}

func lex(src string) ([]token, error) {
	var out []token
	i := 0
	for i < len(src) {
		r, w := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(r):
			i += w
		case r == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case r == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case r == ',':
			out = append(out, token{tokComma, ",", i})
			i++
		case r == '\'' || r == '"':
			text, n, err := lexQuoted(src, i, byte(r))
			if err != nil {
				return nil, err
			}
			kind := tokString
			if r == '"' {
				kind = tokQuotedIdent
			}
			out = append(out, token{kind, text, i})
			i += n
		case r == '.' && i+1 < len(src) && isDigit(src[i+1]):
			n := lexNumber(src[i:])
			out = append(out, token{tokNumber, src[i : i+n], i})
			i += n
		case r == '.':
			out = append(out, token{tokDot, ".", i})
			i++
		case isDigit(byte(r)) && r < utf8.RuneSelf:
			n := lexNumber(src[i:])
			out = append(out, token{tokNumber, src[i : i+n], i})
			i += n
		case r == '$':
			n := lexWord(src[i+1:])
			if n == 0 {
				return nil, errorAt(src, i, "dangling $")
			}
			out = append(out, token{tokVariable, src[i+1 : i+1+n], i})
			i += 1 + n
		case isWordStart(r):
			n := lexWord(src[i:])
			out = append(out, token{tokIdent, src[i : i+n], i})
			i += n
		default:
			op := ""
			for _, cand := range twoCharOps {
				if strings.HasPrefix(src[i:], cand) {
					op = cand
					break
				}
			}
			if op == "" && strings.ContainsRune("=<>+-*/%", r) {
				op = string(r)
			}
			if op == "" {
				return nil, errorAt(src, i, fmt.Sprintf("unexpected character %q", r))
			}
			out = append(out, token{tokOp, op, i})
			i += len(op)
		}
	}
	out = append(out, token{tokEOF, "", len(src)})
	return out, nil
}

// lexQuoted reads a literal opened by q at src[start]; a doubled q escapes it.
func lexQuoted(src string, start int, q byte) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		if src[i] == q {
			if i+1 < len(src) && src[i+1] == q {
				b.WriteByte(q)
				i += 2
				continue
			}
			return b.String(), i + 1 - start, nil
		}
		b.WriteByte(src[i])
		i++
	}
	return "", 0, errorAt(src, start, "unterminated literal")
}

func lexNumber(s string) int {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			i = j
		}
	}
	return i
}

func lexWord(s string) int {
	i := 0
	for i < len(s) {
		r, w := utf8.DecodeRuneInString(s[i:])
		if !isWordStart(r) && !unicode.IsDigit(r) {
			break
		}
		i += w
	}
	return i
}

func isWordStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
