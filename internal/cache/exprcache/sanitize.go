package exprcache

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
)

var forbiddenVerbs = map[string]bool{
	"DROP": true, "DELETE": true, "INSERT": true, "UPDATE": true, "ALTER": true,
	"CREATE": true, "TRUNCATE": true, "GRANT": true, "REVOKE": true, "ATTACH": true,
	"DETACH": true, "PRAGMA": true, "VACUUM": true, "EXEC": true, "EXECUTE": true,
	"COPY": true, "MERGE": true, "CALL": true,
}

// Sanitize strips SQL comments and collapses whitespace outside quoted
// literals, then rejects statement separators and data or schema mutating
// verbs. It is a guard against injection, not a parser.
func Sanitize(expr string) (string, error) {
	var b strings.Builder
	b.Grow(len(expr))
	pendingSpace := false

	emit := func(s string) {
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteString(s)
	}

	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == '\'' || c == '"':
			end := quotedEnd(expr, i, c)
			emit(expr[i:end])
			i = end
		case c == '-' && strings.HasPrefix(expr[i:], "--"):
			nl := strings.IndexByte(expr[i:], '\n')
			if nl < 0 {
				i = len(expr)
			} else {
				i += nl + 1
			}
			pendingSpace = true
		case c == '/' && strings.HasPrefix(expr[i:], "/*"):
			end := strings.Index(expr[i+2:], "*/")
			if end < 0 {
				i = len(expr)
			} else {
				i += 2 + end + 2
			}
			pendingSpace = true
		case c == ';':
			return "", &filtererr.UnsafeExpressionError{Fragment: around(expr, i), Reason: "statement separator"}
		case isSpace(c):
			pendingSpace = true
			i++
		default:
			r, w := utf8.DecodeRuneInString(expr[i:])
			if isWordRune(r) {
				end := i
				for end < len(expr) {
					r2, w2 := utf8.DecodeRuneInString(expr[end:])
					if !isWordRune(r2) {
						break
					}
					end += w2
				}
				word := expr[i:end]
				if forbiddenVerbs[strings.ToUpper(word)] {
					return "", &filtererr.UnsafeExpressionError{Fragment: around(expr, i), Reason: "forbidden keyword " + strings.ToUpper(word)}
				}
				emit(word)
				i = end
				continue
			}
			emit(expr[i : i+w])
			i += w
		}
	}
	return b.String(), nil
}

// quotedEnd returns the index just past the literal opened at start. An
// unterminated literal runs to the end of input.
func quotedEnd(s string, start int, q byte) int {
	i := start + 1
	for i < len(s) {
		if s[i] == q {
			if i+1 < len(s) && s[i+1] == q {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(s)
}

func around(s string, pos int) string {
	end := min(pos+32, len(s))
	for end < len(s) && !utf8.RuneStart(s[end]) {
		end--
	}
	return strings.TrimSpace(s[pos:end])
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
