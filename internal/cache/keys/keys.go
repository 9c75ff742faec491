// Package keys builds deterministic fingerprints for cache entries and
// session artifacts.
package keys

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

var punctSpaces = regexp.MustCompile(`\s*([=<>!\.,\(\)])\s*`)

// Geometry fingerprints a prepared source geometry. nil ids means "all features".
func Geometry(layerID string, ids []string, buffer *float64, centroids bool) model.Fingerprint {
	layerNorm := sanitizeLayer(strings.TrimSpace(layerID))

	idPart := "*"
	n := 0
	if ids != nil {
		sorted := make([]string, 0, len(ids))
		for _, id := range ids {
			sorted = append(sorted, strings.TrimSpace(id))
		}
		slices.Sort(sorted)
		sorted = slices.Compact(sorted)
		idPart = strings.Join(sorted, ",")
		n = len(sorted)
	}

	bufPart := "none"
	if buffer != nil {
		bufPart = strconv.FormatFloat(*buffer, 'g', -1, 64)
	}

	canon := layerNorm + "|" + idPart + "|" + bufPart + "|" + strconv.FormatBool(centroids)
	sum := xxhash.Sum64String(canon)

	ids0 := "all"
	if ids != nil {
		ids0 = strconv.Itoa(n)
	}
	c := "0"
	if centroids {
		c = "1"
	}
	return model.Fingerprint{
		LayerID: layerID,
		Sum:     sum,
		Text:    fmt.Sprintf("geom:%s:ids=%s:b=%s:c=%s:f=%016x", layerNorm, ids0, sanitizeForKey(bufPart), c, sum),
	}
}

// Expression keys the expression cache on the exact raw text plus options.
func Expression(raw string, d model.Dialect, sanitize, merge bool) string {
	sum := xxhash.Sum64String(raw)
	return fmt.Sprintf("expr:%s:s=%t:m=%t:len=%d:f=%016x", d, sanitize, merge, len(raw), sum)
}

// Artifact derives a backend-safe table or view name from content parts.
// The same parts always give the same name so repeated filters reuse it.
func Artifact(prefix string, parts ...string) string {
	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.WriteString(normalizeFilters(p))
		_, _ = h.WriteString("\x00")
	}
	return fmt.Sprintf("%s_%016x", prefix, h.Sum64())
}

// LayerIndex is the Redis set holding every payload key of one layer.
func LayerIndex(layerID string) string {
	return "geomidx:" + sanitizeLayer(strings.TrimSpace(layerID))
}

func normalizeFilters(s string) string {
	if s == "" {
		return ""
	}
	s = collapseASCIIWhitespace(strings.TrimSpace(s))
	return punctSpaces.ReplaceAllString(s, "$1")
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isASCIIWhitespace(r):
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '=' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func sanitizeLayer(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isASCIIWhitespace(r):
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if isASCIIWhitespace(r) {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isASCIIWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
