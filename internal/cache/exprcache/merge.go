package exprcache

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/filterexpr"
)

// MergeDuplicateInClauses unions IN lists on the same field that are joined
// by the same operator: positive INs under OR and NOT INs under AND. The
// merged clause takes the place and field spelling of the first occurrence;
// its values are de-duplicated and sorted. Anything else, including mixed
// operators on one field, is left alone. Text that does not parse is
// returned unchanged.
func MergeDuplicateInClauses(expr string) string {
	n, err := filterexpr.Parse(expr)
	if err != nil {
		return expr
	}
	out, changed := mergeNode(n)
	if !changed {
		return expr
	}
	return filterexpr.MustPrintGeneric(out)
}

func mergeNode(n filterexpr.Node) (filterexpr.Node, bool) {
	switch x := n.(type) {
	case *filterexpr.Paren:
		inner, ch := mergeNode(x.X)
		x.X = inner
		return x, ch
	case *filterexpr.Not:
		inner, ch := mergeNode(x.X)
		x.X = inner
		return x, ch
	case *filterexpr.Logical:
		changed := false
		for i, t := range x.Terms {
			nt, ch := mergeNode(t)
			x.Terms[i] = nt
			changed = changed || ch
		}
		if mergeTerms(x) {
			changed = true
		}
		if len(x.Terms) == 1 {
			return x.Terms[0], changed
		}
		return x, changed
	}
	return n, false
}

// mergeTerms merges sibling IN terms of one logical node in place.
func mergeTerms(l *filterexpr.Logical) bool {
	negated := l.Op == "AND"
	first := map[string]*filterexpr.In{}
	var kept []filterexpr.Node
	merged := map[*filterexpr.In]bool{}

	for _, t := range l.Terms {
		in, key, ok := mergeableIn(t, negated)
		if !ok {
			kept = append(kept, t)
			continue
		}
		head, seen := first[key]
		if !seen {
			first[key] = in
			kept = append(kept, t)
			continue
		}
		head.Values = append(head.Values, in.Values...)
		merged[head] = true
	}
	if len(merged) == 0 {
		return false
	}
	for in := range merged {
		in.Values = normalizeValues(in.Values)
	}
	l.Terms = kept
	return true
}

func mergeableIn(t filterexpr.Node, negated bool) (*filterexpr.In, string, bool) {
	in, ok := filterexpr.Unparen(t).(*filterexpr.In)
	if !ok || in.Negated != negated {
		return nil, "", false
	}
	id, ok := in.X.(*filterexpr.Ident)
	if !ok {
		return nil, "", false
	}
	for _, v := range in.Values {
		lit, ok := v.(*filterexpr.Literal)
		if !ok || (lit.Kind != filterexpr.LitNumber && lit.Kind != filterexpr.LitString) {
			return nil, "", false
		}
	}
	key := id.Table + "." + id.Name
	if !id.Quoted {
		key = strings.ToLower(key)
	}
	return in, key, true
}

type inValue struct {
	lit *filterexpr.Literal
	num float64
}

func normalizeValues(vals []filterexpr.Node) []filterexpr.Node {
	seen := map[string]bool{}
	allNumeric := true
	var out []inValue
	for _, v := range vals {
		lit := v.(*filterexpr.Literal)
		var key string
		iv := inValue{lit: lit}
		if lit.Kind == filterexpr.LitNumber {
			f, err := strconv.ParseFloat(lit.Text, 64)
			if err != nil {
				key = "n:" + lit.Text
				allNumeric = false
			} else {
				key = "n:" + strconv.FormatFloat(f, 'g', -1, 64)
				iv.num = f
			}
		} else {
			key = "s:" + lit.Text
			allNumeric = false
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, iv)
	}
	if allNumeric {
		slices.SortStableFunc(out, func(a, b inValue) int { return cmp.Compare(a.num, b.num) })
	} else {
		slices.SortStableFunc(out, func(a, b inValue) int { return strings.Compare(a.lit.Text, b.lit.Text) })
	}
	nodes := make([]filterexpr.Node, len(out))
	for i, v := range out {
		nodes[i] = v.lit
	}
	return nodes
}
