// Package geomprep turns source features into the single geometry a
// spatial predicate is evaluated against.
package geomprep

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
)

var (
	errEmpty      = errors.New("empty geometry")
	errNonFinite  = errors.New("non-finite coordinate")
	errDegenerate = errors.New("degenerate geometry")
)

// ringCheckLimit bounds the quadratic self-intersection scan. Larger rings
// are handed to the backend for repair unchecked.
const ringCheckLimit = 2000

type repaired struct {
	geom orb.Geometry
	// invalid rings remain; the backend must run ST_MakeValid
	serverRepair bool
	// the geometry was replaced by its envelope
	envelope bool
}

// repair runs the strategies in order: reorder and close rings, simplify,
// flag for server-side make-valid, and finally fall back to the envelope.
func repair(g orb.Geometry, tolerance float64) (repaired, error) {
	if g == nil {
		return repaired{}, errEmpty
	}
	if !finite(g) {
		return repaired{}, errNonFinite
	}
	fixed, ok := reorder(orb.Clone(g))
	if ok && !selfIntersects(fixed) {
		return repaired{geom: fixed}, nil
	}
	if ok && tolerance > 0 {
		s := simplify.DouglasPeucker(tolerance).Simplify(orb.Clone(fixed))
		if s, ok2 := reorder(s); ok2 && !selfIntersects(s) {
			return repaired{geom: s}, nil
		}
	}
	if ok {
		return repaired{geom: fixed, serverRepair: true}, nil
	}
	b := g.Bound()
	if isAreal(g) && b.Max.X() > b.Min.X() && b.Max.Y() > b.Min.Y() {
		return repaired{geom: b.ToPolygon(), envelope: true}, nil
	}
	return repaired{}, errDegenerate
}

func isAreal(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon, orb.Ring, orb.Bound:
		return true
	}
	return false
}

func finite(g orb.Geometry) bool {
	ok := true
	eachPoint(g, func(p orb.Point) {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			ok = false
		}
	})
	return ok
}

func eachPoint(g orb.Geometry, fn func(orb.Point)) {
	switch g := g.(type) {
	case orb.Point:
		fn(g)
	case orb.MultiPoint:
		for _, p := range g {
			fn(p)
		}
	case orb.LineString:
		for _, p := range g {
			fn(p)
		}
	case orb.Ring:
		for _, p := range g {
			fn(p)
		}
	case orb.MultiLineString:
		for _, ls := range g {
			eachPoint(ls, fn)
		}
	case orb.Polygon:
		for _, r := range g {
			eachPoint(r, fn)
		}
	case orb.MultiPolygon:
		for _, p := range g {
			eachPoint(p, fn)
		}
	case orb.Collection:
		for _, c := range g {
			eachPoint(c, fn)
		}
	case orb.Bound:
		fn(g.Min)
		fn(g.Max)
	}
}

// reorder drops repeated vertices, closes rings and orients shells
// counter-clockwise and holes clockwise. It reports false when a part
// collapses below its minimum vertex count.
func reorder(g orb.Geometry) (orb.Geometry, bool) {
	switch g := g.(type) {
	case orb.Point:
		return g, true
	case orb.MultiPoint:
		return g, len(g) > 0
	case orb.LineString:
		ls := orb.LineString(dedupe(g))
		return ls, len(ls) >= 2
	case orb.MultiLineString:
		out := make(orb.MultiLineString, 0, len(g))
		for _, ls := range g {
			l, ok := reorder(ls)
			if !ok {
				return g, false
			}
			out = append(out, l.(orb.LineString))
		}
		return out, len(out) > 0
	case orb.Ring:
		p, ok := reorderPolygon(orb.Polygon{g})
		if !ok {
			return g, false
		}
		return p, true
	case orb.Polygon:
		return reorderPolygon(g)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, 0, len(g))
		for _, p := range g {
			r, ok := reorderPolygon(p)
			if !ok {
				return g, false
			}
			out = append(out, r)
		}
		return out, len(out) > 0
	case orb.Bound:
		return g.ToPolygon(), g.Max.X() > g.Min.X() && g.Max.Y() > g.Min.Y()
	case orb.Collection:
		out := make(orb.Collection, 0, len(g))
		for _, c := range g {
			r, ok := reorder(c)
			if !ok {
				return g, false
			}
			out = append(out, r)
		}
		return out, len(out) > 0
	}
	return g, false
}

func reorderPolygon(p orb.Polygon) (orb.Polygon, bool) {
	if len(p) == 0 {
		return p, false
	}
	out := make(orb.Polygon, 0, len(p))
	for i, r := range p {
		r = orb.Ring(dedupe(r))
		if len(r) > 0 && !r.Closed() {
			r = append(r, r[0])
		}
		if len(r) < 4 {
			return p, false
		}
		want := orb.CCW
		if i > 0 {
			want = orb.CW
		}
		if r.Orientation() != want {
			r.Reverse()
		}
		out = append(out, r)
	}
	return out, true
}

func dedupe(pts []orb.Point) []orb.Point {
	out := make([]orb.Point, 0, len(pts))
	for i, p := range pts {
		if i > 0 && p.Equal(pts[i-1]) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func selfIntersects(g orb.Geometry) bool {
	switch g := g.(type) {
	case orb.Polygon:
		for _, r := range g {
			if ringSelfIntersects(r) {
				return true
			}
		}
	case orb.MultiPolygon:
		for _, p := range g {
			if selfIntersects(p) {
				return true
			}
		}
	case orb.Collection:
		for _, c := range g {
			if selfIntersects(c) {
				return true
			}
		}
	}
	return false
}

// ringSelfIntersects reports whether two non-adjacent edges of a closed
// ring touch. Too-large rings report true so the backend validates them.
func ringSelfIntersects(r orb.Ring) bool {
	n := len(r) - 1
	if n > ringCheckLimit {
		return true
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(r[i], r[i+1], r[j], r[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}
