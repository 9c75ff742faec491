package dialect

import (
	"strconv"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

var predicateFuncs = map[model.Predicate]string{
	model.Intersects: "ST_Intersects",
	model.Contains:   "ST_Contains",
	model.Within:     "ST_Within",
	model.Touches:    "ST_Touches",
	model.Crosses:    "ST_Crosses",
	model.Overlaps:   "ST_Overlaps",
	model.Disjoint:   "ST_Disjoint",
	model.Equals:     "ST_Equals",
}

// Predicate renders pred(target, source) as a boolean SQL condition.
// SpatiaLite predicates return -1 on error, so they are compared to 1.
func Predicate(d model.Dialect, p model.Predicate, target, source string) string {
	fn, ok := predicateFuncs[p]
	if !ok {
		fn = "ST_Intersects"
	}
	call := fn + "(" + target + ", " + source + ")"
	if d == model.DialectSpatialite {
		return call + " = 1"
	}
	return call
}

// GeomFromWKB decodes a bound WKB parameter. DuckDB geometries carry no SRID.
func GeomFromWKB(d model.Dialect, param string, crs model.CRS) string {
	if d == model.DialectDuckDB || crs.IsZero() {
		return "ST_GeomFromWKB(" + param + ")"
	}
	return "ST_GeomFromWKB(" + param + ", " + strconv.Itoa(crs.Code) + ")"
}

// Transform reprojects geom. from is only needed by DuckDB, which has no
// SRID on the geometry value.
func Transform(d model.Dialect, geom string, from, to model.CRS) string {
	if from.Equal(to) || to.IsZero() {
		return geom
	}
	if d == model.DialectDuckDB {
		return "ST_Transform(" + geom + ", " + QuoteString(from.String()) + ", " + QuoteString(to.String()) + ", always_xy := true)"
	}
	return "ST_Transform(" + geom + ", " + strconv.Itoa(to.Code) + ")"
}

// SetSRID tags a geometry with crs after an operation that drops it.
func SetSRID(d model.Dialect, geom string, crs model.CRS) string {
	if d == model.DialectDuckDB || crs.IsZero() {
		return geom
	}
	return "ST_SetSRID(" + geom + ", " + strconv.Itoa(crs.Code) + ")"
}

func Buffer(geom string, dist float64) string {
	if dist == 0 {
		return geom
	}
	return "ST_Buffer(" + geom + ", " + strconv.FormatFloat(dist, 'g', -1, 64) + ")"
}

func MakeValid(geom string) string {
	return "ST_MakeValid(" + geom + ")"
}

// Envelope is the bounding-box test used as an index prefilter.
func Envelope(d model.Dialect, target, source string) string {
	switch d {
	case model.DialectPostgres:
		return target + " && " + source
	case model.DialectDuckDB:
		return "ST_Intersects_Extent(" + target + ", " + source + ")"
	default:
		return "MbrIntersects(" + target + ", " + source + ") = 1"
	}
}
