package dialect

import (
	"testing"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

func TestQuoting(t *testing.T) {
	if got := QuoteIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("QuoteIdent=%s", got)
	}
	if got := QuoteString("O'Brien"); got != `'O''Brien'` {
		t.Fatalf("QuoteString=%s", got)
	}
	if got := QuoteQualified("public", "", "roads"); got != `"public"."roads"` {
		t.Fatalf("QuoteQualified=%s", got)
	}
}

func TestPlaceholdersAndBooleans(t *testing.T) {
	if Placeholder(model.DialectPostgres, 2) != "$2" {
		t.Fatalf("pg placeholder")
	}
	if Placeholder(model.DialectSpatialite, 2) != "?" || Placeholder(model.DialectDuckDB, 1) != "?" {
		t.Fatalf("? placeholder")
	}
	if Bool(model.DialectSpatialite, true) != "1" || Bool(model.DialectPostgres, false) != "FALSE" {
		t.Fatalf("bool literals")
	}
}

func TestFunctionTable(t *testing.T) {
	f, known := Function(model.DialectSpatialite, "STRPOS")
	if !known || f.Render([]string{`"name"`, `'a'`}) != `instr("name", 'a')` {
		t.Fatalf("strpos on spatialite: %+v", f)
	}
	f, known = Function(model.DialectSpatialite, "regexp_match")
	if !known || f.Supported() {
		t.Fatalf("regexp_match must be known but unsupported on spatialite")
	}
	f, _ = Function(model.DialectPostgres, "to_int")
	if got := f.Render([]string{`"pop"`}); got != `CAST("pop" AS integer)` {
		t.Fatalf("to_int on pg: %s", got)
	}
	f, _ = Function(model.DialectSpatialite, "concat")
	if got := f.Render([]string{"a", "b", "c"}); got != "(a || b || c)" {
		t.Fatalf("concat infix: %s", got)
	}
	f, _ = Function(model.DialectSpatialite, "floor")
	if got := f.Render([]string{`"x"`}); got != `(CAST("x" AS INTEGER) - ("x" < CAST("x" AS INTEGER)))` {
		t.Fatalf("floor on spatialite: %s", got)
	}
	if _, known := Function(model.DialectPostgres, "my_udf"); known {
		t.Fatalf("unknown functions are not in the table")
	}
}

func TestSpatialFragments(t *testing.T) {
	src := GeomFromWKB(model.DialectPostgres, "$1", model.EPSG(3006))
	if src != "ST_GeomFromWKB($1, 3006)" {
		t.Fatalf("GeomFromWKB=%s", src)
	}
	if got := Predicate(model.DialectSpatialite, model.Within, "t.geom", "s"); got != "ST_Within(t.geom, s) = 1" {
		t.Fatalf("spatialite predicate=%s", got)
	}
	if got := Transform(model.DialectPostgres, "g", model.EPSG(4326), model.EPSG(4326)); got != "g" {
		t.Fatalf("same-crs transform must be a no-op: %s", got)
	}
	if got := Transform(model.DialectDuckDB, "g", model.EPSG(4326), model.EPSG(3857)); got != "ST_Transform(g, 'EPSG:4326', 'EPSG:3857', always_xy := true)" {
		t.Fatalf("duckdb transform=%s", got)
	}
	if got := Buffer("g", 500); got != "ST_Buffer(g, 500)" {
		t.Fatalf("Buffer=%s", got)
	}
	if Buffer("g", 0) != "g" {
		t.Fatalf("zero buffer must be a no-op")
	}
}
