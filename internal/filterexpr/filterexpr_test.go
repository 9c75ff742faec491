package filterexpr

import (
	"errors"
	"testing"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

func mustTranslate(t *testing.T, src string, d model.Dialect, opts Options) string {
	t.Helper()
	out, err := Translate(src, d, opts)
	if err != nil {
		t.Fatalf("Translate(%q, %s): %v", src, d, err)
	}
	return out
}

func TestGenericRoundTripKeepsText(t *testing.T) {
	cases := []string{
		"pop > 100",
		`"Pop Total" >= 10 AND name LIKE 'A%'`,
		"a = 1 OR (b != 2 AND c IS NOT NULL)",
		"kind IN (1,2,3)",
		"kind NOT IN ('x','y')",
		"lower(name) = 'o''hara'",
		"height BETWEEN 10 AND 20",
		"NOT flag = TRUE",
		"$id IN (1,2)",
		"-x + 2 * (y - 1) > 0",
		"t.a = u.b",
		"code::int = 5",
		"name ILIKE '%road%'",
	}
	for _, src := range cases {
		if got := mustTranslate(t, src, model.DialectGeneric, Options{}); got != src {
			t.Fatalf("generic round-trip changed text:\n in:  %s\n out: %s", src, got)
		}
	}
}

func TestGenericNormalizesWhitespace(t *testing.T) {
	got := mustTranslate(t, "  pop   >\n100  and  x  in ( 1 , 2 )", model.DialectGeneric, Options{})
	if got != "pop > 100 AND x IN (1,2)" {
		t.Fatalf("got %q", got)
	}
}

func TestPostgresTranslation(t *testing.T) {
	got := mustTranslate(t, "pop != 100 AND to_int(code) = 3 AND flag = true", model.DialectPostgres, Options{})
	want := `"pop" <> 100 AND CAST("code" AS integer) = 3 AND "flag" = TRUE`
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}
	got = mustTranslate(t, "$id IN (1,2) AND $area > 10", model.DialectPostgres, Options{GeometryColumn: "the_geom"})
	if got != `ctid IN (1,2) AND ST_Area("the_geom") > 10` {
		t.Fatalf("variables: %s", got)
	}
}

func TestSpatialiteTranslation(t *testing.T) {
	got := mustTranslate(t, "name ILIKE 'a%' AND ok = FALSE AND strpos(name, 'x') > 0 AND code::int = 1",
		model.DialectSpatialite, Options{PrimaryKey: "fid"})
	want := `"name" LIKE 'a%' AND "ok" = 0 AND instr("name", 'x') > 0 AND CAST("code" AS INTEGER) = 1`
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}
}

func TestUnsupportedFunction(t *testing.T) {
	_, err := Translate("regexp_match(name, '^A') AND pop > 1", model.DialectSpatialite, Options{})
	var te *filtererr.TranslationError
	if !errors.As(err, &te) || te.Kind != filtererr.UnsupportedFunction {
		t.Fatalf("want UnsupportedFunction, got %v", err)
	}
	if te.Fragment != "regexp_match(" || te.Dialect != model.DialectSpatialite {
		t.Fatalf("fragment=%q dialect=%s", te.Fragment, te.Dialect)
	}
}

func TestUnknownFunctionRejectedInEverySQLDialect(t *testing.T) {
	for _, d := range []model.Dialect{model.DialectPostgres, model.DialectSpatialite, model.DialectDuckDB} {
		out, err := Translate("qgis_only_fn(pop) > 1", d, Options{})
		var te *filtererr.TranslationError
		if !errors.As(err, &te) || te.Kind != filtererr.UnsupportedFunction {
			t.Fatalf("%s: want UnsupportedFunction, got out=%q err=%v", d, out, err)
		}
		if te.Fragment != "qgis_only_fn(" {
			t.Fatalf("%s: fragment=%q", d, te.Fragment)
		}
	}
	// the generic dialect keeps the user's text as written
	if got := mustTranslate(t, "qgis_only_fn(pop) > 1", model.DialectGeneric, Options{}); got != "qgis_only_fn(pop) > 1" {
		t.Fatalf("generic got %s", got)
	}
}

func TestAmbiguousField(t *testing.T) {
	opts := Options{Tables: map[string][]string{
		"roads":  {"id", "name"},
		"cities": {"ID", "pop"},
	}}
	_, err := Translate("id = 3", model.DialectPostgres, opts)
	var te *filtererr.TranslationError
	if !errors.As(err, &te) || te.Kind != filtererr.AmbiguousField || te.Fragment != "id" {
		t.Fatalf("want AmbiguousField on id, got %v", err)
	}
	if got := mustTranslate(t, "roads.id = 3 AND pop > 1", model.DialectPostgres, opts); got != `"roads"."id" = 3 AND "pop" > 1` {
		t.Fatalf("qualified field should pass: %s", got)
	}
}

func TestSyntaxErrorsCarryFragment(t *testing.T) {
	cases := map[string]string{
		"pop >":          "<end>",
		"pop > 1 1":      "1",
		"name = 'open":   "'open",
		"a IN (1, 2":     "<end>",
		"(a = 1":         "<end>",
		"a = 1 AND OR b": "OR b",
		"a ~ b":          "~ b",
	}
	for src, frag := range cases {
		_, err := Parse(src)
		var te *filtererr.TranslationError
		if !errors.As(err, &te) || te.Kind != filtererr.SyntaxError {
			t.Fatalf("%q: want SyntaxError, got %v", src, err)
		}
		if te.Fragment != frag {
			t.Fatalf("%q: fragment=%q want %q", src, te.Fragment, frag)
		}
	}
}

func TestParse_FlattensLogicalRuns(t *testing.T) {
	n, err := Parse("a = 1 OR b = 2 OR c = 3 AND d = 4")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	or, ok := n.(*Logical)
	if !ok || or.Op != "OR" || len(or.Terms) != 3 {
		t.Fatalf("want 3-term OR, got %#v", n)
	}
	if and, ok := or.Terms[2].(*Logical); !ok || and.Op != "AND" {
		t.Fatalf("AND must bind tighter than OR")
	}
}
