package memstore

import (
	"regexp"
	"strings"
	"testing"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

func copied() model.LayerDescriptor {
	return backend.CopyDescriptor(model.LayerDescriptor{
		ID:       "trees",
		Name:     "trees",
		Provider: "geojson",
		Kind:     model.GenericVectorDriver,
		CRS:      model.EPSG(3857),
		Source:   model.DataSource{Path: "trees.geojson"},
	})
}

func TestCopyDescriptor(t *testing.T) {
	l := copied()
	if l.PrimaryKey != "fid" || l.GeometryColumn() != "geom" {
		t.Fatalf("copy layout: pk=%q geom=%q", l.PrimaryKey, l.GeometryColumn())
	}
	if !regexp.MustCompile(`^fm_copy_[0-9a-f]{16}$`).MatchString(l.TableName()) {
		t.Fatalf("copy table name: %s", l.TableName())
	}
}

func TestEvalSQL_ReprojectsWithStringCRS(t *testing.T) {
	req := backend.EvalRequest{
		Target:    copied(),
		Predicate: model.Contains,
		Payload:   model.GeometryPayload{WKB: []byte{1}, CRS: model.EPSG(4326)},
	}
	got := evalSQL(req, "")
	want := `WITH src AS (SELECT ST_Transform(ST_GeomFromWKB(?), 'EPSG:4326', 'EPSG:3857', always_xy := true) AS g) ` +
		`SELECT CAST(t."fid" AS VARCHAR) FROM "` + copied().TableName() + `" t, src s ` +
		`WHERE (ST_Intersects_Extent(t."geom", s.g)) AND (ST_Contains(t."geom", s.g))`
	if got != want {
		t.Fatalf("eval:\n got %s\nwant %s", got, want)
	}
}

func TestIndexSQL(t *testing.T) {
	got := indexSQL(copied())
	if !strings.HasSuffix(got, `USING RTREE ("geom")`) {
		t.Fatalf("index: %s", got)
	}
}

func TestCopyStatements(t *testing.T) {
	cols := []backend.Column{{Name: "height", Type: backend.ColumnNumber}, {Name: "species", Type: backend.ColumnText}}
	ddl := backend.CopyDDL(model.DialectDuckDB, copied(), "GEOMETRY", cols)
	if !strings.Contains(ddl, `("fid" VARCHAR PRIMARY KEY, "geom" GEOMETRY, "height" DOUBLE, "species" VARCHAR)`) {
		t.Fatalf("ddl: %s", ddl)
	}
	ins := backend.CopyInsert(model.DialectDuckDB, copied(), cols)
	if !strings.HasSuffix(ins, `VALUES (?, ST_GeomFromWKB(?), ?, ?)`) {
		t.Fatalf("insert: %s", ins)
	}
}

func TestReadSQL_ExcludesGeometry(t *testing.T) {
	q, args := readSQL(copied(), []string{"a"})
	if !strings.Contains(q, `* EXCLUDE ("geom")`) || len(args) != 1 {
		t.Fatalf("read: %s %v", q, args)
	}
}
