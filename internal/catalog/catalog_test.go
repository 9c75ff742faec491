package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/layer"
)

const places = `{"type":"FeatureCollection","features":[
 {"type":"Feature","id":1,"properties":{"code":"a","pop":50},"geometry":{"type":"Point","coordinates":[0,0]}},
 {"type":"Feature","id":2,"properties":{"code":"b","pop":150},"geometry":{"type":"Point","coordinates":[1,1]}},
 {"type":"Feature","properties":{"pop":500},"geometry":{"type":"Point","coordinates":[2,2]}}
]}`

func writeCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	gj := filepath.Join(dir, "places.geojson")
	if err := os.WriteFile(gj, []byte(places), 0o600); err != nil {
		t.Fatal(err)
	}
	yml := `
layers:
  - id: places
    provider: ogr
    geometry_type: Point
    source: {path: ` + gj + `}
  - id: roads
    provider: postgres
    primary_key: gid
    crs: EPSG:3006
    subset_filter: "kind = 'main'"
    source: {dsn: "postgres://x", schema: public, table: roads, geometry_column: the_geom}
`
	p := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(p, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(p, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return c
}

func TestLoad_Descriptors(t *testing.T) {
	c := writeCatalog(t)
	ds := c.Descriptors()
	if len(ds) != 2 || ds[0].ID != "places" || ds[1].ID != "roads" {
		t.Fatalf("descriptors=%+v", ds)
	}
	if ds[0].Kind != model.GenericVectorDriver || ds[0].CRS != model.EPSG(4326) {
		t.Fatalf("places=%+v", ds[0])
	}
	r := ds[1]
	if r.Kind != model.SqlServer || r.CRS.Code != 3006 || r.GeometryColumn() != "the_geom" || !r.HasSubset() {
		t.Fatalf("roads=%+v", r)
	}
}

func TestParse_Rejects(t *testing.T) {
	bad := []string{
		"layers: [{provider: ogr, source: {path: x}}]",
		"layers: [{id: a, provider: postgres}]",
		"layers: [{id: a, provider: ogr}]",
		"layers: [{id: a, provider: ogr, crs: nope, source: {path: x}}]",
		"layers: [{id: a, source: {path: x}}, {id: a, source: {path: y}}]",
		"layers: {",
	}
	for _, y := range bad {
		if _, err := Parse([]byte(y), nil); err == nil {
			t.Fatalf("expected error for %q", y)
		}
	}
}

func TestFileLayer_FeaturesAndCount(t *testing.T) {
	c := writeCatalog(t)
	a, ok := c.Layer("places")
	if !ok {
		t.Fatalf("missing layer")
	}
	n, err := a.FeatureCount(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("count=%d err=%v", n, err)
	}
	fs, err := c.Features(context.Background(), "places", []string{"2", "3"})
	if err != nil {
		t.Fatalf("Features: %v", err)
	}
	if len(fs) != 2 || fs[0].ID != "2" || fs[1].ID != "3" {
		t.Fatalf("features=%+v", fs)
	}
	if fs[0].Properties["pop"] != 150.0 {
		t.Fatalf("props=%v", fs[0].Properties)
	}
	if _, err := c.Features(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("want ErrUnknownLayer, got %v", err)
	}
}

func TestSubsetFilter_VisibleInRefresh(t *testing.T) {
	c := writeCatalog(t)
	a, _ := c.Layer("places")
	if err := a.SetSubsetFilter("pop > 100"); err != nil {
		t.Fatal(err)
	}
	desc, err := layer.Refresh(context.Background(), a, model.LayerDescriptor{ID: "places"})
	if err != nil {
		t.Fatal(err)
	}
	if desc.SubsetFilter != "pop > 100" || desc.FeatureCount != 3 || desc.Kind != model.GenericVectorDriver {
		t.Fatalf("desc=%+v", desc)
	}
}

type fakeConn struct {
	backend.Connection
	count  uint64
	closed int
}

func (f *fakeConn) CountMatching(context.Context, model.LayerDescriptor, string) (uint64, error) {
	return f.count, nil
}

func (f *fakeConn) ReadFeatures(_ context.Context, _ model.LayerDescriptor, ids []string) ([]model.Feature, error) {
	out := make([]model.Feature, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Feature{ID: id})
	}
	return out, nil
}

func (f *fakeConn) Close() error { f.closed++; return nil }

type fakeOpener struct {
	conn *fakeConn
	kind model.BackendKind
}

func (o *fakeOpener) Open(_ context.Context, k model.BackendKind, _ model.LayerDescriptor) (backend.Connection, error) {
	o.kind = k
	return o.conn, nil
}

func TestDBLayer_ReadsThroughOpener(t *testing.T) {
	c := writeCatalog(t)
	a, _ := c.Layer("roads")
	if _, err := a.FeatureCount(context.Background()); err == nil {
		t.Fatalf("expected error without opener")
	}

	op := &fakeOpener{conn: &fakeConn{count: 42}}
	c.SetOpener(op)
	n, err := a.FeatureCount(context.Background())
	if err != nil || n != 42 || op.kind != model.SqlServer {
		t.Fatalf("n=%d err=%v kind=%v", n, err, op.kind)
	}
	fs, err := a.Features(context.Background(), []string{"7"})
	if err != nil || len(fs) != 1 || fs[0].ID != "7" {
		t.Fatalf("fs=%+v err=%v", fs, err)
	}
	if op.conn.closed != 2 {
		t.Fatalf("connections closed=%d want 2", op.conn.closed)
	}

	op.conn.count = 43
	c.Forget("roads")
	if n, _ := a.FeatureCount(context.Background()); n != 43 {
		t.Fatalf("Forget should drop the cached count, got %d", n)
	}
}
