package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/advisor"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/attribute"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/exprcache"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/geomcache"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/layer"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/ownerloop"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/session"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/spatial"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/taskevents"
)

type fakeLayer struct {
	layer.Adapter
	desc     model.LayerDescriptor
	features []model.Feature

	mu       sync.Mutex
	rejectOn string
}

func (l *fakeLayer) Describe() model.LayerDescriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.desc
}

func (l *fakeLayer) ProviderKind() model.BackendKind { return l.desc.Kind }
func (l *fakeLayer) CRS() model.CRS                  { return l.desc.CRS }

func (l *fakeLayer) FeatureCount(context.Context) (uint64, error) {
	return uint64(len(l.features)), nil
}

func (l *fakeLayer) SetSubsetFilter(expr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rejectOn != "" && expr == l.rejectOn {
		return errors.New("provider rejected filter")
	}
	l.desc.SubsetFilter = expr
	return nil
}

func (l *fakeLayer) subset() string { return l.Describe().SubsetFilter }

type fakeLayers struct {
	mu        sync.Mutex
	byID      map[string]*fakeLayer
	forgotten []string
}

func (f *fakeLayers) Layer(id string) (layer.Adapter, bool) {
	l, ok := f.byID[id]
	if !ok {
		return nil, false
	}
	return l, true
}

func (f *fakeLayers) Features(_ context.Context, layerID string, ids []string) ([]model.Feature, error) {
	l := f.byID[layerID]
	var out []model.Feature
	for _, ft := range l.features {
		if ids == nil || contains(ids, ft.ID) {
			out = append(out, ft)
		}
	}
	return out, nil
}

func (f *fakeLayers) Forget(id string) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, id)
	f.mu.Unlock()
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

type fakeConn struct {
	backend.Connection
	kind model.BackendKind
	b    *fakeBackends
}

func (c *fakeConn) Kind() model.BackendKind { return c.kind }
func (c *fakeConn) Dialect() model.Dialect  { return model.DialectDuckDB }
func (c *fakeConn) Close() error            { return nil }

// popAbove100 understands exactly the translated form of "pop > 100".
func (c *fakeConn) matching(desc model.LayerDescriptor, where string) []string {
	var out []string
	for _, f := range c.b.layers.byID[desc.ID].features {
		if where == "" || (strings.Contains(where, `"pop" > 100`) && f.Properties["pop"].(float64) > 100) {
			out = append(out, f.ID)
		}
	}
	return out
}

func (c *fakeConn) CountMatching(_ context.Context, desc model.LayerDescriptor, where string) (uint64, error) {
	return uint64(len(c.matching(desc, where))), nil
}

func (c *fakeConn) MatchIDs(_ context.Context, desc model.LayerDescriptor, where string) ([]string, error) {
	return c.matching(desc, where), nil
}

func (c *fakeConn) Evaluate(ctx context.Context, req backend.EvalRequest) (backend.EvalResult, error) {
	if c.b.evaluate != nil {
		return c.b.evaluate(ctx, req)
	}
	return backend.EvalResult{Matches: model.NewMatchSet(req.Target.ID, c.b.matches[req.Predicate])}, nil
}

type fakeBackends struct {
	layers   *fakeLayers
	matches  map[model.Predicate][]string
	evaluate func(context.Context, backend.EvalRequest) (backend.EvalResult, error)
}

func (b *fakeBackends) ResolveBackend(_ context.Context, desc model.LayerDescriptor) (model.BackendKind, []model.Warning) {
	return desc.Kind, nil
}

func (b *fakeBackends) Open(_ context.Context, k model.BackendKind, _ model.LayerDescriptor) (backend.Connection, error) {
	return &fakeConn{kind: k, b: b}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []taskevents.Event
}

func (r *recordingSink) Publish(ev taskevents.Event) bool {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return true
}

func point(x float64) orb.Geometry { return orb.Point{x, x} }

func square(x float64) orb.Geometry {
	return orb.Polygon{{{x, 0}, {x + 1, 0}, {x + 1, 1}, {x, 1}, {x, 0}}}
}

func fixture() *fakeLayers {
	return &fakeLayers{byID: map[string]*fakeLayer{
		"places": {
			desc: model.LayerDescriptor{ID: "places", Kind: model.GenericVectorDriver, CRS: model.EPSG(4326)},
			features: []model.Feature{
				{ID: "1", Geometry: point(0), Properties: map[string]any{"pop": 50.0}},
				{ID: "2", Geometry: point(1), Properties: map[string]any{"pop": 150.0}},
				{ID: "3", Geometry: point(2), Properties: map[string]any{"pop": 90.0}},
			},
		},
		"districts": {
			desc:     model.LayerDescriptor{ID: "districts", Kind: model.GenericVectorDriver, CRS: model.EPSG(3006)},
			features: []model.Feature{{ID: "d1", Geometry: square(0)}},
		},
		"roads": {
			desc: model.LayerDescriptor{ID: "roads", Kind: model.GenericVectorDriver, PrimaryKey: "gid", CRS: model.EPSG(3006)},
			features: []model.Feature{
				{ID: "r1", Geometry: square(0)}, {ID: "r2", Geometry: square(2)}, {ID: "r3", Geometry: square(9)},
			},
		},
	}}
}

type env struct {
	orc    *Orchestrator
	layers *fakeLayers
	b      *fakeBackends
	geoms  *geomcache.Cache
	sink   *recordingSink
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	ls := fixture()
	b := &fakeBackends{layers: ls}
	geoms := geomcache.New(geomcache.Config{}, nil)
	reg := session.New(b, nil)
	owner := ownerloop.New(nil)
	sink := &recordingSink{}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	exprs := exprcache.New(exprcache.Config{})
	orc, err := New(Deps{
		Backends:  b,
		Layers:    ls,
		Geoms:     geoms,
		Exprs:     exprs,
		Attribute: attribute.New(exprs, nil),
		Spatial:   spatial.New(b, geoms, ls, reg, spatial.Config{}, nil),
		Advisor:   advisor.New(advisor.Config{}, nil),
		Session:   reg,
		Owner:     owner,
		Events:    sink,
	}, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = orc.Close(context.Background())
		owner.Close()
	})
	return &env{orc: orc, layers: ls, b: b, geoms: geoms, sink: sink}
}

func wait(t *testing.T, h *TaskHandle) model.TaskResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("task %s did not finish: %v", h.ID(), err)
	}
	return res
}

func TestScenario_AttributeFilter(t *testing.T) {
	e := newEnv(t, Config{AutoApply: true})
	res := wait(t, e.orc.Submit(model.FilterTaskParameters{
		Source:     model.LayerDescriptor{ID: "places"},
		Expression: "pop > 100",
	}))
	if !res.Success || res.Err != nil || res.State != model.StateDone {
		t.Fatalf("res=%+v", res)
	}
	if res.Expression != "pop > 100" || res.FeatureCount != 1 {
		t.Fatalf("expression=%q count=%d", res.Expression, res.FeatureCount)
	}
	if got := e.layers.byID["places"].subset(); got != "pop > 100" {
		t.Fatalf("owner loop applied %q", got)
	}
	if len(e.sink.events) != 1 || e.sink.events[0].TaskID != res.TaskID || !e.sink.events[0].Success {
		t.Fatalf("events=%+v", e.sink.events)
	}
}

func TestScenario_BufferedOrUnion(t *testing.T) {
	e := newEnv(t, Config{})
	e.b.matches = map[model.Predicate][]string{
		model.Intersects: nil,
		model.Within:     {"r1", "r2"},
	}
	buf := 500.0
	res := wait(t, e.orc.Submit(model.FilterTaskParameters{
		Source:          model.LayerDescriptor{ID: "districts"},
		Targets:         []model.LayerDescriptor{{ID: "roads"}},
		Predicates:      []model.Predicate{model.Intersects, model.Within},
		CombineOperator: model.OpOr,
		BufferDistance:  &buf,
	}))
	if !res.Success {
		t.Fatalf("res=%+v", res)
	}
	if res.FeatureCount != 2 || len(res.FeatureIDs) != 2 {
		t.Fatalf("count=%d ids=%v", res.FeatureCount, res.FeatureIDs)
	}
	if len(res.Layers) != 1 || res.Layers[0].LayerID != "roads" || res.Layers[0].FeatureCount != 2 {
		t.Fatalf("layers=%+v", res.Layers)
	}
	if !strings.Contains(res.Expression, "gid") {
		t.Fatalf("expression should restrict on the primary key: %q", res.Expression)
	}
	if e.layers.byID["roads"].subset() != "" {
		t.Fatalf("filters must not be applied without AutoApply")
	}
	if err := e.orc.Apply(context.Background(), res); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if e.layers.byID["roads"].subset() != res.Expression {
		t.Fatalf("roads subset=%q", e.layers.byID["roads"].subset())
	}
}

func TestAttributeThenSpatial_UsesMatchingSourceFeatures(t *testing.T) {
	e := newEnv(t, Config{})
	var seen []model.GeometryPayload
	var mu sync.Mutex
	e.b.evaluate = func(_ context.Context, req backend.EvalRequest) (backend.EvalResult, error) {
		mu.Lock()
		seen = append(seen, req.Payload)
		mu.Unlock()
		return backend.EvalResult{Matches: model.NewMatchSet(req.Target.ID, []string{"r1"})}, nil
	}
	res := wait(t, e.orc.Submit(model.FilterTaskParameters{
		Source:     model.LayerDescriptor{ID: "places"},
		Expression: "pop > 100",
		Targets:    []model.LayerDescriptor{{ID: "roads"}},
		Predicates: []model.Predicate{model.Intersects},
	}))
	if !res.Success {
		t.Fatalf("res=%+v", res)
	}
	if len(seen) != 1 || len(seen[0].Provenance.FeatureIDs) != 1 || seen[0].Provenance.FeatureIDs[0] != "2" {
		t.Fatalf("source geometry should come from feature 2 only: %+v", seen)
	}
	if res.FeatureCount != 1 || len(res.Layers) != 2 || res.Layers[0].LayerID != "places" || res.Layers[1].LayerID != "roads" {
		t.Fatalf("res=%+v", res)
	}
}

func TestFeatureIDsOnly(t *testing.T) {
	e := newEnv(t, Config{})
	res := wait(t, e.orc.Submit(model.FilterTaskParameters{
		Source:     model.LayerDescriptor{ID: "places"},
		FeatureIDs: []string{"3", "1", "3"},
	}))
	if !res.Success || res.FeatureCount != 2 || res.Expression != `fid IN (1,3)` {
		t.Fatalf("res=%+v", res)
	}
}

func TestNothingToDoFails(t *testing.T) {
	e := newEnv(t, Config{})
	res := wait(t, e.orc.Submit(model.FilterTaskParameters{Source: model.LayerDescriptor{ID: "places"}}))
	if res.Success || res.State != model.StateFailed || !errors.Is(res.Err, errNothingToDo) {
		t.Fatalf("res=%+v", res)
	}
}

func TestCancel_NeverApplies(t *testing.T) {
	e := newEnv(t, Config{AutoApply: true})
	started := make(chan struct{})
	var once sync.Once
	e.b.evaluate = func(ctx context.Context, req backend.EvalRequest) (backend.EvalResult, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return backend.EvalResult{}, filtererr.ErrCancelled
	}
	h := e.orc.Submit(model.FilterTaskParameters{
		Source:     model.LayerDescriptor{ID: "places"},
		Expression: "pop > 100",
		Targets:    []model.LayerDescriptor{{ID: "roads"}},
		Predicates: []model.Predicate{model.Intersects},
	})
	<-started
	h.Cancel()
	res := wait(t, h)
	if res.State != model.StateCancelled || res.Success || !errors.Is(res.Err, filtererr.ErrCancelled) {
		t.Fatalf("res=%+v", res)
	}
	if e.layers.byID["places"].subset() != "" || len(res.Layers) != 0 {
		t.Fatalf("cancelled task must not apply")
	}
}

func TestTimeout_FailsTask(t *testing.T) {
	e := newEnv(t, Config{RoundTripTimeout: 20 * time.Millisecond})
	e.b.evaluate = func(ctx context.Context, req backend.EvalRequest) (backend.EvalResult, error) {
		<-ctx.Done()
		return backend.EvalResult{}, &filtererr.BackendTimeoutError{Kind: model.GenericVectorDriver, Op: "evaluate", Err: ctx.Err()}
	}
	res := wait(t, e.orc.Submit(model.FilterTaskParameters{
		Source:          model.LayerDescriptor{ID: "districts"},
		Targets:         []model.LayerDescriptor{{ID: "roads"}},
		Predicates:      []model.Predicate{model.Intersects},
		CombineOperator: model.OpOr,
	}))
	var te *filtererr.BackendTimeoutError
	if res.State != model.StateFailed || !errors.As(res.Err, &te) {
		t.Fatalf("res=%+v", res)
	}
}

func TestApplyFailure_RestoresPreviousFilters(t *testing.T) {
	e := newEnv(t, Config{AutoApply: true})
	e.layers.byID["places"].desc.SubsetFilter = "pop > 10"
	e.layers.byID["roads"].rejectOn = `"gid" IN ('r1')`
	e.b.matches = map[model.Predicate][]string{model.Intersects: {"r1"}}

	res := wait(t, e.orc.Submit(model.FilterTaskParameters{
		Source:     model.LayerDescriptor{ID: "places"},
		Expression: "pop > 100",
		Targets:    []model.LayerDescriptor{{ID: "roads"}},
		Predicates: []model.Predicate{model.Intersects},
		Options:    model.TaskOptions{ReplaceExisting: true},
	}))
	if res.Success || res.State != model.StateFailed {
		t.Fatalf("res=%+v", res)
	}
	if got := e.layers.byID["places"].subset(); got != "pop > 10" {
		t.Fatalf("places subset=%q want restored", got)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	e := newEnv(t, Config{})
	block := make(chan struct{})
	e.b.evaluate = func(_ context.Context, req backend.EvalRequest) (backend.EvalResult, error) {
		<-block
		return backend.EvalResult{Matches: model.MatchSet{LayerID: req.Target.ID}}, nil
	}
	h := e.orc.Submit(model.FilterTaskParameters{
		Source:     model.LayerDescriptor{ID: "districts"},
		Targets:    []model.LayerDescriptor{{ID: "roads"}},
		Predicates: []model.Predicate{model.Intersects},
	})
	var mu sync.Mutex
	var got []float64
	h.OnProgress(func(f float64) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})
	close(block)
	wait(t, h)

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 || got[len(got)-1] != 1 {
		t.Fatalf("progress=%v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("progress went backwards: %v", got)
		}
	}
}

func TestSubmit_BusyWhenWorkersTaken(t *testing.T) {
	e := newEnv(t, Config{Workers: 1})
	block := make(chan struct{})
	started := make(chan struct{})
	e.b.evaluate = func(_ context.Context, req backend.EvalRequest) (backend.EvalResult, error) {
		close(started)
		<-block
		return backend.EvalResult{Matches: model.MatchSet{LayerID: req.Target.ID}}, nil
	}
	params := model.FilterTaskParameters{
		Source:     model.LayerDescriptor{ID: "districts"},
		Targets:    []model.LayerDescriptor{{ID: "roads"}},
		Predicates: []model.Predicate{model.Intersects},
	}
	first := e.orc.Submit(params)
	<-started
	second := wait(t, e.orc.Submit(params))
	if !errors.Is(second.Err, ErrBusy) {
		t.Fatalf("second task err=%v want ErrBusy", second.Err)
	}
	close(block)
	if res := wait(t, first); !res.Success {
		t.Fatalf("first=%+v", res)
	}
	if h, ok := e.orc.Task(first.ID()); !ok || h != first {
		t.Fatalf("task lookup failed")
	}
}

func TestInvalidateLayer_DropsCachedGeometry(t *testing.T) {
	e := newEnv(t, Config{})
	params := model.FilterTaskParameters{
		Source:     model.LayerDescriptor{ID: "districts"},
		Targets:    []model.LayerDescriptor{{ID: "roads"}},
		Predicates: []model.Predicate{model.Intersects},
	}
	wait(t, e.orc.Submit(params))
	if e.geoms.Len() != 1 {
		t.Fatalf("geometry cache len=%d", e.geoms.Len())
	}
	if err := e.orc.InvalidateSchema(context.Background(), "districts"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if e.geoms.Len() != 0 || len(e.layers.forgotten) != 1 || e.layers.forgotten[0] != "districts" {
		t.Fatalf("len=%d forgotten=%v", e.geoms.Len(), e.layers.forgotten)
	}
}
