package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/layer"
)

func TestParseTaskRequest_Full(t *testing.T) {
	body := `{"source":"districts","targets":["roads"," "],"expression":"pop > 100",
	  "predicates":["intersects","WITHIN"],"operator":"or","buffer":500,
	  "options":{"existing_operator":"and not","timeout":"2s","materialize":"never"}}`
	p, err := ParseTaskRequest(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Source.ID != "districts" || len(p.Targets) != 1 || p.Targets[0].ID != "roads" {
		t.Fatalf("layers=%+v %+v", p.Source, p.Targets)
	}
	if len(p.Predicates) != 2 || p.Predicates[1] != model.Within || p.CombineOperator != model.OpOr {
		t.Fatalf("predicates=%v op=%s", p.Predicates, p.CombineOperator)
	}
	if p.Buffer() != 500 || p.Options.ExistingFilterOperator != model.OpAndNot ||
		p.Options.RoundTripTimeout != 2*time.Second || p.Options.Materialize != model.MaterializeNever {
		t.Fatalf("options=%+v buffer=%v", p.Options, p.Buffer())
	}
}

func TestParseTaskRequest_Rejects(t *testing.T) {
	bad := []string{
		`{}`,
		`{"source":"a","bogus":1}`,
		`{"source":"a","targets":["b"]}`,
		`{"source":"a","targets":["b"],"predicates":["near"]}`,
		`{"source":"a","operator":"and not"}`,
		`{"source":"a","options":{"timeout":"soon"}}`,
		`{"source":"a","options":{"materialize":"sometimes"}}`,
		`{"source":"a","buffer":-1}`,
		`not json`,
	}
	for _, b := range bad {
		if _, err := ParseTaskRequest(strings.NewReader(b)); err == nil {
			t.Fatalf("expected error for %s", b)
		}
	}
}

type fakeTask struct {
	id       string
	res      model.TaskResult
	done     chan struct{}
	mu       sync.Mutex
	canceled bool
}

func newFakeTask(id string, res *model.TaskResult) *fakeTask {
	ft := &fakeTask{id: id, done: make(chan struct{})}
	if res != nil {
		ft.res = *res
		close(ft.done)
	}
	return ft
}

func (f *fakeTask) ID() string            { return f.id }
func (f *fakeTask) Progress() float64     { return 0.5 }
func (f *fakeTask) Done() <-chan struct{} { return f.done }
func (f *fakeTask) Cancel() {
	f.mu.Lock()
	f.canceled = true
	f.mu.Unlock()
}

func (f *fakeTask) Snapshot() (model.TaskResult, bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return model.TaskResult{TaskID: f.id, State: model.StatePerBackendFiltering}, false
	}
}

type fakeService struct {
	mu          sync.Mutex
	next        *fakeTask
	tasks       map[string]*fakeTask
	submitted   []model.FilterTaskParameters
	applied     []model.TaskResult
	invalidated []string
}

func (s *fakeService) Submit(p model.FilterTaskParameters) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, p)
	s.tasks[s.next.id] = s.next
	return s.next
}

func (s *fakeService) Task(id string) (Task, bool) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t, true
}

func (s *fakeService) Apply(_ context.Context, res model.TaskResult) error {
	s.applied = append(s.applied, res)
	return nil
}

func (s *fakeService) CleanupSession(context.Context) (int, error) { return 3, nil }

func (s *fakeService) InvalidateLayer(_ context.Context, id string) error {
	s.invalidated = append(s.invalidated, id)
	return nil
}

type fakeLayer struct {
	layer.Adapter
	desc model.LayerDescriptor
}

func (l fakeLayer) Describe() model.LayerDescriptor { return l.desc }
func (l fakeLayer) FeatureCount(context.Context) (uint64, error) {
	return 12, nil
}

type layers map[string]fakeLayer

func (m layers) Layer(id string) (layer.Adapter, bool) {
	l, ok := m[id]
	if !ok {
		return nil, false
	}
	return l, true
}

func newServer(svc *fakeService) http.Handler {
	r := chi.NewRouter()
	ls := layers{"roads": {desc: model.LayerDescriptor{ID: "roads", Name: "Roads", Kind: model.SqlServer, CRS: model.EPSG(3006)}}}
	New(svc, ls, nil).Mount(r)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func TestSubmit_AcceptedThenDone(t *testing.T) {
	svc := &fakeService{tasks: map[string]*fakeTask{}, next: newFakeTask("t1", nil)}
	h := newServer(svc)

	rr := do(h, http.MethodPost, "/tasks", `{"source":"places","expression":"pop > 100"}`)
	if rr.Code != http.StatusAccepted || rr.Header().Get("Location") != "/tasks/t1" {
		t.Fatalf("status=%d location=%q", rr.Code, rr.Header().Get("Location"))
	}
	var out taskResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.TaskID != "t1" || out.State != "per_backend_filtering" || out.Result != nil {
		t.Fatalf("out=%+v", out)
	}

	svc.tasks["t1"].res = model.TaskResult{TaskID: "t1", State: model.StateDone, Success: true, Expression: "pop > 100", FeatureCount: 1}
	close(svc.tasks["t1"].done)
	rr = do(h, http.MethodGet, "/tasks/t1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	out = taskResponse{}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if out.Result == nil || out.Result.Expression != "pop > 100" || out.Result.FeatureCount != 1 || out.State != "done" {
		t.Fatalf("out=%+v", out)
	}

	rr = do(h, http.MethodPost, "/tasks/t1/apply", "")
	if rr.Code != http.StatusOK || len(svc.applied) != 1 {
		t.Fatalf("apply status=%d applied=%d", rr.Code, len(svc.applied))
	}
}

func TestSubmit_WaitMapsErrorClass(t *testing.T) {
	failed := &model.TaskResult{State: model.StateFailed,
		Err: &filtererr.UnsafeExpressionError{Fragment: "DROP", Reason: "mutating verb"}}
	svc := &fakeService{tasks: map[string]*fakeTask{}, next: newFakeTask("t2", failed)}
	rr := do(newServer(svc), http.MethodPost, "/tasks?wait=true", `{"source":"places","expression":"x; DROP TABLE y"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rr.Code)
	}
	var out taskResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if out.Class != "unsafe_expression" || out.Error == "" {
		t.Fatalf("out=%+v", out)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[int]error{
		http.StatusOK:                  nil,
		http.StatusServiceUnavailable:  filtererr.NewConnectError(model.SqlServer, filtererr.ConnectionRefused, nil),
		http.StatusGatewayTimeout:      &filtererr.BackendTimeoutError{Kind: model.SqlServer, Op: "evaluate"},
		http.StatusUnprocessableEntity: errors.New("boom"),
	}
	for want, err := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v)=%d want %d", err, got, want)
		}
	}
	if statusFor(filtererr.ErrCancelled) != http.StatusOK {
		t.Fatalf("cancelled tasks are not request errors")
	}
}

func TestCancelAndUnknownTask(t *testing.T) {
	svc := &fakeService{tasks: map[string]*fakeTask{"t3": newFakeTask("t3", nil)}}
	h := newServer(svc)
	if rr := do(h, http.MethodDelete, "/tasks/t3", ""); rr.Code != http.StatusAccepted || !svc.tasks["t3"].canceled {
		t.Fatalf("cancel status=%d", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/tasks/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/tasks/t3/apply", ""); rr.Code != http.StatusConflict {
		t.Fatalf("apply on running task status=%d", rr.Code)
	}
}

func TestLayerRoutes(t *testing.T) {
	svc := &fakeService{tasks: map[string]*fakeTask{}}
	h := newServer(svc)

	rr := do(h, http.MethodGet, "/layers/roads", "")
	var out layerResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if rr.Code != http.StatusOK || out.Backend != "sql_server" || out.FeatureCount != 12 || out.CRS != "EPSG:3006" {
		t.Fatalf("status=%d out=%+v", rr.Code, out)
	}
	if rr := do(h, http.MethodPost, "/layers/roads/invalidate", ""); rr.Code != http.StatusNoContent || len(svc.invalidated) != 1 {
		t.Fatalf("invalidate status=%d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/layers/nope/invalidate", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
	rr = do(h, http.MethodPost, "/session/cleanup", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"dropped":3`) {
		t.Fatalf("cleanup status=%d body=%s", rr.Code, rr.Body.String())
	}
}
