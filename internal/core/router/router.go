// Package router exposes filter tasks over HTTP.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/layer"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/orchestrator"
)

const maxBody = 1 << 20

// Task is the view of a submitted task the handlers need.
type Task interface {
	ID() string
	Progress() float64
	Snapshot() (model.TaskResult, bool)
	Done() <-chan struct{}
	Cancel()
}

// Service is the task surface the handlers drive.
type Service interface {
	Submit(model.FilterTaskParameters) Task
	Task(id string) (Task, bool)
	Apply(ctx context.Context, res model.TaskResult) error
	CleanupSession(ctx context.Context) (int, error)
	InvalidateLayer(ctx context.Context, layerID string) error
}

type orchestratorService struct {
	*orchestrator.Orchestrator
}

// FromOrchestrator adapts o to Service.
func FromOrchestrator(o *orchestrator.Orchestrator) Service { return orchestratorService{o} }

func (s orchestratorService) Submit(p model.FilterTaskParameters) Task {
	return s.Orchestrator.Submit(p)
}

func (s orchestratorService) Task(id string) (Task, bool) {
	h, ok := s.Orchestrator.Task(id)
	if !ok {
		return nil, false
	}
	return h, true
}

type Handlers struct {
	svc    Service
	layers layer.Lookup
	log    *slog.Logger
}

func New(svc Service, layers layer.Lookup, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handlers{svc: svc, layers: layers, log: log}
}

// Mount registers the task and layer routes on r.
func (h *Handlers) Mount(r chi.Router) {
	r.Post("/tasks", h.submit)
	r.Get("/tasks/{id}", h.get)
	r.Delete("/tasks/{id}", h.cancel)
	r.Post("/tasks/{id}/apply", h.apply)
	r.Post("/session/cleanup", h.cleanup)
	r.Get("/layers/{id}", h.layer)
	r.Post("/layers/{id}/invalidate", h.invalidate)
}

type optionsRequest struct {
	ExistingOperator string `json:"existing_operator"`
	ReplaceExisting  bool   `json:"replace_existing"`
	Timeout          string `json:"timeout"`
	Materialize      string `json:"materialize"`
}

type taskRequest struct {
	Source     string         `json:"source"`
	PrimaryKey string         `json:"primary_key"`
	Targets    []string       `json:"targets"`
	Expression string         `json:"expression"`
	Predicates []string       `json:"predicates"`
	Operator   string         `json:"operator"`
	Buffer     *float64       `json:"buffer"`
	Centroids  bool           `json:"centroids"`
	FeatureIDs []string       `json:"feature_ids"`
	Options    optionsRequest `json:"options"`
}

// ParseTaskRequest decodes a task submission. Layers are named by id and
// resolved by the orchestrator.
func ParseTaskRequest(body io.Reader) (model.FilterTaskParameters, error) {
	var req taskRequest
	dec := json.NewDecoder(io.LimitReader(body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return model.FilterTaskParameters{}, fmt.Errorf("decode task: %w", err)
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		return model.FilterTaskParameters{}, errors.New("missing required field: source")
	}
	p := model.FilterTaskParameters{
		Source:         model.LayerDescriptor{ID: source, PrimaryKey: req.PrimaryKey},
		Expression:     req.Expression,
		BufferDistance: req.Buffer,
		UseCentroids:   req.Centroids,
		FeatureIDs:     req.FeatureIDs,
	}
	for _, t := range req.Targets {
		if t = strings.TrimSpace(t); t != "" {
			p.Targets = append(p.Targets, model.LayerDescriptor{ID: t})
		}
	}
	for _, s := range req.Predicates {
		pred, ok := model.ParsePredicate(s)
		if !ok {
			return p, fmt.Errorf("unknown predicate %q", s)
		}
		p.Predicates = append(p.Predicates, pred)
	}
	if len(p.Targets) > 0 && len(p.Predicates) == 0 {
		return p, errors.New("targets need at least one predicate")
	}

	op, ok := model.ParseCombineOperator(req.Operator)
	if !ok || op == model.OpAndNot {
		return p, fmt.Errorf("operator must be AND or OR (got %q)", req.Operator)
	}
	p.CombineOperator = op

	if p.Options.ExistingFilterOperator, ok = model.ParseCombineOperator(req.Options.ExistingOperator); !ok {
		return p, fmt.Errorf("unknown existing_operator %q", req.Options.ExistingOperator)
	}
	p.Options.ReplaceExisting = req.Options.ReplaceExisting
	if req.Options.Timeout != "" {
		d, err := time.ParseDuration(req.Options.Timeout)
		if err != nil || d <= 0 {
			return p, fmt.Errorf("invalid timeout %q", req.Options.Timeout)
		}
		p.Options.RoundTripTimeout = d
	}
	switch strings.ToLower(strings.TrimSpace(req.Options.Materialize)) {
	case "", "auto":
		p.Options.Materialize = model.MaterializeAuto
	case "always":
		p.Options.Materialize = model.MaterializeAlways
	case "never":
		p.Options.Materialize = model.MaterializeNever
	default:
		return p, fmt.Errorf("materialize must be auto, always or never (got %q)", req.Options.Materialize)
	}
	if p.Buffer() < 0 {
		return p, errors.New("buffer must not be negative")
	}
	return p, nil
}

type taskResponse struct {
	TaskID   string            `json:"task_id"`
	State    string            `json:"state"`
	Progress float64           `json:"progress"`
	Result   *model.TaskResult `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
	Class    string            `json:"error_class,omitempty"`
}

func describe(t Task) (taskResponse, int) {
	res, done := t.Snapshot()
	out := taskResponse{TaskID: t.ID(), State: res.State.String(), Progress: t.Progress()}
	if !done {
		return out, http.StatusOK
	}
	out.Result = &res
	if res.Err != nil {
		out.Error = res.Err.Error()
		out.Class = classify(res.Err)
	}
	return out, statusFor(res.Err)
}

// classify names the error class a client can act on.
func classify(err error) string {
	var (
		ue *filtererr.UnsafeExpressionError
		tr *filtererr.TranslationError
		ce *filtererr.ConnectError
		te *filtererr.BackendTimeoutError
	)
	switch {
	case errors.As(err, &ue):
		return "unsafe_expression"
	case errors.As(err, &tr):
		return "translation"
	case errors.As(err, &te):
		return "backend_timeout"
	case errors.As(err, &ce):
		return "backend_unavailable"
	case errors.Is(err, filtererr.ErrCancelled):
		return "cancelled"
	case errors.Is(err, orchestrator.ErrBusy):
		return "busy"
	default:
		return "internal"
	}
}

func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch classify(err) {
	case "unsafe_expression", "translation":
		return http.StatusBadRequest
	case "backend_unavailable", "busy":
		return http.StatusServiceUnavailable
	case "backend_timeout":
		return http.StatusGatewayTimeout
	case "cancelled":
		return http.StatusOK
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// submit starts a task. With ?wait=true it answers once the task is done
// or the request is cancelled.
func (h *Handlers) submit(w http.ResponseWriter, r *http.Request) {
	p, err := ParseTaskRequest(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t := h.svc.Submit(p)
	h.log.InfoContext(r.Context(), "task submitted", "task_id", t.ID(), "source", p.Source.ID, "targets", len(p.Targets))

	if r.URL.Query().Get("wait") == "true" {
		select {
		case <-t.Done():
		case <-r.Context().Done():
		}
	}
	out, code := describe(t)
	if out.Result == nil {
		code = http.StatusAccepted
	}
	w.Header().Set("Location", "/tasks/"+t.ID())
	writeJSON(w, code, out)
}

func (h *Handlers) task(w http.ResponseWriter, r *http.Request) (Task, bool) {
	id := chi.URLParam(r, "id")
	t, ok := h.svc.Task(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown task %q", id))
		return nil, false
	}
	return t, true
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	t, ok := h.task(w, r)
	if !ok {
		return
	}
	out, code := describe(t)
	writeJSON(w, code, out)
}

func (h *Handlers) cancel(w http.ResponseWriter, r *http.Request) {
	t, ok := h.task(w, r)
	if !ok {
		return
	}
	t.Cancel()
	out, _ := describe(t)
	writeJSON(w, http.StatusAccepted, out)
}

func (h *Handlers) apply(w http.ResponseWriter, r *http.Request) {
	t, ok := h.task(w, r)
	if !ok {
		return
	}
	res, done := t.Snapshot()
	if !done {
		writeError(w, http.StatusConflict, errors.New("task still running"))
		return
	}
	if err := h.svc.Apply(r.Context(), res); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": t.ID(), "layers": res.Layers})
}

func (h *Handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.CleanupSession(r.Context())
	if err != nil {
		h.log.WarnContext(r.Context(), "session cleanup incomplete", "dropped", n, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"dropped": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dropped": n})
}

type layerResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Backend      string `json:"backend"`
	GeometryType string `json:"geometry_type,omitempty"`
	PrimaryKey   string `json:"primary_key,omitempty"`
	CRS          string `json:"crs,omitempty"`
	FeatureCount uint64 `json:"feature_count"`
	SubsetFilter string `json:"subset_filter,omitempty"`
}

func (h *Handlers) layer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := h.layers.Layer(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown layer %q", id))
		return
	}
	d := a.Describe()
	out := layerResponse{
		ID: d.ID, Name: d.Name, Backend: d.Kind.String(), GeometryType: d.GeometryType,
		PrimaryKey: d.PrimaryKey, SubsetFilter: d.SubsetFilter,
	}
	if !d.CRS.IsZero() {
		out.CRS = d.CRS.String()
	}
	n, err := a.FeatureCount(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	out.FeatureCount = n
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.layers.Layer(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown layer %q", id))
		return
	}
	if err := h.svc.InvalidateLayer(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
