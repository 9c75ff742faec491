// Package spatial evaluates geometric predicates between a source layer and
// its target layers on whichever backend each target resolves to.
package spatial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/geomcache"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/keys"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/geomprep"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/logger"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/session"
)

const DefaultMaterializeThreshold = 10000

// Backends resolves and opens backend connections; *backend.Connector
// satisfies it.
type Backends interface {
	ResolveBackend(ctx context.Context, desc model.LayerDescriptor) (model.BackendKind, []model.Warning)
	Open(ctx context.Context, k model.BackendKind, desc model.LayerDescriptor) (backend.Connection, error)
}

type Config struct {
	// targets with at least this many features get a session artifact in
	// MaterializeAuto mode
	MaterializeThreshold uint64
	SimplifyTolerance    float64
}

type Executor struct {
	backends  Backends
	geoms     *geomcache.Cache
	features  backend.FeatureSource
	artifacts *session.Registry
	cfg       Config
	log       *slog.Logger
}

func New(backends Backends, geoms *geomcache.Cache, features backend.FeatureSource, artifacts *session.Registry, cfg Config, log *slog.Logger) *Executor {
	if cfg.MaterializeThreshold == 0 {
		cfg.MaterializeThreshold = DefaultMaterializeThreshold
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Executor{backends: backends, geoms: geoms, features: features, artifacts: artifacts, cfg: cfg, log: log}
}

// OrganizeTargets groups targets by the backend they resolve to. Targets no
// backend can serve land under BackendUnknown.
func (e *Executor) OrganizeTargets(ctx context.Context, targets []model.LayerDescriptor) (map[model.BackendKind][]model.LayerDescriptor, []model.Warning) {
	groups := make(map[model.BackendKind][]model.LayerDescriptor)
	var warns []model.Warning
	for _, t := range targets {
		k, w := e.backends.ResolveBackend(ctx, t)
		warns = append(warns, w...)
		groups[k] = append(groups[k], t)
	}
	return groups, warns
}

// PrepareSourceGeometry returns the prepared geometry of the source
// features ids (nil for all), from cache when possible. The payload stays
// in the source CRS; buffering is applied by the backend.
func (e *Executor) PrepareSourceGeometry(ctx context.Context, source model.LayerDescriptor, ids []string, buffer *float64, centroids bool) (model.GeometryPayload, []model.Warning, error) {
	fp := e.geoms.Key(source.ID, ids, buffer, centroids)
	p, hit, err := e.geoms.GetOrPrepare(ctx, fp, func(ctx context.Context) (model.GeometryPayload, error) {
		features, err := e.features.Features(ctx, source.ID, ids)
		if err != nil {
			return model.GeometryPayload{}, fmt.Errorf("read source features of %s: %w", source.ID, err)
		}
		res, err := geomprep.Prepare(source.ID, features, geomprep.Options{
			Centroids:         centroids,
			SimplifyTolerance: e.cfg.SimplifyTolerance,
		})
		if err != nil {
			return model.GeometryPayload{}, err
		}
		var b float64
		if buffer != nil {
			b = *buffer
		}
		return model.GeometryPayload{
			WKB: res.WKB,
			CRS: source.CRS,
			Provenance: model.Provenance{
				LayerID:    source.ID,
				FeatureIDs: ids,
				Buffer:     b,
				Centroids:  centroids,
				CRS:        source.CRS,
			},
			ServerRepair: res.ServerRepair,
			Excluded:     res.Excluded,
			Warnings:     res.Warnings,
		}, nil
	})
	if err != nil {
		return model.GeometryPayload{}, nil, err
	}
	e.log.DebugContext(ctx, "source geometry ready", "layer", source.ID, "key", fp.Text, "cache_hit", hit, "bytes", len(p.WKB))

	return p, slices.Clone(p.Warnings), nil
}

// forTarget reprojects p in process when that is exact: no buffer (whose
// distance is in source units) and no pending server-side repair.
func forTarget(p model.GeometryPayload, target model.LayerDescriptor, buffer float64) model.GeometryPayload {
	if buffer != 0 || p.ServerRepair || target.CRS.IsZero() || p.CRS.IsZero() {
		return p
	}
	if !geomprep.CanReproject(p.CRS, target.CRS) {
		return p
	}
	out, err := geomprep.Reproject(p, target.CRS)
	if err != nil {
		return p
	}
	return out
}

func (e *Executor) artifactName(kind model.BackendKind, p model.GeometryPayload, target model.LayerDescriptor, pred model.Predicate, buffer float64, mode model.MaterializeMode) string {
	var prefix string
	switch kind {
	case model.SqlServer:
		prefix = "fm_mv"
	case model.FileGeometryStore:
		prefix = "fm_tmp"
	default:
		return ""
	}
	switch mode {
	case model.MaterializeNever:
		return ""
	case model.MaterializeAuto:
		if target.FeatureCount < e.cfg.MaterializeThreshold {
			return ""
		}
	}
	return keys.Artifact(prefix, p.Fingerprint.Text, target.ID, target.SubsetFilter,
		pred.String(), strconv.FormatFloat(buffer, 'g', -1, 64), target.CRS.String())
}

// Evaluate runs one predicate of the source payload against target.
func (e *Executor) Evaluate(ctx context.Context, conn backend.Connection, pred model.Predicate, p model.GeometryPayload, target model.LayerDescriptor, buffer float64, opts model.TaskOptions) (model.MatchSet, error) {
	if p.Empty() {
		return model.MatchSet{LayerID: target.ID}, nil
	}
	req := backend.EvalRequest{
		Target:    target,
		Predicate: pred,
		Payload:   forTarget(p, target, buffer),
		Buffer:    buffer,
		Artifact:  e.artifactName(conn.Kind(), p, target, pred, buffer, opts.Materialize),
	}
	rctx, cancel := roundTrip(ctx, opts.RoundTripTimeout)
	defer cancel()
	res, err := conn.Evaluate(rctx, req)
	if err != nil {
		err = timeoutOr(rctx, ctx, conn.Kind(), "evaluate", err)
		var te *filtererr.BackendTimeoutError
		if req.Artifact != "" && errors.As(err, &te) {
			e.track(conn.Kind(), target, req.Artifact, true)
		}
		return model.MatchSet{}, err
	}
	if res.Artifact != "" {
		e.track(conn.Kind(), target, res.Artifact, false)
		e.log.DebugContext(ctx, "session artifact used", "name", res.Artifact, "reused", res.Reused)
	}
	return res.Matches, nil
}

func (e *Executor) track(kind model.BackendKind, target model.LayerDescriptor, name string, pending bool) {
	if e.artifacts == nil {
		return
	}
	e.artifacts.Track(session.Artifact{Name: name, Kind: kind, Layer: target, Pending: pending})
}

func roundTrip(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// timeoutOr reports err as a backend timeout when the round-trip deadline
// expired while ctx was still live.
func timeoutOr(rctx, ctx context.Context, k model.BackendKind, op string, err error) error {
	if err == nil || ctx.Err() != nil {
		return err
	}
	var te *filtererr.BackendTimeoutError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return &filtererr.BackendTimeoutError{Kind: k, Op: op, Err: err}
	}
	return err
}

type Request struct {
	Source     model.LayerDescriptor
	Targets    []model.LayerDescriptor
	Predicates []model.Predicate
	Operator   model.CombineOperator
	Buffer     *float64
	Centroids  bool
	// SourceIDs restricts the source features; nil means all.
	SourceIDs []string
	Options   model.TaskOptions
}

func (r Request) buffer() float64 {
	if r.Buffer == nil {
		return 0
	}
	return *r.Buffer
}

// Hooks observe a run. Either field may be nil.
type Hooks struct {
	State    func(model.TaskState)
	Progress func(float64)
}

func (h Hooks) state(s model.TaskState) {
	if h.State != nil {
		h.State(s)
	}
}

func (h Hooks) progress(f float64) {
	if h.Progress != nil {
		h.Progress(f)
	}
}

type Outcome struct {
	// Matches holds one set per evaluated target, in target order.
	Matches  []model.MatchSet
	Warnings []model.Warning
}

func (o Outcome) Total() uint64 {
	var n uint64
	for _, m := range o.Matches {
		n += uint64(m.Len())
	}
	return n
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &filtererr.BackendTimeoutError{Kind: model.BackendUnknown, Op: "task", Err: err}
		}
		return filtererr.ErrCancelled
	}
	return nil
}

// Run organizes targets, prepares the source geometry and evaluates every
// predicate on every target, stopping at checkpoints when ctx is done.
//
// Under AND the predicates of one target are intersected and an empty
// intermediate set skips the rest; any backend failure fails the run.
// Under OR they are unioned and a failing backend is skipped with a
// warning. Timeouts always fail the run.
func (e *Executor) Run(ctx context.Context, req Request, hooks Hooks) (Outcome, error) {
	var out Outcome
	op := req.Operator
	if op != model.OpOr {
		op = model.OpAnd
	}

	hooks.state(model.StateOrganizing)
	groups, warns := e.OrganizeTargets(ctx, req.Targets)
	out.Warnings = append(out.Warnings, warns...)
	if err := checkpoint(ctx); err != nil {
		return out, err
	}
	hooks.progress(0.1)

	hooks.state(model.StatePreparingSourceGeometry)
	payload, warns, err := e.PrepareSourceGeometry(ctx, req.Source, req.SourceIDs, req.Buffer, req.Centroids)
	if err != nil {
		if cerr := checkpoint(ctx); cerr != nil {
			return out, cerr
		}
		return out, err
	}
	out.Warnings = append(out.Warnings, warns...)
	if err := checkpoint(ctx); err != nil {
		return out, err
	}
	hooks.progress(0.3)

	hooks.state(model.StatePerBackendFiltering)
	kinds := make([]model.BackendKind, 0, len(groups))
	for k := range groups {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	byTarget := map[string]model.MatchSet{}
	done, total := 0, len(req.Targets)
	for _, k := range kinds {
		for _, target := range groups[k] {
			ctx := logger.WithBackend(ctx, k.String())
			ms, err := e.evaluateTarget(ctx, k, target, payload, req, op)
			if err != nil {
				if cerr := checkpoint(ctx); cerr != nil {
					return out, cerr
				}
				var te *filtererr.BackendTimeoutError
				if errors.Is(err, filtererr.ErrCancelled) || errors.As(err, &te) || op == model.OpAnd {
					return out, err
				}
				e.log.WarnContext(ctx, "backend skipped", "layer", target.ID, "err", err)
				out.Warnings = append(out.Warnings, model.Warning{
					Kind:    model.WarnBackendSkipped,
					LayerID: target.ID,
					Message: fmt.Sprintf("%s evaluation failed: %v", k, err),
				})
				done += len(groups[k])
				break
			}
			byTarget[target.ID] = ms
			done++
			hooks.progress(0.3 + 0.6*float64(done)/float64(max(total, 1)))
			if err := checkpoint(ctx); err != nil {
				return out, err
			}
		}
	}
	for _, t := range req.Targets {
		if ms, ok := byTarget[t.ID]; ok {
			out.Matches = append(out.Matches, ms)
		}
	}
	return out, nil
}

func (e *Executor) evaluateTarget(ctx context.Context, k model.BackendKind, target model.LayerDescriptor, p model.GeometryPayload, req Request, op model.CombineOperator) (model.MatchSet, error) {
	if k == model.BackendUnknown {
		return model.MatchSet{}, filtererr.NewConnectError(target.Kind, filtererr.ConnectionUnavailable,
			fmt.Errorf("no backend can serve %s", target.ID))
	}
	octx, cancel := roundTrip(ctx, req.Options.RoundTripTimeout)
	conn, err := e.backends.Open(octx, k, target)
	err = timeoutOr(octx, ctx, k, "open", err)
	cancel()
	if err != nil {
		return model.MatchSet{}, err
	}
	defer func() { _ = conn.Close() }()

	var acc model.MatchSet
	for i, pred := range req.Predicates {
		ms, err := e.Evaluate(ctx, conn, pred, p, target, req.buffer(), req.Options)
		if err != nil {
			return model.MatchSet{}, err
		}
		switch {
		case i == 0:
			acc = ms
		case op == model.OpAnd:
			acc = acc.Intersect(ms)
		default:
			acc = acc.Union(ms)
		}
		if op == model.OpAnd && acc.Empty() {
			break
		}
	}
	acc.LayerID = target.ID
	return acc, nil
}
