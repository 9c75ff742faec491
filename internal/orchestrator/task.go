package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/advisor"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/attribute"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/observability"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/layer"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/logger"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/spatial"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/taskevents"
)

var errNothingToDo = errors.New("task has neither an expression, spatial targets nor feature ids")

func (o *Orchestrator) execute(ctx context.Context, h *TaskHandle, p model.FilterTaskParameters) {
	start := time.Now()
	ctx = logger.WithTaskID(ctx, h.id)
	ctx = logger.WithComponent(ctx, "orchestrator")

	var res model.TaskResult
	func() {
		defer func() {
			if v := recover(); v != nil {
				res = model.TaskResult{Err: fmt.Errorf("task panicked: %v", v)}
			}
		}()
		res = o.run(ctx, h, p)
	}()

	outcome := "done"
	switch {
	case res.Err == nil:
		res.State, res.Success = model.StateDone, true
		h.report(1)
	case errors.Is(res.Err, filtererr.ErrCancelled) || errors.Is(res.Err, context.Canceled):
		res.State, outcome = model.StateCancelled, "cancelled"
		res.Err = filtererr.ErrCancelled
	default:
		res.State, outcome = model.StateFailed, "failed"
	}
	if res.Err != nil {
		res.Success = false
		res.Layers = nil
	}

	var te *filtererr.BackendTimeoutError
	if errors.As(res.Err, &te) {
		outcome = "timeout"
		o.dropPendingLater()
	}

	took := time.Since(start)
	observability.ObserveTask(outcome, took.Seconds())
	if res.Err != nil {
		o.log.WarnContext(ctx, "filter task ended", "state", res.State.String(), "err", res.Err, "took", took)
	} else {
		o.log.InfoContext(ctx, "filter task done", "count", res.FeatureCount, "layers", len(res.Layers),
			"warnings", len(res.Warnings), "took", took)
	}
	res.TaskID = h.id
	if o.d.Events != nil {
		o.d.Events.Publish(taskevents.FromResult(p.Source.ID, res, took))
	}
	h.finish(res)
}

// dropPendingLater removes half-built artifacts of timed out tasks without
// holding up the task's result.
func (o *Orchestrator) dropPendingLater() {
	if o.d.Session == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if n, err := o.d.Session.DropPending(ctx); err != nil {
			o.log.Warn("drop pending artifacts", "dropped", n, "err", err)
		}
	}()
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return filtererr.ErrCancelled
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, h *TaskHandle, p model.FilterTaskParameters) model.TaskResult {
	var res model.TaskResult
	fail := func(err error) model.TaskResult {
		res.Err = err
		return res
	}
	if !p.HasAttribute() && !p.HasSpatial() && len(p.FeatureIDs) == 0 {
		return fail(errNothingToDo)
	}

	h.setState(model.StateOrganizing)
	source, err := o.resolve(ctx, p.Source)
	if err != nil {
		return fail(err)
	}
	targets := make([]model.LayerDescriptor, 0, len(p.Targets))
	for _, t := range p.Targets {
		desc, err := o.resolve(ctx, t)
		if err != nil {
			return fail(err)
		}
		targets = append(targets, desc)
	}
	if err := checkpoint(ctx); err != nil {
		return fail(err)
	}

	var (
		sourceFilter *attribute.PendingApply
		sourceIDs    []string
	)
	switch {
	case p.HasAttribute():
		ar, warns, err := o.runAttribute(ctx, source, p.Expression, p.HasSpatial(), p.Options)
		res.Warnings = append(res.Warnings, warns...)
		if err != nil {
			return fail(err)
		}
		pa, err := attribute.Apply(source, ar.Expression, ar.Count, p.Options)
		if err != nil {
			return fail(err)
		}
		sourceFilter = &pa
		res.FeatureCount = ar.Count
		res.FeatureIDs = ar.IDs
		sourceIDs = ar.IDs
		if sourceIDs == nil && p.HasSpatial() {
			sourceIDs = []string{}
		}
	case !p.HasSpatial():
		ids := model.NewMatchSet(source.ID, p.FeatureIDs)
		expr := attribute.BuildFeatureIDExpression(ids.IDs, source.PrimaryKey, source.Kind.SubsetDialect())
		pa, err := attribute.Apply(source, expr, uint64(ids.Len()), p.Options)
		if err != nil {
			return fail(err)
		}
		sourceFilter = &pa
		res.FeatureCount = uint64(ids.Len())
		res.FeatureIDs = ids.IDs
	default:
		sourceIDs = p.FeatureIDs
	}
	if err := checkpoint(ctx); err != nil {
		return fail(err)
	}

	if p.HasSpatial() {
		for _, t := range targets {
			res.Warnings = append(res.Warnings, o.sizeAdvice(ctx, t)...)
		}
		out, err := o.d.Spatial.Run(ctx, spatial.Request{
			Source:     source,
			Targets:    targets,
			Predicates: p.Predicates,
			Operator:   p.CombineOperator,
			Buffer:     p.BufferDistance,
			Centroids:  p.UseCentroids,
			SourceIDs:  sourceIDs,
			Options:    p.Options,
		}, spatial.Hooks{State: h.setState, Progress: h.report})
		res.Warnings = append(res.Warnings, out.Warnings...)
		if err != nil {
			return fail(err)
		}

		h.setState(model.StateMerging)
		byID := make(map[string]model.LayerDescriptor, len(targets))
		for _, t := range targets {
			byID[t.ID] = t
		}
		var all model.MatchSet
		for _, ms := range out.Matches {
			t := byID[ms.LayerID]
			expr := attribute.BuildFeatureIDExpression(ms.IDs, t.PrimaryKey, t.Kind.SubsetDialect())
			pa, err := attribute.Apply(t, expr, uint64(ms.Len()), p.Options)
			if err != nil {
				return fail(err)
			}
			res.Layers = append(res.Layers, layerFilter(pa))
			all = all.Union(ms)
		}
		if sourceFilter == nil {
			res.FeatureCount = out.Total()
			res.FeatureIDs = all.IDs
		}
	}

	if sourceFilter != nil {
		res.Layers = append([]model.LayerFilter{layerFilter(*sourceFilter)}, res.Layers...)
	}
	if len(res.Layers) > 0 {
		res.Expression = res.Layers[0].Expression
	}
	if err := checkpoint(ctx); err != nil {
		return fail(err)
	}

	if o.cfg.AutoApply && len(res.Layers) > 0 {
		if err := o.d.Owner.Apply(ctx, o.d.Layers, res.Layers); err != nil {
			return fail(fmt.Errorf("apply filters: %w", err))
		}
	}
	return res
}

func layerFilter(pa attribute.PendingApply) model.LayerFilter {
	return model.LayerFilter{LayerID: pa.LayerID, Expression: pa.Expression, FeatureCount: pa.FeatureCount}
}

// resolve re-reads desc from its layer adapter; descriptors are never
// trusted across tasks.
func (o *Orchestrator) resolve(ctx context.Context, desc model.LayerDescriptor) (model.LayerDescriptor, error) {
	a, ok := o.d.Layers.Layer(desc.ID)
	if !ok {
		return desc, fmt.Errorf("unknown layer %q", desc.ID)
	}
	base := a.Describe()
	if desc.PrimaryKey != "" {
		base.PrimaryKey = desc.PrimaryKey
	}
	out, err := layer.Refresh(ctx, a, base)
	if err != nil {
		return desc, fmt.Errorf("refresh layer %s: %w", desc.ID, err)
	}
	return out, nil
}

func (o *Orchestrator) runAttribute(ctx context.Context, source model.LayerDescriptor, expr string, withIDs bool, opts model.TaskOptions) (attribute.Result, []model.Warning, error) {
	kind, warns := o.d.Backends.ResolveBackend(ctx, source)
	if kind == model.BackendUnknown {
		return attribute.Result{}, warns, filtererr.NewConnectError(source.Kind, filtererr.ConnectionUnavailable,
			fmt.Errorf("no backend can serve %s", source.ID))
	}
	ctx = logger.WithBackend(ctx, kind.String())

	rctx, cancel := roundTrip(ctx, opts.RoundTripTimeout)
	defer cancel()
	conn, err := o.d.Backends.Open(rctx, kind, source)
	if err != nil {
		return attribute.Result{}, warns, timeoutOr(rctx, ctx, kind, "open", err)
	}
	defer func() { _ = conn.Close() }()

	if o.d.Advisor != nil {
		warns = append(warns, o.d.Advisor.Advise(source, kind, source.FeatureCount)...)
	}
	ar, err := o.d.Attribute.Run(rctx, conn, source, expr, withIDs)
	if err != nil {
		return attribute.Result{}, warns, timeoutOr(rctx, ctx, kind, "attribute", err)
	}
	if o.d.Advisor != nil {
		est := o.d.Advisor.EstimateCost(rctx, conn, source, advisor.Query{Where: ar.Where})
		warns = append(warns, o.d.Advisor.CostWarning(source, est)...)
	}
	return ar, warns, nil
}

func (o *Orchestrator) sizeAdvice(ctx context.Context, t model.LayerDescriptor) []model.Warning {
	if o.d.Advisor == nil {
		return nil
	}
	k, _ := o.d.Backends.ResolveBackend(ctx, t)
	return o.d.Advisor.Advise(t, k, t.FeatureCount)
}

func roundTrip(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// timeoutOr reports err as a backend timeout when the round-trip deadline
// expired while the task itself was still live.
func timeoutOr(rctx, ctx context.Context, k model.BackendKind, op string, err error) error {
	var te *filtererr.BackendTimeoutError
	if errors.As(err, &te) || ctx.Err() != nil {
		return err
	}
	if errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return &filtererr.BackendTimeoutError{Kind: k, Op: op, Err: err}
	}
	return err
}
