// Package orchestrator runs filter tasks in the background and hands their
// subset filters to the owner loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/advisor"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/attribute"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/exprcache"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/geomcache"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/layer"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/ownerloop"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/session"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/spatial"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/taskevents"
)

var (
	ErrBusy   = errors.New("task queue full")
	ErrClosed = errors.New("orchestrator closed")
)

// EventSink receives a summary of every finished task.
type EventSink interface {
	Publish(taskevents.Event) bool
}

// Forgetter drops cached layer data after an upstream change.
type Forgetter interface {
	Forget(layerID string)
}

// Deps are the process-scoped components a task runs against. The caches
// are shared by every task and cleared by Teardown.
type Deps struct {
	Backends  spatial.Backends
	Layers    layer.Lookup
	Geoms     *geomcache.Cache
	Exprs     *exprcache.Cache
	Attribute *attribute.Executor
	Spatial   *spatial.Executor
	Advisor   *advisor.Advisor
	Session   *session.Registry
	Owner     *ownerloop.Loop
	Events    EventSink
}

type Config struct {
	Workers          int
	Retention        int
	RoundTripTimeout time.Duration
	// AutoApply hands successful filters to the owner loop before the
	// task reports done.
	AutoApply bool
}

type Orchestrator struct {
	d     Deps
	cfg   Config
	log   *slog.Logger
	pool  *ants.Pool
	tasks *lru.Cache[string, *TaskHandle]

	bg     context.Context
	stopBg context.CancelFunc
}

func New(d Deps, cfg Config, log *slog.Logger) (*Orchestrator, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if d.Backends == nil || d.Layers == nil || d.Attribute == nil || d.Spatial == nil || d.Owner == nil {
		return nil, errors.New("orchestrator: missing dependencies")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 1024
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithNonblocking(true), ants.WithPanicHandler(func(v any) {
		log.Error("task worker panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("task pool: %w", err)
	}
	tasks, err := lru.New[string, *TaskHandle](cfg.Retention)
	if err != nil {
		pool.Release()
		return nil, fmt.Errorf("task registry: %w", err)
	}
	bg, stop := context.WithCancel(context.Background())
	return &Orchestrator{d: d, cfg: cfg, log: log, pool: pool, tasks: tasks, bg: bg, stopBg: stop}, nil
}

// Submit starts params in the background and returns at once. The handle
// fails with ErrBusy when every worker is taken.
func (o *Orchestrator) Submit(params model.FilterTaskParameters) *TaskHandle {
	p := params.Clone()
	if p.Options.RoundTripTimeout <= 0 {
		p.Options.RoundTripTimeout = o.cfg.RoundTripTimeout
	}
	ctx, cancel := context.WithCancel(o.bg)
	h := newHandle(uuid.NewString(), cancel)
	o.tasks.Add(h.id, h)

	if o.bg.Err() != nil {
		h.finish(model.TaskResult{State: model.StateFailed, Err: ErrClosed})
		return h
	}
	err := o.pool.Submit(func() { o.execute(ctx, h, p) })
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			err = ErrBusy
		}
		h.finish(model.TaskResult{State: model.StateFailed, Err: err})
	}
	return h
}

func (o *Orchestrator) Task(id string) (*TaskHandle, bool) {
	return o.tasks.Get(id)
}

// Apply hands res's filters to the owner loop. Layers keep their previous
// filters when any of them fails.
func (o *Orchestrator) Apply(ctx context.Context, res model.TaskResult) error {
	if !res.Success {
		return fmt.Errorf("task %s did not succeed", res.TaskID)
	}
	return o.d.Owner.Apply(ctx, o.d.Layers, res.Layers)
}

// CleanupSession drops every session artifact created so far.
func (o *Orchestrator) CleanupSession(ctx context.Context) (int, error) {
	if o.d.Session == nil {
		return 0, nil
	}
	return o.d.Session.Cleanup(ctx)
}

// InvalidateLayer forgets everything derived from the layer's data.
func (o *Orchestrator) InvalidateLayer(ctx context.Context, layerID string) error {
	if f, ok := o.d.Layers.(Forgetter); ok {
		f.Forget(layerID)
	}
	n := 0
	if o.d.Geoms != nil {
		n = o.d.Geoms.Invalidate(ctx, layerID)
	}
	var err error
	dropped := 0
	if o.d.Session != nil {
		dropped, err = o.d.Session.DropLayer(ctx, layerID)
	}
	o.log.InfoContext(ctx, "layer invalidated", "layer", layerID, "geometries", n, "artifacts", dropped)
	if err != nil {
		return fmt.Errorf("drop artifacts of %s: %w", layerID, err)
	}
	return nil
}

// InvalidateSchema also drops compiled expressions, which may name columns
// that no longer exist.
func (o *Orchestrator) InvalidateSchema(ctx context.Context, layerID string) error {
	if o.d.Exprs != nil {
		o.d.Exprs.Clear()
	}
	return o.InvalidateLayer(ctx, layerID)
}

// Teardown clears the shared caches and drops session artifacts.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	if o.d.Geoms != nil {
		o.d.Geoms.Invalidate(ctx, "")
	}
	if o.d.Exprs != nil {
		o.d.Exprs.Clear()
	}
	_, err := o.CleanupSession(ctx)
	return err
}

// Close cancels running tasks, waits for the workers and tears down.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.stopBg()
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	var errs []error
	if err := o.pool.ReleaseTimeout(timeout); err != nil {
		errs = append(errs, fmt.Errorf("release task pool: %w", err))
	}
	if err := o.Teardown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
