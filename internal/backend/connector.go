package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/observability"
)

var errDriverMissing = errors.New("driver not linked into this binary")

type Capability struct {
	Kind      model.BackendKind
	Available bool
	// Err explains why the backend is unavailable.
	Err error
}

// degradation order when the native backend is unavailable
var fallbacks = map[model.BackendKind][]model.BackendKind{
	model.SqlServer:         {model.FileGeometryStore, model.GenericVectorDriver},
	model.FileGeometryStore: {model.GenericVectorDriver},
}

type Connector struct {
	env      Env
	prefer   model.BackendKind
	variants map[model.BackendKind]Variant
	log      *slog.Logger

	mu   sync.Mutex
	caps map[model.BackendKind]Capability
}

type ConnectorOption func(*Connector)

// WithVariants replaces the registered variants; used by tests.
func WithVariants(vs ...Variant) ConnectorOption {
	return func(c *Connector) {
		c.variants = make(map[model.BackendKind]Variant, len(vs))
		for _, v := range vs {
			c.variants[v.Kind()] = v
		}
	}
}

func NewConnector(env Env, prefer model.BackendKind, opts ...ConnectorOption) *Connector {
	if env.Log == nil {
		env.Log = slog.New(slog.DiscardHandler)
	}
	c := &Connector{env: env, prefer: prefer, log: env.Log}
	c.variants = make(map[model.BackendKind]Variant)
	for _, v := range registered() {
		c.variants[v.Kind()] = v
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Capabilities probes every backend once per process; later calls return
// the same table until Refresh.
func (c *Connector) Capabilities(ctx context.Context) map[model.BackendKind]Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caps == nil {
		c.caps = c.probe(ctx)
	}
	out := make(map[model.BackendKind]Capability, len(c.caps))
	for k, v := range c.caps {
		out[k] = v
	}
	return out
}

// Refresh discards the capability table so the next lookup probes again.
func (c *Connector) Refresh() {
	c.mu.Lock()
	c.caps = nil
	c.mu.Unlock()
}

func (c *Connector) probe(ctx context.Context) map[model.BackendKind]Capability {
	caps := make(map[model.BackendKind]Capability, 3)
	for _, k := range []model.BackendKind{model.SqlServer, model.FileGeometryStore, model.GenericVectorDriver} {
		v, ok := c.variants[k]
		if !ok {
			caps[k] = Capability{Kind: k, Err: errDriverMissing}
			continue
		}
		err := v.Probe(ctx, c.env)
		caps[k] = Capability{Kind: k, Available: err == nil, Err: err}
		if err != nil {
			c.log.WarnContext(ctx, "backend unavailable", "backend", k.String(), "err", err)
		}
	}
	return caps
}

// Readiness reports each backend by name with an empty reason when usable.
func (c *Connector) Readiness(ctx context.Context) map[string]string {
	caps := c.Capabilities(ctx)
	out := make(map[string]string, len(caps))
	for k, v := range caps {
		switch {
		case v.Available:
			out[k.String()] = ""
		case v.Err != nil:
			out[k.String()] = v.Err.Error()
		default:
			out[k.String()] = "unavailable"
		}
	}
	return out
}

func (c *Connector) Available(ctx context.Context, k model.BackendKind) bool {
	return c.Capabilities(ctx)[k].Available
}

// ResolveBackend picks the backend for desc: the preferred backend when it
// is available and can serve the layer, else the native one, else the first
// available fallback. Degrading adds exactly one capability warning.
func (c *Connector) ResolveBackend(ctx context.Context, desc model.LayerDescriptor) (model.BackendKind, []model.Warning) {
	native := desc.Kind
	if native == model.BackendUnknown {
		native = model.KindForProvider(desc.Provider)
	}
	caps := c.Capabilities(ctx)

	if p := c.prefer; p != model.BackendUnknown && p != native && caps[p].Available && canServe(p, native) {
		return p, nil
	}
	if caps[native].Available {
		return native, nil
	}

	reason := caps[native].Err
	for _, alt := range fallbacks[native] {
		if caps[alt].Available {
			w := model.Warning{
				Kind:    model.WarnCapabilityDegraded,
				LayerID: desc.ID,
				Message: fmt.Sprintf("%s unavailable (%v); using %s", native, reason, alt),
			}
			return alt, []model.Warning{w}
		}
	}
	return model.BackendUnknown, []model.Warning{{
		Kind:    model.WarnCapabilityDegraded,
		LayerID: desc.ID,
		Message: fmt.Sprintf("%s unavailable (%v); no fallback backend available", native, reason),
	}}
}

// canServe reports whether backend k can evaluate a layer stored natively
// in native. File and generic backends copy foreign layers in; the SQL
// server only sees its own tables.
func canServe(k, native model.BackendKind) bool {
	if k == model.SqlServer {
		return native == model.SqlServer
	}
	return true
}

// Open returns a new connection of kind k for desc. Nothing is pooled
// across calls. An open cut short by ctx's deadline is a timeout, not a
// refusal.
func (c *Connector) Open(ctx context.Context, k model.BackendKind, desc model.LayerDescriptor) (Connection, error) {
	v, ok := c.variants[k]
	if !ok {
		return nil, filtererr.NewConnectError(k, filtererr.ConnectionUnavailable, errDriverMissing)
	}
	start := time.Now()
	conn, err := v.Open(ctx, desc, c.env)
	observability.ObserveBackendOp(k.String(), "open", err, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &filtererr.BackendTimeoutError{Kind: k, Op: "open", Err: err}
		}
		var ce *filtererr.ConnectError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, filtererr.NewConnectError(k, filtererr.ConnectionRefused, err)
	}
	return conn, nil
}

func (c *Connector) Env() Env { return c.env }
