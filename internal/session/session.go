// Package session tracks the server-side artifacts (materialized views and
// session tables) created while the process runs so they can be dropped on
// cleanup, layer invalidation or after a timed-out task.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/observability"
)

// Opener opens a connection to drop artifacts through.
type Opener interface {
	Open(ctx context.Context, k model.BackendKind, desc model.LayerDescriptor) (backend.Connection, error)
}

type Artifact struct {
	Name  string
	Kind  model.BackendKind
	Layer model.LayerDescriptor
	// Pending artifacts belong to a task that timed out and may be half built.
	Pending bool
}

type Registry struct {
	id          string
	opener      Opener
	log         *slog.Logger
	parallelism int

	mu        sync.Mutex
	artifacts map[string]Artifact
}

func New(opener Opener, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		id:          uuid.NewString(),
		opener:      opener,
		log:         log,
		parallelism: 4,
		artifacts:   map[string]Artifact{},
	}
}

// ID identifies this session in logs and task events.
func (r *Registry) ID() string { return r.id }

// Track records an artifact. Tracking a known name again only updates its
// pending flag.
func (r *Registry) Track(a Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.artifacts[a.Name]; ok {
		old.Pending = a.Pending
		r.artifacts[a.Name] = old
		return
	}
	r.artifacts[a.Name] = a
	observability.AddSessionArtifacts(a.Kind.String(), 1)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.artifacts)
}

func (r *Registry) List() []Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Artifact, 0, len(r.artifacts))
	for _, a := range r.artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Cleanup drops every tracked artifact and returns how many were removed.
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	return r.drop(ctx, func(Artifact) bool { return true })
}

// DropPending drops artifacts left behind by timed-out tasks.
func (r *Registry) DropPending(ctx context.Context) (int, error) {
	return r.drop(ctx, func(a Artifact) bool { return a.Pending })
}

// DropLayer drops artifacts built on layerID; their content is stale once
// the layer changes.
func (r *Registry) DropLayer(ctx context.Context, layerID string) (int, error) {
	return r.drop(ctx, func(a Artifact) bool { return a.Layer.ID == layerID })
}

type group struct {
	kind  model.BackendKind
	layer model.LayerDescriptor
	names []string
}

// drop removes matching artifacts one connection per layer, a few layers
// at a time. Artifacts that fail to drop stay tracked for the next attempt.
func (r *Registry) drop(ctx context.Context, match func(Artifact) bool) (int, error) {
	r.mu.Lock()
	groups := map[string]*group{}
	for _, a := range r.artifacts {
		if !match(a) {
			continue
		}
		k := a.Kind.String() + "\x00" + a.Layer.ID
		g, ok := groups[k]
		if !ok {
			g = &group{kind: a.Kind, layer: a.Layer}
			groups[k] = g
		}
		g.names = append(g.names, a.Name)
	}
	r.mu.Unlock()

	var (
		mu      sync.Mutex
		dropped []string
		errs    []error
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.parallelism)
	for _, g := range groups {
		eg.Go(func() error {
			conn, err := r.opener.Open(egCtx, g.kind, g.layer)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			defer func() { _ = conn.Close() }()
			for _, name := range g.names {
				err := conn.DropArtifact(egCtx, name)
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else {
					dropped = append(dropped, name)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	r.mu.Lock()
	for _, name := range dropped {
		if a, ok := r.artifacts[name]; ok {
			delete(r.artifacts, name)
			observability.AddSessionArtifacts(a.Kind.String(), -1)
		}
	}
	r.mu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		r.log.WarnContext(ctx, "session artifacts not dropped", "session", r.id, "err", err)
	}
	return len(dropped), err
}
