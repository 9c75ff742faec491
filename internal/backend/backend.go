// Package backend defines the closed set of storage backends a filter task
// can run against and the connector that picks and opens them.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

// Connection is a live handle owned by one task. Close is idempotent.
type Connection interface {
	Kind() model.BackendKind
	Dialect() model.Dialect
	// CountMatching counts features of desc that satisfy where, written in
	// the connection dialect. Empty where counts every feature.
	CountMatching(ctx context.Context, desc model.LayerDescriptor, where string) (uint64, error)
	// MatchIDs lists the ids of features that satisfy where.
	MatchIDs(ctx context.Context, desc model.LayerDescriptor, where string) ([]string, error)
	Evaluate(ctx context.Context, req EvalRequest) (EvalResult, error)
	// Explain returns the backend's plan for where as JSON, or nil when the
	// backend has no plan facility.
	Explain(ctx context.Context, desc model.LayerDescriptor, where string) ([]byte, error)
	ReadFeatures(ctx context.Context, desc model.LayerDescriptor, ids []string) ([]model.Feature, error)
	DropArtifact(ctx context.Context, name string) error
	Close() error
}

type EvalRequest struct {
	Target    model.LayerDescriptor
	Predicate model.Predicate
	Payload   model.GeometryPayload
	Buffer    float64
	// Artifact names the session view or table; empty evaluates inline.
	Artifact string
}

type EvalResult struct {
	Matches model.MatchSet
	// Artifact is set when the backend created or reused a persistent
	// session artifact that cleanup must drop later.
	Artifact string
	Reused   bool
}

// FeatureSource reads features through the layer collaborator. File and
// generic backends use it to copy layers they do not store natively.
type FeatureSource interface {
	Features(ctx context.Context, layerID string, ids []string) ([]model.Feature, error)
}

type Env struct {
	Features              FeatureSource
	SpatialiteExtension   string
	GenericIndexThreshold int
	Log                   *slog.Logger
}

type Variant interface {
	Kind() model.BackendKind
	// Probe checks that the driver works, including its spatial extension.
	Probe(ctx context.Context, env Env) error
	Open(ctx context.Context, desc model.LayerDescriptor, env Env) (Connection, error)
}

var (
	regMu sync.RWMutex
	reg   = map[model.BackendKind]Variant{}
)

// Register is called from the init function of each variant package. A
// kind with no registered variant is reported as driver missing.
func Register(v Variant) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := reg[v.Kind()]; dup {
		panic(fmt.Sprintf("backend: variant %s registered twice", v.Kind()))
	}
	reg[v.Kind()] = v
}

func registered() []Variant {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]Variant, 0, len(reg))
	for _, v := range reg {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}
