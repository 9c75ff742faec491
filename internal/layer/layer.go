// Package layer defines the collaborator through which the engine reads and
// filters the layers it works on.
package layer

import (
	"context"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

// Adapter is one layer as seen by the engine. SetSubsetFilter must only be
// called from the owner loop.
type Adapter interface {
	Describe() model.LayerDescriptor
	ProviderKind() model.BackendKind
	FeatureCount(ctx context.Context) (uint64, error)
	CRS() model.CRS
	// Features returns the features with the given ids; nil ids means all.
	Features(ctx context.Context, ids []string) ([]model.Feature, error)
	SetSubsetFilter(expr string) error
}

type Lookup interface {
	Layer(id string) (Adapter, bool)
}

// Refresh re-reads the volatile parts of desc from its adapter.
func Refresh(ctx context.Context, a Adapter, desc model.LayerDescriptor) (model.LayerDescriptor, error) {
	cur := a.Describe()
	n, err := a.FeatureCount(ctx)
	if err != nil {
		return desc, err
	}
	desc.FeatureCount = n
	if c := a.CRS(); !c.IsZero() {
		desc.CRS = c
	}
	desc.SubsetFilter = cur.SubsetFilter
	if desc.Kind == model.BackendUnknown {
		desc.Kind = a.ProviderKind()
	}
	return desc, nil
}
