package catalog

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

type Layer struct {
	cat *Catalog

	mu   sync.RWMutex
	desc model.LayerDescriptor
	// features of file layers, loaded on first use
	loaded []model.Feature
	count  *uint64
}

func (l *Layer) Describe() model.LayerDescriptor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.desc
}

func (l *Layer) ProviderKind() model.BackendKind { return l.Describe().Kind }

func (l *Layer) CRS() model.CRS { return l.Describe().CRS }

func (l *Layer) SetSubsetFilter(expr string) error {
	l.mu.Lock()
	l.desc.SubsetFilter = expr
	id := l.desc.ID
	l.mu.Unlock()
	l.cat.log.Debug("subset filter set", "layer", id, "expression", expr)
	return nil
}

func (l *Layer) FeatureCount(ctx context.Context) (uint64, error) {
	l.mu.RLock()
	if l.count != nil {
		n := *l.count
		l.mu.RUnlock()
		return n, nil
	}
	desc := l.desc
	l.mu.RUnlock()

	var n uint64
	if desc.Kind == model.GenericVectorDriver {
		fs, err := l.fileFeatures()
		if err != nil {
			return 0, err
		}
		n = uint64(len(fs))
	} else {
		conn, err := l.open(ctx, desc)
		if err != nil {
			return 0, err
		}
		defer func() { _ = conn.Close() }()
		if n, err = conn.CountMatching(ctx, desc, ""); err != nil {
			return 0, fmt.Errorf("count %s: %w", desc.ID, err)
		}
	}

	l.mu.Lock()
	l.count = &n
	l.mu.Unlock()
	return n, nil
}

func (l *Layer) Features(ctx context.Context, ids []string) ([]model.Feature, error) {
	desc := l.Describe()
	if desc.Kind != model.GenericVectorDriver {
		conn, err := l.open(ctx, desc)
		if err != nil {
			return nil, err
		}
		defer func() { _ = conn.Close() }()
		fs, err := conn.ReadFeatures(ctx, desc, ids)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", desc.ID, err)
		}
		return fs, nil
	}

	all, err := l.fileFeatures()
	if err != nil {
		return nil, err
	}
	if ids == nil {
		return all, nil
	}
	out := make([]model.Feature, 0, len(ids))
	for _, f := range all {
		if slices.Contains(ids, f.ID) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (l *Layer) open(ctx context.Context, desc model.LayerDescriptor) (backend.Connection, error) {
	o := l.cat.getOpener()
	if o == nil {
		return nil, fmt.Errorf("layer %s: no backend opener configured", desc.ID)
	}
	return o.Open(ctx, desc.Kind, desc)
}

func (l *Layer) forget() {
	l.mu.Lock()
	l.loaded = nil
	l.count = nil
	l.mu.Unlock()
}

func (l *Layer) fileFeatures() ([]model.Feature, error) {
	l.mu.RLock()
	if l.loaded != nil {
		fs := l.loaded
		l.mu.RUnlock()
		return fs, nil
	}
	desc := l.desc
	l.mu.RUnlock()

	b, err := os.ReadFile(desc.Source.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", desc.ID, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", desc.ID, err)
	}
	fs := make([]model.Feature, 0, len(fc.Features))
	for i, f := range fc.Features {
		fs = append(fs, model.Feature{
			ID:         featureID(f, desc.PrimaryKey, i),
			Geometry:   f.Geometry,
			Properties: map[string]any(f.Properties),
		})
	}

	l.mu.Lock()
	l.loaded = fs
	l.mu.Unlock()
	return fs, nil
}

// featureID prefers the primary key property, then the GeoJSON id, then
// the position in the file.
func featureID(f *geojson.Feature, pk string, i int) string {
	if pk != "" {
		if v, ok := f.Properties[pk]; ok && v != nil {
			return idString(v)
		}
	}
	if f.ID != nil {
		return idString(f.ID)
	}
	return strconv.Itoa(i + 1)
}

func idString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
