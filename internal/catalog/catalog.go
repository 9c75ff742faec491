// Package catalog loads the layers the engine serves from a YAML file and
// exposes them as layer adapters.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/layer"
)

var ErrUnknownLayer = errors.New("unknown layer")

// Opener opens a connection to the backend that natively stores a layer.
type Opener interface {
	Open(ctx context.Context, k model.BackendKind, desc model.LayerDescriptor) (backend.Connection, error)
}

type file struct {
	Layers []entry `yaml:"layers"`
}

type entry struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Provider     string `yaml:"provider"`
	GeometryType string `yaml:"geometry_type"`
	PrimaryKey   string `yaml:"primary_key"`
	CRS          string `yaml:"crs"`
	Subset       string `yaml:"subset_filter"`
	Source       struct {
		DSN            string `yaml:"dsn"`
		Path           string `yaml:"path"`
		Schema         string `yaml:"schema"`
		Table          string `yaml:"table"`
		GeometryColumn string `yaml:"geometry_column"`
	} `yaml:"source"`
}

type Catalog struct {
	log *slog.Logger

	mu     sync.RWMutex
	layers map[string]*Layer
	opener Opener
}

var (
	_ backend.FeatureSource = (*Catalog)(nil)
	_ layer.Lookup          = (*Catalog)(nil)
	_ layer.Adapter         = (*Layer)(nil)
)

func Load(path string, log *slog.Logger) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(b, log)
}

func Parse(b []byte, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{log: log, layers: make(map[string]*Layer, len(f.Layers))}
	for i, e := range f.Layers {
		desc, err := e.descriptor()
		if err != nil {
			return nil, fmt.Errorf("catalog layer %d: %w", i, err)
		}
		if _, dup := c.layers[desc.ID]; dup {
			return nil, fmt.Errorf("catalog layer %q defined twice", desc.ID)
		}
		c.layers[desc.ID] = &Layer{cat: c, desc: desc}
	}
	return c, nil
}

func (e entry) descriptor() (model.LayerDescriptor, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return model.LayerDescriptor{}, errors.New("id is required")
	}
	d := model.LayerDescriptor{
		ID:           id,
		Name:         e.Name,
		Provider:     strings.ToLower(strings.TrimSpace(e.Provider)),
		GeometryType: e.GeometryType,
		PrimaryKey:   e.PrimaryKey,
		SubsetFilter: e.Subset,
		Source: model.DataSource{
			DSN:            e.Source.DSN,
			Path:           e.Source.Path,
			Schema:         e.Source.Schema,
			Table:          e.Source.Table,
			GeometryColumn: e.Source.GeometryColumn,
		},
	}
	if d.Name == "" {
		d.Name = id
	}
	d.Kind = model.KindForProvider(d.Provider)
	switch d.Kind {
	case model.SqlServer:
		if d.Source.DSN == "" {
			return d, fmt.Errorf("layer %s: postgres source needs a dsn", id)
		}
	default:
		if d.Source.Path == "" {
			return d, fmt.Errorf("layer %s: %s source needs a path", id, d.Provider)
		}
	}
	if e.CRS != "" {
		crs, err := model.ParseCRS(e.CRS)
		if err != nil {
			return d, fmt.Errorf("layer %s: %w", id, err)
		}
		d.CRS = crs
	} else if d.Kind == model.GenericVectorDriver {
		d.CRS = model.EPSG(4326)
	}
	return d, nil
}

// SetOpener wires the backend connector. It is set after construction
// because the connector itself reads features through the catalog.
func (c *Catalog) SetOpener(o Opener) {
	c.mu.Lock()
	c.opener = o
	c.mu.Unlock()
}

func (c *Catalog) getOpener() Opener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opener
}

func (c *Catalog) Layer(id string) (layer.Adapter, bool) {
	l, ok := c.lookup(id)
	if !ok {
		return nil, false
	}
	return l, true
}

func (c *Catalog) lookup(id string) (*Layer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.layers[id]
	return l, ok
}

// Descriptors lists every layer sorted by id.
func (c *Catalog) Descriptors() []model.LayerDescriptor {
	c.mu.RLock()
	out := make([]model.LayerDescriptor, 0, len(c.layers))
	for _, l := range c.layers {
		out = append(out, l.Describe())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Features(ctx context.Context, layerID string, ids []string) ([]model.Feature, error) {
	l, ok := c.lookup(layerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, layerID)
	}
	return l.Features(ctx, ids)
}

// Forget drops data read from the layer's source so the next read sees
// upstream changes.
func (c *Catalog) Forget(layerID string) {
	if l, ok := c.lookup(layerID); ok {
		l.forget()
	}
}
