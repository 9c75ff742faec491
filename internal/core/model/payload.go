package model

import (
	"slices"
	"sync"
)

// Fingerprint is the cache key for prepared geometries and session artifacts.
type Fingerprint struct {
	LayerID string
	Sum     uint64
	Text    string
}

func (f Fingerprint) String() string { return f.Text }

type Provenance struct {
	LayerID    string
	FeatureIDs []string
	Buffer     float64
	Centroids  bool
	CRS        CRS
}

// GeometryPayload is a prepared source geometry. Buffering and server-side
// repair are carried as instructions and executed by the backend.
type GeometryPayload struct {
	WKB          []byte
	Dialect      Dialect
	CRS          CRS
	Provenance   Provenance
	Fingerprint  Fingerprint
	ServerRepair bool
	// ids excluded because their geometry could not be repaired
	Excluded []string
	// raised while preparing; replayed on every cache hit
	Warnings []Warning
}

func (p GeometryPayload) Empty() bool { return len(p.WKB) == 0 }

type FilterExpression struct {
	Raw     string
	Dialect Dialect

	once      sync.Once
	optimized string
	optimize  func(string) string
}

// NewFilterExpression memoizes fn(raw) as the optimized text on first use.
func NewFilterExpression(raw string, d Dialect, fn func(string) string) *FilterExpression {
	return &FilterExpression{Raw: raw, Dialect: d, optimize: fn}
}

// OptimizedExpression wraps text that is already optimized.
func OptimizedExpression(raw, optimized string, d Dialect) *FilterExpression {
	fe := &FilterExpression{Raw: raw, Dialect: d, optimized: optimized}
	fe.once.Do(func() {})
	return fe
}

func (f *FilterExpression) Optimized() string {
	f.once.Do(func() {
		if f.optimize == nil {
			f.optimized = f.Raw
			return
		}
		f.optimized = f.optimize(f.Raw)
	})
	return f.optimized
}

type MatchSet struct {
	LayerID string
	IDs     []string
}

// NewMatchSet sorts and de-duplicates ids.
func NewMatchSet(layerID string, ids []string) MatchSet {
	out := slices.Clone(ids)
	slices.Sort(out)
	return MatchSet{LayerID: layerID, IDs: slices.Compact(out)}
}

func (m MatchSet) Len() int { return len(m.IDs) }

func (m MatchSet) Empty() bool { return len(m.IDs) == 0 }

func (m MatchSet) Union(o MatchSet) MatchSet {
	all := make([]string, 0, len(m.IDs)+len(o.IDs))
	all = append(all, m.IDs...)
	all = append(all, o.IDs...)
	return NewMatchSet(m.LayerID, all)
}

func (m MatchSet) Intersect(o MatchSet) MatchSet {
	in := make(map[string]struct{}, len(o.IDs))
	for _, id := range o.IDs {
		in[id] = struct{}{}
	}
	var out []string
	for _, id := range m.IDs {
		if _, ok := in[id]; ok {
			out = append(out, id)
		}
	}
	return MatchSet{LayerID: m.LayerID, IDs: out}
}
