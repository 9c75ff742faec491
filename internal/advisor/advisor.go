// Package advisor estimates filter cost and warns when a layer is too big
// for the backend it runs on. It never changes a filter.
package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/observability"
)

const (
	DefaultFileStoreMaxFeatures  = 50000
	DefaultGenericMaxFeatures    = 5000
	DefaultGenericIndexThreshold = 1000
)

type Config struct {
	FileStoreMaxFeatures  uint64
	GenericMaxFeatures    uint64
	GenericIndexThreshold uint64
}

type Advisor struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Advisor {
	if cfg.FileStoreMaxFeatures == 0 {
		cfg.FileStoreMaxFeatures = DefaultFileStoreMaxFeatures
	}
	if cfg.GenericMaxFeatures == 0 {
		cfg.GenericMaxFeatures = DefaultGenericMaxFeatures
	}
	if cfg.GenericIndexThreshold == 0 {
		cfg.GenericIndexThreshold = DefaultGenericIndexThreshold
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Advisor{cfg: cfg, log: log}
}

// Query is what is being estimated: an attribute condition in the
// connection dialect, a spatial predicate, or both.
type Query struct {
	Where     string
	Predicate model.Predicate
}

// EstimateCost reads the backend plan when there is one and falls back to
// a heuristic on feature count and predicate kind. Plan failures degrade to
// the heuristic; advice never fails a task.
func (a *Advisor) EstimateCost(ctx context.Context, conn backend.Connection, desc model.LayerDescriptor, q Query) model.CostEstimate {
	if conn.Kind() == model.SqlServer || conn.Kind() == model.FileGeometryStore {
		plan, err := conn.Explain(ctx, desc, q.Where)
		if err != nil {
			a.log.DebugContext(ctx, "explain failed", "layer", desc.ID, "err", err)
		} else if len(plan) > 0 {
			var (
				est model.CostEstimate
				ok  bool
			)
			if conn.Kind() == model.SqlServer {
				est, ok = fromPostgresPlan(plan)
			} else {
				est, ok = fromSQLitePlan(plan)
				if ok && est.RowsHint == nil {
					est.RowsHint = rowsHint(desc.FeatureCount, q)
				}
			}
			if ok {
				return est
			}
		}
	}
	return a.heuristic(conn.Kind(), desc, q)
}

func (a *Advisor) heuristic(k model.BackendKind, desc model.LayerDescriptor, q Query) model.CostEstimate {
	est := model.CostEstimate{RowsHint: rowsHint(desc.FeatureCount, q)}
	if q.Predicate != 0 && q.Predicate != model.Disjoint {
		switch k {
		case model.GenericVectorDriver:
			// the in-memory copy gets an R-tree above the threshold
			est.UsesIndex = desc.FeatureCount >= a.cfg.GenericIndexThreshold
		case model.FileGeometryStore, model.SqlServer:
			est.UsesIndex = true
		}
	}
	return est
}

var selectivity = map[model.Predicate]float64{
	model.Intersects: 0.1,
	model.Contains:   0.05,
	model.Within:     0.05,
	model.Touches:    0.02,
	model.Crosses:    0.02,
	model.Overlaps:   0.02,
	model.Equals:     0.001,
	model.Disjoint:   0.9,
}

func rowsHint(count uint64, q Query) *uint64 {
	if count == 0 {
		return nil
	}
	f := 1.0
	if s, ok := selectivity[q.Predicate]; ok {
		f *= s
	}
	if strings.TrimSpace(q.Where) != "" {
		f *= 0.33
	}
	n := uint64(float64(count)*f + 0.5)
	return &n
}

type pgNode struct {
	NodeType string   `json:"Node Type"`
	PlanRows float64  `json:"Plan Rows"`
	Plans    []pgNode `json:"Plans"`
}

// fromPostgresPlan reads EXPLAIN (FORMAT JSON) output.
func fromPostgresPlan(raw []byte) (model.CostEstimate, bool) {
	var doc []struct {
		Plan pgNode `json:"Plan"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || len(doc) == 0 {
		return model.CostEstimate{}, false
	}
	root := doc[0].Plan
	rows := uint64(root.PlanRows + 0.5)
	return model.CostEstimate{UsesIndex: pgUsesIndex(root), RowsHint: &rows}, true
}

func pgUsesIndex(n pgNode) bool {
	if strings.Contains(n.NodeType, "Index") || strings.HasPrefix(n.NodeType, "Bitmap") {
		return true
	}
	for _, c := range n.Plans {
		if pgUsesIndex(c) {
			return true
		}
	}
	return false
}

// fromSQLitePlan reads EXPLAIN QUERY PLAN rows; SQLite gives no row counts.
func fromSQLitePlan(raw []byte) (model.CostEstimate, bool) {
	var rows []struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil || len(rows) == 0 {
		return model.CostEstimate{}, false
	}
	var est model.CostEstimate
	for _, r := range rows {
		d := strings.ToUpper(r.Detail)
		if strings.Contains(d, "USING INDEX") || strings.Contains(d, "USING COVERING INDEX") ||
			strings.Contains(d, "USING INTEGER PRIMARY KEY") || strings.Contains(d, "VIRTUAL TABLE INDEX") {
			est.UsesIndex = true
		}
	}
	return est, true
}

// Advise warns when count is beyond what backend k handles comfortably.
func (a *Advisor) Advise(desc model.LayerDescriptor, k model.BackendKind, count uint64) []model.Warning {
	var limit uint64
	var suggest model.BackendKind
	switch k {
	case model.FileGeometryStore:
		limit, suggest = a.cfg.FileStoreMaxFeatures, model.SqlServer
	case model.GenericVectorDriver:
		limit, suggest = a.cfg.GenericMaxFeatures, model.FileGeometryStore
	default:
		return nil
	}
	if count <= limit {
		return nil
	}
	observability.IncAdvisorWarning(string(model.WarnSizeAdvisory))
	return []model.Warning{{
		Kind:    model.WarnSizeAdvisory,
		LayerID: desc.ID,
		Message: fmt.Sprintf("%d features exceed the %d recommended for %s; consider %s", count, limit, k, suggest),
	}}
}

// CostWarning flags an estimate that scans many rows without an index.
func (a *Advisor) CostWarning(desc model.LayerDescriptor, est model.CostEstimate) []model.Warning {
	if est.UsesIndex || est.RowsHint == nil || *est.RowsHint <= a.cfg.GenericMaxFeatures {
		return nil
	}
	observability.IncAdvisorWarning(string(model.WarnCostAdvisory))
	return []model.Warning{{
		Kind:    model.WarnCostAdvisory,
		LayerID: desc.ID,
		Message: fmt.Sprintf("about %d rows scanned without an index", *est.RowsHint),
	}}
}
