// Package attribute runs attribute filters: it optimizes the user
// expression, translates it per dialect, counts matches on the backend and
// prepares the subset filter for the owner loop to apply.
package attribute

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/exprcache"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/dialect"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/filterexpr"
)

type Executor struct {
	exprs *exprcache.Cache
	log   *slog.Logger
}

func New(exprs *exprcache.Cache, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Executor{exprs: exprs, log: log}
}

// Optimize sanitizes and merges raw through the expression cache.
func (e *Executor) Optimize(raw string) (*model.FilterExpression, error) {
	return e.exprs.Optimize(raw, model.DialectGeneric, true, true)
}

// Translate rewrites a generic expression for dialect d in the context of
// desc, resolving $id and $geometry against its columns.
func Translate(expr string, d model.Dialect, desc model.LayerDescriptor) (string, error) {
	return filterexpr.Translate(expr, d, filterexpr.Options{
		PrimaryKey:     desc.PrimaryKey,
		GeometryColumn: desc.GeometryColumn(),
	})
}

type Result struct {
	// Expression is the optimized filter in the layer's subset dialect.
	Expression string
	// Where is the same filter in the connection's dialect.
	Where string
	Count uint64
	// IDs is only filled when requested.
	IDs []string
}

// Run optimizes raw, translates it for conn and for desc's subset
// dialect, and counts the matching features of desc.
func (e *Executor) Run(ctx context.Context, conn backend.Connection, desc model.LayerDescriptor, raw string, withIDs bool) (Result, error) {
	fe, err := e.Optimize(raw)
	if err != nil {
		return Result{}, err
	}
	opt := fe.Optimized()

	subset, err := Translate(opt, desc.Kind.SubsetDialect(), desc)
	if err != nil {
		return Result{}, err
	}
	where, err := Translate(opt, conn.Dialect(), desc)
	if err != nil {
		return Result{}, err
	}
	// the layer's own subset restricts what the new filter can match
	existing, err := backend.SubsetFor(desc, conn.Dialect())
	if err != nil {
		return Result{}, err
	}
	cond := backend.AndWhere(existing, where)

	res := Result{Expression: subset, Where: where}
	if withIDs {
		ids, err := conn.MatchIDs(ctx, desc, cond)
		if err != nil {
			return Result{}, err
		}
		res.IDs = ids
		res.Count = uint64(len(ids))
	} else {
		n, err := conn.CountMatching(ctx, desc, cond)
		if err != nil {
			return Result{}, err
		}
		res.Count = n
	}
	e.log.DebugContext(ctx, "attribute filter evaluated",
		"layer", desc.ID, "backend", conn.Kind().String(), "count", res.Count)
	return res, nil
}

// BuildFeatureIDExpression restricts a layer to ids. Numeric ids are
// written bare; PostgreSQL row ids are cast to tid. No ids matches nothing.
func BuildFeatureIDExpression(ids []string, primaryKey string, d model.Dialect) string {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		uniq = append(uniq, id)
	}
	if len(uniq) == 0 {
		return "1 = 0"
	}

	col := dialect.RowID(d)
	if primaryKey != "" {
		col = dialect.QuoteIdent(primaryKey)
	}
	rowID := primaryKey == "" && d == model.DialectPostgres

	numeric := !rowID
	for _, id := range uniq {
		if _, err := strconv.ParseFloat(id, 64); err != nil {
			numeric = false
			break
		}
	}

	vals := make([]string, len(uniq))
	for i, id := range uniq {
		switch {
		case rowID:
			vals[i] = dialect.QuoteString(id) + "::tid"
		case numeric:
			vals[i] = id
		default:
			vals[i] = dialect.QuoteString(id)
		}
	}
	return col + " IN (" + strings.Join(vals, ",") + ")"
}

// PendingApply is a subset filter waiting for the owner loop. Previous is
// what the layer had before, so a failed multi-layer apply can restore it.
type PendingApply struct {
	LayerID      string
	Previous     string
	Expression   string
	FeatureCount uint64
}

// Apply validates expr and combines it with desc's current subset per
// opts. It never touches the layer.
func Apply(desc model.LayerDescriptor, expr string, count uint64, opts model.TaskOptions) (PendingApply, error) {
	if strings.TrimSpace(expr) != "" {
		if _, err := filterexpr.Parse(expr); err != nil {
			return PendingApply{}, fmt.Errorf("apply to %s: %w", desc.ID, err)
		}
	}
	combined := expr
	if !opts.ReplaceExisting {
		combined = exprcache.CombineWithExisting(expr, desc.SubsetFilter, opts.ExistingFilterOperator)
	}
	return PendingApply{
		LayerID:      desc.ID,
		Previous:     desc.SubsetFilter,
		Expression:   combined,
		FeatureCount: count,
	}, nil
}
