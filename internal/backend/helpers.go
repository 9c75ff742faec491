package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/observability"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/dialect"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/filterexpr"
)

// Classify records a round-trip and maps deadline overruns to
// BackendTimeoutError and caller cancellation to ErrCancelled.
func Classify(ctx context.Context, kind model.BackendKind, op string, start time.Time, err error) error {
	observability.ObserveBackendOp(kind.String(), op, err, time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &filtererr.BackendTimeoutError{Kind: kind, Op: op, Err: err}
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%s %s: %w", kind, op, filtererr.ErrCancelled)
	}
	return fmt.Errorf("%s %s: %w", kind, op, err)
}

// SubsetFor returns desc's subset filter written for dialect d. Filters of
// copied layers are translated from the layer's own dialect.
func SubsetFor(desc model.LayerDescriptor, d model.Dialect) (string, error) {
	if !desc.HasSubset() {
		return "", nil
	}
	if desc.Kind.SubsetDialect() == d {
		return desc.SubsetFilter, nil
	}
	out, err := filterexpr.Translate(desc.SubsetFilter, d, filterexpr.Options{
		PrimaryKey:     desc.PrimaryKey,
		GeometryColumn: "geom",
	})
	if err != nil {
		return "", fmt.Errorf("subset filter of %s: %w", desc.ID, err)
	}
	return out, nil
}

// SourceRelation names the relation predicate queries join the target
// with, and its only column.
const (
	SourceRelation = "src"
	SourceColumn   = "g"
)

// JoinedSubsetFor is SubsetFor for a query that also reads the source
// relation. An unqualified field the source relation has as well is
// reported as AmbiguousField rather than left for the server to reject.
func JoinedSubsetFor(desc model.LayerDescriptor, d model.Dialect) (string, error) {
	out, err := SubsetFor(desc, d)
	if err != nil || out == "" {
		return out, err
	}
	n, err := filterexpr.Parse(desc.SubsetFilter)
	if err != nil {
		// native filters the parser does not cover are passed through
		return out, nil
	}
	var fields []string
	filterexpr.Walk(n, func(x filterexpr.Node) bool {
		if id, ok := x.(*filterexpr.Ident); ok && id.Table == "" {
			fields = append(fields, id.Name)
		}
		return true
	})
	_, err = filterexpr.Print(n, model.DialectGeneric, filterexpr.Options{Tables: map[string][]string{
		"t":            fields,
		SourceRelation: {SourceColumn},
	}})
	if err != nil {
		return "", fmt.Errorf("subset filter of %s: %w", desc.ID, err)
	}
	return out, nil
}

// AndWhere joins non-empty conditions with AND, parenthesizing each.
func AndWhere(conds ...string) string {
	var out string
	for _, c := range conds {
		if c == "" {
			continue
		}
		if out != "" {
			out += " AND "
		}
		out += "(" + c + ")"
	}
	return out
}

type ColumnType int

const (
	ColumnText ColumnType = iota
	ColumnNumber
	ColumnBool
)

type Column struct {
	Name string
	Type ColumnType
}

// Columns infers one typed column per property key across features. A key
// whose values are all numbers is numeric, all booleans is boolean, any
// other mix is text. skip names a reserved column.
func Columns(features []model.Feature, skip ...string) []Column {
	types := map[string]ColumnType{}
	seen := map[string]bool{}
	reserved := map[string]bool{}
	for _, s := range skip {
		reserved[s] = true
	}
	for _, f := range features {
		for k, v := range f.Properties {
			if reserved[k] || v == nil {
				continue
			}
			t := valueType(v)
			if !seen[k] {
				seen[k] = true
				types[k] = t
				continue
			}
			if types[k] != t {
				types[k] = ColumnText
			}
		}
	}
	out := make([]Column, 0, len(types))
	for k, t := range types {
		out = append(out, Column{Name: k, Type: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func valueType(v any) ColumnType {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint32, uint64:
		return ColumnNumber
	case bool:
		return ColumnBool
	default:
		return ColumnText
	}
}

// ColumnValue converts a property value for binding into a column of type t.
func ColumnValue(v any, t ColumnType) any {
	if v == nil {
		return nil
	}
	if t == ColumnText {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return v
}

// SourceGeometry renders the prepared source geometry bound at param,
// repaired, buffered and reprojected to target in that order.
func SourceGeometry(d model.Dialect, param string, p model.GeometryPayload, buffer float64, target model.CRS) string {
	g := dialect.GeomFromWKB(d, param, p.CRS)
	if p.ServerRepair {
		g = dialect.MakeValid(g)
	}
	g = dialect.Buffer(g, buffer)
	if !target.IsZero() && !p.CRS.IsZero() {
		g = dialect.Transform(d, g, p.CRS, target)
	}
	return g
}
