package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/paulmach/orb/encoding/wkb"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/keys"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/dialect"
)

// CopyDescriptor describes the in-session copy of a layer the backend does
// not store natively. The copy keys features by the layer's primary key,
// or "fid" when it has none, and keeps the geometry column name.
func CopyDescriptor(desc model.LayerDescriptor) model.LayerDescriptor {
	out := desc
	out.Source = model.DataSource{
		Table:          keys.Artifact("fm_copy", desc.ID, desc.Provider),
		GeometryColumn: desc.GeometryColumn(),
	}
	if out.PrimaryKey == "" {
		out.PrimaryKey = "fid"
	}
	return out
}

func columnType(d model.Dialect, t ColumnType) string {
	switch t {
	case ColumnNumber:
		return dialect.CastType(d, "real")
	case ColumnBool:
		if d == model.DialectSpatialite {
			return "INTEGER"
		}
		return "BOOLEAN"
	default:
		return dialect.CastType(d, "text")
	}
}

// CopyDDL creates the table behind a CopyDescriptor. geomType is the
// column type used for geometries (BLOB for SpatiaLite, GEOMETRY for DuckDB).
func CopyDDL(d model.Dialect, copied model.LayerDescriptor, geomType string, cols []Column) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(dialect.QuoteIdent(copied.TableName()))
	b.WriteString(" (")
	b.WriteString(dialect.QuoteIdent(copied.PrimaryKey))
	b.WriteString(" " + dialect.CastType(d, "text") + " PRIMARY KEY, ")
	b.WriteString(dialect.QuoteIdent(copied.GeometryColumn()))
	b.WriteString(" " + geomType)
	for _, c := range cols {
		b.WriteString(", ")
		b.WriteString(dialect.QuoteIdent(c.Name))
		b.WriteString(" " + columnType(d, c.Type))
	}
	b.WriteString(")")
	return b.String()
}

func CopyInsert(d model.Dialect, copied model.LayerDescriptor, cols []Column) string {
	names := []string{dialect.QuoteIdent(copied.PrimaryKey), dialect.QuoteIdent(copied.GeometryColumn())}
	vals := []string{"?", dialect.GeomFromWKB(d, "?", copied.CRS)}
	for _, c := range cols {
		names = append(names, dialect.QuoteIdent(c.Name))
		vals = append(vals, "?")
	}
	return "INSERT INTO " + dialect.QuoteIdent(copied.TableName()) +
		" (" + strings.Join(names, ", ") + ") VALUES (" + strings.Join(vals, ", ") + ")"
}

// CopyColumns infers the property columns of a copy, leaving out the key
// and geometry columns.
func CopyColumns(copied model.LayerDescriptor, features []model.Feature) []Column {
	return Columns(features, copied.PrimaryKey, copied.GeometryColumn())
}

func copyRow(f model.Feature, cols []Column) ([]any, error) {
	var g []byte
	if f.Geometry != nil {
		raw, err := wkb.Marshal(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("encode feature %s: %w", f.ID, err)
		}
		g = raw
	}
	row := make([]any, 0, len(cols)+2)
	row = append(row, f.ID, g)
	for _, c := range cols {
		row = append(row, ColumnValue(f.Properties[c.Name], c.Type))
	}
	return row, nil
}

// LoadCopy creates the copy table and inserts features in one transaction.
// Features without geometry are skipped.
func LoadCopy(ctx context.Context, db *sql.DB, d model.Dialect, copied model.LayerDescriptor, geomType string, features []model.Feature) error {
	cols := CopyColumns(copied, features)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, CopyDDL(d, copied, geomType, cols)); err != nil {
		return fmt.Errorf("create copy of %s: %w", copied.ID, err)
	}
	stmt, err := tx.PrepareContext(ctx, CopyInsert(d, copied, cols))
	if err != nil {
		return fmt.Errorf("prepare copy of %s: %w", copied.ID, err)
	}
	defer func() { _ = stmt.Close() }()

	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		row, err := copyRow(f, cols)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("copy feature %s of %s: %w", f.ID, copied.ID, err)
		}
	}
	return tx.Commit()
}

// ScanFeatures reads rows shaped (id, wkb, property columns...) and skips
// property columns named in skip.
func ScanFeatures(rows *sql.Rows, skip ...string) ([]model.Feature, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	drop := map[string]bool{}
	for _, s := range skip {
		drop[s] = true
	}
	var out []model.Feature
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		f := model.Feature{ID: textValue(vals[0]), Properties: map[string]any{}}
		if raw, ok := vals[1].([]byte); ok && len(raw) > 0 {
			g, err := wkb.Unmarshal(raw)
			if err != nil {
				return nil, fmt.Errorf("decode geometry of %s: %w", f.ID, err)
			}
			f.Geometry = g
		}
		for i := 2; i < len(names); i++ {
			if drop[names[i]] {
				continue
			}
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			f.Properties[names[i]] = v
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func textValue(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

// Prefiltered reports whether a bounding-box test may narrow candidates
// for p. Disjoint matches features outside the source envelope.
func Prefiltered(p model.Predicate) bool {
	return p != model.Disjoint
}
