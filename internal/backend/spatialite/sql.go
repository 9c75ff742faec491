package spatialite

import (
	"strings"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/dialect"
)

const d = model.DialectSpatialite

type stmt struct {
	sql  string
	args []any
}

func tableRef(l model.LayerDescriptor) string {
	return dialect.QuoteIdent(l.TableName()) + " t"
}

func idColumn(l model.LayerDescriptor) string {
	if l.PrimaryKey == "" {
		return "CAST(t.ROWID AS TEXT)"
	}
	return "CAST(t." + dialect.QuoteIdent(l.PrimaryKey) + " AS TEXT)"
}

func geomColumn(l model.LayerDescriptor) string {
	return "t." + dialect.QuoteIdent(l.GeometryColumn())
}

func where(conds ...string) string {
	if w := backend.AndWhere(conds...); w != "" {
		return " WHERE " + w
	}
	return ""
}

func countSQL(l model.LayerDescriptor, cond string) string {
	return `SELECT count(*) FROM ` + tableRef(l) + where(cond)
}

func idsSQL(l model.LayerDescriptor, cond string) string {
	return `SELECT ` + idColumn(l) + ` FROM ` + tableRef(l) + where(cond)
}

// prefilter narrows candidates through the layer's R*Tree when it has one,
// otherwise by bounding-box test.
func prefilter(req backend.EvalRequest, src string, indexed bool) string {
	if !backend.Prefiltered(req.Predicate) {
		return ""
	}
	if indexed {
		return `t.ROWID IN (SELECT ROWID FROM SpatialIndex WHERE f_table_name = ` +
			dialect.QuoteString(req.Target.TableName()) + ` AND f_geometry_column = ` +
			dialect.QuoteString(req.Target.GeometryColumn()) + ` AND search_frame = ` + src + `)`
	}
	return dialect.Envelope(d, geomColumn(req.Target), src)
}

func matchWhere(req backend.EvalRequest, subset string, indexed bool) string {
	return where(
		prefilter(req, "s.g", indexed),
		dialect.Predicate(d, req.Predicate, geomColumn(req.Target), "s.g"),
		subset,
	)
}

func sourceExpr(req backend.EvalRequest) string {
	return backend.SourceGeometry(d, "?", req.Payload, req.Buffer, req.Target.CRS)
}

func evalSQL(req backend.EvalRequest, subset string, indexed bool) string {
	return `WITH src AS (SELECT ` + sourceExpr(req) + ` AS g) ` +
		`SELECT ` + idColumn(req.Target) + ` FROM ` + tableRef(req.Target) + `, src s` +
		matchWhere(req, subset, indexed)
}

// usesSessionTable reports whether req is answered through a session table.
// Only a native file keeps one past the connection; a copied layer lives in
// a scratch database that is discarded on Close, so it always runs inline.
func usesSessionTable(req backend.EvalRequest, native bool) bool {
	return req.Artifact != "" && native
}

// sessionTableSQL stores the prepared source geometry once so repeated
// filters against the same file skip repair, buffering and reprojection.
func sessionTableSQL(req backend.EvalRequest) []stmt {
	name := dialect.QuoteIdent(req.Artifact)
	return []stmt{
		{sql: `CREATE TABLE IF NOT EXISTS ` + name + ` (g BLOB)`},
		{sql: `INSERT INTO ` + name + ` (g) SELECT ` + sourceExpr(req), args: []any{req.Payload.WKB}},
	}
}

func sessionEvalSQL(req backend.EvalRequest, subset string, indexed bool) string {
	return `SELECT ` + idColumn(req.Target) + ` FROM ` + tableRef(req.Target) + `, ` +
		dialect.QuoteIdent(req.Artifact) + ` s` + matchWhere(req, subset, indexed)
}

func readSQL(l model.LayerDescriptor, ids []string) (string, []any) {
	q := `SELECT ` + idColumn(l) + `, AsBinary(` + geomColumn(l) + `), t.* FROM ` + tableRef(l)
	if ids == nil {
		return q, nil
	}
	if len(ids) == 0 {
		return q + ` WHERE 1 = 0`, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return q + ` WHERE ` + idColumn(l) + ` IN (` + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + `)`, args
}
