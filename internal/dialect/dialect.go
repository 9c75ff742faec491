// Package dialect knows the surface syntax of each backend: identifier and
// literal quoting, bind placeholders, the function table used by expression
// translation and the spatial SQL fragments used by predicate evaluation.
package dialect

import (
	"strconv"
	"strings"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

// QuoteIdent double-quotes name, doubling embedded quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteQualified quotes each dotted part separately; empty parts are skipped.
func QuoteQualified(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, QuoteIdent(p))
		}
	}
	return strings.Join(out, ".")
}

func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Placeholder is the n-th (1-based) bind parameter.
func Placeholder(d model.Dialect, n int) string {
	if d == model.DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func Bool(d model.Dialect, b bool) string {
	if d == model.DialectSpatialite {
		if b {
			return "1"
		}
		return "0"
	}
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// RowID is the implicit row identifier used when a layer has no primary key.
func RowID(d model.Dialect) string {
	switch d {
	case model.DialectPostgres:
		return "ctid"
	case model.DialectSpatialite:
		return "ROWID"
	default:
		return "fid"
	}
}

// NotEqual is the inequality operator the dialect prints.
func NotEqual(d model.Dialect) string {
	if d == model.DialectGeneric {
		return "!="
	}
	return "<>"
}

// CastType maps a generic type name onto the dialect's spelling. Unknown
// names pass through upper-cased.
func CastType(d model.Dialect, typ string) string {
	t := strings.ToLower(strings.TrimSpace(typ))
	switch t {
	case "int", "integer", "int4", "int8", "bigint":
		if d == model.DialectPostgres {
			return "integer"
		}
		return "INTEGER"
	case "real", "float", "double", "numeric", "double precision", "float8":
		switch d {
		case model.DialectPostgres:
			return "double precision"
		case model.DialectSpatialite:
			return "REAL"
		default:
			return "DOUBLE"
		}
	case "text", "string", "varchar":
		switch d {
		case model.DialectPostgres:
			return "text"
		case model.DialectDuckDB:
			return "VARCHAR"
		default:
			return "TEXT"
		}
	case "date":
		return "DATE"
	}
	return strings.ToUpper(t)
}
