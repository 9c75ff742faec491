package dialect

import (
	"strconv"
	"strings"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

// Func is how one generic function is written in a dialect. Template uses
// {0}, {1}... for arguments; Infix joins all arguments with the operator.
// A zero Func means the dialect has no equivalent.
type Func struct {
	Name     string
	Template string
	Infix    string
}

func (f Func) Supported() bool { return f.Name != "" || f.Template != "" || f.Infix != "" }

// Render prints the call for already translated arguments.
func (f Func) Render(args []string) string {
	switch {
	case f.Infix != "":
		return "(" + strings.Join(args, f.Infix) + ")"
	case f.Template != "":
		out := f.Template
		for i, a := range args {
			out = strings.ReplaceAll(out, "{"+strconv.Itoa(i)+"}", a)
		}
		return out
	default:
		return f.Name + "(" + strings.Join(args, ", ") + ")"
	}
}

type funcRow struct {
	pg, lite, duck Func
}

var functions = map[string]funcRow{
	"lower":  {Func{Name: "lower"}, Func{Name: "lower"}, Func{Name: "lower"}},
	"upper":  {Func{Name: "upper"}, Func{Name: "upper"}, Func{Name: "upper"}},
	"length": {Func{Name: "length"}, Func{Name: "length"}, Func{Name: "length"}},
	"trim":   {Func{Name: "trim"}, Func{Name: "trim"}, Func{Name: "trim"}},
	"abs":    {Func{Name: "abs"}, Func{Name: "abs"}, Func{Name: "abs"}},
	"round":  {Func{Name: "round"}, Func{Name: "round"}, Func{Name: "round"}},
	"substr": {Func{Name: "substr"}, Func{Name: "substr"}, Func{Name: "substr"}},
	"ltrim":  {Func{Name: "ltrim"}, Func{Name: "ltrim"}, Func{Name: "ltrim"}},
	"rtrim":  {Func{Name: "rtrim"}, Func{Name: "rtrim"}, Func{Name: "rtrim"}},
	"replace": {
		Func{Name: "replace"}, Func{Name: "replace"}, Func{Name: "replace"},
	},
	"floor":  {Func{Name: "floor"}, Func{Template: "(CAST({0} AS INTEGER) - ({0} < CAST({0} AS INTEGER)))"}, Func{Name: "floor"}},
	"nullif": {Func{Name: "nullif"}, Func{Name: "nullif"}, Func{Name: "nullif"}},
	"coalesce": {
		Func{Name: "coalesce"}, Func{Name: "coalesce"}, Func{Name: "coalesce"},
	},
	"strpos": {Func{Name: "strpos"}, Func{Name: "instr"}, Func{Name: "strpos"}},
	"concat": {Func{Name: "concat"}, Func{Infix: " || "}, Func{Name: "concat"}},
	"to_int": {
		Func{Template: "CAST({0} AS integer)"},
		Func{Template: "CAST({0} AS INTEGER)"},
		Func{Template: "CAST({0} AS INTEGER)"},
	},
	"to_real": {
		Func{Template: "CAST({0} AS double precision)"},
		Func{Template: "CAST({0} AS REAL)"},
		Func{Template: "CAST({0} AS DOUBLE)"},
	},
	"to_string": {
		Func{Template: "CAST({0} AS text)"},
		Func{Template: "CAST({0} AS TEXT)"},
		Func{Template: "CAST({0} AS VARCHAR)"},
	},
	"regexp_match": {
		Func{Template: "({0} ~ {1})"},
		Func{},
		Func{Name: "regexp_matches"},
	},
	"now": {
		Func{Template: "now()"},
		Func{Template: "datetime('now')"},
		Func{Template: "now()"},
	},
	"year": {
		Func{Template: "CAST(date_part('year', {0}) AS integer)"},
		Func{Template: "CAST(strftime('%Y', {0}) AS INTEGER)"},
		Func{Template: "year({0})"},
	},
	"area": {Func{Name: "ST_Area"}, Func{Name: "ST_Area"}, Func{Name: "ST_Area"}},
}

// Function looks name up case-insensitively. known is false for functions
// the table does not list; translation rejects those.
func Function(d model.Dialect, name string) (f Func, known bool) {
	row, ok := functions[strings.ToLower(name)]
	if !ok {
		return Func{}, false
	}
	switch d {
	case model.DialectPostgres:
		return row.pg, true
	case model.DialectSpatialite:
		return row.lite, true
	case model.DialectDuckDB:
		return row.duck, true
	default:
		return Func{Name: name}, true
	}
}
