package filterexpr

import (
	"slices"
	"strings"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/dialect"
)

type Options struct {
	// PrimaryKey resolves $id; empty falls back to the dialect row id.
	PrimaryKey string
	// GeometryColumn resolves $geometry and $area; defaults to "geom".
	GeometryColumn string
	// Tables lists the fields of every table in a multi-table context. An
	// unqualified field found in more than one table is ambiguous.
	Tables map[string][]string
}

// Print renders n in dialect d. The generic dialect keeps identifiers and
// operators as written, so printing a parsed generic expression returns its
// whitespace-normalized source.
func Print(n Node, d model.Dialect, opts Options) (string, error) {
	pr := &printer{d: d, opts: opts}
	var b strings.Builder
	if err := pr.print(&b, n); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Translate parses src and prints it in d.
func Translate(src string, d model.Dialect, opts Options) (string, error) {
	n, err := Parse(src)
	if err != nil {
		return "", err
	}
	return Print(n, d, opts)
}

// MustPrintGeneric prints n in the generic dialect. Generic printing
// consults no function table or context, so it cannot fail.
func MustPrintGeneric(n Node) string {
	s, err := Print(n, model.DialectGeneric, Options{})
	if err != nil {
		panic(err)
	}
	return s
}

type printer struct {
	d    model.Dialect
	opts Options
}

func (p *printer) sql() bool { return p.d != model.DialectGeneric }

func (p *printer) fail(kind filtererr.TranslationKind, fragment, detail string) error {
	return &filtererr.TranslationError{Kind: kind, Dialect: p.d, Fragment: fragment, Detail: detail}
}

func (p *printer) print(b *strings.Builder, n Node) error {
	switch x := n.(type) {
	case *Ident:
		return p.ident(b, x)
	case *Literal:
		p.literal(b, x)
	case *Variable:
		return p.variable(b, x)
	case *Unary:
		b.WriteString(x.Op)
		return p.print(b, x.X)
	case *Binary:
		if err := p.print(b, x.L); err != nil {
			return err
		}
		b.WriteString(" " + p.op(x.Op) + " ")
		return p.print(b, x.R)
	case *Logical:
		for i, t := range x.Terms {
			if i > 0 {
				b.WriteString(" " + x.Op + " ")
			}
			if err := p.print(b, t); err != nil {
				return err
			}
		}
	case *Not:
		b.WriteString("NOT ")
		return p.print(b, x.X)
	case *In:
		if err := p.print(b, x.X); err != nil {
			return err
		}
		if x.Negated {
			b.WriteString(" NOT IN (")
		} else {
			b.WriteString(" IN (")
		}
		for i, v := range x.Values {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := p.print(b, v); err != nil {
				return err
			}
		}
		b.WriteByte(')')
	case *Like:
		return p.like(b, x)
	case *Between:
		if err := p.print(b, x.X); err != nil {
			return err
		}
		if x.Negated {
			b.WriteString(" NOT")
		}
		b.WriteString(" BETWEEN ")
		if err := p.print(b, x.Lo); err != nil {
			return err
		}
		b.WriteString(" AND ")
		return p.print(b, x.Hi)
	case *IsNull:
		if err := p.print(b, x.X); err != nil {
			return err
		}
		if x.Negated {
			b.WriteString(" IS NOT NULL")
		} else {
			b.WriteString(" IS NULL")
		}
	case *Call:
		return p.call(b, x)
	case *Cast:
		return p.cast(b, x)
	case *Paren:
		b.WriteByte('(')
		if err := p.print(b, x.X); err != nil {
			return err
		}
		b.WriteByte(')')
	default:
		return p.fail(filtererr.SyntaxError, "", "unknown node")
	}
	return nil
}

func (p *printer) ident(b *strings.Builder, x *Ident) error {
	if x.Table == "" && len(p.opts.Tables) > 1 {
		var owners []string
		for table, fields := range p.opts.Tables {
			for _, f := range fields {
				if strings.EqualFold(f, x.Name) {
					owners = append(owners, table)
					break
				}
			}
		}
		if len(owners) > 1 {
			slices.Sort(owners)
			return p.fail(filtererr.AmbiguousField, x.Name, "field exists in "+strings.Join(owners, ", "))
		}
	}
	if !p.sql() {
		if x.Table != "" {
			b.WriteString(asWritten(x.Table, x.Quoted) + ".")
		}
		b.WriteString(asWritten(x.Name, x.Quoted))
		return nil
	}
	b.WriteString(dialect.QuoteQualified(x.Table, x.Name))
	return nil
}

func asWritten(name string, quoted bool) string {
	if quoted {
		return dialect.QuoteIdent(name)
	}
	return name
}

func (p *printer) literal(b *strings.Builder, x *Literal) {
	switch x.Kind {
	case LitString:
		b.WriteString(dialect.QuoteString(x.Text))
	case LitBool:
		if p.sql() {
			b.WriteString(dialect.Bool(p.d, strings.EqualFold(x.Text, "TRUE")))
		} else {
			b.WriteString(strings.ToUpper(x.Text))
		}
	case LitNull:
		b.WriteString("NULL")
	default:
		b.WriteString(x.Text)
	}
}

func (p *printer) variable(b *strings.Builder, x *Variable) error {
	if !p.sql() {
		b.WriteString("$" + x.Name)
		return nil
	}
	geom := p.opts.GeometryColumn
	if geom == "" {
		geom = "geom"
	}
	switch strings.ToLower(x.Name) {
	case "id":
		if p.opts.PrimaryKey == "" {
			b.WriteString(dialect.RowID(p.d))
		} else {
			b.WriteString(dialect.QuoteIdent(p.opts.PrimaryKey))
		}
	case "geometry":
		b.WriteString(dialect.QuoteIdent(geom))
	case "area":
		b.WriteString("ST_Area(" + dialect.QuoteIdent(geom) + ")")
	case "length":
		b.WriteString("ST_Length(" + dialect.QuoteIdent(geom) + ")")
	default:
		return p.fail(filtererr.UnsupportedFunction, "$"+x.Name, "no mapping for variable")
	}
	return nil
}

func (p *printer) op(op string) string {
	switch op {
	case "!=", "<>":
		if p.sql() {
			return dialect.NotEqual(p.d)
		}
	case "==":
		return "="
	}
	return op
}

func (p *printer) like(b *strings.Builder, x *Like) error {
	if err := p.print(b, x.X); err != nil {
		return err
	}
	if x.Negated {
		b.WriteString(" NOT")
	}
	// SQLite LIKE is already case-insensitive for ASCII
	if x.Insensitive && p.d != model.DialectSpatialite {
		b.WriteString(" ILIKE ")
	} else {
		b.WriteString(" LIKE ")
	}
	return p.print(b, x.Pattern)
}

func (p *printer) call(b *strings.Builder, x *Call) error {
	args := make([]string, len(x.Args))
	for i, a := range x.Args {
		var ab strings.Builder
		if err := p.print(&ab, a); err != nil {
			return err
		}
		args[i] = ab.String()
	}
	if !p.sql() {
		b.WriteString(x.Name + "(" + strings.Join(args, ", ") + ")")
		return nil
	}
	f, known := dialect.Function(p.d, x.Name)
	if !known {
		return p.fail(filtererr.UnsupportedFunction, x.Name+"(", "unknown function")
	}
	if !f.Supported() {
		return p.fail(filtererr.UnsupportedFunction, x.Name+"(", "no equivalent in "+p.d.String())
	}
	b.WriteString(f.Render(args))
	return nil
}

func (p *printer) cast(b *strings.Builder, x *Cast) error {
	var inner strings.Builder
	if err := p.print(&inner, x.X); err != nil {
		return err
	}
	switch p.d {
	case model.DialectGeneric:
		b.WriteString(inner.String() + "::" + x.Type)
	case model.DialectSpatialite:
		b.WriteString("CAST(" + inner.String() + " AS " + dialect.CastType(p.d, x.Type) + ")")
	default:
		b.WriteString(inner.String() + "::" + dialect.CastType(p.d, x.Type))
	}
	return nil
}
