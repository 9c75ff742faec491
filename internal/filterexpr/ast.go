// Package filterexpr parses user filter expressions and prints them back in
// a backend dialect. Grouping parentheses are kept as nodes so that printing
// a parsed expression reproduces its structure.
package filterexpr

type Node interface {
	node()
}

type Ident struct {
	Table  string
	Name   string
	Quoted bool
}

type LitKind int

const (
	LitNumber LitKind = iota
	LitString
	LitBool
	LitNull
)

type Literal struct {
	Kind LitKind
	// Text is the source spelling for numbers and booleans and the
	// unescaped value for strings.
	Text string
}

// Variable is a $name reference such as $id or $geometry.
type Variable struct {
	Name string
}

type Unary struct {
	Op string
	X  Node
}

// Binary covers comparison, arithmetic and || concatenation.
type Binary struct {
	Op   string
	L, R Node
}

// Logical is a flattened run of AND or OR terms.
type Logical struct {
	Op    string
	Terms []Node
}

type Not struct {
	X Node
}

type In struct {
	X       Node
	Values  []Node
	Negated bool
}

type Like struct {
	X, Pattern  Node
	Negated     bool
	Insensitive bool
}

type Between struct {
	X, Lo, Hi Node
	Negated   bool
}

type IsNull struct {
	X       Node
	Negated bool
}

type Call struct {
	Name string
	Args []Node
}

type Cast struct {
	X    Node
	Type string
}

type Paren struct {
	X Node
}

func (*Ident) node()    {}
func (*Literal) node()  {}
func (*Variable) node() {}
func (*Unary) node()    {}
func (*Binary) node()   {}
func (*Logical) node()  {}
func (*Not) node()      {}
func (*In) node()       {}
func (*Like) node()     {}
func (*Between) node()  {}
func (*IsNull) node()   {}
func (*Call) node()     {}
func (*Cast) node()     {}
func (*Paren) node()    {}

// Unparen strips any number of grouping parentheses.
func Unparen(n Node) Node {
	for {
		p, ok := n.(*Paren)
		if !ok {
			return n
		}
		n = p.X
	}
}

// Walk visits n and its children depth first until fn returns false.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch x := n.(type) {
	case *Unary:
		Walk(x.X, fn)
	case *Binary:
		Walk(x.L, fn)
		Walk(x.R, fn)
	case *Logical:
		for _, t := range x.Terms {
			Walk(t, fn)
		}
	case *Not:
		Walk(x.X, fn)
	case *In:
		Walk(x.X, fn)
		for _, v := range x.Values {
			Walk(v, fn)
		}
	case *Like:
		Walk(x.X, fn)
		Walk(x.Pattern, fn)
	case *Between:
		Walk(x.X, fn)
		Walk(x.Lo, fn)
		Walk(x.Hi, fn)
	case *IsNull:
		Walk(x.X, fn)
	case *Call:
		for _, a := range x.Args {
			Walk(a, fn)
		}
	case *Cast:
		Walk(x.X, fn)
	case *Paren:
		Walk(x.X, fn)
	}
}
