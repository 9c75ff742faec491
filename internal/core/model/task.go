package model

import (
	"slices"
	"strings"
	"time"
)

type Dialect int

const (
	// DialectGeneric is the provider-neutral expression syntax also used for
	// subset filters of generic vector layers.
	DialectGeneric Dialect = iota
	DialectPostgres
	DialectSpatialite
	DialectDuckDB
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectSpatialite:
		return "spatialite"
	case DialectDuckDB:
		return "duckdb"
	default:
		return "generic"
	}
}

// SubsetDialect is the dialect a layer of this kind accepts as subset filter.
func (k BackendKind) SubsetDialect() Dialect {
	switch k {
	case SqlServer:
		return DialectPostgres
	case FileGeometryStore:
		return DialectSpatialite
	default:
		return DialectGeneric
	}
}

type Predicate int

const (
	Intersects Predicate = iota + 1
	Contains
	Within
	Touches
	Crosses
	Overlaps
	Disjoint
	Equals
)

var predicateNames = map[Predicate]string{
	Intersects: "intersects",
	Contains:   "contains",
	Within:     "within",
	Touches:    "touches",
	Crosses:    "crosses",
	Overlaps:   "overlaps",
	Disjoint:   "disjoint",
	Equals:     "equals",
}

func (p Predicate) String() string {
	if s, ok := predicateNames[p]; ok {
		return s
	}
	return "unknown"
}

func ParsePredicate(s string) (Predicate, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, n := range predicateNames {
		if n == s {
			return p, true
		}
	}
	return 0, false
}

type CombineOperator string

const (
	OpAnd    CombineOperator = "AND"
	OpOr     CombineOperator = "OR"
	OpAndNot CombineOperator = "AND NOT"
)

// ParseCombineOperator normalizes case and whitespace; empty input defaults to AND.
func ParseCombineOperator(s string) (CombineOperator, bool) {
	norm := strings.Join(strings.Fields(strings.ToUpper(s)), " ")
	switch CombineOperator(norm) {
	case "", OpAnd:
		return OpAnd, true
	case OpOr:
		return OpOr, true
	case OpAndNot:
		return OpAndNot, true
	default:
		return "", false
	}
}

type MaterializeMode int

const (
	MaterializeAuto MaterializeMode = iota
	MaterializeAlways
	MaterializeNever
)

type TaskOptions struct {
	// operator used to merge a new filter into the layer's existing subset
	ExistingFilterOperator CombineOperator
	ReplaceExisting        bool
	RoundTripTimeout       time.Duration
	Materialize            MaterializeMode
}

type FilterTaskParameters struct {
	Source          LayerDescriptor
	Targets         []LayerDescriptor
	Expression      string
	Predicates      []Predicate
	CombineOperator CombineOperator
	BufferDistance  *float64
	UseCentroids    bool
	FeatureIDs      []string
	Options         TaskOptions
}

// Clone returns a copy that shares no slices with p.
func (p FilterTaskParameters) Clone() FilterTaskParameters {
	out := p
	out.Targets = slices.Clone(p.Targets)
	out.Predicates = slices.Clone(p.Predicates)
	out.FeatureIDs = slices.Clone(p.FeatureIDs)
	if p.BufferDistance != nil {
		b := *p.BufferDistance
		out.BufferDistance = &b
	}
	return out
}

func (p FilterTaskParameters) HasSpatial() bool {
	return len(p.Targets) > 0 && len(p.Predicates) > 0
}

func (p FilterTaskParameters) HasAttribute() bool {
	return strings.TrimSpace(p.Expression) != ""
}

func (p FilterTaskParameters) Buffer() float64 {
	if p.BufferDistance == nil {
		return 0
	}
	return *p.BufferDistance
}

type TaskState int

const (
	StatePending TaskState = iota
	StateOrganizing
	StatePreparingSourceGeometry
	StatePerBackendFiltering
	StateMerging
	StateDone
	StateFailed
	StateCancelled
)

func (s TaskState) String() string {
	switch s {
	case StateOrganizing:
		return "organizing"
	case StatePreparingSourceGeometry:
		return "preparing_source_geometry"
	case StatePerBackendFiltering:
		return "per_backend_filtering"
	case StateMerging:
		return "merging"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

func (s TaskState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// LayerFilter is one subset filter the caller applies on the owner thread.
type LayerFilter struct {
	LayerID      string `json:"layer_id"`
	Expression   string `json:"expression"`
	FeatureCount uint64 `json:"feature_count"`
}

type TaskResult struct {
	TaskID       string        `json:"task_id"`
	State        TaskState     `json:"-"`
	Success      bool          `json:"success"`
	Expression   string        `json:"expression,omitempty"`
	FeatureIDs   []string      `json:"feature_ids,omitempty"`
	FeatureCount uint64        `json:"feature_count"`
	Layers       []LayerFilter `json:"layers,omitempty"`
	Warnings     []Warning     `json:"warnings,omitempty"`
	Err          error         `json:"-"`
}
