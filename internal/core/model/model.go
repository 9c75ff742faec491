// Package model defines core domain types shared across the engine.
package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

type BackendKind int

const (
	BackendUnknown BackendKind = iota
	SqlServer
	FileGeometryStore
	GenericVectorDriver
)

func (k BackendKind) String() string {
	switch k {
	case SqlServer:
		return "sql_server"
	case FileGeometryStore:
		return "file_geometry_store"
	case GenericVectorDriver:
		return "generic_vector_driver"
	default:
		return "unknown"
	}
}

// ParseBackendKind accepts the String() form; anything else yields BackendUnknown.
func ParseBackendKind(s string) BackendKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sql_server":
		return SqlServer
	case "file_geometry_store":
		return FileGeometryStore
	case "generic_vector_driver":
		return GenericVectorDriver
	default:
		return BackendUnknown
	}
}

// KindForProvider maps a native provider name onto one of the three backend kinds.
func KindForProvider(provider string) BackendKind {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "postgres", "postgresql", "postgis":
		return SqlServer
	case "spatialite", "sqlite", "gpkg", "geopackage":
		return FileGeometryStore
	default:
		return GenericVectorDriver
	}
}

type CRS struct {
	Authority string
	Code      int
}

func EPSG(code int) CRS { return CRS{Authority: "EPSG", Code: code} }

func (c CRS) IsZero() bool { return c.Code == 0 }

func (c CRS) String() string {
	if c.IsZero() {
		return ""
	}
	a := c.Authority
	if a == "" {
		a = "EPSG"
	}
	return a + ":" + strconv.Itoa(c.Code)
}

func (c CRS) Equal(o CRS) bool {
	return c.Code == o.Code && strings.EqualFold(authority(c), authority(o))
}

func authority(c CRS) string {
	if c.Authority == "" {
		return "EPSG"
	}
	return c.Authority
}

// ParseCRS parses "EPSG:4326" or a bare "4326".
func ParseCRS(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CRS{}, nil
	}
	auth, code, ok := strings.Cut(s, ":")
	if !ok {
		auth, code = "EPSG", s
	}
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil || n <= 0 {
		return CRS{}, fmt.Errorf("invalid crs %q", s)
	}
	return CRS{Authority: strings.ToUpper(strings.TrimSpace(auth)), Code: n}, nil
}

// DataSource locates the layer inside its backend.
type DataSource struct {
	DSN            string
	Path           string
	Schema         string
	Table          string
	GeometryColumn string
}

type LayerDescriptor struct {
	ID           string
	Name         string
	Provider     string
	Kind         BackendKind
	GeometryType string
	PrimaryKey   string
	FeatureCount uint64
	CRS          CRS
	// empty means no active subset filter
	SubsetFilter string
	Source       DataSource
}

func (d LayerDescriptor) HasSubset() bool { return strings.TrimSpace(d.SubsetFilter) != "" }

// GeometryColumn falls back to "geom" when the source does not name one.
func (d LayerDescriptor) GeometryColumn() string {
	if d.Source.GeometryColumn != "" {
		return d.Source.GeometryColumn
	}
	return "geom"
}

func (d LayerDescriptor) TableName() string {
	if d.Source.Table != "" {
		return d.Source.Table
	}
	return d.Name
}

type Feature struct {
	ID         string
	Geometry   orb.Geometry
	Properties map[string]any
}

type CostEstimate struct {
	UsesIndex bool
	RowsHint  *uint64
}

type WarningKind string

const (
	WarnCapabilityDegraded WarningKind = "capability_degraded"
	WarnSizeAdvisory       WarningKind = "size_advisory"
	WarnFeatureExcluded    WarningKind = "feature_excluded"
	WarnGeometryRepaired   WarningKind = "geometry_repaired"
	WarnBackendSkipped     WarningKind = "backend_skipped"
	WarnCostAdvisory       WarningKind = "cost_advisory"
)

type Warning struct {
	Kind    WarningKind `json:"kind"`
	LayerID string      `json:"layer_id,omitempty"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	if w.LayerID == "" {
		return string(w.Kind) + ": " + w.Message
	}
	return string(w.Kind) + " [" + w.LayerID + "]: " + w.Message
}
