package geomprep

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

type Options struct {
	Centroids bool
	// SimplifyTolerance is the Douglas-Peucker threshold tried on rings
	// that still self-intersect after reordering. Zero skips the step.
	SimplifyTolerance float64
}

type Result struct {
	Geometry     orb.Geometry
	WKB          []byte
	ServerRepair bool
	// ids of features that could not be repaired
	Excluded []string
	Warnings []model.Warning
}

func (r Result) Empty() bool { return len(r.WKB) == 0 }

// Prepare repairs every feature, optionally reduces each to its centroid
// and collects the survivors into one geometry. A feature that cannot be
// repaired is excluded with a warning instead of failing the whole set.
func Prepare(layerID string, features []model.Feature, opts Options) (Result, error) {
	var (
		res   Result
		parts []orb.Geometry
	)
	for _, f := range features {
		r, err := repair(f.Geometry, opts.SimplifyTolerance)
		if err != nil {
			rf := &filtererr.RepairFailure{LayerID: layerID, FeatureID: f.ID, Err: err}
			res.Excluded = append(res.Excluded, f.ID)
			res.Warnings = append(res.Warnings, model.Warning{
				Kind:    model.WarnFeatureExcluded,
				LayerID: layerID,
				Message: rf.Error(),
			})
			continue
		}
		if r.envelope {
			res.Warnings = append(res.Warnings, model.Warning{
				Kind:    model.WarnGeometryRepaired,
				LayerID: layerID,
				Message: fmt.Sprintf("feature %s replaced by its envelope", f.ID),
			})
		}
		g := r.geom
		if opts.Centroids {
			c, _ := planar.CentroidArea(g)
			g = c
		} else if r.serverRepair {
			res.ServerRepair = true
		}
		parts = append(parts, g)
	}
	if len(parts) == 0 {
		return res, nil
	}
	res.Geometry = collect(parts)
	raw, err := wkb.Marshal(res.Geometry)
	if err != nil {
		return Result{}, fmt.Errorf("encode source geometry of %s: %w", layerID, err)
	}
	res.WKB = raw
	return res, nil
}

// collect merges parts into the narrowest multi-geometry that holds them.
func collect(parts []orb.Geometry) orb.Geometry {
	if len(parts) == 1 {
		return parts[0]
	}
	var (
		pts   orb.MultiPoint
		lines orb.MultiLineString
		polys orb.MultiPolygon
		other bool
	)
	for _, g := range parts {
		switch g := g.(type) {
		case orb.Point:
			pts = append(pts, g)
		case orb.MultiPoint:
			pts = append(pts, g...)
		case orb.LineString:
			lines = append(lines, g)
		case orb.MultiLineString:
			lines = append(lines, g...)
		case orb.Polygon:
			polys = append(polys, g)
		case orb.MultiPolygon:
			polys = append(polys, g...)
		default:
			other = true
		}
	}
	switch {
	case !other && len(lines) == 0 && len(polys) == 0:
		return pts
	case !other && len(pts) == 0 && len(polys) == 0:
		return lines
	case !other && len(pts) == 0 && len(lines) == 0:
		return polys
	}
	return orb.Collection(parts)
}

var (
	wgs84        = model.EPSG(4326)
	webMercator  = model.EPSG(3857)
	toMercator   = project.WGS84.ToMercator
	fromMercator = project.Mercator.ToWGS84
)

// CanReproject reports whether from -> to is done in process.
func CanReproject(from, to model.CRS) bool {
	return from.Equal(to) ||
		(from.Equal(wgs84) && to.Equal(webMercator)) ||
		(from.Equal(webMercator) && to.Equal(wgs84))
}

// Reproject returns p expressed in to. Only WGS84 and Web Mercator are
// handled here; other pairs are left to ST_Transform in the backend.
func Reproject(p model.GeometryPayload, to model.CRS) (model.GeometryPayload, error) {
	if p.CRS.Equal(to) || p.Empty() {
		return p, nil
	}
	var proj orb.Projection
	switch {
	case p.CRS.Equal(wgs84) && to.Equal(webMercator):
		proj = toMercator
	case p.CRS.Equal(webMercator) && to.Equal(wgs84):
		proj = fromMercator
	default:
		return p, fmt.Errorf("reproject %s to %s: unsupported in process", p.CRS, to)
	}
	g, err := wkb.Unmarshal(p.WKB)
	if err != nil {
		return p, fmt.Errorf("decode payload %s: %w", p.Fingerprint, err)
	}
	raw, err := wkb.Marshal(project.Geometry(g, proj))
	if err != nil {
		return p, fmt.Errorf("encode payload %s: %w", p.Fingerprint, err)
	}
	out := p
	out.WKB = raw
	out.CRS = to
	return out, nil
}
