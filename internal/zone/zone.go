// Package zone maps precise geometries to privacy-preserving substitutes.
//
// A Database indexes anonymization zones in an R-tree. Every geometric
// computation (area, centroid, intersection, distance) runs on geometries
// projected to the metric SRID; inputs and outputs are geographic
// (longitude, latitude) coordinates.
package zone

import (
	"math"
	"strconv"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
	"github.com/peterstace/simplefeatures/geom"
)

// SRID pair shared with the SQL layer.
const (
	GeographicSRID = 4326
	MetricSRID     = 3857
)

// ToMetric returns a copy of g projected to the metric SRID.
func ToMetric(g orb.Geometry) orb.Geometry {
	if g == nil {
		return nil
	}
	return project.Geometry(orb.Clone(g), project.WGS84.ToMercator)
}

// ToGeographic projects a metric point back to longitude/latitude.
func ToGeographic(p orb.Point) orb.Point {
	return project.Mercator.ToWGS84(p)
}

// Feature is one {geometry, properties} pair of a zone source.
type Feature struct {
	Geometry   orb.Geometry
	Properties map[string]any
}

// Zone is an anonymization polygon. Centroid and area are computed on first
// use and cached; a Zone is immutable once built and must not be copied.
type Zone struct {
	Name       string
	Geometry   orb.Geometry
	Properties map[string]any

	ordinal   int
	projected orb.Geometry
	shape     geom.Geometry

	once     sync.Once
	centroid orb.Point
	area     float64
}

// DefaultLocation stands in for any geometry no zone intersects.
var DefaultLocation = newZone(-1, "Unknown location", orb.Point{0, 0}, nil)

func newZone(ordinal int, name string, g orb.Geometry, props map[string]any) *Zone {
	return &Zone{
		Name:       name,
		Geometry:   g,
		Properties: props,
		ordinal:    ordinal,
		projected:  ToMetric(g),
	}
}

func (z *Zone) derive() {
	z.once.Do(func() {
		c, a := planar.CentroidArea(z.projected)
		z.centroid = ToGeographic(c)
		z.area = math.Abs(a)
	})
}

// Centroid is the zone's geographic centroid, the only location ever
// exposed for an anonymized source.
func (z *Zone) Centroid() orb.Point {
	z.derive()
	return z.centroid
}

// Area is the zone's area in squared metric units.
func (z *Zone) Area() float64 {
	z.derive()
	return z.area
}

// IsDefault reports whether z is the DefaultLocation sentinel.
func (z *Zone) IsDefault() bool {
	return z == DefaultLocation
}

func zoneName(props map[string]any, ordinal int) string {
	for _, k := range []string{"name", "NAME", "Name", "nome", "NOME"} {
		if s, ok := props[k].(string); ok && s != "" {
			return s
		}
	}
	return "zone-" + strconv.Itoa(ordinal)
}
