package zone

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/peterstace/simplefeatures/geom"
)

// toShape converts a planar orb geometry for the simplefeatures predicates.
// Zone sources are not always valid OGC geometries, so validation is skipped.
func toShape(g orb.Geometry) (geom.Geometry, error) {
	switch v := g.(type) {
	case orb.Ring:
		g = orb.Polygon{v}
	case orb.Bound:
		g = v.ToPolygon()
	}
	data, err := wkb.Marshal(g)
	if err != nil {
		return geom.Geometry{}, err
	}
	return geom.UnmarshalWKB(data, geom.NoValidate{})
}

// intersects reports whether shape and g share at least one point, with the
// same semantics as ST_Intersects.
func intersects(shape geom.Geometry, g orb.Geometry) bool {
	if g == nil {
		return false
	}
	other, err := toShape(g)
	if err != nil {
		return false
	}
	return geom.Intersects(shape, other)
}
