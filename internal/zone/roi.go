package zone

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Quantization steps for ROIs that may match private sources.
const (
	ROIPrecision  = 3
	RadiusStep    = 500.0
	minROIRadius  = RadiusStep
	precisionUnit = 1000.0 // 10^ROIPrecision
)

// ROI is a circular region of interest: a geographic center and a radius in
// metres on the ground.
type ROI struct {
	Center orb.Point
	Radius float64
}

// QuantizeROI rounds the center to ROIPrecision decimals and the radius to
// the nearest RadiusStep, never below one step.
func QuantizeROI(roi ROI) ROI {
	return ROI{
		Center: orb.Point{
			math.Round(roi.Center[0]*precisionUnit) / precisionUnit,
			math.Round(roi.Center[1]*precisionUnit) / precisionUnit,
		},
		Radius: max(minROIRadius, math.Round(roi.Radius/RadiusStep)*RadiusStep),
	}
}

// maxMercatorLat is the latitude where Web Mercator tiles end.
const maxMercatorLat = 85.051129

// MetricRadius is Radius expressed in metric SRID units. Web Mercator
// stretches ground distances by 1/cos(latitude), so the radius is scaled by
// the stretch at the center.
func (r ROI) MetricRadius() float64 {
	lat := math.Max(-maxMercatorLat, math.Min(maxMercatorLat, r.Center[1]))
	return r.Radius / math.Cos(lat*math.Pi/180)
}

// Contains reports whether p lies within the circle, measured in the
// metric projection.
func (r ROI) Contains(p orb.Point) bool {
	c := ToMetric(r.Center).(orb.Point)
	q := ToMetric(p).(orb.Point)
	return planar.Distance(c, q) <= r.MetricRadius()
}

// Intersects reports whether g comes within Radius of the center.
func (r ROI) Intersects(g orb.Geometry) bool {
	if g == nil {
		return false
	}
	if p, ok := g.(orb.Point); ok {
		return r.Contains(p)
	}
	c := ToMetric(r.Center).(orb.Point)
	pg := ToMetric(g)
	if shape, err := toShape(pg); err == nil && intersects(shape, c) {
		return true
	}
	return planar.DistanceFrom(pg, c) <= r.MetricRadius()
}
