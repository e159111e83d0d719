package zone

import (
	"iter"

	"github.com/paulmach/orb"
	"github.com/peterstace/simplefeatures/geom"
	"github.com/tidwall/rtree"
)

// Database is an immutable, spatially indexed set of zones. Build one with
// NewDatabase and never mutate it afterwards; Engine swaps whole databases.
type Database struct {
	tree     rtree.RTreeG[*Zone]
	zones    []*Zone
	disabled bool
}

// NewDatabase indexes every feature with a usable geometry. Zones keep the
// order in which features were produced; that order breaks area ties.
func NewDatabase(features iter.Seq[Feature]) *Database {
	db := &Database{}
	if features == nil {
		return db
	}
	for f := range features {
		if f.Geometry == nil || f.Geometry.Dimensions() < 2 {
			continue
		}
		ordinal := len(db.zones)
		z := newZone(ordinal, zoneName(f.Properties, ordinal), f.Geometry, f.Properties)
		shape, err := toShape(z.projected)
		if err != nil {
			continue
		}
		z.shape = shape
		b := z.projected.Bound()
		db.tree.Insert(b.Min, b.Max, z)
		db.zones = append(db.zones, z)
	}
	return db
}

// disabledDatabase resolves every lookup to nothing.
func disabledDatabase() *Database {
	return &Database{disabled: true}
}

// Len returns the number of indexed zones.
func (db *Database) Len() int {
	return len(db.zones)
}

// Disabled reports whether the database was installed as a fallback after
// a configuration error.
func (db *Database) Disabled() bool {
	return db.disabled
}

// Zones returns the zones in load order.
func (db *Database) Zones() []*Zone {
	out := make([]*Zone, len(db.zones))
	copy(out, db.zones)
	return out
}

// Lookup returns the smallest-area zone intersecting g, or nil. Among zones
// of equal area the one loaded first wins.
func (db *Database) Lookup(g orb.Geometry) *Zone {
	if db.disabled || g == nil || len(db.zones) == 0 {
		return nil
	}
	pg := ToMetric(g)
	shape, err := toShape(pg)
	if err != nil {
		return nil
	}
	b := pg.Bound()

	var best *Zone
	db.tree.Search(b.Min, b.Max, func(_, _ [2]float64, z *Zone) bool {
		if !geom.Intersects(z.shape, shape) {
			return true
		}
		if best == nil || z.Area() < best.Area() ||
			(z.Area() == best.Area() && z.ordinal < best.ordinal) {
			best = z
		}
		return true
	})
	return best
}

// Anonymize returns the zone standing in for g: its Lookup result or
// DefaultLocation.
func (db *Database) Anonymize(g orb.Geometry) *Zone {
	if z := db.Lookup(g); z != nil {
		return z
	}
	return DefaultLocation
}
