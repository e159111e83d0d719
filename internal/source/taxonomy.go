package source

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EntityCategory is a top-level class of sources.
type EntityCategory struct {
	Name string `json:"entity_category"`
}

// EntityType is a kind of source within a category. Schema optionally
// describes the type's description properties.
type EntityType struct {
	Category string          `json:"entity_category"`
	Name     string          `json:"entity_type"`
	Schema   json.RawMessage `json:"schema,omitempty"`
}

// Taxonomy is the immutable set of known (category, type) pairs.
type Taxonomy struct {
	categories []EntityCategory
	types      map[string]map[string]EntityType
}

// NewTaxonomy indexes the given types. Categories referenced by a type but
// missing from categories are added.
func NewTaxonomy(categories []EntityCategory, types []EntityType) *Taxonomy {
	t := &Taxonomy{types: make(map[string]map[string]EntityType)}
	seen := make(map[string]bool)
	for _, c := range categories {
		if !seen[c.Name] {
			seen[c.Name] = true
			t.categories = append(t.categories, c)
		}
		if t.types[c.Name] == nil {
			t.types[c.Name] = make(map[string]EntityType)
		}
	}
	for _, et := range types {
		if !seen[et.Category] {
			seen[et.Category] = true
			t.categories = append(t.categories, EntityCategory{Name: et.Category})
			t.types[et.Category] = make(map[string]EntityType)
		}
		t.types[et.Category][et.Name] = et
	}
	return t
}

// DefaultTaxonomy is used when no taxonomy file is configured.
func DefaultTaxonomy() *Taxonomy {
	return NewTaxonomy(
		[]EntityCategory{{Name: "Radar"}, {Name: "Satellite"}, {Name: "Station"}, {Name: "Model"}},
		[]EntityType{
			{Category: "Radar", Name: "MeteoRadarMosaic"},
			{Category: "Satellite", Name: "PointWeatherObserver"},
			{Category: "Satellite", Name: "TemperatureMosaic"},
			{Category: "Station", Name: "PointWeatherObserver"},
			{Category: "Station", Name: "WeatherObserver"},
			{Category: "Station", Name: "EnergyConsumptionMonitor"},
			{Category: "Station", Name: "TrafficObserver"},
			{Category: "Station", Name: "DeviceStatusMonitor"},
			{Category: "Model", Name: "WeatherForecast"},
		},
	)
}

// Validate checks that (category, typ) names a known entity type.
func (t *Taxonomy) Validate(category, typ string) error {
	if category == "" || typ == "" {
		return fmt.Errorf("%w: missing entity_category or entity_type", ErrValidation)
	}
	types, ok := t.types[category]
	if !ok {
		return fmt.Errorf("%w: unknown entity_category %q", ErrValidation, category)
	}
	if _, ok := types[typ]; !ok {
		return fmt.Errorf("%w: unknown entity_type %q for category %q", ErrValidation, typ, category)
	}
	return nil
}

// Categories returns the categories in registration order.
func (t *Taxonomy) Categories() []EntityCategory {
	out := make([]EntityCategory, len(t.categories))
	copy(out, t.categories)
	return out
}

// Types returns every entity type, optionally restricted to one category,
// sorted by (category, name).
func (t *Taxonomy) Types(category string) []EntityType {
	out := make([]EntityType, 0)
	for cat, types := range t.types {
		if category != "" && cat != category {
			continue
		}
		for _, et := range types {
			out = append(out, et)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}
