package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"
)

// ErrValidation is returned for malformed or incomplete source and record input.
var ErrValidation = errors.New("validation error")

// Namespace is the fixed namespace for name-based source ids.
var Namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://tdm-project.github.io/tdmq/source"))

// DeriveID maps an external id to its tdmq_id. It is a pure function of
// externalID, so re-registrations collide on the primary key.
func DeriveID(externalID string) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(externalID))
}

// Description keys with meaning to the service. Everything else in a
// source description is opaque.
const (
	KeyShape              = "shape"
	KeyControlledProperty = "controlledProperty"
	KeyAcquisitionPeriod  = "acquisitionPeriod"
)

// Source is a registered emitter of records.
type Source struct {
	ID               uuid.UUID       `json:"tdmq_id"`
	ExternalID       string          `json:"external_id,omitempty"`
	EntityCategory   string          `json:"entity_category"`
	EntityType       string          `json:"entity_type"`
	DefaultFootprint orb.Geometry    `json:"-"`
	Stationary       bool            `json:"stationary"`
	Public           bool            `json:"public"`
	Description      json.RawMessage `json:"description,omitempty"`
}

// HasShape reports whether records of this source are array-valued.
func (s *Source) HasShape() bool {
	return len(s.Shape()) > 0
}

// Shape returns the declared per-record array shape, or nil for scalar sources.
func (s *Source) Shape() []int {
	res := gjson.GetBytes(s.Description, KeyShape)
	if !res.IsArray() {
		return nil
	}
	var shape []int
	for _, d := range res.Array() {
		shape = append(shape, int(d.Int()))
	}
	return shape
}

// ControlledProperties returns the property names declared in the
// description, in declaration order.
func (s *Source) ControlledProperties() []string {
	res := gjson.GetBytes(s.Description, KeyControlledProperty)
	if !res.Exists() {
		return nil
	}
	if !res.IsArray() {
		return []string{res.String()}
	}
	var props []string
	for _, p := range res.Array() {
		props = append(props, p.String())
	}
	return props
}

// AcquisitionPeriod returns the declared sampling period, or zero when absent.
func (s *Source) AcquisitionPeriod() time.Duration {
	res := gjson.GetBytes(s.Description, KeyAcquisitionPeriod)
	if !res.Exists() || res.Float() <= 0 {
		return 0
	}
	return time.Duration(res.Float() * float64(time.Second))
}

// ArrayName is the block storage array owned by the source.
func (s *Source) ArrayName() string {
	return s.ID.String()
}

// MarshalJSON encodes the footprint as a GeoJSON geometry.
func (s Source) MarshalJSON() ([]byte, error) {
	type alias Source
	var fp *geojson.Geometry
	if s.DefaultFootprint != nil {
		fp = geojson.NewGeometry(s.DefaultFootprint)
	}
	return json.Marshal(struct {
		alias
		DefaultFootprint *geojson.Geometry `json:"default_footprint"`
	}{alias(s), fp})
}

// Variant is the closed set of source kinds: ScalarSource or ArraySource.
type Variant interface {
	variant() *Source
}

// ScalarSource records inline values keyed by controlled property.
type ScalarSource struct{ *Source }

// ArraySource records a reference into block storage per record.
type ArraySource struct {
	*Source
	Shape []int
}

func (v ScalarSource) variant() *Source { return v.Source }
func (v ArraySource) variant() *Source  { return v.Source }

// Variant classifies the source by the has-shape capability.
func (s *Source) Variant() Variant {
	if shape := s.Shape(); len(shape) > 0 {
		return ArraySource{Source: s, Shape: shape}
	}
	return ScalarSource{Source: s}
}

// Registration is the caller-supplied source description.
type Registration struct {
	ExternalID       string          `json:"id"`
	EntityCategory   string          `json:"entity_category"`
	EntityType       string          `json:"entity_type"`
	DefaultFootprint json.RawMessage `json:"default_footprint"`
	Stationary       *bool           `json:"stationary"`
	Public           bool            `json:"public"`
	Description      json.RawMessage `json:"description"`
}

// Build validates the registration against the taxonomy and returns the
// Source it describes.
func (r Registration) Build(tax *Taxonomy) (*Source, error) {
	if strings.TrimSpace(r.ExternalID) == "" {
		return nil, fmt.Errorf("%w: missing id", ErrValidation)
	}
	if err := tax.Validate(r.EntityCategory, r.EntityType); err != nil {
		return nil, err
	}
	if r.Stationary == nil {
		return nil, fmt.Errorf("%w: missing stationary", ErrValidation)
	}
	if len(r.DefaultFootprint) == 0 {
		return nil, fmt.Errorf("%w: missing default_footprint", ErrValidation)
	}
	fp, err := ParseGeometry(r.DefaultFootprint)
	if err != nil {
		return nil, err
	}
	desc := r.Description
	if len(desc) == 0 {
		desc = json.RawMessage(`{}`)
	}
	if !json.Valid(desc) || !gjson.ParseBytes(desc).IsObject() {
		return nil, fmt.Errorf("%w: description must be a JSON object", ErrValidation)
	}
	return &Source{
		ID:               DeriveID(r.ExternalID),
		ExternalID:       r.ExternalID,
		EntityCategory:   r.EntityCategory,
		EntityType:       r.EntityType,
		DefaultFootprint: fp,
		Stationary:       *r.Stationary,
		Public:           r.Public,
		Description:      desc,
	}, nil
}

// ParseGeometry decodes a GeoJSON geometry object.
func ParseGeometry(raw json.RawMessage) (orb.Geometry, error) {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed footprint: %v", ErrValidation, err)
	}
	if g.Geometry() == nil {
		return nil, fmt.Errorf("%w: malformed footprint: no coordinates", ErrValidation)
	}
	return g.Geometry(), nil
}
