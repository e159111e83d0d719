package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/tdm-project/tdmq/internal/query"
	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/zone"
)

// SearchRequest filters sources. Raw asks for true locations of private
// sources and requires an authorized caller.
type SearchRequest struct {
	ExternalID     string
	EntityCategory string
	EntityType     string
	Public         *bool
	Stationary     *bool
	ROI            *zone.ROI
	Description    map[string]any

	OnlyPublic bool
	Raw        bool

	Limit  int
	Offset int
}

// safeAttributes may be used without restricting a search to public sources.
var safeAttributes = map[string]bool{
	"entity_category": true,
	"entity_type":     true,
	"stationary":      true,
	"public":          true,
	"roi":             true,
}

// attributes names the filters set on r.
func (r SearchRequest) attributes() []string {
	var attrs []string
	if r.ExternalID != "" {
		attrs = append(attrs, "external_id")
	}
	if r.EntityCategory != "" {
		attrs = append(attrs, "entity_category")
	}
	if r.EntityType != "" {
		attrs = append(attrs, "entity_type")
	}
	if r.Public != nil {
		attrs = append(attrs, "public")
	}
	if r.Stationary != nil {
		attrs = append(attrs, "stationary")
	}
	if r.ROI != nil {
		attrs = append(attrs, "roi")
	}
	for k := range r.Description {
		attrs = append(attrs, k)
	}
	return attrs
}

// SearchSources returns public sources first, then private ones. Unless the
// caller asks for raw data, private sources are sanitized and, for ROI
// searches, kept only when their anonymized location is inside the
// quantized ROI.
func (s *Service) SearchSources(ctx context.Context, caller Caller, req SearchRequest) ([]*source.Source, error) {
	if req.Limit != 0 || req.Offset != 0 {
		return nil, ErrPaginationUnsupported
	}
	if req.Raw && !caller.Authorized {
		return nil, ErrUnauthorized
	}
	anonymize := !req.Raw

	publicOnly := req.OnlyPublic || (req.Public != nil && *req.Public)
	if !publicOnly && anonymize {
		for _, attr := range req.attributes() {
			if !safeAttributes[attr] {
				publicOnly = true
				break
			}
		}
	}

	f := query.SourceFilter{
		EntityCategory: req.EntityCategory,
		EntityType:     req.EntityType,
		Public:         req.Public,
		Stationary:     req.Stationary,
		Description:    req.Description,
	}
	if req.ExternalID != "" {
		id := source.DeriveID(req.ExternalID)
		f.ID = &id
	}
	if publicOnly {
		yes := true
		f.Public = &yes
	}

	var roi *zone.ROI
	if req.ROI != nil {
		r := *req.ROI
		if !publicOnly {
			r = zone.QuantizeROI(r)
		}
		roi = &r
		f.ROI = roi
		f.ROIPublicOnly = !publicOnly && anonymize
	}

	found, err := s.store.SearchSources(ctx, f)
	if err != nil {
		return nil, s.internal(ctx, "search sources failed", err)
	}

	public := make([]*source.Source, 0, len(found))
	var private []*source.Source
	for _, src := range found {
		if src.Public {
			public = append(public, src)
		} else {
			private = append(private, src)
		}
	}
	if !anonymize {
		return append(public, private...), nil
	}

	for _, src := range private {
		view, err := s.sanitize(ctx, src)
		if err != nil {
			return nil, err
		}
		if roi != nil && !roi.Intersects(view.DefaultFootprint) {
			continue
		}
		public = append(public, view)
	}
	return public, nil
}

// GetSource returns one source. Private sources are sanitized unless raw
// is set, which requires an authorized caller.
func (s *Service) GetSource(ctx context.Context, caller Caller, id uuid.UUID, raw bool) (*source.Source, error) {
	src, err := s.loadSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.Public {
		return src, nil
	}
	if raw {
		if !caller.Authorized {
			return nil, ErrUnauthorized
		}
		return src, nil
	}
	return s.sanitize(ctx, src)
}

// sanitizedDescription lists the description keys kept for private sources.
var sanitizedDescription = []string{source.KeyControlledProperty, source.KeyShape}

// sanitize projects a private source onto its allow-listed attributes, with
// the footprint replaced by the centroid of its anonymization zone.
func (s *Service) sanitize(ctx context.Context, src *source.Source) (*source.Source, error) {
	z, err := s.zones.Anonymize(src.DefaultFootprint)
	if err != nil {
		return nil, s.internal(ctx, "anonymization failed", err, "tdmq_id", src.ID)
	}

	desc := make(map[string]json.RawMessage, len(sanitizedDescription))
	for _, key := range sanitizedDescription {
		if res := gjson.GetBytes(src.Description, key); res.Exists() {
			desc[key] = json.RawMessage(res.Raw)
		}
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, s.internal(ctx, "sanitize description failed", fmt.Errorf("marshal: %w", err), "tdmq_id", src.ID)
	}

	return &source.Source{
		ID:               src.ID,
		EntityCategory:   src.EntityCategory,
		EntityType:       src.EntityType,
		DefaultFootprint: z.Centroid(),
		Stationary:       src.Stationary,
		Public:           false,
		Description:      data,
	}, nil
}
