package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/tdm-project/tdmq/internal/service"
	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/zone"
)

// --- Huma Input/Output types ---

type RegisterSourceBody struct {
	ID               string          `json:"id" doc:"External source id" minLength:"1"`
	EntityCategory   string          `json:"entity_category" doc:"Entity category" minLength:"1"`
	EntityType       string          `json:"entity_type" doc:"Entity type" minLength:"1"`
	DefaultFootprint json.RawMessage `json:"default_footprint" doc:"GeoJSON geometry (EPSG:4326)"`
	Stationary       *bool           `json:"stationary" required:"true" doc:"Stationary sources inherit their records' footprint"`
	Public           bool            `json:"public,omitempty" doc:"Public sources expose their exact location"`
	Description      json.RawMessage `json:"description,omitempty" doc:"Free-form JSON description"`
	ExpectedSlots    int             `json:"expected_slots,omitempty" doc:"Block array size for shaped sources" minimum:"0"`
}

type RegisterSourceInput struct {
	Body RegisterSourceBody
}

type RegisterSourceOutput struct {
	Body struct {
		TdmqID uuid.UUID `json:"tdmq_id" doc:"Derived source id"`
	}
}

type SourceResponse struct {
	TdmqID           uuid.UUID       `json:"tdmq_id"`
	ExternalID       string          `json:"external_id,omitempty"`
	EntityCategory   string          `json:"entity_category"`
	EntityType       string          `json:"entity_type"`
	DefaultFootprint json.RawMessage `json:"default_footprint,omitempty"`
	Stationary       bool            `json:"stationary"`
	Public           bool            `json:"public"`
	Description      json.RawMessage `json:"description,omitempty"`
}

type SearchSourcesInput struct {
	ExternalID     string `query:"id" doc:"External source id"`
	EntityCategory string `query:"entity_category"`
	EntityType     string `query:"entity_type"`
	Public         string `query:"public" doc:"true or false"`
	Stationary     string `query:"stationary" doc:"true or false"`
	ROI            string `query:"roi" doc:"circle((lon, lat), radius_m)" example:"circle((9.1, 39.2), 1000)"`
	OnlyPublic     bool   `query:"only_public"`
	Anonymized     bool   `query:"anonymized" default:"true" doc:"false returns true locations of private sources"`
	Limit          int    `query:"limit"`
	Offset         int    `query:"offset"`

	req service.SearchRequest
}

type SearchSourcesOutput struct {
	Body []SourceResponse
}

type SourceIDInput struct {
	TdmqID string `path:"tdmq_id" doc:"Source UUID" format:"uuid"`
}

type GetSourceInput struct {
	SourceIDInput
	Anonymized bool `query:"anonymized" default:"true"`
}

type GetSourceOutput struct {
	Body SourceResponse
}

// searchParams are the query keys bound to SearchSourcesInput fields; any
// other key filters on the description.
var searchParams = map[string]bool{
	"id": true, "entity_category": true, "entity_type": true, "public": true,
	"stationary": true, "roi": true, "only_public": true, "anonymized": true,
	"limit": true, "offset": true,
}

// Resolve builds the service request, including the free-form description
// filters.
func (in *SearchSourcesInput) Resolve(ctx huma.Context) []error {
	var errs []error
	in.req = service.SearchRequest{
		ExternalID:     in.ExternalID,
		EntityCategory: in.EntityCategory,
		EntityType:     in.EntityType,
		OnlyPublic:     in.OnlyPublic,
		Raw:            !in.Anonymized,
		Limit:          in.Limit,
		Offset:         in.Offset,
	}

	for name, raw := range map[string]string{"public": in.Public, "stationary": in.Stationary} {
		if raw == "" {
			continue
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, &huma.ErrorDetail{Location: "query." + name, Message: "expected true or false", Value: raw})
			continue
		}
		if name == "public" {
			in.req.Public = &b
		} else {
			in.req.Stationary = &b
		}
	}

	if in.ROI != "" {
		roi, err := parseROI(in.ROI)
		if err != nil {
			errs = append(errs, &huma.ErrorDetail{Location: "query.roi", Message: err.Error(), Value: in.ROI})
		} else {
			in.req.ROI = &roi
		}
	}

	u := ctx.URL()
	for key, vals := range u.Query() {
		if searchParams[key] || len(vals) == 0 {
			continue
		}
		if in.req.Description == nil {
			in.req.Description = make(map[string]any)
		}
		in.req.Description[key] = queryValue(vals[0])
	}
	return errs
}

var roiPattern = regexp.MustCompile(`^\s*circle\(\s*\(\s*([-+0-9.eE]+)\s*,\s*([-+0-9.eE]+)\s*\)\s*,\s*([-+0-9.eE]+)\s*\)\s*$`)

// parseROI reads "circle((lon, lat), radius)" with the radius in metres.
func parseROI(s string) (zone.ROI, error) {
	m := roiPattern.FindStringSubmatch(s)
	if m == nil {
		return zone.ROI{}, fmt.Errorf("expected circle((lon, lat), radius)")
	}
	var v [3]float64
	for i := range v {
		f, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return zone.ROI{}, fmt.Errorf("bad number %q", m[i+1])
		}
		v[i] = f
	}
	if v[0] < -180 || v[0] > 180 || v[1] < -90 || v[1] > 90 {
		return zone.ROI{}, fmt.Errorf("center out of range")
	}
	if v[2] <= 0 {
		return zone.ROI{}, fmt.Errorf("radius must be positive")
	}
	return zone.ROI{Center: orb.Point{v[0], v[1]}, Radius: v[2]}, nil
}

// queryValue reads a JSON scalar, falling back to the raw string.
func queryValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		switch v.(type) {
		case bool, float64:
			return v
		}
	}
	return s
}

// --- Handler ---

type SourceHandler struct {
	backend Backend
	logger  *slog.Logger
}

func NewSourceHandler(backend Backend, logger *slog.Logger) *SourceHandler {
	return &SourceHandler{backend: backend, logger: logger}
}

func registerSourceRoutes(api huma.API, h *SourceHandler) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-source",
		Method:        http.MethodPost,
		Path:          "/v1/sources",
		Summary:       "Register a source",
		Tags:          []string{"sources"},
		DefaultStatus: http.StatusCreated,
	}, h.RegisterSource)

	huma.Register(api, huma.Operation{
		OperationID: "search-sources",
		Method:      http.MethodGet,
		Path:        "/v1/sources",
		Summary:     "Search sources",
		Description: "Unrecognized query parameters filter on description attributes.",
		Tags:        []string{"sources"},
	}, h.SearchSources)

	huma.Register(api, huma.Operation{
		OperationID: "get-source",
		Method:      http.MethodGet,
		Path:        "/v1/sources/{tdmq_id}",
		Summary:     "Get a source",
		Tags:        []string{"sources"},
	}, h.GetSource)

	huma.Register(api, huma.Operation{
		OperationID:   "delete-source",
		Method:        http.MethodDelete,
		Path:          "/v1/sources/{tdmq_id}",
		Summary:       "Delete a source and its records",
		Tags:          []string{"sources"},
		DefaultStatus: http.StatusNoContent,
	}, h.DeleteSource)
}

func (h *SourceHandler) RegisterSource(ctx context.Context, input *RegisterSourceInput) (*RegisterSourceOutput, error) {
	b := input.Body
	src, err := h.backend.RegisterSource(ctx, callerFrom(ctx), service.RegisterRequest{
		Registration: source.Registration{
			ExternalID:       b.ID,
			EntityCategory:   b.EntityCategory,
			EntityType:       b.EntityType,
			DefaultFootprint: b.DefaultFootprint,
			Stationary:       b.Stationary,
			Public:           b.Public,
			Description:      b.Description,
		},
		ExpectedSlots: b.ExpectedSlots,
	})
	if err != nil {
		return nil, statusError(err)
	}
	out := &RegisterSourceOutput{}
	out.Body.TdmqID = src.ID
	return out, nil
}

func (h *SourceHandler) SearchSources(ctx context.Context, input *SearchSourcesInput) (*SearchSourcesOutput, error) {
	found, err := h.backend.SearchSources(ctx, callerFrom(ctx), input.req)
	if err != nil {
		return nil, statusError(err)
	}
	resp := make([]SourceResponse, 0, len(found))
	for _, src := range found {
		r, err := h.sourceToResponse(ctx, src)
		if err != nil {
			return nil, err
		}
		resp = append(resp, r)
	}
	return &SearchSourcesOutput{Body: resp}, nil
}

func (h *SourceHandler) GetSource(ctx context.Context, input *GetSourceInput) (*GetSourceOutput, error) {
	id, err := uuid.Parse(input.TdmqID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid tdmq_id")
	}
	src, err := h.backend.GetSource(ctx, callerFrom(ctx), id, !input.Anonymized)
	if err != nil {
		return nil, statusError(err)
	}
	resp, err := h.sourceToResponse(ctx, src)
	if err != nil {
		return nil, err
	}
	return &GetSourceOutput{Body: resp}, nil
}

func (h *SourceHandler) DeleteSource(ctx context.Context, input *SourceIDInput) (*struct{}, error) {
	id, err := uuid.Parse(input.TdmqID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid tdmq_id")
	}
	if err := h.backend.DeleteSource(ctx, callerFrom(ctx), id); err != nil {
		return nil, statusError(err)
	}
	return nil, nil
}

func (h *SourceHandler) sourceToResponse(ctx context.Context, src *source.Source) (SourceResponse, error) {
	resp := SourceResponse{
		TdmqID:         src.ID,
		ExternalID:     src.ExternalID,
		EntityCategory: src.EntityCategory,
		EntityType:     src.EntityType,
		Stationary:     src.Stationary,
		Public:         src.Public,
		Description:    src.Description,
	}
	if src.DefaultFootprint != nil {
		fp, err := geojson.NewGeometry(src.DefaultFootprint).MarshalJSON()
		if err != nil {
			h.logger.ErrorContext(ctx, "encode footprint failed", "tdmq_id", src.ID, "error", err)
			return SourceResponse{}, huma.Error500InternalServerError("internal error")
		}
		resp.DefaultFootprint = fp
	}
	return resp, nil
}
