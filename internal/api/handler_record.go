package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/tdm-project/tdmq/internal/query"
	"github.com/tdm-project/tdmq/internal/service"
	"github.com/tdm-project/tdmq/internal/timeseries"
)

// --- Huma Input/Output types ---

type RecordBody struct {
	TdmqID    uuid.UUID            `json:"tdmq_id" doc:"Source UUID"`
	Time      time.Time            `json:"time" doc:"Observation time"`
	Footprint json.RawMessage      `json:"footprint,omitempty" doc:"GeoJSON geometry, mobile sources only"`
	Data      json.RawMessage      `json:"data,omitempty" doc:"Property values of scalar sources"`
	Slot      *int                 `json:"slot,omitempty" doc:"Block slot of array sources" minimum:"0"`
	Payload   map[string][]float64 `json:"payload,omitempty" doc:"Flattened block content per property"`
}

type IngestInput struct {
	Body []RecordBody `minItems:"1"`
}

type IngestOutput struct {
	Body struct {
		Ingested int `json:"ingested"`
	}
}

type TimeseriesInput struct {
	SourceIDInput
	After      time.Time `query:"after" doc:"Inclusive lower time bound; offsets are relative to it"`
	Before     time.Time `query:"before" doc:"Exclusive upper time bound"`
	Bucket     float64   `query:"bucket" doc:"Bucket width in seconds" minimum:"0"`
	Op         string    `query:"op" doc:"Aggregate applied per bucket: sum, avg, min, max or count"`
	Fields     []string  `query:"fields" doc:"Properties to return"`
	Anonymized bool      `query:"anonymized" default:"true"`
}

type TimeseriesOutput struct {
	Body *timeseries.Result
}

type ReadBlockInput struct {
	SourceIDInput
	Slot int `path:"slot" minimum:"0"`
}

type ReadBlockOutput struct {
	Body struct {
		TdmqID uuid.UUID            `json:"tdmq_id"`
		Slot   int                  `json:"slot"`
		Data   map[string][]float64 `json:"data"`
	}
}

// --- Handler ---

type RecordHandler struct {
	backend Backend
	logger  *slog.Logger
}

func NewRecordHandler(backend Backend, logger *slog.Logger) *RecordHandler {
	return &RecordHandler{backend: backend, logger: logger}
}

func registerRecordRoutes(api huma.API, h *RecordHandler) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-records",
		Method:        http.MethodPost,
		Path:          "/v1/records",
		Summary:       "Append records",
		Tags:          []string{"records"},
		DefaultStatus: http.StatusCreated,
	}, h.Ingest)

	huma.Register(api, huma.Operation{
		OperationID: "get-timeseries",
		Method:      http.MethodGet,
		Path:        "/v1/sources/{tdmq_id}/timeseries",
		Summary:     "Read the records of a source",
		Tags:        []string{"records"},
	}, h.Timeseries)

	huma.Register(api, huma.Operation{
		OperationID: "read-block",
		Method:      http.MethodGet,
		Path:        "/v1/sources/{tdmq_id}/blocks/{slot}",
		Summary:     "Read one block of an array source",
		Tags:        []string{"records"},
	}, h.ReadBlock)
}

func (h *RecordHandler) Ingest(ctx context.Context, input *IngestInput) (*IngestOutput, error) {
	reqs := make([]service.IngestRequest, len(input.Body))
	for i, r := range input.Body {
		reqs[i] = service.IngestRequest{
			SourceID:  r.TdmqID,
			Time:      r.Time,
			Footprint: r.Footprint,
			Data:      r.Data,
			Slot:      r.Slot,
			Payload:   r.Payload,
		}
	}
	if err := h.backend.IngestBatch(ctx, callerFrom(ctx), reqs); err != nil {
		return nil, statusError(err)
	}
	out := &IngestOutput{}
	out.Body.Ingested = len(reqs)
	return out, nil
}

func (h *RecordHandler) Timeseries(ctx context.Context, input *TimeseriesInput) (*TimeseriesOutput, error) {
	id, err := uuid.Parse(input.TdmqID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid tdmq_id")
	}
	res, err := h.backend.GetTimeseries(ctx, callerFrom(ctx), service.TimeseriesRequest{
		TimeseriesRequest: query.TimeseriesRequest{
			SourceID:   id,
			After:      input.After,
			Before:     input.Before,
			Bucket:     time.Duration(input.Bucket * float64(time.Second)),
			Op:         input.Op,
			Properties: input.Fields,
		},
		Raw: !input.Anonymized,
	})
	if err != nil {
		return nil, statusError(err)
	}
	return &TimeseriesOutput{Body: res}, nil
}

func (h *RecordHandler) ReadBlock(ctx context.Context, input *ReadBlockInput) (*ReadBlockOutput, error) {
	id, err := uuid.Parse(input.TdmqID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid tdmq_id")
	}
	b, err := h.backend.ReadBlock(ctx, callerFrom(ctx), id, input.Slot)
	if err != nil {
		return nil, statusError(err)
	}
	out := &ReadBlockOutput{}
	out.Body.TdmqID = id
	out.Body.Slot = input.Slot
	out.Body.Data = b.Data
	return out, nil
}
