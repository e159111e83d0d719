package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/paulmach/orb/geojson"

	"github.com/tdm-project/tdmq/internal/query"
	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/timeseries"
)

// TimeseriesRequest selects records of one source. Properties restricts the
// columns that are read; unread columns come back as null series. Raw asks
// for per-record footprints of a private source.
type TimeseriesRequest struct {
	query.TimeseriesRequest
	Raw bool
}

// GetTimeseries returns the column-oriented records of a source. For array
// sources every column holds the block slot of the record.
func (s *Service) GetTimeseries(ctx context.Context, caller Caller, req TimeseriesRequest) (*timeseries.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	src, err := s.loadSource(ctx, req.SourceID)
	if err != nil {
		return nil, err
	}
	private := !src.Public
	if private && req.Raw && !caller.Authorized {
		return nil, ErrUnauthorized
	}

	columns := src.ControlledProperties()
	queried := columns
	if len(req.Properties) > 0 {
		for _, p := range req.Properties {
			if !slices.Contains(columns, p) {
				return nil, fmt.Errorf("%w: %q is not a controlled property of %s", ErrValidation, p, src.ID)
			}
		}
		queried = req.Properties
	}

	q := req.TimeseriesRequest
	arr, isArray := src.Variant().(source.ArraySource)
	if isArray {
		if q.Bucketed() {
			return nil, fmt.Errorf("%w: aggregation is not supported on array sources", ErrValidation)
		}
		q.Properties = []string{source.IndexKey}
	} else {
		q.Properties = queried
	}

	rows, err := s.store.QueryTimeseries(ctx, q)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return nil, err
		}
		return nil, s.internal(ctx, "timeseries query failed", err, "tdmq_id", src.ID)
	}
	if isArray {
		for i := range rows {
			slot := rows[i].Values[0]
			vals := make([]any, len(queried))
			for j := range vals {
				vals[j] = slot
			}
			rows[i].Values = vals
		}
	}

	res := timeseries.Assemble(rows, columns, queried)
	res.SourceID = src.ID
	if isArray {
		res.Shape = arr.Shape
	}
	if q.Bucketed() {
		res.Bucket = &timeseries.BucketInfo{Interval: q.Bucket.Seconds(), Op: q.Op}
	}

	footprint := src.DefaultFootprint
	if private && !req.Raw {
		z, err := s.zones.Anonymize(src.DefaultFootprint)
		if err != nil {
			return nil, s.internal(ctx, "anonymization failed", err, "tdmq_id", src.ID)
		}
		footprint = z.Centroid()
		res.Anonymize()
	}
	if footprint != nil {
		data, err := geojson.NewGeometry(footprint).MarshalJSON()
		if err != nil {
			return nil, s.internal(ctx, "encode footprint failed", err, "tdmq_id", src.ID)
		}
		res.DefaultFootprint = data
	}
	return res, nil
}
