// Package query builds the parametrized SQL run against the source and
// record tables. Literals are always bound parameters; dynamic identifiers
// go through pgx.Identifier.
package query

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/zone"
)

// ErrInvalidOperator rejects an aggregation operator outside the allow-list.
var ErrInvalidOperator = fmt.Errorf("%w: unsupported aggregation operator", source.ErrValidation)

// Table names.
const (
	EntityCategoryTable = "entity_category"
	EntityTypeTable     = "entity_type"
	SourceTable         = "source"
	RecordTable         = "record"
)

// aggregates maps an accepted operator to its SQL function.
var aggregates = map[string]string{
	"sum":   "sum",
	"avg":   "avg",
	"min":   "min",
	"max":   "max",
	"count": "count",
}

// Operators lists the accepted aggregation operators.
func Operators() []string {
	ops := make([]string, 0, len(aggregates))
	for op := range aggregates {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// ValidOperator reports whether op is in the allow-list.
func ValidOperator(op string) bool {
	_, ok := aggregates[op]
	return ok
}

// Builder renders queries against the tables of one schema.
type Builder struct {
	Schema string
}

// Table returns the escaped, schema-qualified table name.
func (b Builder) Table(name string) string {
	if b.Schema == "" {
		return pgx.Identifier{name}.Sanitize()
	}
	return pgx.Identifier{b.Schema, name}.Sanitize()
}

// argList collects bound parameters and hands out their $n placeholders.
type argList []any

func (a *argList) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

// SourceColumns is the projection scanned by storage for every source row.
const SourceColumns = `id, external_id, entity_category, entity_type,
		ST_AsGeoJSON(default_footprint), stationary, public, description`

// SourceFilter selects sources. Nil pointers and empty strings do not filter.
type SourceFilter struct {
	ID             *uuid.UUID
	EntityCategory string
	EntityType     string
	Public         *bool
	Stationary     *bool
	ROI            *zone.ROI
	// ROIPublicOnly applies the ROI predicate to public rows only, leaving
	// private rows for the post-anonymization pass.
	ROIPublicOnly bool
	// Description holds attribute filters on the description document. A
	// dotted key is a nested path; a row matches when the value at the path
	// equals the filter value or is an array containing it.
	Description map[string]any
}

// Sources renders the source search for f.
func (b Builder) Sources(f SourceFilter) (string, []any, error) {
	var args argList
	var where []string

	if f.ID != nil {
		where = append(where, "id = "+args.add(*f.ID))
	}
	if f.EntityCategory != "" {
		where = append(where, "entity_category = "+args.add(f.EntityCategory))
	}
	if f.EntityType != "" {
		where = append(where, "entity_type = "+args.add(f.EntityType))
	}
	if f.Public != nil {
		where = append(where, "public = "+args.add(*f.Public))
	}
	if f.Stationary != nil {
		where = append(where, "stationary = "+args.add(*f.Stationary))
	}
	if f.ROI != nil {
		pred := roiPredicate(&args, "default_footprint", *f.ROI)
		if f.ROIPublicOnly {
			pred = "(NOT public OR " + pred + ")"
		}
		where = append(where, pred)
	}

	keys := make([]string, 0, len(f.Description))
	for k := range f.Description {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		pred, err := descriptionPredicate(&args, k, f.Description[k])
		if err != nil {
			return "", nil, err
		}
		where = append(where, pred)
	}

	q := fmt.Sprintf("SELECT %s\n\tFROM %s", SourceColumns, b.Table(SourceTable))
	if len(where) > 0 {
		q += "\n\tWHERE " + strings.Join(where, "\n\t  AND ")
	}
	q += "\n\tORDER BY external_id"
	return q, args, nil
}

// Source renders the lookup of a single source by id.
func (b Builder) Source(id uuid.UUID) (string, []any) {
	q, args, _ := b.Sources(SourceFilter{ID: &id})
	return q, args
}

func roiPredicate(args *argList, column string, roi zone.ROI) string {
	x := args.add(roi.Center[0])
	y := args.add(roi.Center[1])
	r := args.add(roi.MetricRadius())
	return fmt.Sprintf(
		"ST_DWithin(ST_Transform(%s, %d), ST_Transform(ST_SetSRID(ST_MakePoint(%s, %s), %d), %d), %s)",
		column, zone.MetricSRID, x, y, zone.GeographicSRID, zone.MetricSRID, r)
}

func descriptionPredicate(args *argList, key string, value any) (string, error) {
	path := strings.Split(key, ".")
	for _, p := range path {
		if p == "" {
			return "", fmt.Errorf("%w: empty segment in attribute %q", source.ErrValidation, key)
		}
	}
	scalar, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: attribute %q: %v", source.ErrValidation, key, err)
	}
	wrapped, err := json.Marshal([]any{value})
	if err != nil {
		return "", fmt.Errorf("%w: attribute %q: %v", source.ErrValidation, key, err)
	}
	p := args.add(path)
	return fmt.Sprintf("(description #> %s::text[] = %s::jsonb OR description #> %s::text[] @> %s::jsonb)",
		p, args.add(string(scalar)), p, args.add(string(wrapped))), nil
}

// TimeseriesRequest selects the records of one source. After is inclusive,
// Before exclusive; a zero After anchors offsets at the source's first
// record and a zero Before leaves the window open.
type TimeseriesRequest struct {
	SourceID   uuid.UUID
	After      time.Time
	Before     time.Time
	Bucket     time.Duration
	Op         string
	Properties []string
}

// Bucketed reports whether the request aggregates into time buckets.
func (r TimeseriesRequest) Bucketed() bool {
	return r.Bucket > 0
}

// Validate checks the bucket/op pairing and the window.
func (r TimeseriesRequest) Validate() error {
	if r.Bucket < 0 {
		return fmt.Errorf("%w: negative bucket", source.ErrValidation)
	}
	if r.Bucket > 0 && r.Op == "" {
		return fmt.Errorf("%w: bucket requires op", source.ErrValidation)
	}
	if r.Op != "" {
		if r.Bucket == 0 {
			return fmt.Errorf("%w: op requires bucket", source.ErrValidation)
		}
		if !ValidOperator(r.Op) {
			return fmt.Errorf("%w %q", ErrInvalidOperator, r.Op)
		}
	}
	if !r.After.IsZero() && !r.Before.IsZero() && !r.After.Before(r.Before) {
		return fmt.Errorf("%w: after must precede before", source.ErrValidation)
	}
	return nil
}

// Timeseries renders the record query. Each row is (offset seconds,
// footprint GeoJSON, one value per property in request order).
func (b Builder) Timeseries(req TimeseriesRequest) (string, []any, error) {
	if err := req.Validate(); err != nil {
		return "", nil, err
	}

	var args argList
	id := args.add(req.SourceID)

	var anchor string
	if req.After.IsZero() {
		anchor = fmt.Sprintf("(SELECT min(time) FROM %s WHERE source_id = %s)", b.Table(RecordTable), id)
	} else {
		anchor = args.add(req.After) + "::timestamptz"
	}
	offset := fmt.Sprintf("EXTRACT(EPOCH FROM (time - %s))::double precision", anchor)

	where := []string{"source_id = " + id}
	if !req.After.IsZero() {
		where = append(where, "time >= "+anchor)
	}
	if !req.Before.IsZero() {
		where = append(where, "time < "+args.add(req.Before)+"::timestamptz")
	}

	cols := make([]string, 0, len(req.Properties)+2)
	if req.Bucketed() {
		width := args.add(req.Bucket.Seconds()) + "::double precision"
		cols = append(cols,
			fmt.Sprintf("floor(%s / %s) * %s AS time_offset", offset, width, width),
			"ST_AsGeoJSON(ST_Centroid(ST_Collect(footprint))) AS footprint")
		fn := aggregates[req.Op]
		for _, p := range req.Properties {
			key := args.add(p) + "::text"
			alias := pgx.Identifier{p}.Sanitize()
			if fn == "count" {
				cols = append(cols, fmt.Sprintf("NULLIF(count(data -> %s), 0) AS %s", key, alias))
			} else {
				cols = append(cols, fmt.Sprintf("%s((data ->> %s)::double precision) AS %s", fn, key, alias))
			}
		}
	} else {
		cols = append(cols, offset+" AS time_offset", "ST_AsGeoJSON(footprint) AS footprint")
		for _, p := range req.Properties {
			cols = append(cols, fmt.Sprintf("data -> %s::text AS %s", args.add(p), pgx.Identifier{p}.Sanitize()))
		}
	}

	q := fmt.Sprintf("SELECT %s\n\tFROM %s\n\tWHERE %s",
		strings.Join(cols, ",\n\t\t"), b.Table(RecordTable), strings.Join(where, " AND "))
	if req.Bucketed() {
		q += "\n\tGROUP BY 1\n\tORDER BY 1"
	} else {
		q += "\n\tORDER BY time"
	}
	return q, args, nil
}
