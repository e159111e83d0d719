package timeseries

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Row is one query result row: time offset in seconds, the footprint as
// GeoJSON (nil when absent) and one value per queried property.
type Row struct {
	Offset    float64
	Footprint json.RawMessage
	Values    []any
}

// Coords are the index-aligned coordinate arrays of a result.
type Coords struct {
	Time      []float64         `json:"time"`
	Footprint []json.RawMessage `json:"footprint"`
}

// BucketInfo describes the aggregation applied to a result.
type BucketInfo struct {
	Interval float64 `json:"interval"`
	Op       string  `json:"op"`
}

// Result is the column-oriented timeseries of one source.
type Result struct {
	SourceID         uuid.UUID         `json:"tdmq_id"`
	DefaultFootprint json.RawMessage   `json:"default_footprint,omitempty"`
	Shape            []int             `json:"shape,omitempty"`
	Coords           Coords            `json:"coords"`
	Data             map[string]Series `json:"data"`
	Bucket           *BucketInfo       `json:"bucket,omitempty"`

	// Columns holds the data keys in a stable order.
	Columns []string `json:"-"`
}

// Len is the number of samples.
func (r *Result) Len() int {
	return len(r.Coords.Time)
}

// Assemble turns rows into columns. columns names every output property in
// order; queried names the properties whose values each row carries, in
// row order. A column that was not queried, or holds no value at all,
// becomes a NullSeries.
func Assemble(rows []Row, columns, queried []string) *Result {
	n := len(rows)
	res := &Result{
		Coords: Coords{
			Time:      make([]float64, n),
			Footprint: make([]json.RawMessage, n),
		},
		Data:    make(map[string]Series, len(columns)),
		Columns: append([]string(nil), columns...),
	}
	for i, row := range rows {
		res.Coords.Time[i] = row.Offset
		if len(row.Footprint) > 0 {
			res.Coords.Footprint[i] = row.Footprint
		}
	}

	position := make(map[string]int, len(queried))
	for i, q := range queried {
		position[q] = i
	}
	for _, col := range columns {
		idx, ok := position[col]
		if !ok {
			res.Data[col] = NullSeries(n)
			continue
		}
		vals := make(Values, n)
		seen := false
		for i, row := range rows {
			if idx < len(row.Values) && row.Values[idx] != nil {
				vals[i] = row.Values[idx]
				seen = true
			}
		}
		if !seen {
			res.Data[col] = NullSeries(n)
			continue
		}
		res.Data[col] = vals
	}
	return res
}

// Anonymize drops every per-record footprint. DefaultFootprint is left to
// the caller.
func (r *Result) Anonymize() {
	for i := range r.Coords.Footprint {
		r.Coords.Footprint[i] = nil
	}
}
