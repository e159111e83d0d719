package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tdm-project/tdmq/internal/query"
	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/timeseries"
)

var (
	// ErrSourceNotFound is returned when a source lookup finds no matching row.
	ErrSourceNotFound = errors.New("source not found")

	// ErrDuplicateSource is returned when a source with the same id already exists.
	ErrDuplicateSource = errors.New("source already registered")
)

// Store is the durable record of sources and their records.
type Store interface {
	// EnsureTaxonomy inserts any missing entity categories and types.
	EnsureTaxonomy(ctx context.Context, tax *source.Taxonomy) error

	// CreateSource inserts a new source row.
	CreateSource(ctx context.Context, src *source.Source) error

	// GetSource returns the source with the given tdmq_id.
	GetSource(ctx context.Context, id uuid.UUID) (*source.Source, error)

	// DeleteSource removes a source and, by cascade, all of its records.
	// It reports whether a row existed.
	DeleteSource(ctx context.Context, id uuid.UUID) (bool, error)

	// SearchSources returns the sources matching f in store order.
	SearchSources(ctx context.Context, f query.SourceFilter) ([]*source.Source, error)

	// InsertRecords appends records in a single batch.
	InsertRecords(ctx context.Context, records []source.Record) error

	// QueryTimeseries runs a timeseries request and returns its raw rows.
	QueryTimeseries(ctx context.Context, req query.TimeseriesRequest) ([]timeseries.Row, error)
}
