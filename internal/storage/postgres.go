package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/tdm-project/tdmq/internal/query"
	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/timeseries"
)

const uniqueViolation = "23505"

// PostgresStore implements Store on a PostGIS database.
type PostgresStore struct {
	pool         *pgxpool.Pool
	builder      query.Builder
	queryTimeout time.Duration
}

// NewPostgresStore creates a Store over the tables of schema.
// queryTimeout sets the per-query context deadline; zero means no timeout.
func NewPostgresStore(pool *pgxpool.Pool, schema string, queryTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		pool:         pool,
		builder:      query.Builder{Schema: schema},
		queryTimeout: queryTimeout,
	}
}

// withTimeout derives a child context with the configured query timeout.
// If queryTimeout is zero, the parent context is returned unchanged.
func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout > 0 {
		return context.WithTimeout(ctx, s.queryTimeout)
	}
	return ctx, func() {}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) EnsureTaxonomy(ctx context.Context, tax *source.Taxonomy) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, c := range tax.Categories() {
		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (name) VALUES ($1)
			ON CONFLICT DO NOTHING
		`, s.builder.Table(query.EntityCategoryTable)), c.Name)
	}
	for _, et := range tax.Types("") {
		var schema any
		if len(et.Schema) > 0 {
			schema = string(et.Schema)
		}
		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (category, name, type_schema) VALUES ($1, $2, $3::jsonb)
			ON CONFLICT DO NOTHING
		`, s.builder.Table(query.EntityTypeTable)), et.Category, et.Name, schema)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("ensure taxonomy: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSource(ctx context.Context, src *source.Source) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	footprint, err := encodeGeometry(src.DefaultFootprint)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (id, external_id, entity_category, entity_type,
			default_footprint, stationary, public, description)
		VALUES ($1, $2, $3, $4, ST_SetSRID(ST_GeomFromGeoJSON($5::text), 4326), $6, $7, $8)
	`, s.builder.Table(query.SourceTable))

	_, err = s.pool.Exec(ctx, q,
		src.ID, src.ExternalID, src.EntityCategory, src.EntityType,
		footprint, src.Stationary, src.Public, src.Description,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateSource
		}
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSource(ctx context.Context, id uuid.UUID) (*source.Source, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q, args := s.builder.Source(id)
	src, err := scanSource(s.pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

func (s *PostgresStore) DeleteSource(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.builder.Table(query.SourceTable))
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("delete source: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SearchSources(ctx context.Context, f query.SourceFilter) ([]*source.Source, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q, args, err := s.builder.Sources(f)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search sources: %w", err)
	}
	defer rows.Close()

	sources := make([]*source.Source, 0)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("search sources scan: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func (s *PostgresStore) InsertRecords(ctx context.Context, records []source.Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q := fmt.Sprintf(`
		INSERT INTO %s (time, source_id, footprint, data)
		VALUES ($1, $2, ST_SetSRID(ST_GeomFromGeoJSON($3::text), 4326), $4)
	`, s.builder.Table(query.RecordTable))

	batch := &pgx.Batch{}
	for _, r := range records {
		footprint, err := encodeGeometry(r.Footprint)
		if err != nil {
			return fmt.Errorf("insert records: %w", err)
		}
		batch.Queue(q, r.Time, r.SourceID, footprint, r.Data)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert records: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryTimeseries(ctx context.Context, req query.TimeseriesRequest) ([]timeseries.Row, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	q, args, err := s.builder.Timeseries(req)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query timeseries: %w", err)
	}
	defer rows.Close()

	out := make([]timeseries.Row, 0)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("query timeseries scan: %w", err)
		}
		row := timeseries.Row{Values: vals[2:]}
		if off, ok := vals[0].(float64); ok {
			row.Offset = off
		}
		if fp, ok := vals[1].(string); ok {
			row.Footprint = json.RawMessage(fp)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// encodeGeometry renders g as GeoJSON text, or nil for a missing geometry.
func encodeGeometry(g orb.Geometry) (*string, error) {
	if g == nil {
		return nil, nil
	}
	data, err := geojson.NewGeometry(g).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	s := string(data)
	return &s, nil
}

func scanSource(row pgx.Row) (*source.Source, error) {
	var (
		src       source.Source
		footprint string
	)
	err := row.Scan(&src.ID, &src.ExternalID, &src.EntityCategory, &src.EntityType,
		&footprint, &src.Stationary, &src.Public, &src.Description)
	if err != nil {
		return nil, err
	}
	g, err := source.ParseGeometry(json.RawMessage(footprint))
	if err != nil {
		return nil, fmt.Errorf("decode footprint of %s: %w", src.ID, err)
	}
	src.DefaultFootprint = g
	return &src, nil
}
