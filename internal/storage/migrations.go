package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tdm-project/tdmq/internal/query"
	"github.com/tdm-project/tdmq/internal/zone"
)

// Bootstrap creates the PostGIS extension and the tables of schema if they
// do not exist. Schema evolution beyond this is left to external tooling.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	b := query.Builder{Schema: schema}
	categories := b.Table(query.EntityCategoryTable)
	types := b.Table(query.EntityTypeTable)
	sources := b.Table(query.SourceTable)
	records := b.Table(query.RecordTable)

	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS postgis;

		CREATE SCHEMA IF NOT EXISTS %s;

		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS %s (
			category    TEXT NOT NULL REFERENCES %s (name),
			name        TEXT NOT NULL,
			type_schema JSONB,

			PRIMARY KEY (category, name)
		);

		CREATE TABLE IF NOT EXISTS %s (
			id                UUID PRIMARY KEY,
			external_id       TEXT NOT NULL UNIQUE,
			entity_category   TEXT NOT NULL,
			entity_type       TEXT NOT NULL,
			default_footprint geometry(Geometry, %d) NOT NULL,
			stationary        BOOLEAN NOT NULL DEFAULT TRUE,
			public            BOOLEAN NOT NULL DEFAULT FALSE,
			description       JSONB NOT NULL DEFAULT '{}',

			FOREIGN KEY (entity_category, entity_type) REFERENCES %s (category, name)
		);

		CREATE INDEX IF NOT EXISTS source_default_footprint_idx
			ON %s USING GIST (default_footprint);

		CREATE INDEX IF NOT EXISTS source_description_idx
			ON %s USING GIN (description);

		CREATE TABLE IF NOT EXISTS %s (
			time      TIMESTAMPTZ NOT NULL,
			source_id UUID NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
			footprint geometry(Geometry, %d),
			data      JSONB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS record_source_time_idx
			ON %s (source_id, time);
	`,
		pgx.Identifier{schema}.Sanitize(),
		categories,
		types, categories,
		sources, zone.GeographicSRID, types,
		sources,
		sources,
		records, sources, zone.GeographicSRID,
		records,
	)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("bootstrap schema %s: %w", schema, err)
	}
	return nil
}
