package zone

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/tdm-project/tdmq/internal/metrics"
)

// ErrNotInitialized is returned by lookups before any database was loaded.
var ErrNotInitialized = errors.New("zone database not initialized")

// Engine publishes the current zone Database. Readers load the snapshot once
// per operation and see either the old or the new database in full.
type Engine struct {
	db     atomic.Pointer[Database]
	logger *slog.Logger
}

// NewEngine creates an engine with no database loaded.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Load builds a database from features and installs it.
func (e *Engine) Load(features iter.Seq[Feature]) *Database {
	db := NewDatabase(features)
	e.install(db)
	return db
}

// Disable installs an empty database that anonymizes everything to
// DefaultLocation.
func (e *Engine) Disable() {
	e.install(disabledDatabase())
}

func (e *Engine) install(db *Database) {
	e.db.Store(db)
	metrics.SetZonesLoaded(db.Len())
}

// Snapshot returns the current database, or nil before the first load.
func (e *Engine) Snapshot() *Database {
	return e.db.Load()
}

// LoadFile reads a GeoJSON FeatureCollection, optionally gzip-compressed.
// On failure the error is logged, the engine is disabled and the error is
// returned; the process keeps serving.
func (e *Engine) LoadFile(path string) error {
	features, err := ReadFeatures(path)
	if err != nil {
		e.logger.Error("failed to load anonymization zones, anonymization disabled",
			"path", path, "error", err)
		e.Disable()
		return err
	}
	db := e.Load(features)
	e.logger.Info("anonymization zones loaded", "path", path, "zones", db.Len())
	return nil
}

// Lookup returns the smallest zone intersecting g, or nil when none does.
func (e *Engine) Lookup(g orb.Geometry) (*Zone, error) {
	db := e.db.Load()
	if db == nil {
		return nil, ErrNotInitialized
	}
	return db.Lookup(g), nil
}

// Anonymize maps g to its Lookup zone or to DefaultLocation.
func (e *Engine) Anonymize(g orb.Geometry) (*Zone, error) {
	db := e.db.Load()
	if db == nil {
		return nil, ErrNotInitialized
	}
	z := db.Anonymize(g)
	if z.IsDefault() {
		metrics.ObserveAnonymization("default")
	} else {
		metrics.ObserveAnonymization("zone")
	}
	return z, nil
}

var gzipMagic = []byte{0x1f, 0x8b}

// ReadFeatures decodes the zone features stored at path.
func ReadFeatures(path string) (iter.Seq[Feature], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading zones: %w", err)
	}
	if bytes.HasPrefix(data, gzipMagic) {
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening gzip zones: %w", err)
		}
		data, err = io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("decompressing zones: %w", err)
		}
	}
	return DecodeFeatures(data)
}

// DecodeFeatures parses a GeoJSON FeatureCollection.
func DecodeFeatures(data []byte) (iter.Seq[Feature], error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decoding zones: %w", err)
	}
	return func(yield func(Feature) bool) {
		for _, f := range fc.Features {
			if !yield(Feature{Geometry: f.Geometry, Properties: f.Properties}) {
				return
			}
		}
	}, nil
}
