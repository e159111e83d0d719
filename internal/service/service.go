// Package service implements source registration, record ingestion, source
// search and timeseries retrieval, applying the privacy policy for
// non-public sources.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/tdm-project/tdmq/internal/blockstore"
	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/storage"
	"github.com/tdm-project/tdmq/internal/zone"
)

var (
	// ErrValidation marks malformed input. Lower layers wrap the same value.
	ErrValidation = source.ErrValidation

	ErrDuplicateItem = errors.New("duplicate item")
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInternal      = errors.New("internal error")

	ErrPaginationUnsupported = fmt.Errorf("%w: limit and offset are not supported", ErrValidation)
)

// Caller identifies who is asking. Authorized callers may write and may
// read the raw location of private sources.
type Caller struct {
	Authorized bool
}

// Anonymizer maps a precise geometry to its stand-in zone.
type Anonymizer interface {
	Anonymize(g orb.Geometry) (*zone.Zone, error)
}

// BlockStore holds the array payloads of shaped sources.
type BlockStore interface {
	Create(ctx context.Context, array string, shape []int, slots int, properties []string) error
	Meta(ctx context.Context, array string) (*blockstore.Meta, error)
	WriteBlock(ctx context.Context, array string, slot int, b blockstore.Block) error
	ReadBlock(ctx context.Context, array string, slot int) (*blockstore.Block, error)
	Delete(ctx context.Context, array string) error
}

// Options tunes the service.
type Options struct {
	// DefaultArrayYears sizes block arrays registered without an explicit
	// slot count.
	DefaultArrayYears int
}

const (
	defaultArrayYears        = 10
	defaultAcquisitionPeriod = 600 * time.Second
)

// Service is the entry point used by the HTTP layer and the CLI.
type Service struct {
	store    storage.Store
	blocks   BlockStore
	zones    Anonymizer
	taxonomy *source.Taxonomy
	logger   *slog.Logger
	opts     Options
}

// New creates a Service.
func New(store storage.Store, blocks BlockStore, zones Anonymizer, taxonomy *source.Taxonomy, logger *slog.Logger, opts Options) *Service {
	if opts.DefaultArrayYears <= 0 {
		opts.DefaultArrayYears = defaultArrayYears
	}
	return &Service{
		store:    store,
		blocks:   blocks,
		zones:    zones,
		taxonomy: taxonomy,
		logger:   logger,
		opts:     opts,
	}
}

// EntityCategories lists the known entity categories.
func (s *Service) EntityCategories() []source.EntityCategory {
	return s.taxonomy.Categories()
}

// EntityTypes lists the known entity types, optionally within one category.
func (s *Service) EntityTypes(category string) []source.EntityType {
	return s.taxonomy.Types(category)
}

func (s *Service) loadSource(ctx context.Context, id uuid.UUID) (*source.Source, error) {
	src, err := s.store.GetSource(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrSourceNotFound) {
			return nil, fmt.Errorf("%w: source %s", ErrNotFound, id)
		}
		return nil, s.internal(ctx, "source lookup failed", err, "tdmq_id", id)
	}
	return src, nil
}

// internal logs err and returns the coarse ErrInternal.
func (s *Service) internal(ctx context.Context, msg string, err error, args ...any) error {
	s.logger.ErrorContext(ctx, msg, append(args, "error", err)...)
	return ErrInternal
}
