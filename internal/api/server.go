package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tdm-project/tdmq/internal/blockstore"
	"github.com/tdm-project/tdmq/internal/metrics"
	"github.com/tdm-project/tdmq/internal/service"
	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/timeseries"
)

// Backend is the operation set served over HTTP. *service.Service
// implements it.
type Backend interface {
	EntityCategories() []source.EntityCategory
	EntityTypes(category string) []source.EntityType
	RegisterSource(ctx context.Context, caller service.Caller, req service.RegisterRequest) (*source.Source, error)
	DeleteSource(ctx context.Context, caller service.Caller, id uuid.UUID) error
	GetSource(ctx context.Context, caller service.Caller, id uuid.UUID, raw bool) (*source.Source, error)
	SearchSources(ctx context.Context, caller service.Caller, req service.SearchRequest) ([]*source.Source, error)
	IngestBatch(ctx context.Context, caller service.Caller, reqs []service.IngestRequest) error
	ReadBlock(ctx context.Context, caller service.Caller, id uuid.UUID, slot int) (*blockstore.Block, error)
	GetTimeseries(ctx context.Context, caller service.Caller, req service.TimeseriesRequest) (*timeseries.Result, error)
}

type Options struct {
	// AuthToken authorizes writes and raw reads; empty leaves every caller
	// anonymous.
	AuthToken string
	// Dependencies are pinged by the readiness probe.
	Dependencies map[string]Pinger
	Metrics      bool
}

// NewServer creates an HTTP server with all routes configured.
func NewServer(logger *slog.Logger, backend Backend, opts Options) http.Handler {
	mux := chi.NewRouter()

	mux.Use(RequestID)
	mux.Use(Logging(logger))
	mux.Use(Recovery(logger))
	if opts.Metrics {
		mux.Use(metrics.Metrics)
		mux.Handle("/metrics", promhttp.Handler())
	}

	health := NewHealthHandler(opts.Dependencies, logger)
	mux.Get("/v1/livez", health.Livez)
	mux.Get("/v1/readyz", health.Readyz)

	mux.Group(func(r chi.Router) {
		r.Use(Authenticate(opts.AuthToken))

		config := huma.DefaultConfig("tdmq", "1.0.0")
		config.Info.Description = "Spatio-temporal sensor observation store"
		api := humachi.New(r, config)

		registerTaxonomyRoutes(api, NewTaxonomyHandler(backend))
		registerSourceRoutes(api, NewSourceHandler(backend, logger))
		registerRecordRoutes(api, NewRecordHandler(backend, logger))
	})

	return mux
}
