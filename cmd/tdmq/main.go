package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore/providers/filesystem"

	"github.com/tdm-project/tdmq/internal/api"
	"github.com/tdm-project/tdmq/internal/blockstore"
	"github.com/tdm-project/tdmq/internal/config"
	"github.com/tdm-project/tdmq/internal/metrics"
	"github.com/tdm-project/tdmq/internal/service"
	"github.com/tdm-project/tdmq/internal/source"
	"github.com/tdm-project/tdmq/internal/storage"
	"github.com/tdm-project/tdmq/internal/zone"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to read .env", "error", err)
	}
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taxonomy := source.DefaultTaxonomy()
	if cfg.TaxonomyPath != "" {
		tc, err := config.LoadTaxonomyConfig(cfg.TaxonomyPath)
		if err == nil {
			taxonomy, err = tc.Taxonomy()
		}
		if err != nil {
			logger.Error("failed to load taxonomy", "path", cfg.TaxonomyPath, "error", err)
			os.Exit(1)
		}
	}

	// Connect to PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	if err := storage.Bootstrap(ctx, pool, cfg.DBSchema); err != nil {
		logger.Error("failed to bootstrap schema", "schema", cfg.DBSchema, "error", err)
		os.Exit(1)
	}
	store := storage.NewPostgresStore(pool, cfg.DBSchema, cfg.QueryTimeout)
	if err := store.EnsureTaxonomy(ctx, taxonomy); err != nil {
		logger.Error("failed to store taxonomy", "error", err)
		os.Exit(1)
	}
	logger.Info("schema ready", "schema", cfg.DBSchema)

	zones := zone.NewEngine(logger)
	loadZones(zones, cfg.ZonesPath, logger)

	bucket, err := filesystem.NewBucket(cfg.BlockstoreDir)
	if err != nil {
		logger.Error("failed to open block storage", "dir", cfg.BlockstoreDir, "error", err)
		os.Exit(1)
	}
	defer bucket.Close()
	blocks := blockstore.New(bucket, logger)

	svc := service.New(store, blocks, zones, taxonomy, logger, service.Options{
		DefaultArrayYears: cfg.DefaultArrayYears,
	})

	if cfg.MetricsEnabled {
		prometheus.MustRegister(metrics.NewPoolCollector(pool))
	}

	handler := api.NewServer(logger, svc, api.Options{
		AuthToken: cfg.AuthToken,
		Dependencies: map[string]api.Pinger{
			"postgres":   store,
			"blockstore": blocks,
		},
		Metrics: cfg.MetricsEnabled,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

wait:
	for {
		select {
		case <-hupCh:
			logger.Info("reloading zones", "path", cfg.ZonesPath)
			loadZones(zones, cfg.ZonesPath, logger)
		case <-sigCh:
			break wait
		}
	}
	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

// loadZones installs the zone file at path. Without a path, or when the file
// cannot be used, every private location maps to the default location.
func loadZones(zones *zone.Engine, path string, logger *slog.Logger) {
	if path == "" {
		logger.Warn("no zone file configured, anonymizing to the default location")
		zones.Disable()
		return
	}
	// failures are logged by the engine, which falls back to disabled
	_ = zones.LoadFile(path)
}
