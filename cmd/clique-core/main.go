package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cliquelabs/attribution-core/internal/aggregate"
	"github.com/cliquelabs/attribution-core/internal/attribution"
	"github.com/cliquelabs/attribution-core/internal/config"
	"github.com/cliquelabs/attribution-core/internal/database"
	"github.com/cliquelabs/attribution-core/internal/diagnostics"
	"github.com/cliquelabs/attribution-core/internal/httpserver"
	"github.com/cliquelabs/attribution-core/internal/metrics"
	"github.com/cliquelabs/attribution-core/internal/middleware"
	"github.com/cliquelabs/attribution-core/internal/reconcile"
	"github.com/cliquelabs/attribution-core/internal/storage"
	"github.com/cliquelabs/attribution-core/internal/suggest"
	"github.com/cliquelabs/attribution-core/internal/warehouse"
)

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting attribution core",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	// Storage backends degrade to in-memory when their service is not
	// configured, so a bare binary still runs the full pipeline.
	var (
		events     storage.EventStore     = storage.NewInMemoryEventStore()
		watermarks storage.WatermarkStore = storage.NewInMemoryWatermarkStore()
	)
	if cfg.Database.Enabled {
		db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
		} else {
			defer db.Close()
			events = storage.NewPostgresEventStore(db.Pool)
			watermarks = storage.NewPostgresWatermarkStore(db.Pool)
		}
	}
	edges := storage.NewInMemoryEdgeStore()
	snapshots := storage.NewInMemorySnapshotStore()
	findings := storage.NewInMemoryFindingStore()
	suggestions := storage.NewInMemorySuggestionStore()

	var leases reconcile.LeaseStore = reconcile.NewMemoryLeaseStore()
	if cfg.Redis.Enabled {
		rdb, err := database.NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis not available, using in-process run leases", zap.Error(err))
		} else {
			defer rdb.Close()
			leases = reconcile.NewRedisLeaseStore(rdb.Client)
		}
	}

	var sink reconcile.SnapshotSink
	if cfg.ClickHouse.Enabled {
		ch, err := warehouse.NewClickHouseSink(ctx, warehouse.Options{
			Addr:         cfg.ClickHouse.Addr,
			Database:     cfg.ClickHouse.Database,
			User:         cfg.ClickHouse.User,
			Password:     cfg.ClickHouse.Password,
			MaxOpenConns: cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns: cfg.ClickHouse.MaxIdleConns,
		}, logger)
		if err != nil {
			logger.Warn("ClickHouse not available, snapshot export disabled", zap.Error(err))
		} else {
			defer ch.Close()
			if err := ch.InitSchema(ctx); err != nil {
				logger.Warn("failed to initialize ClickHouse schema", zap.Error(err))
			} else {
				sink = ch
			}
		}
	}

	attrConfigs := &attribution.StaticConfigProvider{
		Default: attribution.Config{
			ClickLookback: cfg.Attribution.ClickLookback,
			ViewLookback:  cfg.Attribution.ViewLookback,
			ClickHalfLife: cfg.Attribution.ClickHalfLife,
			ViewHalfLife:  cfg.Attribution.ViewHalfLife,
			Cap:           cfg.Attribution.Cap,
		},
	}
	engine := attribution.NewEngine(attrConfigs, logger)
	aggregator := aggregate.NewAggregator(logger)
	diagEngine := diagnostics.NewEngine(diagnostics.Config{
		BaselineBuckets:    cfg.Diagnostics.BaselineBuckets,
		WatchThreshold:     cfg.Diagnostics.WatchThreshold,
		FlagThreshold:      cfg.Diagnostics.FlagThreshold,
		ConsecutiveFlag:    cfg.Diagnostics.ConsecutiveFlag,
		ConsecutiveRecover: cfg.Diagnostics.ConsecutiveRecover,
		SampleFloor:        cfg.Diagnostics.SampleFloor,
		SKUSwingThreshold:  cfg.Diagnostics.SKUSwingThreshold,
	}, findings, logger)

	var trends suggest.TrendSource = &suggest.StaticTrendSource{}
	if cfg.Suggest.TrendBaseURL != "" {
		trends = suggest.NewHTTPTrendSource(
			cfg.Suggest.TrendBaseURL,
			cfg.Suggest.TrendTimeout,
			cfg.Suggest.TrendRatePerSec,
			1,
			logger,
		)
	}
	catalog, err := suggest.NewCachedCatalog(&suggest.StaticCatalog{}, cfg.Suggest.CatalogCacheSize)
	if err != nil {
		logger.Fatal("failed to create catalog cache", zap.Error(err))
	}
	ranker := suggest.NewRanker(suggest.Config{
		TTL:               cfg.Suggest.TTL,
		SeverityScale:     cfg.Suggest.SeverityScale,
		TrendScale:        cfg.Suggest.TrendScale,
		LowStockThreshold: cfg.Suggest.LowStockThreshold,
		InventoryPenalty:  cfg.Suggest.InventoryPenalty,
	}, trends, catalog, logger)

	scheduler := reconcile.NewScheduler(reconcile.Config{
		LeaseTTL:     cfg.Reconcile.LeaseTTL,
		Interval:     cfg.Reconcile.Interval,
		RunRetention: cfg.Reconcile.RunRetention,
	}, reconcile.Deps{
		Events:      events,
		Edges:       edges,
		Snapshots:   snapshots,
		Findings:    findings,
		Suggestions: suggestions,
		Watermarks:  watermarks,
		Leases:      leases,
		Engine:      engine,
		AttrConfigs: attrConfigs,
		Aggregator:  aggregator,
		Diagnostics: diagEngine,
		Ranker:      ranker,
		Sink:        sink,
		Metrics:     m,
		Logger:      logger,
	})

	// Periodic reconciliation for the configured stores.
	if len(cfg.Reconcile.Stores) > 0 {
		go scheduler.RunPeriodic(ctx, cfg.Reconcile.Stores)
	}

	handler := httpserver.NewServer(&httpserver.Dependencies{
		Events:      events,
		Edges:       edges,
		Snapshots:   snapshots,
		Findings:    findings,
		Suggestions: suggestions,
		Scheduler:   scheduler,
		Config:      cfg,
		Logger:      logger,
		Metrics:     m,
	})

	recovery := middleware.NewRecoveryMiddleware(logger)
	logging := middleware.NewLoggingMiddleware(logger)
	rateLimit := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	handler = recovery.Handler(logging.Handler(rateLimit.Handler(handler)))

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
