package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/cache"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/config"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/credit"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/metrics"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/objectstore"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/processor"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/provider"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/server"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/store"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/sweeper"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		statusCache *cache.StatusCache
		rdb         *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
		statusCache = cache.NewStatusCache(rdb, cfg.StatusCacheTTL, logger)
	}

	var (
		queueStore store.Store
		results    store.ResultsStore
		ledger     credit.Ledger = credit.NopLedger{}
		ping       func(ctx context.Context) error
	)
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPGStore(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("Failed to initialize store", zap.Error(err))
		}
		defer pgStore.Close()
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		queueStore = pgStore
		results = store.NewPGResultsStore(pgStore.DB(), logger)
		ping = func(ctx context.Context) error {
			if err := pgStore.Ping(ctx); err != nil {
				return err
			}
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		}
		if cfg.BillingEnabled {
			ledger = credit.NewPGLedger(pgStore.DB(), logger)
		}
	} else {
		// Dev mode: everything in memory, billing off.
		mem := store.NewMemStore()
		queueStore = mem
		results = mem
	}

	var objects objectstore.ObjectStore
	if cfg.S3Bucket != "" {
		s3Store, err := objectstore.NewS3Store(ctx, cfg.AWSRegion, cfg.S3Bucket)
		if err != nil {
			logger.Fatal("Failed to initialize S3 store", zap.Error(err))
		}
		objects = s3Store
	} else {
		logger.Warn("S3_BUCKET not set, storing result images in memory")
		objects = objectstore.NewMem()
	}

	imageProvider := provider.NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel, logger)
	queueMetrics := metrics.NewQueueMetrics(queueStore, cfg.MetricsAddr, logger)
	proc := processor.New(cfg, queueStore, imageProvider, objects, results, statusCache, queueMetrics, logger)
	sweep := sweeper.New(queueStore, proc, cfg, logger)

	go queueMetrics.Run(ctx)
	go sweep.Run(ctx)

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, queueStore, results, proc, ledger, statusCache, objects, queueMetrics, ping, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		logger.Info("Server starting", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
