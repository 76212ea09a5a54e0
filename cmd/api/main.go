package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docpipe/batch-engine/internal/config"
	"github.com/docpipe/batch-engine/internal/domain"
	"github.com/docpipe/batch-engine/internal/handler"
	"github.com/docpipe/batch-engine/internal/infra/postgresql"
	"github.com/docpipe/batch-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/docpipe/batch-engine/internal/infra/redis"
	"github.com/docpipe/batch-engine/internal/observability"
	"github.com/docpipe/batch-engine/internal/processor"
	"github.com/docpipe/batch-engine/internal/progress"
	"github.com/docpipe/batch-engine/internal/ratelimit"
	"github.com/docpipe/batch-engine/internal/repository"
	badgerstore "github.com/docpipe/batch-engine/internal/repository/badger"
	"github.com/docpipe/batch-engine/internal/service"
	"github.com/docpipe/batch-engine/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// .env is optional; deployments configure through the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()

	var (
		batches   repository.BatchRepository
		items     repository.ItemRepository
		attempts  repository.AttemptRepository
		readiness []handler.ReadinessCheck
	)

	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("postgres initialization failed", zap.Error(err))
		}

		if err := migrations.Migrate(db); err != nil {
			logger.Fatal("database migrations failed", zap.Error(err))
		}

		sqlDB, err := db.DB()
		if err != nil {
			logger.Fatal("postgres underlying db init failed", zap.Error(err))
		}
		defer sqlDB.Close()

		batches = repository.NewRetryingBatchRepo(repository.NewGormBatchRepo(db))
		items = repository.NewRetryingItemRepo(repository.NewGormItemRepo(db))
		attempts = repository.NewRetryingAttemptRepo(repository.NewGormAttemptRepo(db))
		readiness = append(readiness, handler.ReadinessCheck{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return sqlDB.PingContext(ctx) },
		})
	case config.StoreBadger:
		store, err := badgerstore.Open(cfg.BadgerPath, logger)
		if err != nil {
			logger.Fatal("badger initialization failed", zap.Error(err))
		}
		defer store.Close()

		batches = badgerstore.NewBatchRepo(store)
		items = badgerstore.NewItemRepo(store)
		attempts = badgerstore.NewAttemptRepo(store)
	default:
		logger.Fatal("unknown store driver", zap.String("driver", cfg.StoreDriver))
	}

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		readiness = append(readiness, handler.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	var publisher progress.Publisher
	if rdb != nil {
		publisher, err = progress.NewRedisPublisher(rdb)
		if err != nil {
			logger.Fatal("redis publisher initialization failed", zap.Error(err))
		}
	}

	var limiter ratelimit.Limiter
	if rdb != nil {
		perSec := cfg.AnthropicRatePerMin / 60
		if perSec < 1 {
			perSec = 1
		}
		limiter, err = infraredis.NewRedisRateLimiter(rdb, perSec)
		if err != nil {
			logger.Fatal("redis rate limiter initialization failed", zap.Error(err))
		}
	} else {
		limiter = ratelimit.NewLocalLimiter(cfg.AnthropicRatePerMin)
	}

	engine, err := service.NewEngine(
		batches,
		items,
		attempts,
		publisher,
		service.EngineConfig{
			DefaultConcurrency: cfg.DefaultConcurrency,
			DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		},
		metrics,
		logger,
	)
	if err != nil {
		logger.Fatal("engine initialization failed", zap.Error(err))
	}

	registry := processor.NewRegistry()
	if cfg.WebhookURL != "" {
		webhook, err := processor.NewWebhookProcessor(cfg.WebhookURL)
		if err != nil {
			logger.Fatal("webhook processor initialization failed", zap.Error(err))
		}
		if err := registry.Register(domain.BatchTypeWebhook, webhook); err != nil {
			logger.Fatal("webhook processor registration failed", zap.Error(err))
		}
	}
	if cfg.AnthropicAPIKey != "" {
		classifier, err := processor.NewClassifierProcessor(cfg.AnthropicAPIKey, cfg.AnthropicModel, limiter, logger)
		if err != nil {
			logger.Fatal("classifier processor initialization failed", zap.Error(err))
		}
		if err := registry.Register(domain.BatchTypeClassification, classifier); err != nil {
			logger.Fatal("classifier processor registration failed", zap.Error(err))
		}
	}

	scheduler, err := service.NewScheduler(
		batches,
		engine,
		registry,
		cfg.SchedulerInterval(),
		cfg.SchedulerBatchLimit,
		logger,
	)
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(observability.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())

	if err := handler.RegisterBatchRoutes(app, engine, registry); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}
	handler.RegisterHealthRoutes(app, readiness...)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("batch-engine api started",
			zap.Int("port", cfg.APIPort),
			zap.String("store", cfg.StoreDriver),
			zap.Strings("processors", batchTypeStrings(registry.Types())),
		)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return scheduler.Start(groupCtx)
	})

	g.Go(func() error {
		<-groupCtx.Done()

		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown incomplete", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("api terminated", zap.Error(err))
	}

	logger.Info("api stopped")
}

func batchTypeStrings(types []domain.BatchType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, t.String())
	}
	return out
}
