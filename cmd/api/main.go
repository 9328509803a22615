package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/broker-orchestrator/internal/circuitbreaker"
	"github.com/kursadbilgin/broker-orchestrator/internal/config"
	"github.com/kursadbilgin/broker-orchestrator/internal/handler"
	"github.com/kursadbilgin/broker-orchestrator/internal/infra/postgresql"
	"github.com/kursadbilgin/broker-orchestrator/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/broker-orchestrator/internal/infra/redis"
	"github.com/kursadbilgin/broker-orchestrator/internal/observability"
	"github.com/kursadbilgin/broker-orchestrator/internal/orchestrator"
	"github.com/kursadbilgin/broker-orchestrator/internal/provider"
	"github.com/kursadbilgin/broker-orchestrator/internal/queue"
	"github.com/kursadbilgin/broker-orchestrator/internal/repository"
	"github.com/kursadbilgin/broker-orchestrator/internal/service"
	"github.com/kursadbilgin/broker-orchestrator/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, logger)
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

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer mq.Close()

	metrics := observability.NewMetrics()

	adapters, err := buildAdapters(cfg)
	if err != nil {
		logger.Fatal("provider adapter initialization failed", zap.Error(err))
	}

	fallbackOrder, err := cfg.FallbackProviders()
	if err != nil {
		logger.Fatal("invalid fallback order", zap.Error(err))
	}

	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	breakers := circuitbreaker.NewSet(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown(),
		IgnoreError:      orchestrator.BreakerIgnores,
	})

	instances := repository.NewGormInstanceRepo(db)
	instanceCache, err := repository.NewRedisInstanceCache(rdb, cfg.InstanceCacheTTL())
	if err != nil {
		logger.Fatal("instance cache initialization failed", zap.Error(err))
	}

	orch, err := orchestrator.New(orchestrator.Config{
		EnableFallback: cfg.EnableFallback,
		FallbackOrder:  fallbackOrder,
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay(),
		CacheEnabled:   cfg.CacheEnabled,
	}, instances, adapters, breakers, rateLimiter, logger)
	if err != nil {
		logger.Fatal("orchestrator initialization failed", zap.Error(err))
	}
	orch.SetMetrics(metrics)
	if cfg.CacheEnabled {
		orch.SetInstanceCache(instanceCache)
	}

	publisher := queue.NewRabbitMQPublisher(mq)
	consumer := queue.NewRabbitMQConsumer(mq, cfg.WebhookWorkerConcurrency, logger)

	worker, err := service.NewWebhookWorker(consumer, publisher, orch, instances, cfg.WebhookWorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("webhook worker initialization failed", zap.Error(err))
	}
	worker.SetMetrics(metrics)
	if cfg.CacheEnabled {
		worker.SetInstanceCache(instanceCache)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, sqlDB, rdb, mq)
	if err := handler.RegisterProviderRoutes(app, orch); err != nil {
		logger.Fatal("provider routes registration failed", zap.Error(err))
	}
	var cacheInvalidator handler.InstanceCacheInvalidator
	if cfg.CacheEnabled {
		cacheInvalidator = instanceCache
	}
	if err := handler.RegisterInstanceRoutes(app, instances, cacheInvalidator, logger); err != nil {
		logger.Fatal("instance routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterWebhookRoutes(app, publisher); err != nil {
		logger.Fatal("webhook routes registration failed", zap.Error(err))
	}

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- worker.Start(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	logger.Info("broker-orchestrator api started",
		zap.Int("port", cfg.APIPort),
		zap.Any("providers", orch.Providers()),
		zap.Bool("fallback", cfg.EnableFallback),
	)

	workerStopped := false
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	case err := <-workerErr:
		workerStopped = true
		logWorkerExit(logger, err)
	}
	stop()

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	if !workerStopped {
		select {
		case err := <-workerErr:
			logWorkerExit(logger, err)
		case <-time.After(shutdownTimeout):
			logger.Warn("webhook worker did not stop in time")
		}
	}

	logger.Info("broker-orchestrator api stopped")
}

func logWorkerExit(logger *zap.Logger, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("webhook worker stopped", zap.Error(err))
	}
}

func buildAdapters(cfg *config.Config) ([]provider.Adapter, error) {
	uazapi, err := provider.NewUazapiAdapter(cfg.UazapiBaseURL, cfg.SendTimeout(), cfg.HealthTimeout())
	if err != nil {
		return nil, fmt.Errorf("uazapi: %w", err)
	}
	adapters := []provider.Adapter{uazapi}

	if cfg.EvolutionBaseURL != "" {
		evolution, err := provider.NewEvolutionAdapter(cfg.EvolutionBaseURL, cfg.EvolutionAPIKey, cfg.SendTimeout(), cfg.HealthTimeout())
		if err != nil {
			return nil, fmt.Errorf("evolution: %w", err)
		}
		adapters = append(adapters, evolution)
	}

	return adapters, nil
}
