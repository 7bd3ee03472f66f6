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
	"github.com/kursadbilgin/campaign-mailer/internal/config"
	"github.com/kursadbilgin/campaign-mailer/internal/enhancer"
	"github.com/kursadbilgin/campaign-mailer/internal/handler"
	infraredis "github.com/kursadbilgin/campaign-mailer/internal/infra/redis"
	"github.com/kursadbilgin/campaign-mailer/internal/observability"
	"github.com/kursadbilgin/campaign-mailer/internal/provider"
	"github.com/kursadbilgin/campaign-mailer/internal/queue"
	"github.com/kursadbilgin/campaign-mailer/internal/service"
	"github.com/kursadbilgin/campaign-mailer/internal/status"
	"github.com/kursadbilgin/campaign-mailer/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("campaign-mailer stopped with error", zap.Error(err))
	}
	logger.Info("campaign-mailer stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	metrics := observability.NewMetrics()

	emailQueue, err := queue.NewRedisQueue(rdb, cfg.QueueName)
	if err != nil {
		return err
	}
	statuses, err := status.NewRedisStore(rdb)
	if err != nil {
		return err
	}
	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerWindow, cfg.RateLimitWindow)
	if err != nil {
		return err
	}

	sender, err := provider.New(ctx, cfg.ProviderKind(), cfg.ProviderSettings())
	if err != nil {
		return fmt.Errorf("provider initialization failed: %w", err)
	}

	var contentEnhancer enhancer.Enhancer = enhancer.Noop{}
	if cfg.LLMAPIKey != "" {
		contentEnhancer, err = enhancer.NewChatEnhancer(enhancer.ChatConfig{
			BaseURL:           cfg.LLMBaseURL,
			APIKey:            cfg.LLMAPIKey,
			Model:             cfg.LLMModel,
			RequestsPerMinute: cfg.LLMRequestsPerMinute,
		}, nil)
		if err != nil {
			return fmt.Errorf("enhancer initialization failed: %w", err)
		}
	}

	worker, err := service.NewWorkerService(emailQueue, statuses, sender, limiter, service.WorkerConfig{
		Provider:    string(cfg.ProviderKind()),
		Concurrency: cfg.WorkerConcurrency,
		MaxAttempts: cfg.MaxAttempts,
	}, logger.Named("worker"))
	if err != nil {
		return err
	}
	worker.SetMetrics(metrics)

	reconciler, err := service.NewReconciler(
		statuses,
		cfg.StaleAfter,
		cfg.ReconcilePolicy,
		cfg.ReconcileBatchLimit,
		logger.Named("reconciler"),
	)
	if err != nil {
		return err
	}
	reconciler.SetMetrics(metrics)

	scheduler, err := service.NewScheduler(worker, reconciler, service.SchedulerConfig{
		DrainInterval:   cfg.DrainInterval,
		DrainTimeBudget: cfg.DrainTimeBudget,
		DrainMaxJobs:    cfg.DrainMaxJobs,
		RefreshInterval: cfg.RefreshInterval,
	}, logger.Named("scheduler"))
	if err != nil {
		return err
	}

	campaigns, err := service.NewCampaignService(emailQueue, statuses, contentEnhancer, logger.Named("campaign"))
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:               "campaign-mailer",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, statuses)
	if err := handler.RegisterBatchRoutes(app, campaigns, 0); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("campaign-mailer api started",
			zap.Int("port", cfg.APIPort),
			zap.String("provider", string(cfg.ProviderKind())),
			zap.String("queue", emailQueue.Name()),
		)
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		return scheduler.Start(groupCtx)
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	return g.Wait()
}
