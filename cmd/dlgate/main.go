package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/ManuelReschke/dlgate/app/controllers"
	"github.com/ManuelReschke/dlgate/internal/pkg/billing"
	"github.com/ManuelReschke/dlgate/internal/pkg/cache"
	"github.com/ManuelReschke/dlgate/internal/pkg/config"
	"github.com/ManuelReschke/dlgate/internal/pkg/constants"
	"github.com/ManuelReschke/dlgate/internal/pkg/database"
	"github.com/ManuelReschke/dlgate/internal/pkg/entitlements"
	"github.com/ManuelReschke/dlgate/internal/pkg/env"
	"github.com/ManuelReschke/dlgate/internal/pkg/jobqueue"
	applog "github.com/ManuelReschke/dlgate/internal/pkg/logger"
	"github.com/ManuelReschke/dlgate/internal/pkg/metrics"
	"github.com/ManuelReschke/dlgate/internal/pkg/quota"
	"github.com/ManuelReschke/dlgate/internal/pkg/router"
	"github.com/ManuelReschke/dlgate/internal/pkg/s3download"
	"github.com/ManuelReschke/dlgate/internal/pkg/usage"
)

const (
	bodyLimit       = 1 << 20 // 1 MiB
	shutdownTimeout = 10 * time.Second
	rateLimitDB     = 1
)

func main() {
	env.SetupEnvFile()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := applog.New(cfg.App.LogLevel, cfg.IsDev())

	app, jobs, err := NewApplication(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	jobs.Start()

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port)
		log.Info().Str("addr", addr).Msg("listening")
		if err := app.Listen(addr); err != nil {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	jobs.Stop()
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// NewApplication wires the service from cfg. The returned manager is not started.
func NewApplication(cfg *config.Config, log zerolog.Logger) (*fiber.App, *jobqueue.Manager, error) {
	collector := metrics.New()

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	redisClient := cache.NewClient(cfg.Cache, log)

	// STORES
	gormStore := entitlements.NewGormStore(db,
		entitlements.WithMaxAttempts(cfg.Quota.MaxConflictRetries),
		entitlements.WithLogger(log),
		entitlements.WithMetrics(collector),
	)
	store := entitlements.NewCachingStore(gormStore, redisClient, cfg.Quota.EntitlementCacheTTL, log)

	arbiter := quota.NewArbiter(store,
		quota.WithAllowance(cfg.Quota.FreeAllowance),
		quota.WithTimeout(cfg.Quota.Timeout),
		quota.WithReader(store),
		quota.WithLogger(log),
		quota.WithMetrics(collector),
	)

	recorder := usage.NewRecorder(db)
	deferred := usage.NewDeferred(recorder, redisClient, log, collector)

	// BILLING
	ingestor := billing.NewIngestor(
		billing.NewVerifier(cfg.Billing.WebhookSecret, cfg.Billing.WebhookTolerance),
		store,
		billing.NewLedger(db),
		log,
		collector,
	)
	gateway := billing.NewGateway(cfg.Billing.StripeSecretKey, log)
	reconciler := billing.NewReconciler(gateway, ingestor, cfg.Billing.ReconcileWindow, log, collector)

	// DOWNLOADS
	var (
		releaser controllers.Releaser
		objects  router.Pinger
	)
	if cfg.S3.Enabled {
		s3Client, err := s3download.NewClient(context.Background(), &cfg.S3, log)
		if err != nil {
			return nil, nil, fmt.Errorf("s3 downloads: %w", err)
		}
		releaser = s3Client
		objects = s3Client
	}

	reconcileInterval := cfg.Billing.ReconcileInterval
	if !gateway.Configured() {
		log.Warn().Msg("STRIPE_SECRET_KEY not set, billing reconciliation disabled")
		reconcileInterval = 0
	}
	jobs := jobqueue.NewManager(log,
		jobqueue.UsageDrainTask(deferred, cfg.Quota.UsageDrainInterval),
		jobqueue.ReconcileTask(reconciler, reconcileInterval, log),
	)

	app := fiber.New(fiber.Config{
		BodyLimit:             bodyLimit,
		DisableStartupMessage: !cfg.IsDev(),
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": "request_failed", "message": err.Error()})
		},
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: constants.DocsBasePath,
		FilePath: constants.OpenAPIFile,
		Path:     constants.DocsPath,
	}))

	// ROUTER
	timeout := cfg.Quota.Timeout * 2
	router.InstallRouter(app, router.Dependencies{
		Downloads:        controllers.NewDownloadController(arbiter, deferred, releaser, timeout, log),
		Billing:          controllers.NewBillingController(ingestor, timeout, log),
		Subscribers:      controllers.NewSubscriberController(store, recorder, timeout, log),
		DB:               db,
		Cache:            redisClient,
		Objects:          objects,
		Metrics:          collector,
		Logger:           log,
		SubscriberHeader: cfg.Quota.SubscriberHeader,
		InternalAPIKey:   cfg.InternalAPIKey,
		RateLimitMax:     cfg.App.RateLimitMax,
		RateLimitWindow:  cfg.App.RateLimitWindow,
		RateLimitStorage: cache.NewFiberStorage(cfg.Cache, rateLimitDB, log),
	})

	return app, jobs, nil
}
