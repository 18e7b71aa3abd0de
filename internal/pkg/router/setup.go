package router

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/ManuelReschke/dlgate/app/controllers"
	"github.com/ManuelReschke/dlgate/internal/pkg/metrics"
)

// Router installs one group of routes.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Pinger is implemented by s3download.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies carries everything the routers hand to middleware and controllers.
type Dependencies struct {
	Downloads   *controllers.DownloadController
	Billing     *controllers.BillingController
	Subscribers *controllers.SubscriberController

	DB      *gorm.DB
	Cache   *redis.Client
	Objects Pinger
	Metrics *metrics.Collector
	Logger  zerolog.Logger

	SubscriberHeader string
	InternalAPIKey   string

	// RateLimitMax of 0 disables the /api limiter.
	RateLimitMax     int
	RateLimitWindow  time.Duration
	RateLimitStorage fiber.Storage
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// Ops routes first so health checks never pass through the API limiter.
	setup(app, NewOpsRouter(deps), NewWebhookRouter(deps), NewInternalRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}

var errDatabaseNotConfigured = errors.New("database not configured")
