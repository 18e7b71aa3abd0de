package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/dlgate/internal/pkg/cache"
	"github.com/ManuelReschke/dlgate/internal/pkg/constants"
)

const healthTimeout = 2 * time.Second

type OpsRouter struct {
	deps Dependencies
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, h.health)
	if h.deps.Metrics != nil {
		app.Get(constants.MetricsRoute, adaptor.HTTPHandler(promhttp.HandlerFor(h.deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}
}

// health fails on the database or the configured object storage. A missing
// cache is reported as degraded.
func (h OpsRouter) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	checks := fiber.Map{"database": "ok", "cache": "ok"}
	status := fiber.StatusOK

	if err := h.pingDatabase(ctx); err != nil {
		h.deps.Logger.Error().Err(err).Msg("health check: database unreachable")
		checks["database"] = "down"
		status = fiber.StatusServiceUnavailable
	}
	if err := cache.Ping(ctx, h.deps.Cache); err != nil {
		checks["cache"] = "degraded"
	}
	if h.deps.Objects != nil {
		checks["objects"] = "ok"
		if err := h.deps.Objects.Ping(ctx); err != nil {
			h.deps.Logger.Warn().Err(err).Msg("health check: object storage unreachable")
			checks["objects"] = "down"
			status = fiber.StatusServiceUnavailable
		}
	}

	result := "ok"
	if status != fiber.StatusOK {
		result = "unavailable"
	}
	return c.Status(status).JSON(fiber.Map{"status": result, "checks": checks})
}

func (h OpsRouter) pingDatabase(ctx context.Context) error {
	if h.deps.DB == nil {
		return errDatabaseNotConfigured
	}
	sqlDB, err := h.deps.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func NewOpsRouter(deps Dependencies) *OpsRouter {
	return &OpsRouter{deps: deps}
}
