package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	apiv1 "github.com/ManuelReschke/dlgate/internal/api/v1"
	"github.com/ManuelReschke/dlgate/internal/pkg/constants"
	"github.com/ManuelReschke/dlgate/internal/pkg/middleware"
	"github.com/ManuelReschke/dlgate/internal/pkg/usercontext"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	handlers := []fiber.Handler{middleware.SubscriberContextMiddleware(h.deps.SubscriberHeader)}
	if h.deps.RateLimitMax > 0 {
		handlers = append(handlers, limiter.New(limiter.Config{
			Max:        h.deps.RateLimitMax,
			Expiration: h.deps.RateLimitWindow,
			Storage:    h.deps.RateLimitStorage,
			// One bucket per subscriber, anonymous callers share their IP's bucket.
			KeyGenerator: func(c *fiber.Ctx) string {
				if id := usercontext.GetSubscriberID(c); id != "" {
					return "sub:" + id
				}
				return "ip:" + c.IP()
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error":   "rate_limited",
					"message": "Too many requests",
				})
			},
		}))
	}
	api := app.Group(constants.APIRoute, handlers...)
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "dlgate api",
		})
	})

	// API v1 routes
	v1 := api.Group(constants.APIV1Path, middleware.RequireSubscriber)
	apiv1.RegisterHandlers(v1, apiv1.NewAPIServer(h.deps.Downloads))
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
