package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/dlgate/internal/pkg/constants"
	"github.com/ManuelReschke/dlgate/internal/pkg/middleware"
)

type InternalRouter struct {
	deps Dependencies
}

func (h InternalRouter) InstallRouter(app *fiber.App) {
	internal := app.Group(constants.InternalRoute, middleware.ServiceTokenMiddleware(h.deps.InternalAPIKey, h.deps.Logger))
	internal.Post("/subscribers", h.deps.Subscribers.HandleProvision)
	internal.Get("/subscribers/:id", h.deps.Subscribers.HandleGetSubscriber)
}

func NewInternalRouter(deps Dependencies) *InternalRouter {
	return &InternalRouter{deps: deps}
}
