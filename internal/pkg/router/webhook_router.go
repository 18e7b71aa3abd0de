package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/dlgate/internal/pkg/constants"
)

type WebhookRouter struct {
	deps Dependencies
}

// InstallRouter mounts the billing provider callback. It is authenticated by
// the payload signature only.
func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Post(constants.BillingWebhookRoute, h.deps.Billing.HandleStripeWebhook)
}

func NewWebhookRouter(deps Dependencies) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
