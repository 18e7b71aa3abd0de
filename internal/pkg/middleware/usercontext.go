package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/dlgate/internal/pkg/usercontext"
)

const maxSubscriberIDLength = 191

// SubscriberContextMiddleware reads the verified subscriber id that the
// upstream authentication layer put into header. The value is not
// re-validated here.
func SubscriberContextMiddleware(header string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Get(header))
		if id == "" || len(id) > maxSubscriberIDLength {
			usercontext.SetSubscriberContext(c, usercontext.SubscriberContext{})
			return c.Next()
		}
		usercontext.SetSubscriberContext(c, usercontext.SubscriberContext{
			SubscriberID:  id,
			Authenticated: true,
		})
		return c.Next()
	}
}

// RequireSubscriber rejects requests without a subscriber identity.
func RequireSubscriber(c *fiber.Ctx) error {
	if !usercontext.GetSubscriberContext(c).Authenticated {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing subscriber identity"})
	}
	return c.Next()
}
