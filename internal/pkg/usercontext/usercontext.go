package usercontext

import "github.com/gofiber/fiber/v2"

// SubscriberContext carries the identity asserted by the upstream
// authentication layer. It is trusted as-is.
type SubscriberContext struct {
	SubscriberID  string `json:"subscriber_id"`
	Authenticated bool   `json:"authenticated"`
}

// GetSubscriberContext retrieves the subscriber context from fiber context.
// Returns an anonymous context if none is set.
func GetSubscriberContext(c *fiber.Ctx) SubscriberContext {
	if ctx, ok := c.Locals(KeyContext).(SubscriberContext); ok {
		return ctx
	}
	return SubscriberContext{}
}

// SetSubscriberContext stores the identity for downstream handlers.
func SetSubscriberContext(c *fiber.Ctx, ctx SubscriberContext) {
	c.Locals(KeyContext, ctx)
	c.Locals(KeySubscriberID, ctx.SubscriberID)
}

// GetSubscriberID returns the current subscriber id, or "" if anonymous.
func GetSubscriberID(c *fiber.Ctx) string {
	return GetSubscriberContext(c).SubscriberID
}

// IsService reports whether the request was authenticated with the internal service token.
func IsService(c *fiber.Ctx) bool {
	v, _ := c.Locals(KeyService).(bool)
	return v
}
