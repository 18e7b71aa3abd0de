package apiv1

import (
	"github.com/gofiber/fiber/v2"
)

// Pong is the body of GET /ping.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface lists the operations of the public v1 API as described in
// public/docs/v1/openapi.yml.
type ServerInterface interface {
	// (GET /ping)
	GetPing(c *fiber.Ctx) error
	// (GET /quota)
	GetQuota(c *fiber.Ctx) error
	// (POST /downloads)
	PostDownload(c *fiber.Ctx) error
}

// RegisterHandlers mounts si on router.
func RegisterHandlers(router fiber.Router, si ServerInterface) {
	router.Get("/ping", si.GetPing)
	router.Get("/quota", si.GetQuota)
	router.Post("/downloads", si.PostDownload)
}
