package apiv1

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/dlgate/app/controllers"
)

// APIServer implements the ServerInterface
type APIServer struct {
	downloads *controllers.DownloadController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(downloads *controllers.DownloadController) *APIServer {
	return &APIServer{downloads: downloads}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(Pong{Ping: "pong"})
}

// GetQuota is the non-consuming pre-flight check for the calling subscriber.
func (s *APIServer) GetQuota(c *fiber.Ctx) error {
	return s.downloads.HandleGetQuota(c)
}

// PostDownload consumes one unit of quota (when metered) and releases the resource.
func (s *APIServer) PostDownload(c *fiber.Ctx) error {
	return s.downloads.HandleCreateDownload(c)
}
