package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kivupay/kivupay/internal/webhooks"
)

// RegisterWebhookRoutes mounts the provider webhook ingress. These endpoints
// are authenticated by signature, not by session, so they live outside the
// API group.
func RegisterWebhookRoutes(app *fiber.App, h *webhooks.Handler) {
	app.Post("/webhooks/:provider", h.Receive)
}
