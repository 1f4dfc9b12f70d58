package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kivupay/kivupay/internal/audit"
)

// RegisterAuditRoutes mounts the audit trail listing.
func RegisterAuditRoutes(router fiber.Router, h *audit.Handler) {
	router.Get("/audit", h.List)
}
