package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kivupay/kivupay/internal/transactions"
)

// RegisterTransactionRoutes mounts reconciliation lookups.
func RegisterTransactionRoutes(router fiber.Router, h *transactions.Handler) {
	router.Get("/transactions/:provider/:reference", h.Get)
}
