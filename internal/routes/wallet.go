package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kivupay/kivupay/internal/wallet"
)

// RegisterWalletRoutes mounts wallet provisioning and read endpoints.
func RegisterWalletRoutes(router fiber.Router, h *wallet.Handler) {
	router.Post("/wallets", h.Create)
	router.Get("/wallets/:walletId", h.Get)
	router.Get("/wallets/:walletId/balance", h.Balance)
	router.Get("/wallets/:walletId/ledger", h.Ledger)
}
