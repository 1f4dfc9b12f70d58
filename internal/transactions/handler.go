package transactions

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/kivupay/kivupay/internal/ledger"
	"github.com/kivupay/kivupay/internal/provider"
)

// Handler exposes transaction reconciliation lookups.
type Handler struct {
	store ledger.Store
}

// NewHandler builds a transaction HTTP handler.
func NewHandler(store ledger.Store) *Handler {
	return &Handler{store: store}
}

type transactionResponse struct {
	ID          string    `json:"id"`
	WalletID    string    `json:"wallet_id"`
	Provider    string    `json:"provider"`
	ExternalRef string    `json:"external_reference"`
	Amount      int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Get resolves a transaction by its provider reference, the identity support
// teams have in hand when reconciling a dispute.
func (h *Handler) Get(c *fiber.Ctx) error {
	tag := provider.Tag(c.Params("provider"))
	ref := c.Params("reference")

	txn, err := h.store.TransactionByRef(c.UserContext(), tag, ref)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "transaction not found")
		}
		return err
	}
	return c.Status(http.StatusOK).JSON(transactionResponse{
		ID:          txn.ID,
		WalletID:    txn.WalletID,
		Provider:    string(txn.Provider),
		ExternalRef: txn.ExternalRef,
		Amount:      txn.Amount,
		Currency:    txn.Currency,
		Status:      string(txn.Status),
		CreatedAt:   txn.CreatedAt,
		UpdatedAt:   txn.UpdatedAt,
	})
}
