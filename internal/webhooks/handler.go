package webhooks

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/kivupay/kivupay/internal/audit"
	"github.com/kivupay/kivupay/internal/ledger"
	"github.com/kivupay/kivupay/internal/provider"
)

// Applier posts a canonical event to the ledger. Satisfied by ledger.Engine.
type Applier interface {
	Apply(ctx context.Context, ev provider.Event, origin string) (ledger.Outcome, error)
}

// Handler receives provider webhooks, runs verification and normalization,
// and forwards canonical events to the ledger engine.
type Handler struct {
	registry *provider.Registry
	engine   Applier
	audits   audit.Recorder
	logger   *slog.Logger
}

// NewHandler builds the webhook HTTP handler.
func NewHandler(registry *provider.Registry, engine Applier, audits audit.Recorder, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, engine: engine, audits: audits, logger: logger}
}

// Receive handles POST /webhooks/:provider. The response status tells the
// provider whether to redeliver: 2xx and 4xx are final, 5xx invites a retry.
func (h *Handler) Receive(c *fiber.Ctx) error {
	tag := provider.Tag(c.Params("provider"))
	adapter, err := h.registry.Lookup(tag)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, "unknown provider")
	}

	raw := c.Body()
	receivedAt := time.Now().UTC()
	headers := func(name string) string { return c.Get(name) }

	if err := adapter.Verify(raw, headers, receivedAt); err != nil {
		h.rejectUnverified(c, tag, raw, err)
		switch {
		case errors.Is(err, provider.ErrStaleEvent):
			return fiber.NewError(http.StatusBadRequest, "event outside tolerance window")
		case errors.Is(err, provider.ErrMalformedPayload):
			return fiber.NewError(http.StatusBadRequest, "malformed payload")
		default:
			return fiber.NewError(http.StatusUnauthorized, "signature verification failed")
		}
	}

	ev, err := adapter.Normalize(raw)
	if err != nil {
		if errors.Is(err, provider.ErrUnsupportedEventKind) {
			// Acknowledged so the provider stops redelivering; nothing to post.
			return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ignored"})
		}
		h.rejectUnverified(c, tag, raw, err)
		return fiber.NewError(http.StatusBadRequest, "malformed payload")
	}

	out, err := h.engine.Apply(c.UserContext(), ev, c.IP())
	if err != nil && !isDataError(err) {
		h.logger.Error("webhook processing unavailable",
			"provider", tag, "event_id", ev.EventID, "error", err)
		return fiber.NewError(http.StatusServiceUnavailable, "event not processed, retry later")
	}

	status := http.StatusOK
	if err != nil {
		// The rejection is recorded durably; the provider must not redeliver.
		status = http.StatusUnprocessableEntity
	}
	return c.Status(status).JSON(fiber.Map{
		"status":         statusWord(err),
		"result":         out.Result,
		"transaction_id": out.TransactionID,
		"wallet_id":      out.WalletID,
		"balance":        out.Balance,
		"duplicate":      out.Duplicate,
	})
}

func statusWord(err error) string {
	if err != nil {
		return "rejected"
	}
	return "processed"
}

func isDataError(err error) bool {
	return errors.Is(err, ledger.ErrAmountMismatch) ||
		errors.Is(err, ledger.ErrInvalidReversal) ||
		errors.Is(err, ledger.ErrInvalidTransition) ||
		errors.Is(err, ledger.ErrWalletNotFound)
}

// rejectUnverified audits webhooks that never reached the ledger. Best effort;
// there is no event identity to record yet, only the payload digest.
func (h *Handler) rejectUnverified(c *fiber.Ctx, tag provider.Tag, raw []byte, cause error) {
	entry := audit.Entry{
		ID:         uuid.NewString(),
		EventType:  audit.EventWebhookRejected,
		TargetType: audit.TargetWebhook,
		TargetID:   provider.Digest(raw),
		Metadata: map[string]any{
			"provider": string(tag),
			"reason":   cause.Error(),
		},
		OriginIP:  c.IP(),
		CreatedAt: time.Now().UTC(),
	}
	if err := h.audits.Log(c.UserContext(), entry); err != nil {
		h.logger.Warn("audit write failed for rejected webhook", "provider", tag, "error", err)
	}
}
