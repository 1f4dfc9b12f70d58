package audit

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes the audit trail for compliance review.
type Handler struct {
	repo Repository
}

// NewHandler builds an audit HTTP handler.
func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

type entryResponse struct {
	ID         string         `json:"id"`
	ActorID    string         `json:"actor_id,omitempty"`
	EventType  string         `json:"event_type"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OriginIP   string         `json:"origin_ip,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// List returns audit entries matching the query filters, newest first.
func (h *Handler) List(c *fiber.Ctx) error {
	q := Query{
		EventType:  c.Query("event_type"),
		TargetType: c.Query("target_type"),
		TargetID:   c.Query("target_id"),
		Limit:      c.QueryInt("limit"),
		Offset:     c.QueryInt("offset"),
	}
	entries, err := h.repo.List(c.UserContext(), q)
	if err != nil {
		return err
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse{
			ID:         e.ID,
			ActorID:    e.ActorID,
			EventType:  e.EventType,
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Metadata:   e.Metadata,
			OriginIP:   e.OriginIP,
			CreatedAt:  e.CreatedAt,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"entries": out})
}
