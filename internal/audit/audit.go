package audit

import (
	"context"
	"time"
)

// Event types recorded by the ledger pipeline.
const (
	EventPaymentCompleted  = "ledger.payment_completed"
	EventTransactionFailed = "ledger.transaction_failed"
	EventReversalApplied   = "ledger.reversal_applied"
	EventWebhookRejected   = "webhook.rejected"
	EventWalletCreated     = "wallet.created"
)

// Target types referenced by audit entries.
const (
	TargetTransaction = "transaction"
	TargetWallet      = "wallet"
	TargetWebhook     = "webhook_event"
)

// Entry is one immutable audit record. Entries are append-only; nothing in the
// system updates or deletes them.
type Entry struct {
	ID         string
	ActorID    string // empty for provider-originated actions
	EventType  string
	TargetType string
	TargetID   string
	Metadata   map[string]any
	OriginIP   string
	CreatedAt  time.Time
}

// Recorder appends audit entries outside the ledger's transactional path
// (wallet provisioning, rejected webhooks). Financial postings write their
// audit rows inside the ledger's atomic unit instead, so a committed balance
// change and its audit record always agree.
type Recorder interface {
	Log(ctx context.Context, entry Entry) error
}

// Query filters audit listings.
type Query struct {
	EventType  string
	TargetType string
	TargetID   string
	Limit      int
	Offset     int
}

// Repository provides read access for compliance review.
type Repository interface {
	Recorder
	List(ctx context.Context, q Query) ([]Entry, error)
}
