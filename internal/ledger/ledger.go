package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/kivupay/kivupay/internal/audit"
	"github.com/kivupay/kivupay/internal/provider"
)

var (
	// ErrWalletNotFound indicates the event could not be tied to a wallet.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrAmountMismatch indicates the event amount disagrees with the amount
	// originally recorded on the transaction beyond the configured tolerance.
	ErrAmountMismatch = errors.New("amount mismatch")
	// ErrInvalidReversal indicates a refund referenced a transaction that is
	// not in the Completed state.
	ErrInvalidReversal = errors.New("invalid reversal")
	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict indicates wallet lock contention. The operation is safe to
	// retry with the same event.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrStorageUnavailable indicates the durable store failed before commit.
	// The webhook must not be acknowledged as processed.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotFound is the store-level miss sentinel.
	ErrNotFound = errors.New("not found")
)

// Status is a transaction's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusReversed  Status = "reversed"
)

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Completed → Reversed is the only transition out of a terminal state.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted:
		return next == StatusReversed
	default:
		return false
	}
}

// Wallet is a stored-value account. Balance is in minor units of the wallet's
// base currency and always equals the sum of the wallet's ledger entries.
type Wallet struct {
	ID        string
	OwnerID   string
	Currency  string
	Balance   int64
	Status    string
	CreatedAt time.Time
}

// Transaction tracks one provider-referenced monetary movement. At most one
// transaction exists per (provider, external reference).
type Transaction struct {
	ID          string
	WalletID    string
	Provider    provider.Tag
	ExternalRef string
	Amount      int64 // minor units, provider-stated currency
	Currency    string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Entry is one immutable, signed ledger posting in the wallet's base currency.
type Entry struct {
	ID            string
	WalletID      string
	TransactionID string
	Amount        int64
	CreatedAt     time.Time
}

// WebhookRecord tracks which provider events have been durably applied. Unique
// on (provider, event id); used solely for idempotency and forensic replay.
type WebhookRecord struct {
	Provider      provider.Tag
	EventID       string
	PayloadDigest string
	Outcome       string
	ReceivedAt    time.Time
	FinalizedAt   *time.Time
}

// Processing outcomes recorded on webhook records.
const (
	OutcomeApplied           = "applied"
	OutcomeReversed          = "reversed"
	OutcomeFailedRecorded    = "failed_recorded"
	OutcomeAmountMismatch    = "amount_mismatch"
	OutcomeInvalidReversal   = "invalid_reversal"
	OutcomeInvalidTransition = "invalid_transition"
	OutcomeWalletNotFound    = "wallet_not_found"
)

// Outcome describes the terminal result of applying one canonical event.
type Outcome struct {
	TransactionID string
	WalletID      string
	Status        Status
	Balance       int64
	Result        string
	Duplicate     bool // idempotent replay; no new mutation occurred
}

// TxStore is the set of storage operations available inside one atomic unit.
// Every method joins the surrounding transaction; nothing is durable until the
// unit commits.
type TxStore interface {
	// ReserveWebhook inserts a pending record for the event, or returns the
	// existing record when the event was seen before.
	ReserveWebhook(ctx context.Context, rec WebhookRecord) (*WebhookRecord, error)
	// FinalizeWebhook stamps the terminal outcome on a reserved record.
	FinalizeWebhook(ctx context.Context, tag provider.Tag, eventID, outcome string) error

	// WalletForUpdate acquires an exclusive lock on the wallet row. Lock
	// contention surfaces as ErrConflict.
	WalletForUpdate(ctx context.Context, id string) (Wallet, error)
	UpdateWalletBalance(ctx context.Context, id string, balance int64) error

	TransactionByRef(ctx context.Context, tag provider.Tag, externalRef string) (Transaction, error)
	// TransactionByAnyRef matches the reference across providers. Refunds may
	// arrive through a different channel than the original payment.
	TransactionByAnyRef(ctx context.Context, externalRef string) (Transaction, error)
	InsertTransaction(ctx context.Context, txn Transaction) error
	UpdateTransactionStatus(ctx context.Context, id string, status Status, at time.Time) error

	InsertEntry(ctx context.Context, entry Entry) error
	// PostedAmount sums the ledger entries already recorded for a transaction.
	PostedAmount(ctx context.Context, transactionID string) (int64, error)

	AppendAudit(ctx context.Context, entry audit.Entry) error
}

// Store is the durable backend for the ledger engine. InTx runs fn inside one
// atomic unit: fn returning an error rolls everything back.
type Store interface {
	InTx(ctx context.Context, fn func(tx TxStore) error) error

	// Non-locking reads used before the atomic unit opens, so currency
	// resolution never happens under a wallet lock.
	Wallet(ctx context.Context, id string) (Wallet, error)
	TransactionByRef(ctx context.Context, tag provider.Tag, externalRef string) (Transaction, error)
	TransactionByAnyRef(ctx context.Context, externalRef string) (Transaction, error)

	// Read surface for reconciliation endpoints.
	Entries(ctx context.Context, walletID string, limit int) ([]Entry, error)
}
