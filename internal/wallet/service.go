package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kivupay/kivupay/internal/audit"
	"github.com/kivupay/kivupay/internal/ledger"
)

const (
	statusActive    = "active"
	defaultCurrency = "USD"
)

// EntrySource lists a wallet's ledger postings. Satisfied by the ledger store.
type EntrySource interface {
	Entries(ctx context.Context, walletID string, limit int) ([]ledger.Entry, error)
}

// Service exposes wallet operations.
type Service struct {
	repo    Repository
	entries EntrySource
	audits  audit.Recorder
	logger  *slog.Logger
}

// NewService builds a wallet service instance.
func NewService(repo Repository, entries EntrySource, audits audit.Recorder, logger *slog.Logger) *Service {
	return &Service{repo: repo, entries: entries, audits: audits, logger: logger}
}

// CreateInput captures data required to create a wallet.
type CreateInput struct {
	OwnerID  string
	Currency string
}

// Create provisions a wallet with a zero balance in its base currency.
func (s *Service) Create(ctx context.Context, input CreateInput) (Wallet, error) {
	if _, err := uuid.Parse(input.OwnerID); err != nil {
		return Wallet{}, fmt.Errorf("invalid owner id: %w", err)
	}

	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	if len(currency) != 3 {
		return Wallet{}, fmt.Errorf("invalid currency %q", input.Currency)
	}

	w := Wallet{
		ID:        uuid.NewString(),
		OwnerID:   input.OwnerID,
		Currency:  currency,
		Status:    statusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, w); err != nil {
		return Wallet{}, err
	}

	if err := s.audits.Log(ctx, audit.Entry{
		ID:         uuid.NewString(),
		ActorID:    input.OwnerID,
		EventType:  audit.EventWalletCreated,
		TargetType: audit.TargetWallet,
		TargetID:   w.ID,
		Metadata:   map[string]any{"currency": currency},
		CreatedAt:  w.CreatedAt,
	}); err != nil {
		// Provisioning is not a financial posting; keep the wallet and
		// surface the gap in logs.
		s.logger.Warn("audit write failed for wallet creation", "wallet_id", w.ID, "error", err)
	}
	return w, nil
}

// Get retrieves wallet metadata and its current balance.
func (s *Service) Get(ctx context.Context, id string) (Wallet, error) {
	return s.repo.Get(ctx, id)
}

// Balance returns the wallet's available funds.
func (s *Service) Balance(ctx context.Context, id string) (Balance, error) {
	w, err := s.repo.Get(ctx, id)
	if err != nil {
		return Balance{}, err
	}
	return Balance{WalletID: w.ID, Amount: w.Balance, Currency: w.Currency, AsOf: time.Now().UTC()}, nil
}

// Ledger lists the wallet's postings, newest first.
func (s *Service) Ledger(ctx context.Context, id string, limit int) ([]ledger.Entry, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.entries.Entries(ctx, id, limit)
}
