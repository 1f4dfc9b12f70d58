package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kivupay/kivupay/internal/audit"
	"github.com/kivupay/kivupay/internal/provider"
	"github.com/kivupay/kivupay/internal/rates"
)

// Engine converts canonical webhook events into exactly-once ledger postings.
// Apply is safe to call concurrently; events for the same wallet serialize on
// that wallet's row lock, events for different wallets proceed in parallel.
type Engine struct {
	store      Store
	rates      rates.Resolver
	tolerance  int64
	maxRetries int
	logger     *slog.Logger
}

// NewEngine builds a ledger engine. tolerance is the accepted amount deviation
// in minor units; maxRetries bounds in-process retries on lock contention.
func NewEngine(store Store, resolver rates.Resolver, tolerance int64, maxRetries int, logger *slog.Logger) *Engine {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Engine{store: store, rates: resolver, tolerance: tolerance, maxRetries: maxRetries, logger: logger}
}

// Apply posts one canonical event to the ledger. It either returns a terminal
// Outcome (possibly alongside a data error such as ErrAmountMismatch, whose
// recording has still been committed) or an availability error, in which case
// nothing was made durable and the provider should redeliver.
func (e *Engine) Apply(ctx context.Context, ev provider.Event, origin string) (Outcome, error) {
	var out Outcome
	var err error
	for attempt := 0; ; attempt++ {
		out, err = e.applyOnce(ctx, ev, origin)
		if !errors.Is(err, ErrConflict) || attempt >= e.maxRetries {
			return out, err
		}
		e.logger.Warn("wallet lock contention, retrying",
			"provider", ev.Provider, "event_id", ev.EventID, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
}

func (e *Engine) applyOnce(ctx context.Context, ev provider.Event, origin string) (Outcome, error) {
	receivedAt := time.Now().UTC()

	// Identify the target wallet with non-locking reads. Refunds resolve
	// through the referenced transaction; first-sight payments carry the
	// wallet in the event.
	walletID := ev.WalletID
	if txn, err := e.locateTransaction(ctx, ev); err == nil {
		walletID = txn.WalletID
	} else if !errors.Is(err, ErrNotFound) {
		return Outcome{}, storageErr(err)
	}

	var (
		wallet     Wallet
		haveWallet bool
	)
	if walletID != "" {
		w, err := e.store.Wallet(ctx, walletID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Outcome{}, storageErr(err)
		}
		if err == nil {
			wallet, haveWallet = w, true
		}
	}

	// Resolve the conversion rate before any lock is taken, so the upstream
	// fetch never runs inside the atomic unit. Unavailability aborts with
	// nothing reserved; redelivery will retry cleanly.
	var resolvedAmount int64
	if haveWallet && ev.Kind == provider.KindPaymentSucceeded {
		rate, err := e.rates.Resolve(ctx, ev.Currency, wallet.Currency, ev.OccurredAt)
		if err != nil {
			return Outcome{}, err
		}
		resolvedAmount = rates.Convert(ev.Amount, rate)
	}

	var out Outcome
	var opErr error
	err := e.store.InTx(ctx, func(tx TxStore) error {
		existing, err := tx.ReserveWebhook(ctx, WebhookRecord{
			Provider:      ev.Provider,
			EventID:       ev.EventID,
			PayloadDigest: ev.PayloadDigest,
			ReceivedAt:    receivedAt,
		})
		if err != nil {
			return err
		}
		if existing != nil && existing.FinalizedAt != nil {
			// Idempotent replay: answer with the recorded outcome, touch nothing.
			out = Outcome{WalletID: walletID, Result: existing.Outcome, Duplicate: true}
			if haveWallet {
				out.Balance = wallet.Balance
			}
			return nil
		}

		if !haveWallet {
			opErr = fmt.Errorf("%w: provider=%s ref=%s event=%s", ErrWalletNotFound, ev.Provider, ev.ExternalRef, ev.EventID)
			out = Outcome{Result: OutcomeWalletNotFound}
			return e.recordRejection(ctx, tx, ev, origin, OutcomeWalletNotFound)
		}

		txn, err := tx.TransactionByRef(ctx, ev.Provider, ev.ExternalRef)
		if errors.Is(err, ErrNotFound) && ev.Kind == provider.KindRefunded {
			// Refunds can reach us through a different provider channel
			// than the payment they reverse.
			txn, err = tx.TransactionByAnyRef(ctx, ev.ExternalRef)
		}
		if errors.Is(err, ErrNotFound) {
			if ev.Kind == provider.KindRefunded {
				opErr = fmt.Errorf("%w: no transaction for provider=%s ref=%s", ErrInvalidReversal, ev.Provider, ev.ExternalRef)
				out = Outcome{WalletID: wallet.ID, Result: OutcomeInvalidReversal}
				return e.recordRejection(ctx, tx, ev, origin, OutcomeInvalidReversal)
			}
			txn = Transaction{
				ID:          uuid.NewString(),
				WalletID:    wallet.ID,
				Provider:    ev.Provider,
				ExternalRef: ev.ExternalRef,
				Amount:      ev.Amount,
				Currency:    ev.Currency,
				Status:      StatusPending,
				CreatedAt:   receivedAt,
				UpdatedAt:   receivedAt,
			}
			if err := tx.InsertTransaction(ctx, txn); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		if txn.WalletID != wallet.ID {
			// The non-locking reads resolved a different wallet than the one
			// owning this transaction; retry so the lock targets the owner.
			return fmt.Errorf("%w: transaction %s belongs to wallet %s", ErrConflict, txn.ID, txn.WalletID)
		}

		locked, err := tx.WalletForUpdate(ctx, wallet.ID)
		if err != nil {
			return err
		}

		switch ev.Kind {
		case provider.KindPaymentSucceeded:
			out, opErr = e.completePayment(ctx, tx, ev, txn, locked, resolvedAmount, origin, receivedAt)
		case provider.KindPaymentFailed:
			out, opErr = e.recordFailure(ctx, tx, ev, txn, locked, origin, receivedAt)
		case provider.KindRefunded:
			out, opErr = e.reverse(ctx, tx, ev, txn, locked, origin, receivedAt)
		default:
			return fmt.Errorf("unexpected event kind %q", ev.Kind)
		}
		if out.Result == "" {
			// A helper signalled rollback.
			return opErr
		}
		return nil
	})
	if err != nil {
		return Outcome{}, storageErr(err)
	}
	return out, opErr
}

// locateTransaction resolves the event's transaction without locking, falling
// back to a cross-provider reference match for refunds.
func (e *Engine) locateTransaction(ctx context.Context, ev provider.Event) (Transaction, error) {
	txn, err := e.store.TransactionByRef(ctx, ev.Provider, ev.ExternalRef)
	if errors.Is(err, ErrNotFound) && ev.Kind == provider.KindRefunded {
		return e.store.TransactionByAnyRef(ctx, ev.ExternalRef)
	}
	return txn, err
}

// completePayment validates the amount and posts the positive delta.
func (e *Engine) completePayment(ctx context.Context, tx TxStore, ev provider.Event, txn Transaction, locked Wallet, resolvedAmount int64, origin string, now time.Time) (Outcome, error) {
	if !txn.Status.CanTransitionTo(StatusCompleted) {
		if err := e.recordRejection(ctx, tx, ev, origin, OutcomeInvalidTransition); err != nil {
			return Outcome{}, err
		}
		opErr := fmt.Errorf("%w: %s -> %s for provider=%s ref=%s", ErrInvalidTransition, txn.Status, StatusCompleted, ev.Provider, ev.ExternalRef)
		return Outcome{TransactionID: txn.ID, WalletID: locked.ID, Status: txn.Status, Balance: locked.Balance, Result: OutcomeInvalidTransition}, opErr
	}

	if ev.Currency != txn.Currency || absDiff(ev.Amount, txn.Amount) > e.tolerance {
		if err := tx.UpdateTransactionStatus(ctx, txn.ID, StatusFailed, now); err != nil {
			return Outcome{}, err
		}
		if err := tx.FinalizeWebhook(ctx, ev.Provider, ev.EventID, OutcomeAmountMismatch); err != nil {
			return Outcome{}, err
		}
		if err := tx.AppendAudit(ctx, e.auditEntry(ev, audit.EventTransactionFailed, audit.TargetTransaction, txn.ID, origin, map[string]any{
			"reason":          OutcomeAmountMismatch,
			"recorded_amount": txn.Amount,
			"event_amount":    ev.Amount,
		})); err != nil {
			return Outcome{}, err
		}
		opErr := fmt.Errorf("%w: recorded %d %s, event stated %d %s (provider=%s ref=%s)",
			ErrAmountMismatch, txn.Amount, txn.Currency, ev.Amount, ev.Currency, ev.Provider, ev.ExternalRef)
		return Outcome{TransactionID: txn.ID, WalletID: locked.ID, Status: StatusFailed, Balance: locked.Balance, Result: OutcomeAmountMismatch}, opErr
	}

	newBalance := locked.Balance + resolvedAmount
	if err := tx.InsertEntry(ctx, Entry{
		ID:            uuid.NewString(),
		WalletID:      locked.ID,
		TransactionID: txn.ID,
		Amount:        resolvedAmount,
		CreatedAt:     now,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.UpdateWalletBalance(ctx, locked.ID, newBalance); err != nil {
		return Outcome{}, err
	}
	if err := tx.UpdateTransactionStatus(ctx, txn.ID, StatusCompleted, now); err != nil {
		return Outcome{}, err
	}
	if err := tx.FinalizeWebhook(ctx, ev.Provider, ev.EventID, OutcomeApplied); err != nil {
		return Outcome{}, err
	}
	if err := tx.AppendAudit(ctx, e.auditEntry(ev, audit.EventPaymentCompleted, audit.TargetTransaction, txn.ID, origin, map[string]any{
		"delta":   resolvedAmount,
		"balance": newBalance,
	})); err != nil {
		return Outcome{}, err
	}
	return Outcome{TransactionID: txn.ID, WalletID: locked.ID, Status: StatusCompleted, Balance: newBalance, Result: OutcomeApplied}, nil
}

// recordFailure advances the transaction to Failed without touching the balance.
func (e *Engine) recordFailure(ctx context.Context, tx TxStore, ev provider.Event, txn Transaction, locked Wallet, origin string, now time.Time) (Outcome, error) {
	if !txn.Status.CanTransitionTo(StatusFailed) {
		if err := e.recordRejection(ctx, tx, ev, origin, OutcomeInvalidTransition); err != nil {
			return Outcome{}, err
		}
		opErr := fmt.Errorf("%w: %s -> %s for provider=%s ref=%s", ErrInvalidTransition, txn.Status, StatusFailed, ev.Provider, ev.ExternalRef)
		return Outcome{TransactionID: txn.ID, WalletID: locked.ID, Status: txn.Status, Balance: locked.Balance, Result: OutcomeInvalidTransition}, opErr
	}
	if err := tx.UpdateTransactionStatus(ctx, txn.ID, StatusFailed, now); err != nil {
		return Outcome{}, err
	}
	if err := tx.FinalizeWebhook(ctx, ev.Provider, ev.EventID, OutcomeFailedRecorded); err != nil {
		return Outcome{}, err
	}
	if err := tx.AppendAudit(ctx, e.auditEntry(ev, audit.EventTransactionFailed, audit.TargetTransaction, txn.ID, origin, map[string]any{
		"reason": "provider_failure",
	})); err != nil {
		return Outcome{}, err
	}
	return Outcome{TransactionID: txn.ID, WalletID: locked.ID, Status: StatusFailed, Balance: locked.Balance, Result: OutcomeFailedRecorded}, nil
}

// reverse posts the compensating entry for a completed transaction.
func (e *Engine) reverse(ctx context.Context, tx TxStore, ev provider.Event, txn Transaction, locked Wallet, origin string, now time.Time) (Outcome, error) {
	if txn.Status != StatusCompleted {
		if err := e.recordRejection(ctx, tx, ev, origin, OutcomeInvalidReversal); err != nil {
			return Outcome{}, err
		}
		opErr := fmt.Errorf("%w: transaction %s is %s, not completed (provider=%s ref=%s)",
			ErrInvalidReversal, txn.ID, txn.Status, ev.Provider, ev.ExternalRef)
		return Outcome{TransactionID: txn.ID, WalletID: locked.ID, Status: txn.Status, Balance: locked.Balance, Result: OutcomeInvalidReversal}, opErr
	}

	posted, err := tx.PostedAmount(ctx, txn.ID)
	if err != nil {
		return Outcome{}, err
	}
	delta := -posted
	newBalance := locked.Balance + delta
	if newBalance < 0 {
		if err := e.recordRejection(ctx, tx, ev, origin, OutcomeInvalidReversal); err != nil {
			return Outcome{}, err
		}
		opErr := fmt.Errorf("%w: reversal of %d would overdraw wallet %s", ErrInvalidReversal, posted, locked.ID)
		return Outcome{TransactionID: txn.ID, WalletID: locked.ID, Status: txn.Status, Balance: locked.Balance, Result: OutcomeInvalidReversal}, opErr
	}

	if err := tx.InsertEntry(ctx, Entry{
		ID:            uuid.NewString(),
		WalletID:      locked.ID,
		TransactionID: txn.ID,
		Amount:        delta,
		CreatedAt:     now,
	}); err != nil {
		return Outcome{}, err
	}
	if err := tx.UpdateWalletBalance(ctx, locked.ID, newBalance); err != nil {
		return Outcome{}, err
	}
	if err := tx.UpdateTransactionStatus(ctx, txn.ID, StatusReversed, now); err != nil {
		return Outcome{}, err
	}
	if err := tx.FinalizeWebhook(ctx, ev.Provider, ev.EventID, OutcomeReversed); err != nil {
		return Outcome{}, err
	}
	if err := tx.AppendAudit(ctx, e.auditEntry(ev, audit.EventReversalApplied, audit.TargetTransaction, txn.ID, origin, map[string]any{
		"delta":   delta,
		"balance": newBalance,
	})); err != nil {
		return Outcome{}, err
	}
	return Outcome{TransactionID: txn.ID, WalletID: locked.ID, Status: StatusReversed, Balance: newBalance, Result: OutcomeReversed}, nil
}

// recordRejection finalizes the webhook record with a data-error outcome and
// audits it, so the event will not be re-applied on redelivery.
func (e *Engine) recordRejection(ctx context.Context, tx TxStore, ev provider.Event, origin, outcome string) error {
	if err := tx.FinalizeWebhook(ctx, ev.Provider, ev.EventID, outcome); err != nil {
		return err
	}
	return tx.AppendAudit(ctx, e.auditEntry(ev, audit.EventWebhookRejected, audit.TargetWebhook, ev.EventID, origin, map[string]any{
		"reason": outcome,
	}))
}

func (e *Engine) auditEntry(ev provider.Event, eventType, targetType, targetID, origin string, extra map[string]any) audit.Entry {
	meta := map[string]any{
		"provider":     string(ev.Provider),
		"event_id":     ev.EventID,
		"external_ref": ev.ExternalRef,
		"amount":       ev.Amount,
		"currency":     ev.Currency,
	}
	for k, v := range extra {
		meta[k] = v
	}
	return audit.Entry{
		ID:         uuid.NewString(),
		EventType:  eventType,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   meta,
		OriginIP:   origin,
		CreatedAt:  time.Now().UTC(),
	}
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
