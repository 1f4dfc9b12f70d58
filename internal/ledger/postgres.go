package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kivupay/kivupay/internal/audit"
	"github.com/kivupay/kivupay/internal/provider"
)

// PostgresStore persists the ledger in PostgreSQL. The database transaction is
// the engine's atomic unit: idempotency reservation, balance update, ledger
// entry, status transition, finalization and audit row commit or roll back as
// one.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTx runs fn inside one database transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx TxStore) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return mapLockErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapLockErr(err)
	}
	return nil
}

// Wallet fetches wallet state without locking.
func (s *PostgresStore) Wallet(ctx context.Context, id string) (Wallet, error) {
	return scanWallet(s.db.QueryRow(ctx, `SELECT id, owner_id, currency, balance_minor, status, created_at
        FROM wallets WHERE id = $1`, id))
}

// TransactionByRef fetches a transaction by provider reference without locking.
func (s *PostgresStore) TransactionByRef(ctx context.Context, tag provider.Tag, externalRef string) (Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx, `SELECT id, wallet_id, provider, external_reference, amount_minor, currency, status, created_at, updated_at
        FROM transactions WHERE provider = $1 AND external_reference = $2`, string(tag), externalRef))
}

// TransactionByAnyRef matches a reference regardless of provider. When the
// same reference was recorded by more than one provider the newest wins.
func (s *PostgresStore) TransactionByAnyRef(ctx context.Context, externalRef string) (Transaction, error) {
	return scanTransaction(s.db.QueryRow(ctx, `SELECT id, wallet_id, provider, external_reference, amount_minor, currency, status, created_at, updated_at
        FROM transactions WHERE external_reference = $1 ORDER BY created_at DESC LIMIT 1`, externalRef))
}

// Entries lists a wallet's ledger entries, newest first.
func (s *PostgresStore) Entries(ctx context.Context, walletID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT id, wallet_id, transaction_id, amount_minor, created_at
        FROM wallet_ledger WHERE wallet_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.WalletID, &e.TransactionID, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) ReserveWebhook(ctx context.Context, rec WebhookRecord) (*WebhookRecord, error) {
	tag, err := t.tx.Exec(ctx, `INSERT INTO webhook_events (provider, external_event_id, payload_digest, received_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (provider, external_event_id) DO NOTHING`,
		string(rec.Provider), rec.EventID, rec.PayloadDigest, rec.ReceivedAt)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	var existing WebhookRecord
	var prov string
	err = t.tx.QueryRow(ctx, `SELECT provider, external_event_id, payload_digest, COALESCE(outcome,''), received_at, finalized_at
        FROM webhook_events WHERE provider = $1 AND external_event_id = $2`,
		string(rec.Provider), rec.EventID).
		Scan(&prov, &existing.EventID, &existing.PayloadDigest, &existing.Outcome, &existing.ReceivedAt, &existing.FinalizedAt)
	if err != nil {
		return nil, err
	}
	existing.Provider = provider.Tag(prov)
	return &existing, nil
}

func (t *postgresTx) FinalizeWebhook(ctx context.Context, tag provider.Tag, eventID, outcome string) error {
	ct, err := t.tx.Exec(ctx, `UPDATE webhook_events SET outcome = $3, finalized_at = NOW()
        WHERE provider = $1 AND external_event_id = $2`, string(tag), eventID, outcome)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("finalize webhook %s/%s: %w", tag, eventID, ErrNotFound)
	}
	return nil
}

// WalletForUpdate takes the row lock with NOWAIT so contention surfaces as a
// retryable conflict instead of an unbounded wait.
func (t *postgresTx) WalletForUpdate(ctx context.Context, id string) (Wallet, error) {
	w, err := scanWallet(t.tx.QueryRow(ctx, `SELECT id, owner_id, currency, balance_minor, status, created_at
        FROM wallets WHERE id = $1 FOR UPDATE NOWAIT`, id))
	if err != nil {
		return Wallet{}, mapLockErr(err)
	}
	return w, nil
}

func (t *postgresTx) UpdateWalletBalance(ctx context.Context, id string, balance int64) error {
	ct, err := t.tx.Exec(ctx, `UPDATE wallets SET balance_minor = $2 WHERE id = $1`, id, balance)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *postgresTx) TransactionByRef(ctx context.Context, tag provider.Tag, externalRef string) (Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx, `SELECT id, wallet_id, provider, external_reference, amount_minor, currency, status, created_at, updated_at
        FROM transactions WHERE provider = $1 AND external_reference = $2`, string(tag), externalRef))
}

func (t *postgresTx) TransactionByAnyRef(ctx context.Context, externalRef string) (Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx, `SELECT id, wallet_id, provider, external_reference, amount_minor, currency, status, created_at, updated_at
        FROM transactions WHERE external_reference = $1 ORDER BY created_at DESC LIMIT 1`, externalRef))
}

func (t *postgresTx) InsertTransaction(ctx context.Context, txn Transaction) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO transactions (id, wallet_id, provider, external_reference, amount_minor, currency, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		txn.ID, txn.WalletID, string(txn.Provider), txn.ExternalRef, txn.Amount, txn.Currency, string(txn.Status), txn.CreatedAt, txn.UpdatedAt)
	return err
}

func (t *postgresTx) UpdateTransactionStatus(ctx context.Context, id string, status Status, at time.Time) error {
	ct, err := t.tx.Exec(ctx, `UPDATE transactions SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *postgresTx) InsertEntry(ctx context.Context, entry Entry) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO wallet_ledger (id, wallet_id, transaction_id, amount_minor, created_at)
        VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.WalletID, entry.TransactionID, entry.Amount, entry.CreatedAt)
	return err
}

func (t *postgresTx) PostedAmount(ctx context.Context, transactionID string) (int64, error) {
	var sum int64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount_minor), 0) FROM wallet_ledger WHERE transaction_id = $1`,
		transactionID).Scan(&sum)
	return sum, err
}

func (t *postgresTx) AppendAudit(ctx context.Context, entry audit.Entry) error {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO audit_logs (id, actor_id, event_type, target_type, target_id, metadata, origin_ip, created_at)
        VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, NULLIF($7,''), $8)`,
		entry.ID, entry.ActorID, entry.EventType, entry.TargetType, entry.TargetID, meta, entry.OriginIP, entry.CreatedAt)
	return err
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	if err := row.Scan(&w.ID, &w.OwnerID, &w.Currency, &w.Balance, &w.Status, &w.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var txn Transaction
	var prov, status string
	if err := row.Scan(&txn.ID, &txn.WalletID, &prov, &txn.ExternalRef, &txn.Amount, &txn.Currency, &status, &txn.CreatedAt, &txn.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	txn.Provider = provider.Tag(prov)
	txn.Status = Status(status)
	return txn, nil
}

// mapLockErr translates row-lock contention and serialization failures into
// the retryable conflict sentinel.
func mapLockErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}
