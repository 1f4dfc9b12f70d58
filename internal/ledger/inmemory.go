package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/kivupay/kivupay/internal/audit"
	"github.com/kivupay/kivupay/internal/provider"
)

// MemoryStore is a concurrency-safe in-memory ledger store for unit tests.
// InTx serializes callers on one mutex and restores a snapshot when the
// callback fails, mirroring the all-or-nothing semantics of the Postgres
// implementation.
type MemoryStore struct {
	mu           sync.Mutex
	wallets      map[string]Wallet
	transactions map[string]Transaction
	txByRef      map[string]string
	entries      []Entry
	webhooks     map[string]WebhookRecord
	audits       []audit.Entry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]Wallet),
		transactions: make(map[string]Transaction),
		txByRef:      make(map[string]string),
		webhooks:     make(map[string]WebhookRecord),
	}
}

func refKey(tag provider.Tag, ref string) string    { return string(tag) + ":" + ref }
func webhookKey(tag provider.Tag, id string) string { return string(tag) + ":" + id }

// InTx runs fn under the store mutex, rolling back all mutations on error.
func (s *MemoryStore) InTx(_ context.Context, fn func(tx TxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memoryTx{store: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Wallet returns wallet state.
func (s *MemoryStore) Wallet(_ context.Context, id string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}

// TransactionByRef returns the transaction recorded for a provider reference.
func (s *MemoryStore) TransactionByRef(_ context.Context, tag provider.Tag, externalRef string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactionByRefLocked(tag, externalRef)
}

// TransactionByAnyRef matches a reference regardless of provider.
func (s *MemoryStore) TransactionByAnyRef(_ context.Context, externalRef string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactionByAnyRefLocked(externalRef)
}

// Entries lists a wallet's ledger entries, newest first.
func (s *MemoryStore) Entries(_ context.Context, walletID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].WalletID == walletID {
			out = append(out, s.entries[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// SeedWallet installs a wallet directly, bypassing the engine. Test helper.
func (s *MemoryStore) SeedWallet(w Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.Status == "" {
		w.Status = "active"
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	s.wallets[w.ID] = w
}

// Audits returns a copy of all recorded audit entries. Test helper.
func (s *MemoryStore) Audits() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Entry, len(s.audits))
	copy(out, s.audits)
	return out
}

// WebhookOutcome reports the recorded outcome for an event, if finalized.
func (s *MemoryStore) WebhookOutcome(tag provider.Tag, eventID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.webhooks[webhookKey(tag, eventID)]
	if !ok || rec.FinalizedAt == nil {
		return "", false
	}
	return rec.Outcome, true
}

func (s *MemoryStore) transactionByRefLocked(tag provider.Tag, externalRef string) (Transaction, error) {
	id, ok := s.txByRef[refKey(tag, externalRef)]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return s.transactions[id], nil
}

func (s *MemoryStore) transactionByAnyRefLocked(externalRef string) (Transaction, error) {
	var found Transaction
	var ok bool
	for _, txn := range s.transactions {
		if txn.ExternalRef != externalRef {
			continue
		}
		if !ok || txn.CreatedAt.After(found.CreatedAt) {
			found, ok = txn, true
		}
	}
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return found, nil
}

type memorySnapshot struct {
	wallets      map[string]Wallet
	transactions map[string]Transaction
	txByRef      map[string]string
	entries      []Entry
	webhooks     map[string]WebhookRecord
	audits       []audit.Entry
}

func (s *MemoryStore) snapshot() memorySnapshot {
	snap := memorySnapshot{
		wallets:      make(map[string]Wallet, len(s.wallets)),
		transactions: make(map[string]Transaction, len(s.transactions)),
		txByRef:      make(map[string]string, len(s.txByRef)),
		entries:      make([]Entry, len(s.entries)),
		webhooks:     make(map[string]WebhookRecord, len(s.webhooks)),
		audits:       make([]audit.Entry, len(s.audits)),
	}
	for k, v := range s.wallets {
		snap.wallets[k] = v
	}
	for k, v := range s.transactions {
		snap.transactions[k] = v
	}
	for k, v := range s.txByRef {
		snap.txByRef[k] = v
	}
	copy(snap.entries, s.entries)
	for k, v := range s.webhooks {
		snap.webhooks[k] = v
	}
	copy(snap.audits, s.audits)
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.wallets = snap.wallets
	s.transactions = snap.transactions
	s.txByRef = snap.txByRef
	s.entries = snap.entries
	s.webhooks = snap.webhooks
	s.audits = snap.audits
}

type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) ReserveWebhook(_ context.Context, rec WebhookRecord) (*WebhookRecord, error) {
	key := webhookKey(rec.Provider, rec.EventID)
	if existing, ok := t.store.webhooks[key]; ok {
		cp := existing
		return &cp, nil
	}
	t.store.webhooks[key] = rec
	return nil, nil
}

func (t *memoryTx) FinalizeWebhook(_ context.Context, tag provider.Tag, eventID, outcome string) error {
	key := webhookKey(tag, eventID)
	rec, ok := t.store.webhooks[key]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	rec.Outcome = outcome
	rec.FinalizedAt = &now
	t.store.webhooks[key] = rec
	return nil
}

func (t *memoryTx) WalletForUpdate(_ context.Context, id string) (Wallet, error) {
	w, ok := t.store.wallets[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}

func (t *memoryTx) UpdateWalletBalance(_ context.Context, id string, balance int64) error {
	w, ok := t.store.wallets[id]
	if !ok {
		return ErrNotFound
	}
	w.Balance = balance
	t.store.wallets[id] = w
	return nil
}

func (t *memoryTx) TransactionByRef(_ context.Context, tag provider.Tag, externalRef string) (Transaction, error) {
	return t.store.transactionByRefLocked(tag, externalRef)
}

func (t *memoryTx) TransactionByAnyRef(_ context.Context, externalRef string) (Transaction, error) {
	return t.store.transactionByAnyRefLocked(externalRef)
}

func (t *memoryTx) InsertTransaction(_ context.Context, txn Transaction) error {
	t.store.transactions[txn.ID] = txn
	t.store.txByRef[refKey(txn.Provider, txn.ExternalRef)] = txn.ID
	return nil
}

func (t *memoryTx) UpdateTransactionStatus(_ context.Context, id string, status Status, at time.Time) error {
	txn, ok := t.store.transactions[id]
	if !ok {
		return ErrNotFound
	}
	txn.Status = status
	txn.UpdatedAt = at
	t.store.transactions[id] = txn
	return nil
}

func (t *memoryTx) InsertEntry(_ context.Context, entry Entry) error {
	t.store.entries = append(t.store.entries, entry)
	return nil
}

func (t *memoryTx) PostedAmount(_ context.Context, transactionID string) (int64, error) {
	var sum int64
	for _, e := range t.store.entries {
		if e.TransactionID == transactionID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (t *memoryTx) AppendAudit(_ context.Context, entry audit.Entry) error {
	t.store.audits = append(t.store.audits, entry)
	return nil
}
