package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kivupay/kivupay/internal/audit"
	"github.com/kivupay/kivupay/internal/logging"
	"github.com/kivupay/kivupay/internal/provider"
	"github.com/kivupay/kivupay/internal/rates"
)

const testWallet = "11111111-1111-1111-1111-111111111111"

func newTestEngine(store Store, resolver rates.Resolver) *Engine {
	if resolver == nil {
		resolver = rates.Static{Rates: map[string]float64{"EUR:USD": 1.1}}
	}
	return NewEngine(store, resolver, 0, 2, logging.Discard())
}

func paymentEvent(id, ref string, amount int64, currency string) provider.Event {
	return provider.Event{
		Provider:      provider.TagCard,
		EventID:       id,
		Kind:          provider.KindPaymentSucceeded,
		ExternalRef:   ref,
		WalletID:      testWallet,
		Amount:        amount,
		Currency:      currency,
		OccurredAt:    time.Now().UTC(),
		PayloadDigest: "digest-" + id,
	}
}

func seedUSDWallet(store *MemoryStore, balance int64) {
	store.SeedWallet(Wallet{ID: testWallet, OwnerID: "owner-1", Currency: "USD", Balance: balance})
}

func TestApplyPayment(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, nil)

	out, err := engine.Apply(context.Background(), paymentEvent("evt-1", "ref-1", 5000, "USD"), "10.0.0.1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Result != OutcomeApplied {
		t.Fatalf("result = %s, want %s", out.Result, OutcomeApplied)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", out.Status, StatusCompleted)
	}
	if out.Balance != 5000 {
		t.Fatalf("balance = %d, want 5000", out.Balance)
	}

	w, err := store.Wallet(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.Balance != 5000 {
		t.Fatalf("stored balance = %d, want 5000", w.Balance)
	}
	entries, _ := store.Entries(context.Background(), testWallet, 0)
	if len(entries) != 1 || entries[0].Amount != 5000 {
		t.Fatalf("entries = %+v, want one entry of 5000", entries)
	}
	if outcome, ok := store.WebhookOutcome(provider.TagCard, "evt-1"); !ok || outcome != OutcomeApplied {
		t.Fatalf("webhook outcome = %q (%v), want %s", outcome, ok, OutcomeApplied)
	}
}

func TestApplyReplayIsIdempotent(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, nil)
	ev := paymentEvent("evt-1", "ref-1", 5000, "USD")

	if _, err := engine.Apply(context.Background(), ev, ""); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	out, err := engine.Apply(context.Background(), ev, "")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !out.Duplicate {
		t.Fatal("replay not flagged as duplicate")
	}
	if out.Result != OutcomeApplied {
		t.Fatalf("replay result = %s, want recorded outcome %s", out.Result, OutcomeApplied)
	}
	if out.Balance != 5000 {
		t.Fatalf("replay balance = %d, want current balance 5000", out.Balance)
	}

	w, _ := store.Wallet(context.Background(), testWallet)
	if w.Balance != 5000 {
		t.Fatalf("balance after replay = %d, want 5000", w.Balance)
	}
	entries, _ := store.Entries(context.Background(), testWallet, 0)
	if len(entries) != 1 {
		t.Fatalf("entries after replay = %d, want 1", len(entries))
	}
}

func TestApplyConvertsCurrency(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, rates.Static{Rates: map[string]float64{"EUR:USD": 1.1}})

	out, err := engine.Apply(context.Background(), paymentEvent("evt-1", "ref-1", 1000, "EUR"), "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Balance != 1100 {
		t.Fatalf("balance = %d, want 1100", out.Balance)
	}
}

func TestApplyAmountMismatch(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, nil)
	now := time.Now().UTC()

	// A pending transaction recorded at 5000 before the webhook arrives.
	err := store.InTx(context.Background(), func(tx TxStore) error {
		return tx.InsertTransaction(context.Background(), Transaction{
			ID: "txn-1", WalletID: testWallet, Provider: provider.TagCard,
			ExternalRef: "ref-1", Amount: 5000, Currency: "USD",
			Status: StatusPending, CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	out, err := engine.Apply(context.Background(), paymentEvent("evt-1", "ref-1", 9000, "USD"), "")
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("err = %v, want ErrAmountMismatch", err)
	}
	if out.Result != OutcomeAmountMismatch {
		t.Fatalf("result = %s, want %s", out.Result, OutcomeAmountMismatch)
	}
	if out.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", out.Status, StatusFailed)
	}

	w, _ := store.Wallet(context.Background(), testWallet)
	if w.Balance != 0 {
		t.Fatalf("balance = %d, want unchanged 0", w.Balance)
	}
	// The rejection itself must be durable so redelivery replays it.
	if outcome, ok := store.WebhookOutcome(provider.TagCard, "evt-1"); !ok || outcome != OutcomeAmountMismatch {
		t.Fatalf("webhook outcome = %q (%v), want %s", outcome, ok, OutcomeAmountMismatch)
	}
}

func TestApplyCurrencyMismatchIsRejected(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, rates.Static{Rates: map[string]float64{"EUR:USD": 1.1}})
	now := time.Now().UTC()

	err := store.InTx(context.Background(), func(tx TxStore) error {
		return tx.InsertTransaction(context.Background(), Transaction{
			ID: "txn-1", WalletID: testWallet, Provider: provider.TagCard,
			ExternalRef: "ref-1", Amount: 1000, Currency: "USD",
			Status: StatusPending, CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	_, err = engine.Apply(context.Background(), paymentEvent("evt-1", "ref-1", 1000, "EUR"), "")
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("err = %v, want ErrAmountMismatch", err)
	}
}

func TestApplyProviderFailure(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 250)
	engine := newTestEngine(store, nil)

	ev := paymentEvent("evt-1", "ref-1", 5000, "USD")
	ev.Kind = provider.KindPaymentFailed

	out, err := engine.Apply(context.Background(), ev, "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Result != OutcomeFailedRecorded {
		t.Fatalf("result = %s, want %s", out.Result, OutcomeFailedRecorded)
	}
	if out.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", out.Status, StatusFailed)
	}
	w, _ := store.Wallet(context.Background(), testWallet)
	if w.Balance != 250 {
		t.Fatalf("balance = %d, want untouched 250", w.Balance)
	}
	entries, _ := store.Entries(context.Background(), testWallet, 0)
	if len(entries) != 0 {
		t.Fatalf("entries = %d, want none", len(entries))
	}
}

func TestApplyReversal(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, nil)
	ctx := context.Background()

	if _, err := engine.Apply(ctx, paymentEvent("evt-1", "ref-1", 5000, "USD"), ""); err != nil {
		t.Fatalf("payment: %v", err)
	}

	refund := paymentEvent("evt-2", "ref-1", 5000, "USD")
	refund.Kind = provider.KindRefunded
	out, err := engine.Apply(ctx, refund, "")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if out.Result != OutcomeReversed {
		t.Fatalf("result = %s, want %s", out.Result, OutcomeReversed)
	}
	if out.Balance != 0 {
		t.Fatalf("balance = %d, want 0 after reversal", out.Balance)
	}

	// The pair of entries must net to exactly zero.
	entries, _ := store.Entries(ctx, testWallet, 0)
	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	if len(entries) != 2 || sum != 0 {
		t.Fatalf("entries = %+v (sum %d), want two entries netting to zero", entries, sum)
	}
}

func TestApplyReversalOfConvertedPayment(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, rates.Static{Rates: map[string]float64{"EUR:USD": 1.1}})
	ctx := context.Background()

	if _, err := engine.Apply(ctx, paymentEvent("evt-1", "ref-1", 1000, "EUR"), ""); err != nil {
		t.Fatalf("payment: %v", err)
	}

	// The reversal negates what was actually posted, not a re-converted
	// amount, so a rate change between events cannot break conservation.
	refund := paymentEvent("evt-2", "ref-1", 1000, "EUR")
	refund.Kind = provider.KindRefunded
	out, err := engine.Apply(ctx, refund, "")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if out.Balance != 0 {
		t.Fatalf("balance = %d, want 0", out.Balance)
	}
}

func TestApplyCrossProviderReversal(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 1000)
	engine := newTestEngine(store, nil)
	ctx := context.Background()

	if _, err := engine.Apply(ctx, paymentEvent("evt-1", "pi_1", 500, "USD"), ""); err != nil {
		t.Fatalf("payment: %v", err)
	}

	// The refund arrives through the aggregator but references the card
	// processor's payment.
	refund := provider.Event{
		Provider:      provider.TagRegional,
		EventID:       "agg-1",
		Kind:          provider.KindRefunded,
		ExternalRef:   "pi_1",
		WalletID:      testWallet,
		Amount:        500,
		Currency:      "USD",
		OccurredAt:    time.Now().UTC(),
		PayloadDigest: "digest-agg-1",
	}
	out, err := engine.Apply(ctx, refund, "")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if out.Result != OutcomeReversed {
		t.Fatalf("result = %s, want %s", out.Result, OutcomeReversed)
	}
	if out.Balance != 1000 {
		t.Fatalf("balance = %d, want back to 1000", out.Balance)
	}
}

func TestApplyReversalWithoutTransaction(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, nil)

	refund := paymentEvent("evt-1", "ref-missing", 5000, "USD")
	refund.Kind = provider.KindRefunded
	out, err := engine.Apply(context.Background(), refund, "")
	if !errors.Is(err, ErrInvalidReversal) {
		t.Fatalf("err = %v, want ErrInvalidReversal", err)
	}
	if out.Result != OutcomeInvalidReversal {
		t.Fatalf("result = %s, want %s", out.Result, OutcomeInvalidReversal)
	}
	if outcome, ok := store.WebhookOutcome(provider.TagCard, "evt-1"); !ok || outcome != OutcomeInvalidReversal {
		t.Fatalf("webhook outcome = %q (%v), want %s", outcome, ok, OutcomeInvalidReversal)
	}
}

func TestApplyReversalOfPendingTransaction(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, nil)
	now := time.Now().UTC()

	err := store.InTx(context.Background(), func(tx TxStore) error {
		return tx.InsertTransaction(context.Background(), Transaction{
			ID: "txn-1", WalletID: testWallet, Provider: provider.TagCard,
			ExternalRef: "ref-1", Amount: 5000, Currency: "USD",
			Status: StatusPending, CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	refund := paymentEvent("evt-1", "ref-1", 5000, "USD")
	refund.Kind = provider.KindRefunded
	_, err = engine.Apply(context.Background(), refund, "")
	if !errors.Is(err, ErrInvalidReversal) {
		t.Fatalf("err = %v, want ErrInvalidReversal", err)
	}
}

func TestApplyReversalOverdraw(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 100)
	engine := newTestEngine(store, nil)
	now := time.Now().UTC()

	// A completed transaction whose posting exceeds the current balance.
	err := store.InTx(context.Background(), func(tx TxStore) error {
		if err := tx.InsertTransaction(context.Background(), Transaction{
			ID: "txn-1", WalletID: testWallet, Provider: provider.TagCard,
			ExternalRef: "ref-1", Amount: 500, Currency: "USD",
			Status: StatusCompleted, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.InsertEntry(context.Background(), Entry{
			ID: "entry-1", WalletID: testWallet, TransactionID: "txn-1",
			Amount: 500, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	refund := paymentEvent("evt-1", "ref-1", 500, "USD")
	refund.Kind = provider.KindRefunded
	_, err = engine.Apply(context.Background(), refund, "")
	if !errors.Is(err, ErrInvalidReversal) {
		t.Fatalf("err = %v, want ErrInvalidReversal", err)
	}
	w, _ := store.Wallet(context.Background(), testWallet)
	if w.Balance != 100 {
		t.Fatalf("balance = %d, want unchanged 100", w.Balance)
	}
}

func TestApplyRejectsDoubleCompletion(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, nil)
	ctx := context.Background()

	if _, err := engine.Apply(ctx, paymentEvent("evt-1", "ref-1", 5000, "USD"), ""); err != nil {
		t.Fatalf("payment: %v", err)
	}

	// Same reference under a fresh event id: not a replay, but the
	// transaction is already terminal.
	out, err := engine.Apply(ctx, paymentEvent("evt-2", "ref-1", 5000, "USD"), "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if out.Result != OutcomeInvalidTransition {
		t.Fatalf("result = %s, want %s", out.Result, OutcomeInvalidTransition)
	}
	w, _ := store.Wallet(ctx, testWallet)
	if w.Balance != 5000 {
		t.Fatalf("balance = %d, want 5000 applied once", w.Balance)
	}
}

func TestApplyWalletNotFound(t *testing.T) {
	store := NewMemory()
	engine := newTestEngine(store, nil)

	out, err := engine.Apply(context.Background(), paymentEvent("evt-1", "ref-1", 5000, "USD"), "")
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("err = %v, want ErrWalletNotFound", err)
	}
	if out.Result != OutcomeWalletNotFound {
		t.Fatalf("result = %s, want %s", out.Result, OutcomeWalletNotFound)
	}
	if outcome, ok := store.WebhookOutcome(provider.TagCard, "evt-1"); !ok || outcome != OutcomeWalletNotFound {
		t.Fatalf("webhook outcome = %q (%v), want %s", outcome, ok, OutcomeWalletNotFound)
	}
}

func TestApplyRateUnavailableLeavesNoTrace(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, rates.Static{Rates: map[string]float64{}})

	ev := paymentEvent("evt-1", "ref-1", 1000, "EUR")
	_, err := engine.Apply(context.Background(), ev, "")
	if !errors.Is(err, rates.ErrRateUnavailable) {
		t.Fatalf("err = %v, want ErrRateUnavailable", err)
	}
	if _, ok := store.WebhookOutcome(provider.TagCard, "evt-1"); ok {
		t.Fatal("webhook record finalized despite rate failure")
	}
	w, _ := store.Wallet(context.Background(), testWallet)
	if w.Balance != 0 {
		t.Fatalf("balance = %d, want 0", w.Balance)
	}

	// Redelivery once the rate is available must succeed normally.
	engine = newTestEngine(store, rates.Static{Rates: map[string]float64{"EUR:USD": 1.1}})
	out, err := engine.Apply(context.Background(), ev, "")
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if out.Result != OutcomeApplied || out.Balance != 1100 {
		t.Fatalf("redelivery outcome = %+v, want applied with balance 1100", out)
	}
}

func TestApplyConcurrentDistinctEvents(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, nil)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := paymentEvent(fmt.Sprintf("evt-%d", i), fmt.Sprintf("ref-%d", i), 100, "USD")
			if _, err := engine.Apply(context.Background(), ev, ""); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent apply: %v", err)
	}

	w, _ := store.Wallet(context.Background(), testWallet)
	if w.Balance != n*100 {
		t.Fatalf("balance = %d, want %d", w.Balance, n*100)
	}
	entries, _ := store.Entries(context.Background(), testWallet, 0)
	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	if sum != w.Balance {
		t.Fatalf("entry sum %d != balance %d", sum, w.Balance)
	}
}

func TestApplyConcurrentReplays(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, nil)
	ev := paymentEvent("evt-1", "ref-1", 700, "USD")

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Apply(context.Background(), ev, "")
		}()
	}
	wg.Wait()

	w, _ := store.Wallet(context.Background(), testWallet)
	if w.Balance != 700 {
		t.Fatalf("balance = %d, want 700 applied exactly once", w.Balance)
	}
	entries, _ := store.Entries(context.Background(), testWallet, 0)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
}

func TestApplyRetriesOnConflict(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	flaky := &conflictOnce{Store: store}
	engine := newTestEngine(flaky, nil)

	out, err := engine.Apply(context.Background(), paymentEvent("evt-1", "ref-1", 300, "USD"), "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Result != OutcomeApplied {
		t.Fatalf("result = %s, want %s", out.Result, OutcomeApplied)
	}
	if flaky.calls != 2 {
		t.Fatalf("InTx calls = %d, want 2 (one conflict, one success)", flaky.calls)
	}
}

func TestApplyWritesAuditTrail(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 0)
	engine := newTestEngine(store, nil)
	ctx := context.Background()

	if _, err := engine.Apply(ctx, paymentEvent("evt-1", "ref-1", 5000, "USD"), "203.0.113.9"); err != nil {
		t.Fatalf("payment: %v", err)
	}
	refund := paymentEvent("evt-2", "ref-1", 5000, "USD")
	refund.Kind = provider.KindRefunded
	if _, err := engine.Apply(ctx, refund, "203.0.113.9"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	audits := store.Audits()
	if len(audits) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(audits))
	}
	if audits[0].EventType != audit.EventPaymentCompleted {
		t.Fatalf("first audit = %s, want %s", audits[0].EventType, audit.EventPaymentCompleted)
	}
	if audits[1].EventType != audit.EventReversalApplied {
		t.Fatalf("second audit = %s, want %s", audits[1].EventType, audit.EventReversalApplied)
	}
	if audits[0].OriginIP != "203.0.113.9" {
		t.Fatalf("origin = %s, want 203.0.113.9", audits[0].OriginIP)
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusReversed, false},
		{StatusCompleted, StatusReversed, true},
		{StatusCompleted, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusReversed, false},
		{StatusReversed, StatusCompleted, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestApplyRefundWalletOwnershipRace(t *testing.T) {
	store := NewMemory()
	seedUSDWallet(store, 500)
	const otherWallet = "22222222-2222-2222-2222-222222222222"
	store.SeedWallet(Wallet{ID: otherWallet, OwnerID: "owner-2", Currency: "USD", Balance: 500})
	now := time.Now().UTC()

	err := store.InTx(context.Background(), func(tx TxStore) error {
		if err := tx.InsertTransaction(context.Background(), Transaction{
			ID: "txn-1", WalletID: testWallet, Provider: provider.TagCard,
			ExternalRef: "ref-1", Amount: 500, Currency: "USD",
			Status: StatusCompleted, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.InsertEntry(context.Background(), Entry{
			ID: "entry-1", WalletID: testWallet, TransactionID: "txn-1",
			Amount: 500, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The non-locking reads miss the committed transaction, so the refund
	// initially resolves the wallet stated in the payload. The atomic unit
	// must notice the transaction belongs elsewhere and abort.
	engine := newTestEngine(&staleReads{Store: store}, nil)
	refund := paymentEvent("evt-1", "ref-1", 500, "USD")
	refund.Kind = provider.KindRefunded
	refund.WalletID = otherWallet

	_, err = engine.Apply(context.Background(), refund, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	wa, _ := store.Wallet(context.Background(), testWallet)
	wb, _ := store.Wallet(context.Background(), otherWallet)
	if wa.Balance != 500 || wb.Balance != 500 {
		t.Fatalf("balances = %d/%d, want both unchanged at 500", wa.Balance, wb.Balance)
	}
	entries, _ := store.Entries(context.Background(), otherWallet, 0)
	if len(entries) != 0 {
		t.Fatalf("entries on unrelated wallet = %d, want 0", len(entries))
	}
	txn, err := store.TransactionByRef(context.Background(), provider.TagCard, "ref-1")
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if txn.Status != StatusCompleted {
		t.Fatalf("status = %s, want still %s", txn.Status, StatusCompleted)
	}
	if _, ok := store.WebhookOutcome(provider.TagCard, "evt-1"); ok {
		t.Fatal("webhook finalized despite aborted unit")
	}
}

// conflictOnce fails the first atomic unit with a lock conflict, then
// delegates to the wrapped store.
type conflictOnce struct {
	Store
	calls int
}

func (c *conflictOnce) InTx(ctx context.Context, fn func(tx TxStore) error) error {
	c.calls++
	if c.calls == 1 {
		return ErrConflict
	}
	return c.Store.InTx(ctx, fn)
}

// staleReads hides committed transactions from the non-locking reads,
// simulating a lookup racing a concurrent commit.
type staleReads struct {
	Store
}

func (s *staleReads) TransactionByRef(context.Context, provider.Tag, string) (Transaction, error) {
	return Transaction{}, ErrNotFound
}

func (s *staleReads) TransactionByAnyRef(context.Context, string) (Transaction, error) {
	return Transaction{}, ErrNotFound
}
