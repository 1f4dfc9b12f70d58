package wallet

import "time"

// Wallet represents a stored value account whose balance is maintained by the
// ledger engine.
type Wallet struct {
	ID        string
	OwnerID   string
	Currency  string
	Balance   int64
	Status    string
	CreatedAt time.Time
}

// Balance is a point-in-time view of a wallet's available funds.
type Balance struct {
	WalletID string
	Amount   int64
	Currency string
	AsOf     time.Time
}
