package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is a user's balance in one currency.
type Wallet struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// WalletEntry is one credit or debit applied to a wallet. A provider event can
// produce at most one entry.
type WalletEntry struct {
	ID             int64           `json:"id"`
	WalletID       int64           `json:"wallet_id"`
	Delta          decimal.Decimal `json:"delta"`
	SourceProvider string          `json:"source_provider"`
	SourceEventID  string          `json:"source_event_id"`
	Reference      string          `json:"reference"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Cashout is a user's request to move funds out to an external payout rail.
type Cashout struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      CashoutStatus   `json:"status"`
	ExternalRef string          `json:"external_ref,omitempty"`
	FailReason  string          `json:"fail_reason,omitempty"`
	ClaimedBy   string          `json:"claimed_by,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Escrow holds buyer funds until a trade settles. Rows are read and written
// through gorm.
type Escrow struct {
	ID        string          `json:"id" gorm:"primaryKey"`
	BuyerID   string          `json:"buyer_id"`
	SellerID  string          `json:"seller_id"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric(20,8)"`
	Currency  string          `json:"currency"`
	Status    EscrowStatus    `json:"status"`
	Version   int64           `json:"version" gorm:"not null;default:1"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DepositEvent is the provider notification that funds arrived for a user.
type DepositEvent struct {
	Provider    string          `json:"provider"`
	EventID     string          `json:"event_id"`
	ReferenceID string          `json:"reference_id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
}

// DepositResult is the outcome cached by the webhook ledger and replayed on
// redelivery.
type DepositResult struct {
	WalletID      int64           `json:"wallet_id"`
	EntryID       int64           `json:"entry_id"`
	Credited      decimal.Decimal `json:"credited"`
	Balance       decimal.Decimal `json:"balance"`
	WalletVersion int64           `json:"wallet_version"`
	TransactionID string          `json:"transaction_id"`
}

func (w *Wallet) GetVersion() int64 { return w.Version }
func (w *Wallet) SetVersion(v int64) { w.Version = v }
func (c *Cashout) GetVersion() int64 { return c.Version }
func (c *Cashout) SetVersion(v int64) { c.Version = v }
func (e *Escrow) GetVersion() int64 { return e.Version }
func (e *Escrow) SetVersion(v int64) { e.Version = v }
