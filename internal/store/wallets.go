package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/exactlyonce/internal/domain"
)

// GetWallet retrieves a single wallet by ID.
func GetWallet(ctx context.Context, q Querier, id int64) (*domain.Wallet, error) {
	var w domain.Wallet
	err := q.QueryRow(ctx,
		"SELECT id, user_id, currency, balance, version, created_at, updated_at FROM wallets WHERE id = $1",
		id).Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWallet creates a wallet with zero balance, or returns the existing one
// for (userID, currency).
func CreateWallet(ctx context.Context, q Querier, userID, currency string) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
INSERT INTO wallets (user_id, currency) VALUES ($1, $2)
ON CONFLICT (user_id, currency) DO UPDATE SET user_id = EXCLUDED.user_id
RETURNING id`, userID, currency).Scan(&id)
	return id, err
}

// GetCashout retrieves cashout details.
func GetCashout(ctx context.Context, q Querier, id string) (*domain.Cashout, error) {
	var c domain.Cashout
	err := q.QueryRow(ctx, `
SELECT id, user_id, amount, currency, status, external_ref, fail_reason, claimed_by, version, created_at, updated_at
FROM cashouts WHERE id = $1`, id).Scan(
		&c.ID, &c.UserID, &c.Amount, &c.Currency, &c.Status, &c.ExternalRef,
		&c.FailReason, &c.ClaimedBy, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListWalletEntries retrieves ledger entries for a specific wallet.
func ListWalletEntries(ctx context.Context, q Querier, walletID int64) ([]domain.WalletEntry, error) {
	var exists bool
	err := q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM wallets WHERE id=$1)", walletID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("wallet %d: %w", walletID, ErrNotFound)
	}

	rows, err := q.Query(ctx, `
SELECT id, wallet_id, delta, source_provider, source_event_id, reference, created_at
FROM wallet_entries WHERE wallet_id = $1 ORDER BY created_at DESC`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.WalletEntry
	for rows.Next() {
		var e domain.WalletEntry
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Delta, &e.SourceProvider, &e.SourceEventID, &e.Reference, &e.CreatedAt); err != nil {
			slog.Warn("skipping unreadable wallet entry", "wallet_id", walletID, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Wallets binds the wallet helpers to one Querier.
type Wallets struct {
	q Querier
}

func NewWallets(q Querier) *Wallets {
	return &Wallets{q: q}
}

func (w *Wallets) Create(ctx context.Context, userID, currency string) (int64, error) {
	return CreateWallet(ctx, w.q, userID, currency)
}

func (w *Wallets) Get(ctx context.Context, id int64) (*domain.Wallet, error) {
	return GetWallet(ctx, w.q, id)
}

func (w *Wallets) Entries(ctx context.Context, walletID int64) ([]domain.WalletEntry, error) {
	return ListWalletEntries(ctx, w.q, walletID)
}
