package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/exactlyonce/internal/domain"
	"github.com/punchamoorthee/exactlyonce/internal/retry"
	"github.com/punchamoorthee/exactlyonce/internal/store"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrInvalidDeposit = errors.New("invalid deposit event")
	ErrWalletConflict = errors.New("wallet version moved during credit")
)

// WalletCrediter applies a deposit. Implementations must credit at most once
// per (provider, event id) even if called again for the same event.
type WalletCrediter interface {
	Credit(ctx context.Context, ev domain.DepositEvent, transactionID string) (domain.DepositResult, error)
}

// TxBeginner is satisfied by *store.DB and *pgxpool.Pool.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type PgWalletCrediter struct {
	db     TxBeginner
	policy retry.Policy
}

func NewPgWalletCrediter(db TxBeginner) *PgWalletCrediter {
	return &PgWalletCrediter{db: db, policy: retry.Jittered(5, 20*time.Millisecond, 250*time.Millisecond)}
}

// Credit adds ev.Amount to the user's wallet in one transaction. The entry
// insert is keyed by (source_provider, source_event_id), so a second call for
// the same event returns the first credit unchanged. The wallet row lock
// orders concurrent credits under read committed; a transaction that still
// fails with a serialization or deadlock error is re-run from the start.
func (c *PgWalletCrediter) Credit(ctx context.Context, ev domain.DepositEvent, transactionID string) (domain.DepositResult, error) {
	if !ev.Amount.IsPositive() {
		return domain.DepositResult{}, ErrInvalidAmount
	}
	var (
		res     domain.DepositResult
		lastErr error
	)
	done, _, err := retry.Do(ctx, c.policy, func(int) (bool, error) {
		r, err := c.credit(ctx, ev, transactionID)
		if err == nil {
			res = r
			return true, nil
		}
		if store.IsSerializationFailure(err) || errors.Is(err, ErrWalletConflict) {
			lastErr = err
			return false, nil
		}
		return false, err
	})
	if err != nil {
		return domain.DepositResult{}, err
	}
	if !done {
		return domain.DepositResult{}, lastErr
	}
	return res, nil
}

func (c *PgWalletCrediter) credit(ctx context.Context, ev domain.DepositEvent, transactionID string) (domain.DepositResult, error) {
	tx, err := c.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.DepositResult{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Wallet row, created on first deposit, locked for the rest of the tx.
	_, err = tx.Exec(ctx,
		"INSERT INTO wallets (user_id, currency) VALUES ($1, $2) ON CONFLICT (user_id, currency) DO NOTHING",
		ev.UserID, ev.Currency,
	)
	if err != nil {
		return domain.DepositResult{}, fmt.Errorf("wallet upsert failed: %w", err)
	}
	var (
		walletID int64
		balance  decimal.Decimal
		version  int64
	)
	err = tx.QueryRow(ctx,
		"SELECT id, balance, version FROM wallets WHERE user_id = $1 AND currency = $2 FOR UPDATE",
		ev.UserID, ev.Currency,
	).Scan(&walletID, &balance, &version)
	if err != nil {
		return domain.DepositResult{}, fmt.Errorf("wallet lock failed: %w", err)
	}

	// 2. Ledger entry; a conflict means this event was already credited.
	var entryID int64
	err = tx.QueryRow(ctx, `
INSERT INTO wallet_entries (wallet_id, delta, source_provider, source_event_id, reference)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source_provider, source_event_id) DO NOTHING
RETURNING id`,
		walletID, ev.Amount, ev.Provider, ev.EventID, transactionID,
	).Scan(&entryID)
	if errors.Is(err, pgx.ErrNoRows) {
		var prior domain.DepositResult
		err = tx.QueryRow(ctx, `
SELECT e.id, e.wallet_id, e.delta, e.reference, w.balance, w.version
FROM wallet_entries e JOIN wallets w ON w.id = e.wallet_id
WHERE e.source_provider = $1 AND e.source_event_id = $2`,
			ev.Provider, ev.EventID,
		).Scan(&prior.EntryID, &prior.WalletID, &prior.Credited, &prior.TransactionID, &prior.Balance, &prior.WalletVersion)
		if err != nil {
			return domain.DepositResult{}, fmt.Errorf("prior credit lookup failed: %w", err)
		}
		return prior, nil
	}
	if err != nil {
		return domain.DepositResult{}, fmt.Errorf("ledger entry failed: %w", err)
	}

	// 3. Balance and version move together, conditioned on the version read.
	var (
		newBalance decimal.Decimal
		newVersion int64
	)
	err = tx.QueryRow(ctx, `
UPDATE wallets SET balance = balance + $1, version = version + 1, updated_at = NOW()
WHERE id = $2 AND version = $3
RETURNING balance, version`,
		ev.Amount, walletID, version,
	).Scan(&newBalance, &newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DepositResult{}, ErrWalletConflict
	}
	if err != nil {
		return domain.DepositResult{}, fmt.Errorf("balance update failed: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.DepositResult{}, fmt.Errorf("tx commit failed: %w", err)
	}

	return domain.DepositResult{
		WalletID:      walletID,
		EntryID:       entryID,
		Credited:      ev.Amount,
		Balance:       newBalance,
		WalletVersion: newVersion,
		TransactionID: transactionID,
	}, nil
}
