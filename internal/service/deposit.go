package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/punchamoorthee/exactlyonce/internal/domain"
	"github.com/punchamoorthee/exactlyonce/internal/idgen"
	"github.com/punchamoorthee/exactlyonce/internal/webhook"
)

// DepositConfirmer applies provider deposit notifications exactly once.
type DepositConfirmer struct {
	ledger  *webhook.Ledger
	wallets WalletCrediter
	ids     *idgen.Generator
	logger  *slog.Logger
}

func NewDepositConfirmer(ledger *webhook.Ledger, wallets WalletCrediter, ids *idgen.Generator, logger *slog.Logger) *DepositConfirmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DepositConfirmer{ledger: ledger, wallets: wallets, ids: ids, logger: logger.With("component", "deposit")}
}

// DepositOutcome carries the serialized DepositResult. Replayed responses
// are byte-identical to the first one.
type DepositOutcome struct {
	Result   json.RawMessage
	Replayed bool
}

func (o DepositOutcome) Decode() (domain.DepositResult, error) {
	var r domain.DepositResult
	err := json.Unmarshal(o.Result, &r)
	return r, err
}

func validateDeposit(ev domain.DepositEvent) error {
	switch {
	case ev.Provider == "" || ev.EventID == "":
		return fmt.Errorf("%w: provider and event_id are required", ErrInvalidDeposit)
	case ev.UserID == "" || ev.Currency == "":
		return fmt.Errorf("%w: user_id and currency are required", ErrInvalidDeposit)
	case !ev.Amount.IsPositive():
		return fmt.Errorf("%w: %w", ErrInvalidDeposit, ErrInvalidAmount)
	}
	return nil
}

// Confirm credits the wallet for ev. A redelivered event replays the cached
// result; one still being processed elsewhere returns webhook.ErrInFlight
// after the ledger's wait bound.
func (c *DepositConfirmer) Confirm(ctx context.Context, ev domain.DepositEvent, payload []byte) (DepositOutcome, error) {
	if err := validateDeposit(ev); err != nil {
		return DepositOutcome{}, err
	}
	out, err := c.ledger.Process(ctx, ev.Provider, ev.EventID, ev.ReferenceID, payload, func(ctx context.Context) (any, error) {
		txID, err := c.ids.Generate(ctx, idgen.EntityTransaction, "", ev.UserID)
		if err != nil {
			return nil, fmt.Errorf("transaction id: %w", err)
		}
		res, err := c.wallets.Credit(ctx, ev, txID.Value)
		if err != nil {
			return nil, err
		}
		c.logger.Info("deposit credited",
			"provider", ev.Provider, "event_id", ev.EventID, "wallet_id", res.WalletID,
			"amount", ev.Amount.String(), "transaction_id", res.TransactionID, "id_verified", txID.Verified)
		return res, nil
	})
	if err != nil {
		return DepositOutcome{}, err
	}
	if out.Replayed {
		c.logger.Info("deposit redelivery replayed", "provider", ev.Provider, "event_id", ev.EventID)
	}
	return DepositOutcome{Result: out.Result, Replayed: out.Replayed}, nil
}
