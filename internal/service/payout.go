package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/punchamoorthee/exactlyonce/internal/domain"
	"github.com/punchamoorthee/exactlyonce/internal/webhook"
)

// PayoutConfirmation is the provider's asynchronous verdict on a payout.
type PayoutConfirmation struct {
	Provider  string `json:"provider"`
	EventID   string `json:"event_id"`
	CashoutID string `json:"cashout_id"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
}

// ConfirmPayout settles the cashout named by a provider callback once per
// provider event.
func (p *CashoutProcessor) ConfirmPayout(ctx context.Context, ledger *webhook.Ledger, pc PayoutConfirmation, payload []byte) (webhook.Outcome, error) {
	if pc.CashoutID == "" {
		return webhook.Outcome{}, errors.New("cashout_id is required")
	}
	return ledger.Process(ctx, pc.Provider, pc.EventID, pc.CashoutID, payload, func(ctx context.Context) (any, error) {
		c, err := p.Settle(ctx, pc.CashoutID, pc.Success, pc.Reason)
		if err != nil {
			return nil, fmt.Errorf("settle cashout %s: %w", pc.CashoutID, err)
		}
		return c, nil
	})
}

// SandboxPayoutProvider accepts every payout without moving money. It backs
// environments that have no payout rail configured.
type SandboxPayoutProvider struct {
	Logger *slog.Logger
}

func (s SandboxPayoutProvider) Send(_ context.Context, c domain.Cashout, reference string) (string, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("sandbox payout accepted", "cashout_id", c.ID, "amount", c.Amount.String(), "currency", c.Currency, "reference", reference)
	return "sandbox-" + reference, nil
}
