package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/punchamoorthee/exactlyonce/internal/domain"
	"github.com/punchamoorthee/exactlyonce/internal/idgen"
	"github.com/punchamoorthee/exactlyonce/internal/lock"
	"github.com/punchamoorthee/exactlyonce/internal/statemachine"
	"github.com/punchamoorthee/exactlyonce/internal/versionguard"
)

var (
	// ErrAlreadyClaimed means another worker owns the cashout. Skip it; never
	// revert the other claim.
	ErrAlreadyClaimed = errors.New("cashout already claimed")
	ErrPayoutFailed   = errors.New("payout failed")
)

// PayoutProvider moves money out. reference is unique per attempt and is
// what the provider echoes back in its confirmation webhook.
type PayoutProvider interface {
	Send(ctx context.Context, c domain.Cashout, reference string) (externalRef string, err error)
}

type CashoutProcessor struct {
	guard    *versionguard.Guard[domain.Cashout]
	locks    *lock.Service
	ids      *idgen.Generator
	provider PayoutProvider
	workerID string
	logger   *slog.Logger
}

func NewCashoutProcessor(guard *versionguard.Guard[domain.Cashout], locks *lock.Service, ids *idgen.Generator, provider PayoutProvider, workerID string, logger *slog.Logger) *CashoutProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CashoutProcessor{
		guard:    guard,
		locks:    locks,
		ids:      ids,
		provider: provider,
		workerID: workerID,
		logger:   logger.With("component", "cashout", "worker", workerID),
	}
}

func (p *CashoutProcessor) Get(ctx context.Context, id string) (domain.Cashout, error) {
	c, _, err := p.guard.Load(ctx, id)
	return c, err
}

// Claim flips the cashout to processing if it is still at expectedVersion.
// expectedVersion 0 claims whatever version is current. The transition is
// validated inside the compare-and-swap, so of two racing workers only the
// one whose swap lands owns the job; the other gets ErrAlreadyClaimed.
func (p *CashoutProcessor) Claim(ctx context.Context, id string, expectedVersion int64, actor statemachine.Actor) (domain.Cashout, error) {
	if expectedVersion == 0 {
		_, v, err := p.guard.Load(ctx, id)
		if err != nil {
			return domain.Cashout{}, err
		}
		expectedVersion = v
	}

	res, err := p.guard.CompareAndSwap(ctx, id, expectedVersion, func(c *domain.Cashout) error {
		return p.transition(c, domain.CashoutProcessing, actor, func(c *domain.Cashout) {
			c.ClaimedBy = p.workerID
		})
	})
	if err != nil {
		return domain.Cashout{}, p.claimError(err)
	}
	if res.Applied {
		p.logger.Info("cashout claimed", "cashout_id", id, "version", res.NewVersion)
		return res.Value, nil
	}

	// Lost the race or read a stale version: re-read and let the validator
	// explain what happened.
	current, version, err := p.guard.Load(ctx, id)
	if err != nil {
		return domain.Cashout{}, err
	}
	from, err := statemachine.Cashout.Normalize(string(current.Status))
	if err != nil {
		return current, err
	}
	if err := statemachine.Cashout.Validate(from, domain.CashoutProcessing, actor); err != nil {
		return current, p.claimError(err)
	}
	return current, fmt.Errorf("%w: cashout %s is at version %d, not %d", versionguard.ErrConflict, id, version, expectedVersion)
}

func (p *CashoutProcessor) claimError(err error) error {
	if errors.Is(err, statemachine.ErrAlreadyInState) {
		return fmt.Errorf("%w: %w", ErrAlreadyClaimed, err)
	}
	return err
}

// transition validates the move from c's stored status (legacy spellings
// included) and applies it.
func (p *CashoutProcessor) transition(c *domain.Cashout, to domain.CashoutStatus, actor statemachine.Actor, apply func(*domain.Cashout)) error {
	from, err := statemachine.Cashout.Normalize(string(c.Status))
	if err != nil {
		return err
	}
	if err := statemachine.Cashout.Validate(from, to, actor); err != nil {
		return err
	}
	c.Status = to
	if apply != nil {
		apply(c)
	}
	return nil
}

// Execute claims the cashout and sends it to the payout provider under a
// financial advisory lock keyed by the cashout. The outcome is recorded with
// fresh-read retries; the provider's confirmation webhook completes it later.
func (p *CashoutProcessor) Execute(ctx context.Context, id string) (domain.Cashout, error) {
	claimed, err := p.Claim(ctx, id, 0, statemachine.ActorSystem)
	if err != nil {
		return claimed, err
	}

	ref, err := p.ids.Generate(ctx, idgen.EntityTransaction, "", claimed.UserID)
	if err != nil {
		return claimed, fmt.Errorf("payout reference: %w", err)
	}
	if !ref.Verified {
		p.logger.Warn("payout reference not verified unique", "cashout_id", id, "reference", ref.Value)
	}

	var (
		externalRef string
		sendErr     error
	)
	err = p.locks.WithLock(ctx, "payout:"+id, 0, true, func(ctx context.Context, l *lock.Lock) error {
		if l.Degraded() {
			p.logger.Warn("payout running under process-local lock only", "cashout_id", id)
		}
		externalRef, sendErr = p.provider.Send(ctx, claimed, ref.Value)
		return nil
	})
	if err != nil {
		// Still processing and owned by us; an operator or the next sweep
		// decides. Never hand the claim back.
		p.logger.Error("payout not attempted", "cashout_id", id, "error", err)
		return claimed, err
	}

	if sendErr != nil {
		res, err := p.guard.Update(ctx, id, func(c *domain.Cashout) error {
			return p.transition(c, domain.CashoutFailed, statemachine.ActorSystem, func(c *domain.Cashout) {
				c.FailReason = sendErr.Error()
			})
		})
		if err != nil {
			return claimed, fmt.Errorf("record payout failure: %w (payout error: %v)", err, sendErr)
		}
		p.logger.Warn("payout failed", "cashout_id", id, "error", sendErr)
		return res.Value, fmt.Errorf("%w: %w", ErrPayoutFailed, sendErr)
	}

	res, err := p.guard.Update(ctx, id, func(c *domain.Cashout) error {
		return p.transition(c, domain.CashoutAwaitingResponse, statemachine.ActorSystem, func(c *domain.Cashout) {
			c.ExternalRef = externalRef
		})
	})
	if err != nil {
		// The provider accepted the payout; the row must not be retried blindly.
		p.logger.Error("payout sent but state not recorded", "cashout_id", id, "external_ref", externalRef, "error", err)
		return claimed, fmt.Errorf("record payout: %w", err)
	}
	p.logger.Info("payout sent", "cashout_id", id, "external_ref", externalRef, "version", res.NewVersion)
	return res.Value, nil
}

// Settle applies the provider's final verdict to an awaiting cashout.
func (p *CashoutProcessor) Settle(ctx context.Context, id string, success bool, reason string) (domain.Cashout, error) {
	to := domain.CashoutSuccess
	if !success {
		to = domain.CashoutFailed
	}
	res, err := p.guard.Update(ctx, id, func(c *domain.Cashout) error {
		return p.transition(c, to, statemachine.ActorSystem, func(c *domain.Cashout) {
			if !success {
				c.FailReason = reason
			}
		})
	})
	return res.Value, err
}
