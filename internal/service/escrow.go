package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/punchamoorthee/exactlyonce/internal/domain"
	"github.com/punchamoorthee/exactlyonce/internal/lock"
	"github.com/punchamoorthee/exactlyonce/internal/statemachine"
	"github.com/punchamoorthee/exactlyonce/internal/versionguard"
)

// EscrowService moves escrows through their lifecycle. Transitions that move
// funds (release, refund) also hold the escrow's financial advisory lock.
type EscrowService struct {
	guard  *versionguard.Guard[domain.Escrow]
	locks  *lock.Service
	logger *slog.Logger
}

func NewEscrowService(guard *versionguard.Guard[domain.Escrow], locks *lock.Service, logger *slog.Logger) *EscrowService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscrowService{guard: guard, locks: locks, logger: logger.With("component", "escrow")}
}

func (s *EscrowService) Get(ctx context.Context, id string) (domain.Escrow, error) {
	e, _, err := s.guard.Load(ctx, id)
	return e, err
}

func movesFunds(to domain.EscrowStatus) bool {
	return to == domain.EscrowReleased || to == domain.EscrowRefunded
}

// Transition moves escrow id to the requested status (legacy spellings
// accepted) if it is still at expectedVersion.
func (s *EscrowService) Transition(ctx context.Context, id string, expectedVersion int64, requested string, actor statemachine.Actor) (domain.Escrow, error) {
	to, err := statemachine.Escrow.Normalize(requested)
	if err != nil {
		return domain.Escrow{}, err
	}

	var out domain.Escrow
	apply := func(ctx context.Context) error {
		res, err := s.guard.CompareAndSwap(ctx, id, expectedVersion, func(e *domain.Escrow) error {
			from, err := statemachine.Escrow.Normalize(string(e.Status))
			if err != nil {
				return err
			}
			if err := statemachine.Escrow.Validate(from, to, actor); err != nil {
				return err
			}
			e.Status = to
			return nil
		})
		if err != nil {
			return err
		}
		if !res.Applied {
			out = res.Value
			return fmt.Errorf("%w: escrow %s moved past version %d", versionguard.ErrConflict, id, expectedVersion)
		}
		out = res.Value
		return nil
	}

	if !movesFunds(to) {
		err = apply(ctx)
	} else {
		err = s.locks.WithLock(ctx, "escrow:"+id, 0, true, func(ctx context.Context, l *lock.Lock) error {
			if l.Degraded() {
				s.logger.Warn("escrow settlement under process-local lock only", "escrow_id", id, "to", to)
			}
			return apply(ctx)
		})
	}
	if err != nil {
		return out, err
	}
	s.logger.Info("escrow transitioned", "escrow_id", id, "to", to, "actor", actor, "version", out.Version)
	return out, nil
}
