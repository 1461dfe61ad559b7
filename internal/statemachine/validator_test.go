package statemachine

import (
	"errors"
	"testing"

	"github.com/punchamoorthee/exactlyonce/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCashoutClaimBySystem(t *testing.T) {
	require.NoError(t, Cashout.Validate(domain.CashoutPending, domain.CashoutProcessing, ActorSystem))
}

func TestCashoutAlreadyProcessing(t *testing.T) {
	err := Cashout.Validate(domain.CashoutProcessing, domain.CashoutProcessing, ActorSystem)
	assert.ErrorIs(t, err, ErrAlreadyInState)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "cashout", te.Entity)
	assert.Equal(t, "processing", te.To)
}

func TestActorNotInMatrixIsRejected(t *testing.T) {
	assert.ErrorIs(t, Cashout.Validate(domain.CashoutPending, domain.CashoutProcessing, ActorUser), ErrInvalidTransition)
	assert.ErrorIs(t, Cashout.Validate(domain.CashoutAdminPending, domain.CashoutApproved, ActorSystem), ErrInvalidTransition)
	assert.ErrorIs(t, Escrow.Validate(domain.EscrowDisputed, domain.EscrowReleased, ActorUser), ErrInvalidTransition)
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []domain.CashoutStatus{domain.CashoutSuccess, domain.CashoutCancelled, domain.CashoutExpired} {
		assert.True(t, Cashout.Terminal(s), s)
		assert.True(t, s.IsTerminal(), s)
		for _, a := range []Actor{ActorUser, ActorAdmin, ActorSystem} {
			assert.Empty(t, Cashout.Allowed(s, a))
			assert.ErrorIs(t, Cashout.Validate(s, domain.CashoutPending, a), ErrInvalidTransition)
		}
	}
	for _, s := range []domain.EscrowStatus{domain.EscrowReleased, domain.EscrowRefunded, domain.EscrowCancelled, domain.EscrowExpired} {
		assert.True(t, Escrow.Terminal(s), s)
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, Cashout.Terminal(domain.CashoutFailed))
}

func TestMatrixAgreesWithDomainTerminality(t *testing.T) {
	for from := range cashoutMatrix {
		assert.Equal(t, from.IsTerminal(), Cashout.Terminal(from), from)
	}
	for from := range escrowMatrix {
		assert.Equal(t, from.IsTerminal(), Escrow.Terminal(from), from)
	}
}

func TestUnknownStates(t *testing.T) {
	assert.ErrorIs(t, Cashout.Validate("bogus", domain.CashoutProcessing, ActorSystem), ErrUnknownState)
	_, err := Cashout.Normalize("teleported")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestNormalizeLegacyAliases(t *testing.T) {
	cases := map[string]domain.CashoutStatus{
		"manual_processing":      domain.CashoutAdminPending,
		"ADMIN_PENDING":          domain.CashoutAdminPending,
		"pending_admin_approval": domain.CashoutAdminPending,
		" Pending ":              domain.CashoutPending,
		"COMPLETED":              domain.CashoutSuccess,
		"canceled":               domain.CashoutCancelled,
		"in_progress":            domain.CashoutProcessing,
		"pending_otp":            domain.CashoutOTPPending,
	}
	for raw, want := range cases {
		got, err := Cashout.Normalize(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	got, err := Escrow.Normalize("funded")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowPaymentConfirmed, got)
}

func TestAliasesPointAtKnownStates(t *testing.T) {
	for alias, s := range cashoutAliases {
		assert.True(t, Cashout.known[s], alias)
		assert.False(t, Cashout.known[domain.CashoutStatus(alias)], "alias %q shadows a canonical state", alias)
	}
	for alias, s := range escrowAliases {
		assert.True(t, Escrow.known[s], alias)
	}
}

func TestValidateRawUsesAliases(t *testing.T) {
	to, err := Cashout.ValidateRaw("manual_processing", "APPROVED", ActorAdmin)
	require.NoError(t, err)
	assert.Equal(t, domain.CashoutApproved, to)

	_, err = Cashout.ValidateRaw("executing", "in_progress", ActorSystem)
	assert.ErrorIs(t, err, ErrAlreadyInState)
}

func TestAllowedIsSorted(t *testing.T) {
	got := Cashout.Allowed(domain.CashoutProcessing, ActorSystem)
	assert.Equal(t, []domain.CashoutStatus{
		domain.CashoutAdminPending,
		domain.CashoutAwaitingResponse,
		domain.CashoutFailed,
		domain.CashoutSuccess,
	}, got)
}

func TestParseActor(t *testing.T) {
	a, err := ParseActor("ADMIN")
	require.NoError(t, err)
	assert.Equal(t, ActorAdmin, a)
	_, err = ParseActor("robot")
	assert.ErrorIs(t, err, ErrUnknownActor)
}
