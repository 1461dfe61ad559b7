package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/exactlyonce/internal/domain"
	"github.com/punchamoorthee/exactlyonce/internal/webhook"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryWallets credits in memory and, like the Postgres crediter, refuses
// to apply one provider event twice.
type memoryWallets struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	applied  map[string]domain.DepositResult
	credits  int
}

func newMemoryWallets() *memoryWallets {
	return &memoryWallets{balances: map[string]decimal.Decimal{}, applied: map[string]domain.DepositResult{}}
}

func (m *memoryWallets) Credit(_ context.Context, ev domain.DepositEvent, txID string) (domain.DepositResult, error) {
	time.Sleep(5 * time.Millisecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ev.Provider + "/" + ev.EventID
	if r, ok := m.applied[k]; ok {
		return r, nil
	}
	m.credits++
	bal := m.balances[ev.UserID].Add(ev.Amount)
	m.balances[ev.UserID] = bal
	r := domain.DepositResult{WalletID: 1, EntryID: int64(m.credits), Credited: ev.Amount, Balance: bal, WalletVersion: int64(m.credits + 1), TransactionID: txID}
	m.applied[k] = r
	return r, nil
}

func evt555() domain.DepositEvent {
	return domain.DepositEvent{
		Provider:    "stripe",
		EventID:     "evt-555",
		ReferenceID: "dep-1",
		UserID:      "user-1",
		Amount:      decimal.RequireFromString("25.50"),
		Currency:    "USD",
	}
}

func TestRedeliveredDepositCreditsOnce(t *testing.T) {
	wallets := newMemoryWallets()
	ledger := webhook.NewLedger(webhook.NewMemoryStore(), webhook.WithInFlightWait(2*time.Second, 2*time.Millisecond))
	c := NewDepositConfirmer(ledger, wallets, newIDs(t), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]DepositOutcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := c.Confirm(ctx, evt555(), []byte(`{"id":"evt-555"}`))
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wallets.credits)
	assert.True(t, wallets.balances["user-1"].Equal(decimal.RequireFromString("25.50")))
	assert.Equal(t, []byte(outcomes[0].Result), []byte(outcomes[1].Result))
	assert.NotEqual(t, outcomes[0].Replayed, outcomes[1].Replayed)

	// A third, late delivery replays as well.
	late, err := c.Confirm(ctx, evt555(), nil)
	require.NoError(t, err)
	assert.True(t, late.Replayed)
	res, err := late.Decode()
	require.NoError(t, err)
	assert.True(t, res.Credited.Equal(decimal.RequireFromString("25.50")))
	assert.Contains(t, res.TransactionID, "TX")
	assert.Equal(t, 1, wallets.credits)
}

func TestConfirmRejectsInvalidDeposits(t *testing.T) {
	c := NewDepositConfirmer(webhook.NewLedger(webhook.NewMemoryStore()), newMemoryWallets(), newIDs(t), nil)
	ctx := context.Background()

	ev := evt555()
	ev.Amount = decimal.Zero
	_, err := c.Confirm(ctx, ev, nil)
	assert.ErrorIs(t, err, ErrInvalidDeposit)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	ev = evt555()
	ev.EventID = ""
	_, err = c.Confirm(ctx, ev, nil)
	assert.ErrorIs(t, err, ErrInvalidDeposit)
}
