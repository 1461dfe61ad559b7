package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/exactlyonce/internal/domain"
	"github.com/punchamoorthee/exactlyonce/internal/retry"
	"github.com/punchamoorthee/exactlyonce/internal/statemachine"
	"github.com/punchamoorthee/exactlyonce/internal/versionguard"
	"github.com/punchamoorthee/exactlyonce/internal/webhook"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu    sync.Mutex
	sends []string
	err   error
	delay time.Duration
}

func (f *fakeProvider) Send(_ context.Context, c domain.Cashout, reference string) (string, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, c.ID+"/"+reference)
	if f.err != nil {
		return "", f.err
	}
	return "ext-" + c.ID, nil
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func seedCashout(s *versionguard.MemoryStore[domain.Cashout], id string, status domain.CashoutStatus, version int64) {
	s.Put(id, domain.Cashout{
		ID:       id,
		UserID:   "user-7",
		Amount:   decimal.RequireFromString("150.00"),
		Currency: "USD",
		Status:   status,
	}, version)
}

func newProcessor(t *testing.T, s *versionguard.MemoryStore[domain.Cashout], worker string, provider PayoutProvider) *CashoutProcessor {
	t.Helper()
	guard := versionguard.New[domain.Cashout]("cashout", s, retry.Jittered(5, time.Millisecond, 5*time.Millisecond), nil, nil)
	return NewCashoutProcessor(guard, newLocks(), newIDs(t), provider, worker, nil)
}

func TestClaimRaceOnlyOneWorkerWins(t *testing.T) {
	s := versionguard.NewMemoryStore[domain.Cashout]()
	seedCashout(s, "CO-1001", domain.CashoutPending, 3)
	a := newProcessor(t, s, "worker-a", &fakeProvider{})
	b := newProcessor(t, s, "worker-b", &fakeProvider{})
	ctx := context.Background()

	claimed, err := a.Claim(ctx, "CO-1001", 3, statemachine.ActorSystem)
	require.NoError(t, err)
	assert.Equal(t, domain.CashoutProcessing, claimed.Status)
	assert.Equal(t, int64(4), claimed.Version)
	assert.Equal(t, "worker-a", claimed.ClaimedBy)

	current, err := b.Claim(ctx, "CO-1001", 3, statemachine.ActorSystem)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.ErrorIs(t, err, statemachine.ErrAlreadyInState)
	assert.Equal(t, domain.CashoutProcessing, current.Status)

	stored, version, err := s.Load(ctx, "CO-1001")
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
	assert.Equal(t, "worker-a", stored.ClaimedBy, "loser must not revert the winner's claim")
}

func TestConcurrentClaimsExactlyOneOwner(t *testing.T) {
	s := versionguard.NewMemoryStore[domain.Cashout]()
	seedCashout(s, "CO-1001", domain.CashoutPending, 3)

	var owners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		p := newProcessor(t, s, fmt.Sprintf("worker-%d", i), &fakeProvider{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Claim(context.Background(), "CO-1001", 3, statemachine.ActorSystem)
			switch {
			case err == nil:
				owners.Add(1)
			case errors.Is(err, ErrAlreadyClaimed):
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), owners.Load())
}

func TestClaimStaleVersionReportsConflict(t *testing.T) {
	s := versionguard.NewMemoryStore[domain.Cashout]()
	seedCashout(s, "CO-2", domain.CashoutApproved, 5)
	p := newProcessor(t, s, "worker-a", &fakeProvider{})

	_, err := p.Claim(context.Background(), "CO-2", 4, statemachine.ActorSystem)
	assert.ErrorIs(t, err, versionguard.ErrConflict)

	claimed, err := p.Claim(context.Background(), "CO-2", 5, statemachine.ActorSystem)
	require.NoError(t, err)
	assert.Equal(t, domain.CashoutProcessing, claimed.Status)
}

func TestClaimRejectsActorOutsideMatrix(t *testing.T) {
	s := versionguard.NewMemoryStore[domain.Cashout]()
	seedCashout(s, "CO-3", domain.CashoutPending, 1)
	p := newProcessor(t, s, "worker-a", &fakeProvider{})

	_, err := p.Claim(context.Background(), "CO-3", 1, statemachine.ActorUser)
	assert.ErrorIs(t, err, statemachine.ErrInvalidTransition)

	_, version, err := s.Load(context.Background(), "CO-3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version, "rejected transition must not write")
}

func TestClaimNormalizesLegacyStatus(t *testing.T) {
	s := versionguard.NewMemoryStore[domain.Cashout]()
	seedCashout(s, "CO-4", domain.CashoutStatus("APPROVED"), 2)
	p := newProcessor(t, s, "worker-a", &fakeProvider{})

	claimed, err := p.Claim(context.Background(), "CO-4", 0, statemachine.ActorAdmin)
	require.NoError(t, err)
	assert.Equal(t, domain.CashoutProcessing, claimed.Status)
}

func TestExecuteSendsOnceAndAwaitsResponse(t *testing.T) {
	s := versionguard.NewMemoryStore[domain.Cashout]()
	seedCashout(s, "CO-5", domain.CashoutPending, 1)
	provider := &fakeProvider{}
	p := newProcessor(t, s, "worker-a", provider)

	c, err := p.Execute(context.Background(), "CO-5")
	require.NoError(t, err)
	assert.Equal(t, domain.CashoutAwaitingResponse, c.Status)
	assert.Equal(t, "ext-CO-5", c.ExternalRef)
	assert.Equal(t, int64(3), c.Version)
	require.Equal(t, 1, provider.count())
	assert.True(t, strings.HasPrefix(provider.sends[0], "CO-5/TX"), provider.sends[0])
}

func TestExecuteRecordsProviderFailure(t *testing.T) {
	s := versionguard.NewMemoryStore[domain.Cashout]()
	seedCashout(s, "CO-6", domain.CashoutPending, 1)
	p := newProcessor(t, s, "worker-a", &fakeProvider{err: errors.New("rail closed")})

	c, err := p.Execute(context.Background(), "CO-6")
	assert.ErrorIs(t, err, ErrPayoutFailed)
	assert.Equal(t, domain.CashoutFailed, c.Status)
	assert.Equal(t, "rail closed", c.FailReason)
}

func TestConcurrentExecutePaysOnce(t *testing.T) {
	s := versionguard.NewMemoryStore[domain.Cashout]()
	seedCashout(s, "CO-7", domain.CashoutPending, 1)
	provider := &fakeProvider{delay: 10 * time.Millisecond}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		p := newProcessor(t, s, fmt.Sprintf("worker-%d", i), provider)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Execute(context.Background(), "CO-7")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, provider.count())
}

func TestConfirmPayoutSettlesOnce(t *testing.T) {
	s := versionguard.NewMemoryStore[domain.Cashout]()
	seedCashout(s, "CO-8", domain.CashoutAwaitingResponse, 3)
	p := newProcessor(t, s, "worker-a", &fakeProvider{})
	ledger := webhook.NewLedger(webhook.NewMemoryStore())
	ctx := context.Background()

	pc := PayoutConfirmation{Provider: "rail", EventID: "po-1", CashoutID: "CO-8", Success: true}
	first, err := p.ConfirmPayout(ctx, ledger, pc, nil)
	require.NoError(t, err)
	second, err := p.ConfirmPayout(ctx, ledger, pc, nil)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, []byte(first.Result), []byte(second.Result))

	c, version, err := s.Load(ctx, "CO-8")
	require.NoError(t, err)
	assert.Equal(t, domain.CashoutSuccess, c.Status)
	assert.Equal(t, int64(4), version)
}

func TestSandboxProviderSettlesThroughExecute(t *testing.T) {
	s := versionguard.NewMemoryStore[domain.Cashout]()
	seedCashout(s, "CO-SBX", domain.CashoutApproved, 1)
	p := newProcessor(t, s, "worker-a", SandboxPayoutProvider{})

	c, err := p.Execute(context.Background(), "CO-SBX")
	require.NoError(t, err)
	assert.Equal(t, domain.CashoutAwaitingResponse, c.Status)
	assert.True(t, strings.HasPrefix(c.ExternalRef, "sandbox-TX"))
}
