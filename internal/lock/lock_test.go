package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/punchamoorthee/exactlyonce/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type downSource struct{ calls atomic.Int32 }

func (d *downSource) Acquire(context.Context) (*pgxpool.Conn, error) {
	d.calls.Add(1)
	return nil, errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
}

func newFallbackService(t *testing.T) (*Service, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewService(&downSource{}, Config{}, nil, metrics.New(reg)), reg
}

func TestHashIsDeterministic(t *testing.T) {
	assert.Equal(t, Hash("payout:CO-1001"), Hash("payout:CO-1001"))
	assert.NotEqual(t, Hash("payout:CO-1001"), Hash("payout:CO-1002"))
}

func TestKeyIDSeparatesNamespaces(t *testing.T) {
	a := KeyID(NamespaceCashout, "CO-1001")
	b := KeyID(NamespaceEscrow, "CO-1001")
	assert.NotEqual(t, a, b)
	assert.Equal(t, int64(NamespaceCashout), a>>32)
	assert.Equal(t, uint32(Hash("CO-1001")), uint32(a))
}

func TestDefaultTimeouts(t *testing.T) {
	s, _ := newFallbackService(t)
	assert.Equal(t, DefaultTimeout, s.timeoutFor(0, false))
	assert.Equal(t, DefaultFinancialTimeout, s.timeoutFor(0, true))
	assert.Equal(t, time.Second, s.timeoutFor(time.Second, true))
}

func TestAcquireDegradesToLocalFallback(t *testing.T) {
	s, reg := newFallbackService(t)
	ctx := context.Background()

	l, ok, err := s.Acquire(ctx, "payout:CO-1001", time.Second, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ModeLocalFallback, l.Mode())
	assert.True(t, l.Degraded())
	assert.Equal(t, []string{"payout:CO-1001"}, s.Held())

	expected := `
# HELP exactlyonce_lock_degraded_total Acquisitions served by the process-local fallback instead of the database.
# TYPE exactlyonce_lock_degraded_total counter
exactlyonce_lock_degraded_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "exactlyonce_lock_degraded_total"))

	released, err := l.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Empty(t, s.Held())
}

func TestFallbackTimesOutAsBusy(t *testing.T) {
	s, _ := newFallbackService(t)
	ctx := context.Background()

	held, ok, err := s.Acquire(ctx, "k", time.Second, false)
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Release(ctx)

	start := time.Now()
	l, ok, err := s.Acquire(ctx, "k", 50*time.Millisecond, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, l)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTryAcquireDoesNotWait(t *testing.T) {
	s, _ := newFallbackService(t)
	ctx := context.Background()

	held, ok, err := s.TryAcquire(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryAcquire(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = held.Release(ctx)
	require.NoError(t, err)

	again, ok, err := s.TryAcquire(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	_, _ = again.Release(ctx)
}

func TestReleaseOfUnheldKeyReportsFalse(t *testing.T) {
	s, _ := newFallbackService(t)
	ok, err := s.Release(context.Background(), "never-acquired")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDoubleReleaseIsAnError(t *testing.T) {
	s, _ := newFallbackService(t)
	ctx := context.Background()
	l, ok, err := s.Acquire(ctx, "k", time.Second, false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Release(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = l.Release(ctx)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestLocallyHeldKeyDoesNotReachBackend(t *testing.T) {
	src := &downSource{}
	s := NewService(src, Config{}, nil, nil)
	ctx := context.Background()

	held, ok, err := s.Acquire(ctx, "payout:CO-7", time.Second, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(1), src.calls.Load())

	_, ok, err = s.TryAcquire(ctx, "payout:CO-7")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.Acquire(ctx, "payout:CO-7", 30*time.Millisecond, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), src.calls.Load(), "waiters queue on the local mutex first")

	_, err = held.Release(ctx)
	require.NoError(t, err)
	again, ok, err := s.TryAcquire(ctx, "payout:CO-7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(2), src.calls.Load())
	_, _ = again.Release(ctx)
	assert.Zero(t, s.local.size())
}

func TestReleaseByKeyIsScopedToOwner(t *testing.T) {
	s, _ := newFallbackService(t)
	ctx := context.Background()
	workerA := WithOwner(ctx, "worker-a")
	workerB := WithOwner(ctx, "worker-b")

	l, ok, err := s.Acquire(workerA, "escrow:ES9", time.Second, true)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Release(workerB, "escrow:ES9")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Release(ctx, "escrow:ES9")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"escrow:ES9"}, s.Held())

	_, ok, err = s.TryAcquire(workerB, "escrow:ES9")
	require.NoError(t, err)
	assert.False(t, ok, "lock must still be held by worker-a")

	ok, err = s.Release(workerA, "escrow:ES9")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = l.Release(ctx)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestAcquireHonorsCancelledContext(t *testing.T) {
	src := &downSource{}
	s := NewService(src, Config{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := s.Acquire(ctx, "k", time.Second, false)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, src.calls.Load())
}

func TestWithLockNoOverlap(t *testing.T) {
	s, _ := newFallbackService(t)
	ctx := context.Background()

	var inside, maxInside, runs atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithLock(ctx, "escrow:ES1", 5*time.Second, true, func(context.Context, *Lock) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				runs.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(8), runs.Load())
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Zero(t, s.local.size())
}

func TestWithLockReturnsBusy(t *testing.T) {
	s, _ := newFallbackService(t)
	ctx := context.Background()
	held, ok, err := s.Acquire(ctx, "k", time.Second, false)
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Release(ctx)

	called := false
	err = s.WithLock(ctx, "k", 20*time.Millisecond, false, func(context.Context, *Lock) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, called)
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	s, _ := newFallbackService(t)
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_ = s.WithLock(ctx, "k", time.Second, false, func(context.Context, *Lock) error {
			panic("provider exploded")
		})
	}()

	l, ok, err := s.TryAcquire(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok, "lock must be free after a panicking critical section")
	_, _ = l.Release(ctx)
}

func TestWithLockPropagatesError(t *testing.T) {
	s, _ := newFallbackService(t)
	boom := errors.New("boom")
	err := s.WithLock(context.Background(), "k", time.Second, false, func(context.Context, *Lock) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, s.Held())
}
