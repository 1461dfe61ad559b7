package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/exactlyonce/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	dsn := os.Getenv("EXACTLYONCE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("EXACTLYONCE_TEST_DATABASE_URL not set")
	}
	db, err := store.New(context.Background(), dsn, nil, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

// flakySource serves real connections until it is switched down.
type flakySource struct {
	db   *store.DB
	down atomic.Bool
}

func (f *flakySource) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if f.down.Load() {
		return nil, errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	}
	return f.db.Acquire(ctx)
}

func TestFallbackWaitsForDistributedHolderInProcess(t *testing.T) {
	src := &flakySource{db: openTestDB(t)}
	ctx := context.Background()
	s := NewService(src, Config{Namespace: NamespaceCashout}, nil, nil)

	la, ok, err := s.Acquire(ctx, "payout:CO-2002", time.Second, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ModeDistributed, la.Mode())

	src.down.Store(true)
	_, ok, err = s.TryAcquire(ctx, "payout:CO-2002")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.Acquire(ctx, "payout:CO-2002", 100*time.Millisecond, true)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = la.Release(ctx)
	require.NoError(t, err)

	lb, ok, err := s.TryAcquire(ctx, "payout:CO-2002")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ModeLocalFallback, lb.Mode())
	_, err = lb.Release(ctx)
	require.NoError(t, err)
}

func TestPostgresAdvisoryLockExcludesSessions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	a := NewService(db, Config{Namespace: NamespaceCashout}, nil, nil)
	b := NewService(db, Config{Namespace: NamespaceCashout}, nil, nil)

	la, ok, err := a.Acquire(ctx, "payout:CO-1001", time.Second, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ModeDistributed, la.Mode())

	_, ok, err = b.TryAcquire(ctx, "payout:CO-1001")
	require.NoError(t, err)
	assert.False(t, ok)

	start := time.Now()
	_, ok, err = b.Acquire(ctx, "payout:CO-1001", 200*time.Millisecond, true)
	require.NoError(t, err)
	assert.False(t, ok, "acquire must time out as busy")
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	released, err := la.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)

	lb, ok, err := b.TryAcquire(ctx, "payout:CO-1001")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = lb.Release(ctx)
	require.NoError(t, err)
}

func TestPostgresLockTimeoutDoesNotLeak(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s := NewService(db, Config{}, nil, nil)

	l, ok, err := s.Acquire(ctx, "leak-check", 250*time.Millisecond, false)
	require.NoError(t, err)
	require.True(t, ok)

	var setting string
	require.NoError(t, l.conn.QueryRow(ctx, "SHOW lock_timeout").Scan(&setting))
	assert.Equal(t, "0", setting)
	_, err = l.Release(ctx)
	require.NoError(t, err)
}

func TestPostgresWithLockSerializesWorkers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	var inside, overlaps atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := NewService(db, Config{Namespace: NamespaceEscrow}, nil, nil)
			err := s.WithLock(ctx, "escrow:ES240101", 10*time.Second, true, func(context.Context, *Lock) error {
				if inside.Add(1) > 1 {
					overlaps.Add(1)
				}
				time.Sleep(20 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Zero(t, overlaps.Load())
}
