package idgen

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/punchamoorthee/exactlyonce/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresCounterAndRegistry(t *testing.T) {
	dsn := os.Getenv("EXACTLYONCE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("EXACTLYONCE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := store.New(ctx, dsn, nil, nil)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, store.Migrate(ctx, db))

	g, err := New(DefaultConfig(), NewPgRegistry(db), NewPgCounter(db), nil, nil, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id, err := g.Generate(ctx, EntityTransaction, StrategyAtomicCounter, "")
				if !assert.NoError(t, err) {
					return
				}
				assert.True(t, id.Verified)
				mu.Lock()
				assert.False(t, seen[id.Value], "duplicate %s", id.Value)
				seen[id.Value] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 200)

	dup, err := NewPgRegistry(db).Reserve(ctx, EntityTransaction, func() string {
		for k := range seen {
			return k
		}
		return ""
	}())
	require.NoError(t, err)
	assert.False(t, dup, "reserving an issued id must report a collision")
}
