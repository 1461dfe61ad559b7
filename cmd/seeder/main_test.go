package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/punchamoorthee/exactlyonce/internal/clock"
	"github.com/punchamoorthee/exactlyonce/internal/domain"
	"github.com/punchamoorthee/exactlyonce/internal/idgen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscrowRowsUseVerifiedEscrowIDs(t *testing.T) {
	cfg := idgen.DefaultConfig()
	cfg.Strategy = idgen.StrategyAtomicCounter
	reg := idgen.NewMemoryRegistry()
	ids, err := idgen.New(cfg, reg, idgen.NewMemoryCounter(), clock.RealClock{}, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now()
	rows, issued, err := escrowRows(ctx, ids, 3, 2, now)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Len(t, issued, 3)

	seen := map[string]bool{}
	for i, row := range rows {
		id := row[0].(string)
		assert.Equal(t, issued[i], id)
		assert.True(t, strings.HasPrefix(id, "ES"), id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true

		ok, err := reg.Exists(ctx, idgen.EntityEscrow, id)
		require.NoError(t, err)
		assert.True(t, ok)

		assert.NotEqual(t, row[1], row[2], "buyer and seller differ")
		assert.Equal(t, string(domain.EscrowCreated), row[5])
		assert.True(t, row[3].(pgtype.Numeric).Valid)
	}
	assert.Equal(t, "bench-user-1", rows[0][1])
	assert.Equal(t, "bench-user-2", rows[0][2])
	assert.Equal(t, "bench-user-1", rows[2][1])
}
