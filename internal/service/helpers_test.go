package service

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/exactlyonce/internal/idgen"
	"github.com/punchamoorthee/exactlyonce/internal/lock"
	"github.com/stretchr/testify/require"
)

// offlineDB makes the lock service run in local fallback mode.
type offlineDB struct{}

func (offlineDB) Acquire(context.Context) (*pgxpool.Conn, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func newLocks() *lock.Service {
	return lock.NewService(offlineDB{}, lock.Config{Namespace: lock.NamespaceCashout}, nil, nil)
}

func newIDs(t *testing.T) *idgen.Generator {
	t.Helper()
	g, err := idgen.New(idgen.DefaultConfig(), idgen.NewMemoryRegistry(), nil, nil, nil, nil)
	require.NoError(t, err)
	return g
}
