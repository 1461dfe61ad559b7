package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/exactlyonce/internal/metrics"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("store closed")
)

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB owns the shared connection pool. The pool is replaced wholesale after a
// connectivity failure; callers must not cache the *pgxpool.Pool across calls.
type DB struct {
	mu      sync.RWMutex
	pool    *pgxpool.Pool
	config  *pgxpool.Config
	closed  bool
	resets  singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(ctx context.Context, connString string, logger *slog.Logger, m *metrics.Metrics) (*DB, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &DB{config: config, logger: logger, metrics: m}
	pool, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	d.pool = pool
	return d, nil
}

func (d *DB) connect(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, d.config.Copy())
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// Pool returns the current pool.
func (d *DB) Pool() *pgxpool.Pool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pool
}

// Acquire pins one physical connection from the current pool. The caller owns
// it until Release or Hijack.
func (d *DB) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	d.mu.RLock()
	pool, closed := d.pool, d.closed
	d.mu.RUnlock()
	if closed || pool == nil {
		return nil, ErrClosed
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		d.Observe(ctx, err)
		return nil, err
	}
	return conn, nil
}

// Reset dials a fresh pool, swaps it in and disposes the old one. Work that
// was in flight on the old pool has an unknown outcome and must be re-verified.
// Concurrent callers share a single reset.
func (d *DB) Reset(ctx context.Context, cause error) error {
	_, err, _ := d.resets.Do("reset", func() (any, error) {
		pool, err := d.connect(ctx)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			pool.Close()
			return nil, ErrClosed
		}
		old := d.pool
		d.pool = pool
		d.mu.Unlock()

		if old != nil {
			// Close blocks until pinned connections come back; lock holders on
			// the old pool must not stall the reset.
			go old.Close()
		}
		d.metrics.ObservePoolReset()
		d.logger.Warn("database pool recreated after connectivity failure", "cause", cause)
		return nil, nil
	})
	return err
}

// Observe resets the pool when err indicates the database link is broken.
// It reports whether a reset was triggered.
func (d *DB) Observe(ctx context.Context, err error) bool {
	if !IsConnectivityError(err) {
		return false
	}
	if resetErr := d.Reset(context.WithoutCancel(ctx), err); resetErr != nil {
		d.logger.Error("database pool recreate failed", "error", resetErr)
	}
	return true
}

func (d *DB) current() *pgxpool.Pool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil
	}
	return d.pool
}

// Exec runs sql on the current pool.
func (d *DB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	pool := d.current()
	if pool == nil {
		return pgconn.CommandTag{}, ErrClosed
	}
	tag, err := pool.Exec(ctx, sql, args...)
	d.Observe(ctx, err)
	return tag, err
}

func (d *DB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	pool := d.current()
	if pool == nil {
		return nil, ErrClosed
	}
	rows, err := pool.Query(ctx, sql, args...)
	d.Observe(ctx, err)
	return rows, err
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	pool := d.current()
	if pool == nil {
		return errRow{ErrClosed}
	}
	return observedRow{row: pool.QueryRow(ctx, sql, args...), ctx: ctx, db: d}
}

// BeginTx starts a transaction on the current pool. Commit failures on a
// broken link leave the outcome unknown; callers must re-read.
func (d *DB) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	pool := d.current()
	if pool == nil {
		return nil, ErrClosed
	}
	tx, err := pool.BeginTx(ctx, opts)
	d.Observe(ctx, err)
	return tx, err
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

type observedRow struct {
	row pgx.Row
	ctx context.Context
	db  *DB
}

func (r observedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	r.db.Observe(r.ctx, err)
	return err
}

func (d *DB) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
}
