// Package versionguard implements optimistic concurrency on a per-row version
// column. A write only lands if it targets the version the writer read.
package versionguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/exactlyonce/internal/metrics"
	"github.com/punchamoorthee/exactlyonce/internal/retry"
)

// ErrConflict means the retry bound was exceeded while other writers kept
// winning.
var ErrConflict = errors.New("version conflict")

// Store loads and conditionally writes one versioned row type.
type Store[T any] interface {
	Load(ctx context.Context, key string) (T, int64, error)
	// Swap writes next and bumps the version to expected+1 only if the row is
	// still at expected. Zero rows affected reports false.
	Swap(ctx context.Context, key string, expected int64, next T) (bool, error)
}

// Versioned values have their version field kept in sync with the row.
type Versioned interface {
	GetVersion() int64
	SetVersion(v int64)
}

// Result of one compare-and-swap. Value is the written state when Applied,
// otherwise the state that was read (zero if the swap itself lost the race).
type Result[T any] struct {
	Applied        bool
	NewVersion     int64
	CurrentVersion int64
	Value          T
}

type Guard[T any] struct {
	entity  string
	store   Store[T]
	policy  retry.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New returns a guard for entity. policy bounds Update; CompareAndSwap never
// retries.
func New[T any](entity string, s Store[T], policy retry.Policy, logger *slog.Logger, m *metrics.Metrics) *Guard[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy = retry.Jittered(4, 20*time.Millisecond, 250*time.Millisecond)
	}
	return &Guard[T]{
		entity:  entity,
		store:   s,
		policy:  policy,
		logger:  logger.With("component", "versionguard", "entity", entity),
		metrics: m,
	}
}

func (g *Guard[T]) Load(ctx context.Context, key string) (T, int64, error) {
	return g.store.Load(ctx, key)
}

// CompareAndSwap applies mutate only if the row is still at expected. A lost
// race is reported as Applied=false, never as an error. An error from mutate
// aborts without writing.
func (g *Guard[T]) CompareAndSwap(ctx context.Context, key string, expected int64, mutate func(*T) error) (Result[T], error) {
	value, version, err := g.store.Load(ctx, key)
	if err != nil {
		return Result[T]{}, err
	}
	if version != expected {
		g.metrics.ObserveCAS(g.entity, "stale")
		return Result[T]{CurrentVersion: version, Value: value}, nil
	}
	return g.swap(ctx, key, value, version, mutate)
}

func (g *Guard[T]) swap(ctx context.Context, key string, value T, version int64, mutate func(*T) error) (Result[T], error) {
	if err := mutate(&value); err != nil {
		g.metrics.ObserveCAS(g.entity, "aborted")
		return Result[T]{CurrentVersion: version, Value: value}, err
	}
	setVersion(&value, version+1)
	ok, err := g.store.Swap(ctx, key, version, value)
	if err != nil {
		g.metrics.ObserveCAS(g.entity, "error")
		return Result[T]{}, fmt.Errorf("swap %s %s@%d: %w", g.entity, key, version, err)
	}
	if !ok {
		g.metrics.ObserveCAS(g.entity, "conflict")
		var zero T
		return Result[T]{CurrentVersion: version, Value: zero}, nil
	}
	g.metrics.ObserveCAS(g.entity, "applied")
	return Result[T]{Applied: true, NewVersion: version + 1, CurrentVersion: version + 1, Value: value}, nil
}

// Update re-reads the row on every attempt, applies mutate to that fresh state
// and swaps. After the policy's attempts it returns ErrConflict.
func (g *Guard[T]) Update(ctx context.Context, key string, mutate func(*T) error) (Result[T], error) {
	var res Result[T]
	done, attempts, err := retry.Do(ctx, g.policy, func(attempt int) (bool, error) {
		value, version, err := g.store.Load(ctx, key)
		if err != nil {
			return false, err
		}
		res, err = g.swap(ctx, key, value, version, mutate)
		if err != nil {
			return false, err
		}
		if !res.Applied {
			g.logger.Debug("optimistic update lost race", "key", key, "version", version, "attempt", attempt)
		}
		return res.Applied, nil
	})
	if err != nil {
		return res, err
	}
	if !done {
		g.logger.Warn("optimistic update gave up", "key", key, "attempts", attempts)
		return res, fmt.Errorf("%w: %s %s after %d attempts", ErrConflict, g.entity, key, attempts)
	}
	return res, nil
}

func setVersion[T any](v *T, version int64) {
	if vv, ok := any(v).(Versioned); ok {
		vv.SetVersion(version)
	}
}
