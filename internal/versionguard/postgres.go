package versionguard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/exactlyonce/internal/store"
)

// Codec maps T onto one table. Columns are the mutable columns Swap writes,
// in the order Values returns them. Scan receives the Select columns followed
// by version.
type Codec[T any] struct {
	Table     string
	Key       string
	Select    []string
	Columns   []string
	Scan      func(row pgx.Row) (T, int64, error)
	Values    func(T) []any
	TouchedAt string
}

// PgStore is a Store over a single Postgres table with a version column.
type PgStore[T any] struct {
	q       store.Querier
	codec   Codec[T]
	loadSQL string
	swapSQL string
}

func NewPgStore[T any](q store.Querier, c Codec[T]) *PgStore[T] {
	if c.Key == "" {
		c.Key = "id"
	}
	ident := func(s string) string { return pgx.Identifier{s}.Sanitize() }

	sel := make([]string, 0, len(c.Select)+1)
	for _, col := range c.Select {
		sel = append(sel, ident(col))
	}
	sel = append(sel, "version")

	sets := make([]string, 0, len(c.Columns)+2)
	for i, col := range c.Columns {
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(col), i+1))
	}
	sets = append(sets, "version = version + 1")
	if c.TouchedAt != "" {
		sets = append(sets, ident(c.TouchedAt)+" = NOW()")
	}
	n := len(c.Columns)

	return &PgStore[T]{
		q:     q,
		codec: c,
		loadSQL: fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
			strings.Join(sel, ", "), ident(c.Table), ident(c.Key)),
		swapSQL: fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d AND version = $%d",
			ident(c.Table), strings.Join(sets, ", "), ident(c.Key), n+1, n+2),
	}
}

func (s *PgStore[T]) Load(ctx context.Context, key string) (T, int64, error) {
	v, version, err := s.codec.Scan(s.q.QueryRow(ctx, s.loadSQL, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return v, 0, store.ErrNotFound
	}
	return v, version, err
}

func (s *PgStore[T]) Swap(ctx context.Context, key string, expected int64, next T) (bool, error) {
	args := append(s.codec.Values(next), key, expected)
	tag, err := s.q.Exec(ctx, s.swapSQL, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
