package idgen

import (
	"context"
	"sync"

	"github.com/punchamoorthee/exactlyonce/internal/store"
)

// Registry is the persistent record of issued IDs.
type Registry interface {
	// Reserve records id for entity and reports false if it was already issued.
	Reserve(ctx context.Context, entity Entity, id string) (bool, error)
	Exists(ctx context.Context, entity Entity, id string) (bool, error)
}

// Counter hands out the atomic counter strategy's sequence values.
type Counter interface {
	Next(ctx context.Context, entity Entity, day string) (int64, error)
}

type PgRegistry struct {
	q store.Querier
}

func NewPgRegistry(q store.Querier) *PgRegistry {
	return &PgRegistry{q: q}
}

func (r *PgRegistry) Reserve(ctx context.Context, entity Entity, id string) (bool, error) {
	tag, err := r.q.Exec(ctx,
		"INSERT INTO issued_ids (entity_type, id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		string(entity), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRegistry) Exists(ctx context.Context, entity Entity, id string) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM issued_ids WHERE entity_type = $1 AND id = $2)",
		string(entity), id).Scan(&ok)
	return ok, err
}

// PgCounter keeps one row per (entity, day) in id_sequences. The upsert is a
// single-row write, so concurrent callers never observe the same value.
type PgCounter struct {
	q store.Querier
}

func NewPgCounter(q store.Querier) *PgCounter {
	return &PgCounter{q: q}
}

func (c *PgCounter) Next(ctx context.Context, entity Entity, day string) (int64, error) {
	var v int64
	err := c.q.QueryRow(ctx, `
INSERT INTO id_sequences (entity_type, seq_day, value) VALUES ($1, $2, 1)
ON CONFLICT (entity_type, seq_day) DO UPDATE SET value = id_sequences.value + 1
RETURNING value`, string(entity), day).Scan(&v)
	return v, err
}

// MemoryRegistry is a process-local Registry for tests and single-node tools.
type MemoryRegistry struct {
	mu  sync.Mutex
	ids map[Entity]map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{ids: make(map[Entity]map[string]struct{})}
}

func (r *MemoryRegistry) Reserve(_ context.Context, entity Entity, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.ids[entity]
	if !ok {
		set = make(map[string]struct{})
		r.ids[entity] = set
	}
	if _, dup := set[id]; dup {
		return false, nil
	}
	set[id] = struct{}{}
	return true, nil
}

func (r *MemoryRegistry) Exists(_ context.Context, entity Entity, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[entity][id]
	return ok, nil
}

func (r *MemoryRegistry) Len(entity Entity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids[entity])
}

type MemoryCounter struct {
	mu   sync.Mutex
	next map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{next: make(map[string]int64)}
}

func (c *MemoryCounter) Next(_ context.Context, entity Entity, day string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := string(entity) + "/" + day
	c.next[k]++
	return c.next[k], nil
}
