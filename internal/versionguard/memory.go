package versionguard

import (
	"context"
	"sync"

	"github.com/punchamoorthee/exactlyonce/internal/store"
)

// MemoryStore is a process-local Store. The mutex plays the role of the
// database's row-level write serialization.
type MemoryStore[T any] struct {
	mu   sync.Mutex
	rows map[string]memoryRow[T]
}

type memoryRow[T any] struct {
	value   T
	version int64
}

func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{rows: make(map[string]memoryRow[T])}
}

// Put inserts or overwrites a row unconditionally.
func (m *MemoryStore[T]) Put(key string, value T, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	setVersion(&value, version)
	m.rows[key] = memoryRow[T]{value: value, version: version}
}

func (m *MemoryStore[T]) Load(_ context.Context, key string) (T, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key]
	if !ok {
		var zero T
		return zero, 0, store.ErrNotFound
	}
	return r.value, r.version, nil
}

func (m *MemoryStore[T]) Swap(_ context.Context, key string, expected int64, next T) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[key]
	if !ok || r.version != expected {
		return false, nil
	}
	m.rows[key] = memoryRow[T]{value: next, version: expected + 1}
	return true, nil
}
