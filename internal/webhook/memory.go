package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/punchamoorthee/exactlyonce/internal/store"
)

type MemoryStore struct {
	mu     sync.Mutex
	events map[string]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]Event)}
}

func memKey(provider, eventID string) string { return provider + "\x00" + eventID }

func (m *MemoryStore) Insert(_ context.Context, e Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(e.Provider, e.ExternalEventID)
	if _, ok := m.events[k]; ok {
		return false, nil
	}
	m.events[k] = e
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, provider, eventID string) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[memKey(provider, eventID)]
	if !ok {
		return Event{}, store.ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) transition(provider, eventID string, from []Status, apply func(*Event)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(provider, eventID)
	e, ok := m.events[k]
	if !ok {
		return false
	}
	for _, s := range from {
		if e.Status == s {
			apply(&e)
			m.events[k] = e
			return true
		}
	}
	return false
}

func (m *MemoryStore) Reclaim(_ context.Context, provider, eventID string, at time.Time) (bool, error) {
	return m.transition(provider, eventID, []Status{StatusFailed, StatusReceived}, func(e *Event) {
		e.Status = StatusProcessing
		e.Attempts++
		e.LastError = ""
		e.UpdatedAt = at
	}), nil
}

func (m *MemoryStore) Complete(_ context.Context, provider, eventID string, result json.RawMessage, at time.Time) (bool, error) {
	return m.transition(provider, eventID, []Status{StatusProcessing}, func(e *Event) {
		e.Status = StatusCompleted
		e.Result = append(json.RawMessage(nil), result...)
		e.UpdatedAt = at
		e.CompletedAt = &at
	}), nil
}

func (m *MemoryStore) Fail(_ context.Context, provider, eventID, reason string, at time.Time) (bool, error) {
	return m.transition(provider, eventID, []Status{StatusProcessing}, func(e *Event) {
		e.Status = StatusFailed
		e.LastError = reason
		e.UpdatedAt = at
	}), nil
}
