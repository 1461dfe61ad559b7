package lock

import (
	"context"
	"sync"
	"time"
)

// keyedMutex is a map of per-key mutexes. Entries are reference counted and
// dropped once nobody holds or waits on them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) ref(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *keyedMutex) unref(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// lock waits up to timeout. A non-positive timeout tries once.
func (k *keyedMutex) lock(ctx context.Context, key string, timeout time.Duration) (func(), bool, error) {
	e := k.ref(key)
	release := func() {
		<-e.ch
		k.unref(key, e)
	}

	select {
	case e.ch <- struct{}{}:
		return release, true, nil
	default:
	}
	if timeout <= 0 {
		k.unref(key, e)
		return nil, false, nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case e.ch <- struct{}{}:
		return release, true, nil
	case <-t.C:
		k.unref(key, e)
		return nil, false, nil
	case <-ctx.Done():
		k.unref(key, e)
		return nil, false, ctx.Err()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
