package bridge

import (
	"sort"
	"sync"
)

// keyedMutex gives at-most-one-in-flight-per-record-identity. A sync locks
// every id it knows for the record (local and external); acquisition is in
// sorted key order so two syncs holding overlapping id sets cannot
// deadlock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	ch      chan struct{}
	waiters int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*lockEntry{}}
}

// Acquire blocks until every key is held and returns the release func.
// Duplicate and empty keys are ignored.
func (k *keyedMutex) Acquire(keys ...string) func() {
	unique := make([]string, 0, len(keys))
	seen := map[string]bool{}
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, key)
	}
	sort.Strings(unique)
	for _, key := range unique {
		k.lockKey(key)
	}
	return func() {
		for i := len(unique) - 1; i >= 0; i-- {
			k.unlockKey(unique[i])
		}
	}
}

func (k *keyedMutex) lockKey(key string) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.waiters++
	k.mu.Unlock()
	entry.ch <- struct{}{}
}

func (k *keyedMutex) unlockKey(key string) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		return
	}
	<-entry.ch
	entry.waiters--
	if entry.waiters == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
