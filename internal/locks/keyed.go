// Package locks provides keyed mutual exclusion.
package locks

import (
	"sort"
	"sync"
)

// Keyed holds one mutex per key, so work on different keys runs
// concurrently while work on the same key is serialized. Runs lock their
// task slug; artifact writers lock the file they replace.
type Keyed struct {
	mu    sync.Mutex             // guards locks
	locks map[string]*sync.Mutex // per-key mutexes
}

// NewKeyed creates an empty lock set.
func NewKeyed() *Keyed {
	return &Keyed{
		locks: make(map[string]*sync.Mutex),
	}
}

func (k *Keyed) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}

// Lock acquires the mutex for key, creating it on first use.
func (k *Keyed) Lock(key string) {
	// Acquire outside the map lock so other keys are not held up.
	k.get(key).Lock()
}

// TryLock acquires the mutex for key only if it is free.
func (k *Keyed) TryLock(key string) bool {
	return k.get(key).TryLock()
}

// Unlock releases the mutex for key.
func (k *Keyed) Unlock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	k.mu.Unlock()

	if ok {
		l.Unlock()
	}
}

// LockAll acquires the mutexes for every key in sorted order, so two
// callers locking overlapping sets cannot deadlock.
func (k *Keyed) LockAll(keys []string) {
	for _, key := range sorted(keys) {
		k.Lock(key)
	}
}

// UnlockAll releases the mutexes for every key in reverse sorted order.
func (k *Keyed) UnlockAll(keys []string) {
	s := sorted(keys)
	for i := len(s) - 1; i >= 0; i-- {
		k.Unlock(s[i])
	}
}

func sorted(keys []string) []string {
	s := make([]string, len(keys))
	copy(s, keys)
	sort.Strings(s)
	return s
}
