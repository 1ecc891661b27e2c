// Package lock provides keyed locks serializing mutations of one user.
package lock

import (
	"sort"
	"sync"
)

// KeyLock provides one mutex per key. Keys are user IDs.
type KeyLock struct {
	locks sync.Map // map[string]*sync.Mutex
}

// NewKeyLock creates a new KeyLock instance.
func NewKeyLock() *KeyLock {
	return &KeyLock{}
}

// getLock retrieves or creates the mutex for key.
func (kl *KeyLock) getLock(key string) *sync.Mutex {
	if v, ok := kl.locks.Load(key); ok {
		return v.(*sync.Mutex)
	}
	actual, _ := kl.locks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Lock acquires the lock for key.
func (kl *KeyLock) Lock(key string) {
	kl.getLock(key).Lock()
}

// Unlock releases the lock for key.
func (kl *KeyLock) Unlock(key string) {
	if v, ok := kl.locks.Load(key); ok {
		v.(*sync.Mutex).Unlock()
	}
}

// LockAll acquires the locks of all distinct keys in sorted order.
// Callers that lock more than one key must use it to avoid lock-order deadlocks.
func (kl *KeyLock) LockAll(keys ...string) []string {
	ordered := distinctSorted(keys)
	for _, k := range ordered {
		kl.Lock(k)
	}
	return ordered
}

// UnlockAll releases locks taken by LockAll.
func (kl *KeyLock) UnlockAll(ordered []string) {
	for i := len(ordered) - 1; i >= 0; i-- {
		kl.Unlock(ordered[i])
	}
}

// WithLock executes fn while holding the lock for key.
func (kl *KeyLock) WithLock(key string, fn func() error) error {
	kl.Lock(key)
	defer kl.Unlock(key)
	return fn()
}

// WithLocks executes fn while holding the locks of all keys.
func (kl *KeyLock) WithLocks(keys []string, fn func() error) error {
	ordered := kl.LockAll(keys...)
	defer kl.UnlockAll(ordered)
	return fn()
}

// isLocked reports whether key is currently held. Point-in-time only.
func (kl *KeyLock) isLocked(key string) bool {
	v, ok := kl.locks.Load(key)
	if !ok {
		return false
	}
	mu := v.(*sync.Mutex)
	if mu.TryLock() {
		mu.Unlock()
		return false
	}
	return true
}

func distinctSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
