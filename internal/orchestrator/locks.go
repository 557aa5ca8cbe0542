// ABOUTME: Keyed mutexes serializing operations on the same service
// ABOUTME: Entries are reference counted and dropped when the last holder unlocks

package orchestrator

import "sync"

type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is held and returns the unlock function.
func (k *keyedLocker) Lock(key string) func() {
	l := k.acquire(key)
	l.mu.Lock()
	return func() { k.release(key, l) }
}

// TryLock takes key only if nobody holds it.
func (k *keyedLocker) TryLock(key string) (func(), bool) {
	l := k.acquire(key)
	if !l.mu.TryLock() {
		k.drop(key, l)
		return nil, false
	}
	return func() { k.release(key, l) }, true
}

func (k *keyedLocker) acquire(key string) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *keyedLocker) release(key string, l *keyedLock) {
	l.mu.Unlock()
	k.drop(key, l)
}

func (k *keyedLocker) drop(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedLocker) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
