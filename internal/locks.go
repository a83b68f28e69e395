package internal

import "sync"

// KeyedMutex serializes operations per key (workspace hash, session id)
// without any global lock: operations on disjoint keys never contend.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch     chan struct{}
	holder string
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *KeyedMutex) get(key string) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	return l
}

// Lock blocks until the key is held. holder is recorded for diagnostics.
func (k *KeyedMutex) Lock(key, holder string) {
	l := k.get(key)
	l.ch <- struct{}{}
	l.holder = holder
}

// TryLock acquires the key without blocking. On contention it returns a
// *ConcurrencyError naming the current holder.
func (k *KeyedMutex) TryLock(key, holder string) error {
	l := k.get(key)
	select {
	case l.ch <- struct{}{}:
		l.holder = holder
		return nil
	default:
		return &ConcurrencyError{Resource: key, Holder: l.holder}
	}
}

// Unlock releases the key.
func (k *KeyedMutex) Unlock(key string) {
	l := k.get(key)
	l.holder = ""
	select {
	case <-l.ch:
	default:
	}
}
