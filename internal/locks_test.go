package internal

import (
	"errors"
	"sync"
	"testing"
)

func TestKeyedMutexTryLock(t *testing.T) {
	km := NewKeyedMutex()

	if err := km.TryLock("ws-a", "harvest"); err != nil {
		t.Fatalf("TryLock() on free key error = %v", err)
	}

	err := km.TryLock("ws-a", "sync")
	var concErr *ConcurrencyError
	if !errors.As(err, &concErr) {
		t.Fatalf("TryLock() on held key error = %v, want *ConcurrencyError", err)
	}
	if concErr.Holder != "harvest" {
		t.Errorf("Holder = %s, want harvest", concErr.Holder)
	}

	// Disjoint keys never contend.
	if err := km.TryLock("ws-b", "sync"); err != nil {
		t.Errorf("TryLock() on different key error = %v", err)
	}

	km.Unlock("ws-a")
	if err := km.TryLock("ws-a", "sync"); err != nil {
		t.Errorf("TryLock() after Unlock error = %v", err)
	}
}

func TestKeyedMutexSerializes(t *testing.T) {
	km := NewKeyedMutex()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("shared", "worker")
			counter++
			km.Unlock("shared")
		}()
	}
	wg.Wait()

	if counter != 20 {
		t.Errorf("counter = %d, want 20", counter)
	}
}
