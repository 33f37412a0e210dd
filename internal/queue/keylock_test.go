package queue

import (
	"sync"
	"testing"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	k := newKeyLock()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("b1")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("%d holders at once", maxSeen)
	}
	if len(k.locks) != 0 {
		t.Fatalf("entries leaked: %d", len(k.locks))
	}
}

func TestKeyLockTryLock(t *testing.T) {
	k := newKeyLock()
	unlock := k.Lock("b1")
	if _, ok := k.TryLock("b1"); ok {
		t.Fatalf("TryLock succeeded on a held key")
	}
	other, ok := k.TryLock("b2")
	if !ok {
		t.Fatalf("TryLock failed on a free key")
	}
	other()
	unlock()
	again, ok := k.TryLock("b1")
	if !ok {
		t.Fatalf("TryLock failed after unlock")
	}
	again()
	if len(k.locks) != 0 {
		t.Fatalf("entries leaked: %d", len(k.locks))
	}
}
