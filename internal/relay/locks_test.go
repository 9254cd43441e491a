package relay

import (
	"sync"
	"testing"
)

func TestKeyedMutex_Exclusion(t *testing.T) {
	km := newKeyedMutex()

	const workers = 16
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				unlock := km.lock(1)
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	if counter != workers*100 {
		t.Errorf("Expected counter %d, got %d", workers*100, counter)
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := newKeyedMutex()

	unlock1 := km.lock(1)
	done := make(chan struct{})
	go func() {
		unlock2 := km.lock(2)
		unlock2()
		close(done)
	}()

	// Key 2 must not wait on key 1's holder.
	<-done
	unlock1()
}

func TestKeyedMutex_EntriesArePruned(t *testing.T) {
	km := newKeyedMutex()

	for key := int64(0); key < 50; key++ {
		unlock := km.lock(key)
		unlock()
	}

	km.mu.Lock()
	remaining := len(km.locks)
	km.mu.Unlock()

	if remaining != 0 {
		t.Errorf("Expected empty lock map, got %d entries", remaining)
	}
}
