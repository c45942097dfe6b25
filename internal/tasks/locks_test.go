package tasks

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestArtifactLocks_SamePathBlocks verifies that locking the same artifact blocks concurrent access.
func TestArtifactLocks_SamePathBlocks(t *testing.T) {
	locks := NewArtifactLocks()
	orderChan := make(chan int, 2)

	go func() {
		locks.Lock("build/regression.log")
		orderChan <- 1
		time.Sleep(50 * time.Millisecond)
		locks.Unlock("build/regression.log")
	}()

	time.Sleep(10 * time.Millisecond)

	// A differently spelled path to the same file shares the lock.
	go func() {
		locks.Lock("build/./regression.log")
		orderChan <- 2
		locks.Unlock("build/./regression.log")
	}()

	first := <-orderChan
	second := <-orderChan

	if first != 1 || second != 2 {
		t.Errorf("Expected order [1, 2], got [%d, %d]", first, second)
	}
}

// TestArtifactLocks_DifferentPathsConcurrent verifies that locking different artifacts doesn't block.
func TestArtifactLocks_DifferentPathsConcurrent(t *testing.T) {
	locks := NewArtifactLocks()
	var wg sync.WaitGroup
	var aLocked, bLocked atomic.Bool

	wg.Add(2)
	go func() {
		defer wg.Done()
		locks.Lock("a.log")
		aLocked.Store(true)
		time.Sleep(20 * time.Millisecond)
		locks.Unlock("a.log")
	}()
	go func() {
		defer wg.Done()
		locks.Lock("b.log")
		bLocked.Store(true)
		time.Sleep(20 * time.Millisecond)
		locks.Unlock("b.log")
	}()

	time.Sleep(10 * time.Millisecond)

	if !aLocked.Load() || !bLocked.Load() {
		t.Error("Both goroutines should have acquired their locks concurrently")
	}

	wg.Wait()
}

// TestArtifactLocks_LockAllOrdering verifies that LockAll sorts and prevents deadlocks.
func TestArtifactLocks_LockAllOrdering(t *testing.T) {
	locks := NewArtifactLocks()
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		locks.LockAll([]string{"b.yaml", "a.yaml"})
		time.Sleep(10 * time.Millisecond)
		locks.UnlockAll([]string{"b.yaml", "a.yaml"})
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		locks.LockAll([]string{"a.yaml", "b.yaml"})
		time.Sleep(10 * time.Millisecond)
		locks.UnlockAll([]string{"a.yaml", "b.yaml"})
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deadlock detected: LockAll did not prevent deadlock through ordering")
	}
}

// TestArtifactLocks_DuplicatePaths verifies a path listed twice is locked once.
func TestArtifactLocks_DuplicatePaths(t *testing.T) {
	locks := NewArtifactLocks()

	done := make(chan struct{})
	go func() {
		locks.LockAll([]string{"a.log", "a.log", "./a.log"})
		locks.UnlockAll([]string{"a.log", "a.log", "./a.log"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LockAll deadlocked on duplicate paths")
	}
}

func TestArtifactLocks_With(t *testing.T) {
	locks := NewArtifactLocks()
	var counter int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.With([]string{"results.yaml"}, func() error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 20 {
		t.Errorf("expected 20 serialized increments, got %d", counter)
	}

	// Empty sets are fine.
	if err := locks.With(nil, func() error { return nil }); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}
