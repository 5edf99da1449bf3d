package grouplock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestGroupKey(t *testing.T) {
	if got := GroupKey("u1", "2025-03-10"); got != "u1@2025-03-10" {
		t.Fatalf("GroupKey = %q", got)
	}
}

func TestLocalLockerMutualExclusion(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var mu sync.Mutex
	var inCritical, maxInCritical int

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Lock(ctx, "u1@2025-03-10")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer release()

			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxInCritical != 1 {
		t.Fatalf("critical section held by %d goroutines at once", maxInCritical)
	}
}

func TestLocalLockerIndependentKeysDoNotBlock(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	release1, err := locker.Lock(ctx, "u1@2025-03-10")
	if err != nil {
		t.Fatalf("lock 1: %v", err)
	}
	defer release1()

	done := make(chan struct{})
	go func() {
		release2, err := locker.Lock(ctx, "u1@2025-03-11")
		if err != nil {
			t.Errorf("lock 2: %v", err)
			return
		}
		release2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("independent key blocked")
	}
}

func TestLocalLockerMultiKeyNoDeadlock(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	// Opposite acquisition orders; normalization sorts keys, so this must
	// not deadlock.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, err := locker.Lock(ctx, "a", "b")
			if err != nil {
				t.Errorf("lock a,b: %v", err)
				return
			}
			release()
		}()
		go func() {
			defer wg.Done()
			release, err := locker.Lock(ctx, "b", "a")
			if err != nil {
				t.Errorf("lock b,a: %v", err)
				return
			}
			release()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock between opposite acquisition orders")
	}
}

func TestLocalLockerDuplicateKeysCollapse(t *testing.T) {
	locker := NewLocalLocker()

	release, err := locker.Lock(context.Background(), "a", "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	release()
	// Double release must be safe.
	release()

	release2, err := locker.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	release2()
}

func TestLocalLockerHonorsContext(t *testing.T) {
	locker := NewLocalLocker()

	release, err := locker.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := locker.Lock(ctx, "a"); err == nil {
		t.Fatal("expected context deadline error")
	}
}
