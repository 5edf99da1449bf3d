package grouplock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLockerWithClient(client), mr
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	release, err := locker.Lock(ctx, "u1@2025-03-10")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !mr.Exists("grouplock:u1@2025-03-10") {
		t.Fatal("lease key missing after acquire")
	}

	release()
	if mr.Exists("grouplock:u1@2025-03-10") {
		t.Fatal("lease key still present after release")
	}

	// Released keys can be reacquired immediately.
	release2, err := locker.Lock(ctx, "u1@2025-03-10")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	release2()
}

func TestRedisLockerContention(t *testing.T) {
	locker, _ := newRedisLocker(t)
	ctx := context.Background()

	release, err := locker.Lock(ctx, "u1@2025-03-10")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		release2, err := locker.Lock(ctx, "u1@2025-03-10")
		if err != nil {
			t.Errorf("second lock: %v", err)
			return
		}
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lease")
	case <-time.After(100 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lease was not handed over after release")
	}
}

func TestRedisLockerStaleHolderCannotReleaseNewLease(t *testing.T) {
	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	staleRelease, err := locker.Lock(ctx, "u1@2025-03-10")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	// The holder stalls past its lease.
	mr.FastForward(16 * time.Second)
	if mr.Exists("grouplock:u1@2025-03-10") {
		t.Fatal("lease should have expired")
	}

	freshRelease, err := locker.Lock(ctx, "u1@2025-03-10")
	if err != nil {
		t.Fatalf("fresh lock: %v", err)
	}

	// The stale holder's release compares tokens and must leave the fresh
	// lease in place.
	staleRelease()
	if !mr.Exists("grouplock:u1@2025-03-10") {
		t.Fatal("stale holder deleted the fresh lease")
	}

	freshRelease()
	if mr.Exists("grouplock:u1@2025-03-10") {
		t.Fatal("fresh release left the lease behind")
	}
}

func TestRedisLockerMultiKeyReleasesAllOnFailure(t *testing.T) {
	locker, mr := newRedisLocker(t)

	release, err := locker.Lock(context.Background(), "b")
	if err != nil {
		t.Fatalf("lock b: %v", err)
	}
	defer release()

	// Acquiring {a, b} grabs a first (sorted order), then gives up on b when
	// the context expires; a must be released on the way out.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "a", "b"); err == nil {
		t.Fatal("expected context deadline error")
	}
	if mr.Exists("grouplock:a") {
		t.Fatal("partially acquired key was not released")
	}
}
