package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vicente-simoes/polymarket-copybot-sub000/storage"
)

func TestTryAcquireSingleHolder(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()

	a := NewManager(store, "chain-watcher", time.Minute, nil)
	b := NewManager(store, "chain-watcher", time.Minute, nil)

	ok, err := a.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if !ok {
		t.Fatal("expected a to acquire the lease")
	}

	ok, err = b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if ok {
		t.Fatal("expected b to be blocked while a holds the lease")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release a: %v", err)
	}

	ok, err = b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("acquire b after release: %v", err)
	}
	if !ok {
		t.Fatal("expected b to acquire after a released")
	}
	b.Release(ctx)
}

func TestStaleLeaseTakeover(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()

	now := time.Now()
	var mu sync.Mutex
	store.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	a := NewManager(store, "chain-watcher", time.Minute, nil)
	if ok, _ := a.TryAcquire(ctx); !ok {
		t.Fatal("expected a to acquire")
	}

	// Simulate a crashed holder: advance past the TTL without renewing.
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	b := NewManager(store, "chain-watcher", time.Minute, nil)
	ok, err := b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if !ok {
		t.Fatal("expected b to take over the stale lease")
	}

	lease, err := store.GetLease(ctx, "chain-watcher")
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if lease == nil || lease.Owner != b.Owner() {
		t.Fatalf("expected lease owned by b, got %+v", lease)
	}
	b.Release(ctx)
}

func TestReleaseAfterTakeoverIsNoop(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()

	now := time.Now()
	var mu sync.Mutex
	store.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	a := NewManager(store, "chain-watcher", time.Minute, nil)
	a.TryAcquire(ctx)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	b := NewManager(store, "chain-watcher", time.Minute, nil)
	if ok, _ := b.TryAcquire(ctx); !ok {
		t.Fatal("expected takeover")
	}

	// The superseded holder releasing must not evict the new owner.
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release a: %v", err)
	}

	lease, _ := store.GetLease(ctx, "chain-watcher")
	if lease == nil || lease.Owner != b.Owner() {
		t.Fatalf("expected lease still owned by b, got %+v", lease)
	}
	b.Release(ctx)
}

func TestTryAcquireIdempotentWhileHeld(t *testing.T) {
	store := storage.NewMemStore()
	ctx := context.Background()

	a := NewManager(store, "chain-watcher", time.Minute, nil)
	if ok, _ := a.TryAcquire(ctx); !ok {
		t.Fatal("first acquire failed")
	}
	if ok, _ := a.TryAcquire(ctx); !ok {
		t.Fatal("re-acquire by the holder should report held")
	}
	a.Release(ctx)
}
