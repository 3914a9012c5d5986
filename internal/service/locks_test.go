package service

import (
	"context"
	"errors"
	"testing"

	"github.com/portdaddy/portdaddy/internal/domain"
)

func newTestLocks(t *testing.T) *LockService {
	t.Helper()
	cfg := testConfig()
	store := newTestStore(t)
	hooks := newTestHooks(t, store, cfg)
	act := NewActivityService(store)
	agents := NewAgentService(store, &cfg.Agents, act, hooks)
	return NewLockService(store, &cfg.Locks, agents, act, hooks)
}

func TestLockFencing(t *testing.T) {
	ctx := context.Background()
	locks := newTestLocks(t)

	first, err := locks.Acquire(ctx, "migrate", "A", 0, 60_000, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = locks.Acquire(ctx, "migrate", "B", 0, 60_000, nil)
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("got %v, want HeldError", err)
	}
	if held.Holder != "A" {
		t.Fatalf("holder %q, want A", held.Holder)
	}
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Fatal("HeldError does not unwrap to LOCK_HELD")
	}

	// Same-owner re-acquire refreshes TTL, preserves acquired_at.
	refreshed, err := locks.Acquire(ctx, "migrate", "A", 0, 120_000, nil)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if refreshed.AcquiredAt != first.AcquiredAt {
		t.Fatal("re-acquire moved acquired_at")
	}
	if refreshed.ExpiresAt < first.ExpiresAt {
		t.Fatal("re-acquire did not refresh expires_at")
	}

	// Release fencing: wrong owner 403, force overrides.
	if _, err := locks.Release(ctx, "migrate", "B", false); !errors.Is(err, domain.ErrLockForbidden) {
		t.Fatalf("got %v, want LOCK_FORBIDDEN", err)
	}
	released, err := locks.Release(ctx, "migrate", "B", true)
	if err != nil || !released {
		t.Fatalf("forced release: released=%v err=%v", released, err)
	}
}

func TestLockExpiryAllowsTakeover(t *testing.T) {
	ctx := context.Background()
	locks := newTestLocks(t)

	if _, err := locks.Acquire(ctx, "deploy", "A", 0, 50, nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	base := locks.now()
	locks.now = func() int64 { return base + 100 }

	// Expired: reads as not held, and B may take it.
	if _, heldNow, err := locks.Get(ctx, "deploy"); err != nil || heldNow {
		t.Fatalf("expired lock still held (err=%v)", err)
	}
	taken, err := locks.Acquire(ctx, "deploy", "B", 0, 60_000, nil)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if taken.Owner != "B" {
		t.Fatalf("owner %q after takeover", taken.Owner)
	}
}

func TestLockExtend(t *testing.T) {
	ctx := context.Background()
	locks := newTestLocks(t)

	l, err := locks.Acquire(ctx, "migrate", "A", 0, 60_000, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ext, err := locks.Extend(ctx, "migrate", "A", 120_000)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ext.ExpiresAt <= l.ExpiresAt {
		t.Fatal("extend did not advance expires_at")
	}
	if ext.AcquiredAt != l.AcquiredAt {
		t.Fatal("extend moved acquired_at")
	}

	// Non-owner extension while held is fenced off.
	if _, err := locks.Extend(ctx, "migrate", "B", 60_000); !errors.Is(err, domain.ErrLockForbidden) {
		t.Fatalf("got %v, want LOCK_FORBIDDEN", err)
	}

	// Non-owner extension of an expired lock succeeds as a fresh
	// acquisition.
	base := locks.now()
	locks.now = func() int64 { return base + 200_000 }
	fresh, err := locks.Extend(ctx, "migrate", "B", 60_000)
	if err != nil {
		t.Fatalf("extend expired: %v", err)
	}
	if fresh.Owner != "B" || fresh.AcquiredAt != base+200_000 {
		t.Fatalf("fresh acquisition: %+v", fresh)
	}
}

func TestLockNameValidation(t *testing.T) {
	ctx := context.Background()
	locks := newTestLocks(t)

	for _, name := range []string{"", "has space", "way/off"} {
		if _, err := locks.Acquire(ctx, name, "A", 0, 0, nil); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("name %q: got %v, want VALIDATION_ERROR", name, err)
		}
	}
	// Colons and dots are legal lock-name characters.
	if _, err := locks.Acquire(ctx, "acme:db.migrate", "A", 0, 0, nil); err != nil {
		t.Fatalf("legal name rejected: %v", err)
	}
}
