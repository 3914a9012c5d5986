package service

import (
	"context"
	"testing"

	"github.com/portdaddy/portdaddy/internal/domain/activity"
	"github.com/portdaddy/portdaddy/internal/domain/agent"
	"github.com/portdaddy/portdaddy/internal/domain/lock"
	"github.com/portdaddy/portdaddy/internal/domain/message"
	"github.com/portdaddy/portdaddy/internal/port/database"
)

type sweepFixture struct {
	store   database.Store
	sweeper *Sweeper
	locks   *LockService
	agents  *AgentService
	res     *ResurrectionService
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	cfg := testConfig()
	store := newTestStore(t)
	hooks := newTestHooks(t, store, cfg)
	act := NewActivityService(store)
	agents := NewAgentService(store, &cfg.Agents, act, hooks)
	alloc := newTestAllocator(t, &cfg.Ports)
	registry := NewRegistryService(store, alloc, agents, act, hooks)
	locks := NewLockService(store, &cfg.Locks, agents, act, hooks)
	hub := NewMessaging(store, &cfg.Messaging, hooks)
	res := NewResurrectionService(store, hub)
	sw := NewSweeper(store, &cfg.Sweeper, &cfg.Agents, &cfg.Activity, registry, res, act, hooks)
	return &sweepFixture{store: store, sweeper: sw, locks: locks, agents: agents, res: res}
}

func TestSweepExpiresLocksAndMessages(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)

	now := f.sweeper.now()
	expired := &lock.Lock{Name: "gone", Owner: "A", AcquiredAt: now - 100, ExpiresAt: now - 1}
	if err := f.store.UpsertLock(ctx, expired); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	live := &lock.Lock{Name: "alive", Owner: "A", AcquiredAt: now, ExpiresAt: now + 60_000}
	if err := f.store.UpsertLock(ctx, live); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	past := now - 1
	if _, err := f.store.InsertMessage(ctx, &message.Message{Channel: "c", Payload: []byte("{}"), CreatedAt: now - 100, ExpiresAt: &past}); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	if _, err := f.store.InsertMessage(ctx, &message.Message{Channel: "c", Payload: []byte("{}"), CreatedAt: now}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	f.sweeper.Sweep(ctx)

	if _, held, err := f.locks.Get(ctx, "gone"); err != nil || held {
		t.Fatalf("expired lock survived sweep (held=%v err=%v)", held, err)
	}
	if _, held, err := f.locks.Get(ctx, "alive"); err != nil || !held {
		t.Fatalf("live lock swept (held=%v err=%v)", held, err)
	}
	msgs, err := f.store.ListMessages(ctx, "c", 0, 100)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("%d messages after sweep, want 1", len(msgs))
	}
}

func TestSweepFoldsStaleAgents(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)

	// Seed an agent whose heartbeat is far in the past, holding a lock.
	now := f.sweeper.now()
	old := now - 10*60_000
	stale := &agent.Agent{ID: "agent-x", Project: "acme", RegisteredAt: old, LastHeartbeat: old}
	if _, err := f.store.UpsertAgent(ctx, stale); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	held := &lock.Lock{Name: "deploy", Owner: "agent-x", AcquiredAt: now, ExpiresAt: now + 600_000}
	if err := f.store.UpsertLock(ctx, held); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	f.sweeper.Sweep(ctx)

	pending, err := f.res.Pending(ctx, "acme", "")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].AgentID != "agent-x" {
		t.Fatalf("resurrection queue: %+v", pending)
	}
	if _, heldNow, err := f.locks.Get(ctx, "deploy"); err != nil || heldNow {
		t.Fatalf("stale agent's lock survived (held=%v err=%v)", heldNow, err)
	}
}

func TestSweepTrimsActivity(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Activity.MaxEntries = 5
	store := newTestStore(t)
	hooks := newTestHooks(t, store, cfg)
	act := NewActivityService(store)
	agents := NewAgentService(store, &cfg.Agents, act, hooks)
	alloc := newTestAllocator(t, &cfg.Ports)
	registry := NewRegistryService(store, alloc, agents, act, hooks)
	hub := NewMessaging(store, &cfg.Messaging, hooks)
	sw := NewSweeper(store, &cfg.Sweeper, &cfg.Agents, &cfg.Activity,
		registry, NewResurrectionService(store, hub), act, hooks)

	for i := 0; i < 12; i++ {
		act.Log(ctx, "test_event", activity.LogOptions{Details: "n"})
	}

	sw.Sweep(ctx)

	entries, err := act.Recent(ctx, "", "", 0, 0, 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) > cfg.Activity.MaxEntries {
		t.Fatalf("%d entries after trim, cap %d", len(entries), cfg.Activity.MaxEntries)
	}
}
