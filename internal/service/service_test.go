package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/portdaddy/portdaddy/internal/adapter/sqlite"
	"github.com/portdaddy/portdaddy/internal/config"
	"github.com/portdaddy/portdaddy/internal/port/database"
)

// newTestStore opens a fresh on-disk database under t.TempDir with all
// migrations applied, mirroring the daemon's production pragmas.
func newTestStore(t *testing.T) database.Store {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "port-registry.db")
	db, err := sqlite.Open(ctx, config.Storage{Path: path, ReadPoolSize: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := sqlite.RunMigrations(ctx, db.Write); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return sqlite.NewStore(db)
}

// testConfig returns production defaults shrunk where a test would
// otherwise wait on real time.
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Ports.RangeStart = 42000
	cfg.Ports.RangeEnd = 42063
	cfg.Webhooks.DeliveryTimeout = time.Second
	return &cfg
}

// newTestAllocator returns an allocator whose OS probe always reports
// free, so tests exercise the policy, not the machine's port table.
func newTestAllocator(t *testing.T, cfg *config.Ports) *PortAllocator {
	t.Helper()
	alloc, err := NewPortAllocator(cfg)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	alloc.probe = func(int) bool { return false }
	return alloc
}

// newTestHooks returns a dispatcher that never leaves the process: its
// deliveries all target the closed vocabulary but no subscription exists.
func newTestHooks(t *testing.T, store database.Store, cfg *config.Config) *WebhookService {
	t.Helper()
	hooks := NewWebhookService(store, &cfg.Webhooks, &cfg.Breaker)
	t.Cleanup(hooks.Stop)
	return hooks
}

// newTestRegistry wires a full registry stack over one store.
func newTestRegistry(t *testing.T, store database.Store, cfg *config.Config) *RegistryService {
	t.Helper()
	hooks := newTestHooks(t, store, cfg)
	act := NewActivityService(store)
	agents := NewAgentService(store, &cfg.Agents, act, hooks)
	alloc := newTestAllocator(t, &cfg.Ports)
	return NewRegistryService(store, alloc, agents, act, hooks)
}
