package service

import (
	"context"
	"errors"
	"testing"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/identity"
	"github.com/portdaddy/portdaddy/internal/domain/portlease"
)

func mustParse(t *testing.T, s string) identity.Identity {
	t.Helper()
	id, err := identity.Parse(s, false)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return id
}

func TestSeedIsDeterministic(t *testing.T) {
	id := mustParse(t, "acme:api:main")
	a := seed(id, 3100, 9999)
	b := seed(id, 3100, 9999)
	if a != b {
		t.Fatalf("seed not deterministic: %d vs %d", a, b)
	}
	if a < 0 || a > 9999-3100 {
		t.Fatalf("seed %d outside range span", a)
	}
}

func TestAllocateSkipsReservedAndLeased(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Ports.RangeStart = 42000
	cfg.Ports.RangeEnd = 42003
	cfg.Ports.Reserved = []int{42001}
	store := newTestStore(t)
	alloc := newTestAllocator(t, &cfg.Ports)

	// Claim every port the scan can land on and verify the reserved one
	// is never handed out.
	reg := newTestRegistry(t, store, cfg)
	seen := make(map[int]bool)
	for _, name := range []string{"svc:a", "svc:b", "svc:c"} {
		res, err := reg.Claim(ctx, name, "", 1_000_000_000, portlease.ClaimOptions{})
		if err != nil {
			t.Fatalf("claim %s: %v", name, err)
		}
		if res.Port == 42001 {
			t.Fatal("reserved port allocated")
		}
		if seen[res.Port] {
			t.Fatalf("port %d allocated twice", res.Port)
		}
		seen[res.Port] = true
	}
	if _, err := alloc.Allocate(ctx, store, mustParse(t, "svc:d"), 0, 0, 0); !errors.Is(err, domain.ErrPortExhausted) {
		t.Fatalf("exhaustion: got %v", err)
	}
}

func TestAllocatePreferredFallsThroughWhenLeased(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Ports.RangeStart = 42000
	cfg.Ports.RangeEnd = 42001
	store := newTestStore(t)
	alloc := newTestAllocator(t, &cfg.Ports)
	reg := newTestRegistry(t, store, cfg)

	first, err := reg.Claim(ctx, "svc:a", "", 1_000_000_000, portlease.ClaimOptions{PreferredPort: 42000})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first.Port != 42000 {
		t.Fatalf("seed claim took %d", first.Port)
	}

	// Preferred port is leased: policy falls through to the scan, which
	// lands on the one remaining port.
	got, err := alloc.Allocate(ctx, store, mustParse(t, "svc:b"), 42000, 0, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got != 42001 {
		t.Fatalf("fall-through allocated %d, want 42001", got)
	}
}

func TestAllocatePreferredBoundaries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Ports.Reserved = []int{42005}
	store := newTestStore(t)
	alloc := newTestAllocator(t, &cfg.Ports)
	id := mustParse(t, "svc:a")

	if _, err := alloc.Allocate(ctx, store, id, cfg.Ports.RangeStart-1, 0, 0); !errors.Is(err, domain.ErrPortOutOfRange) {
		t.Fatalf("below range: got %v", err)
	}
	if _, err := alloc.Allocate(ctx, store, id, 42005, 0, 0); !errors.Is(err, domain.ErrPortReserved) {
		t.Fatalf("reserved: got %v", err)
	}
}

func TestAllocateSkipsOSOccupied(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Ports.RangeStart = 42000
	cfg.Ports.RangeEnd = 42001
	store := newTestStore(t)
	alloc, err := NewPortAllocator(&cfg.Ports)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	alloc.probe = func(port int) bool { return port == 42000 }

	got, err := alloc.Allocate(ctx, store, mustParse(t, "svc:a"), 0, 0, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got != 42001 {
		t.Fatalf("allocated OS-occupied port: %d", got)
	}
}
