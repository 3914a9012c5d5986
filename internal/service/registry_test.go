package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/portlease"
)

func TestClaimIsIdempotentForSamePID(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	reg := newTestRegistry(t, newTestStore(t), cfg)
	pid := os.Getpid()

	first, err := reg.Claim(ctx, "acme:api:main", "", pid, portlease.ClaimOptions{})
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if first.Existing {
		t.Fatal("first claim reported existing")
	}

	second, err := reg.Claim(ctx, "acme:api:main", "", pid, portlease.ClaimOptions{})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if !second.Existing {
		t.Fatal("second claim did not report existing")
	}
	if second.Port != first.Port {
		t.Fatalf("port changed across re-claim: %d -> %d", first.Port, second.Port)
	}
}

func TestClaimReclaimFromAnotherLivePID(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, newTestStore(t), testConfig())

	// Claim under this (live) process, then re-claim from a different pid:
	// the live owner keeps the lease and the caller sees existing=true.
	first, err := reg.Claim(ctx, "acme:api", "", os.Getpid(), portlease.ClaimOptions{})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	second, err := reg.Claim(ctx, "acme:api", "", os.Getpid()+1, portlease.ClaimOptions{})
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if !second.Existing || second.Port != first.Port {
		t.Fatalf("expected existing lease on port %d, got %+v", first.Port, second)
	}
}

func TestClaimValidation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Ports.Reserved = []int{42010}
	reg := newTestRegistry(t, newTestStore(t), cfg)
	pid := os.Getpid()

	tests := []struct {
		name string
		id   string
		pid  int
		opts portlease.ClaimOptions
		want error
	}{
		{"empty identity", "", pid, portlease.ClaimOptions{}, domain.ErrIdentityInvalid},
		{"wildcard identity", "acme:*", pid, portlease.ClaimOptions{}, domain.ErrIdentityInvalid},
		{"zero pid", "acme:api", 0, portlease.ClaimOptions{}, domain.ErrPIDInvalid},
		{"port below range", "acme:api", pid, portlease.ClaimOptions{PreferredPort: 41999}, domain.ErrPortOutOfRange},
		{"reserved port", "acme:api", pid, portlease.ClaimOptions{PreferredPort: 42010}, domain.ErrPortReserved},
		{"oversized metadata", "acme:api", pid, portlease.ClaimOptions{Metadata: bytes.Repeat([]byte("x"), portlease.MaxMetadataBytes+1)}, domain.ErrMetadataTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Claim(ctx, tt.id, "", tt.pid, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClaimExhaustsRange(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Ports.RangeStart = 42000
	cfg.Ports.RangeEnd = 42002
	reg := newTestRegistry(t, newTestStore(t), cfg)
	pid := os.Getpid()

	for _, id := range []string{"a:one", "a:two", "a:three"} {
		if _, err := reg.Claim(ctx, id, "", pid, portlease.ClaimOptions{}); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
	}
	_, err := reg.Claim(ctx, "a:four", "", pid, portlease.ClaimOptions{})
	if !errors.Is(err, domain.ErrPortExhausted) {
		t.Fatalf("got %v, want PORT_EXHAUSTED", err)
	}
}

func TestReleaseTwiceAndGlob(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, newTestStore(t), testConfig())
	pid := os.Getpid()

	if _, err := reg.Claim(ctx, "acme:api:main", "", pid, portlease.ClaimOptions{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := reg.Claim(ctx, "acme:web:main", "", pid, portlease.ClaimOptions{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := reg.Claim(ctx, "other:api", "", pid, portlease.ClaimOptions{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	res, err := reg.Release(ctx, "acme:*", false)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Released != 2 {
		t.Fatalf("released %d, want 2", res.Released)
	}

	res, err = reg.Release(ctx, "acme:*", false)
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if res.Released != 0 {
		t.Fatalf("second release removed %d rows", res.Released)
	}

	left, err := reg.Find(ctx, "", "", 0, false)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(left) != 1 || left[0].ID != "other:api" {
		t.Fatalf("unexpected survivors: %+v", left)
	}
}

func TestReleaseEmbeddedStarMatchesAsLike(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, newTestStore(t), testConfig())
	pid := os.Getpid()

	for _, id := range []string{"acme-api", "acme-web", "widgets"} {
		if _, err := reg.Claim(ctx, id, "", pid, portlease.ClaimOptions{}); err != nil {
			t.Fatalf("claim %s: %v", id, err)
		}
	}

	res, err := reg.Release(ctx, "acme-*", false)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Released != 2 {
		t.Fatalf("embedded-star release removed %d rows, want 2", res.Released)
	}
}

func TestReleaseExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	reg := newTestRegistry(t, store, testConfig())
	pid := os.Getpid()

	ttl := int64(1)
	if _, err := reg.Claim(ctx, "acme:api", "", pid, portlease.ClaimOptions{Expires: &ttl}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := reg.Claim(ctx, "acme:web", "", pid, portlease.ClaimOptions{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Advance the registry's clock beyond the 1 ms TTL.
	base := reg.now()
	reg.now = func() int64 { return base + 10 }

	res, err := reg.Release(ctx, "", true)
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if res.Released != 1 {
		t.Fatalf("expired release removed %d rows, want 1", res.Released)
	}
	if _, err := reg.Get(ctx, "acme:web"); err != nil {
		t.Fatalf("unexpired lease vanished: %v", err)
	}
}

func TestSetEndpointValidatesTarget(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, newTestStore(t), testConfig())

	if _, err := reg.Claim(ctx, "acme:api", "", os.Getpid(), portlease.ClaimOptions{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := reg.SetEndpoint(ctx, "acme:api", "staging", "https://staging.example.com"); err != nil {
		t.Fatalf("set endpoint: %v", err)
	}
	if err := reg.SetEndpoint(ctx, "ghost:api", "staging", "https://x.example.com"); !errors.Is(err, domain.ErrServiceNotFound) {
		t.Fatalf("got %v, want SERVICE_NOT_FOUND", err)
	}
	if err := reg.SetEndpoint(ctx, "acme:api", "staging", "not a url"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("got %v, want VALIDATION_ERROR", err)
	}

	lease, err := reg.Get(ctx, "acme:api")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(lease.Endpoints) != 1 || lease.Endpoints[0].Env != "staging" {
		t.Fatalf("endpoints: %+v", lease.Endpoints)
	}
}
