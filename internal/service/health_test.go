package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/identity"
	"github.com/portdaddy/portdaddy/internal/domain/portlease"
	"github.com/portdaddy/portdaddy/internal/port/database"
)

// seedLease inserts a lease row directly, pointed at the given port.
func seedLease(t *testing.T, store database.Store, id string, port int) {
	t.Helper()
	ident, err := identity.Parse(id, false)
	if err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	now := time.Now().UnixMilli()
	lease := &portlease.Lease{
		Identity:  ident,
		ID:        id,
		Port:      port,
		PID:       os.Getpid(),
		Status:    portlease.StatusRunning,
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := store.InsertLease(context.Background(), lease); err != nil {
		t.Fatalf("insert lease: %v", err)
	}
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q: %v", portStr, err)
	}
	return port
}

func TestCheckHealthy(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	seedLease(t, store, "acme:api", serverPort(t, srv))

	prober := NewHealthProber(store, &cfg.Health, &cfg.Breaker)
	res, err := prober.Check(ctx, "acme:api")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Healthy || res.Status != http.StatusOK {
		t.Fatalf("result: %+v", res)
	}
}

func TestCheckUnknownService(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	prober := NewHealthProber(newTestStore(t), &cfg.Health, &cfg.Breaker)

	if _, err := prober.Check(ctx, "ghost:api"); !errors.Is(err, domain.ErrServiceNotFound) {
		t.Fatalf("got %v, want SERVICE_NOT_FOUND", err)
	}
}

func TestWaitForTimesOut(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Health.PollInterval = 10 * time.Millisecond
	cfg.Health.ProbeTimeout = 100 * time.Millisecond
	store := newTestStore(t)

	// A lease whose port nobody listens on: every probe fails.
	seedLease(t, store, "acme:api", 1)

	prober := NewHealthProber(store, &cfg.Health, &cfg.Breaker)
	_, err := prober.WaitFor(ctx, "acme:api", 50*time.Millisecond)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("got %v, want TIMEOUT", err)
	}
}

func TestWaitForAllAggregates(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Health.PollInterval = 10 * time.Millisecond
	cfg.Health.ProbeTimeout = 100 * time.Millisecond
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	seedLease(t, store, "acme:up", serverPort(t, srv))
	seedLease(t, store, "acme:down", 1)

	prober := NewHealthProber(store, &cfg.Health, &cfg.Breaker)
	res, err := prober.WaitForAll(ctx, []string{"acme:up", "acme:down"}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("wait all: %v", err)
	}
	if res.Requested != 2 || res.Resolved != 1 || !res.TimedOut {
		t.Fatalf("aggregate: %+v", res)
	}
}

func TestWaitForAllCapsIDs(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	prober := NewHealthProber(newTestStore(t), &cfg.Health, &cfg.Breaker)

	ids := make([]string, cfg.Health.MaxWaitAll+1)
	for i := range ids {
		ids[i] = "a:b"
	}
	if _, err := prober.WaitForAll(ctx, ids, time.Second); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("got %v, want VALIDATION_ERROR", err)
	}
}
