package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"github.com/portdaddy/portdaddy/internal/config"
	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/identity"
	"github.com/portdaddy/portdaddy/internal/port/database"
)

// occupancyCacheTTL bounds how long a single OS-occupancy probe result is
// trusted before re-probing.
const occupancyCacheTTL = 2 * time.Second

// PortAllocator chooses a free port under the claim policy: preferred
// port first, then an ascending scan from a deterministic per-identity
// seed, skipping reserved, leased, and OS-occupied ports.
type PortAllocator struct {
	cfg   *config.Ports
	cache *ristretto.Cache[string, bool]
	group singleflight.Group

	// probe is swappable for tests; the default binds and closes a
	// loopback listener on the port.
	probe func(port int) bool
}

// NewPortAllocator creates a PortAllocator over the configured range.
func NewPortAllocator(cfg *config.Ports) (*PortAllocator, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, bool]{
		NumCounters: 1 << 14,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create occupancy cache: %w", err)
	}
	return &PortAllocator{cfg: cfg, cache: cache, probe: probeListen}, nil
}

func probeListen(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return true
	}
	l.Close()
	return false
}

// OSOccupied reports whether the OS currently holds port, consulting the
// short-TTL probe cache and coalescing concurrent probes for the same
// port into one listen-and-close syscall.
func (a *PortAllocator) OSOccupied(port int) bool {
	key := fmt.Sprintf("p%d", port)
	if v, ok := a.cache.Get(key); ok {
		return v
	}
	v, _, _ := a.group.Do(key, func() (any, error) {
		occupied := a.probe(port)
		a.cache.SetWithTTL(key, occupied, 1, occupancyCacheTTL)
		return occupied, nil
	})
	occupied, _ := v.(bool)
	return occupied
}

// seed hashes an identity into a deterministic scan offset within
// [0, hi-lo], so competing claims for different identities spread across
// the range instead of piling onto range_start.
func seed(id identity.Identity, lo, hi int) int {
	h := fnv.New32a()
	h.Write([]byte(id.String()))
	return int(h.Sum32() % uint32(hi-lo+1))
}

// Allocate picks a port for id inside tx per the claim policy. A
// preferred port outside the range or reserved is rejected outright; one
// that is merely leased or OS-occupied falls through to the scan, which
// runs ascending from the identity's seed, wrapping once. Exhaustion
// fails with PORT_EXHAUSTED.
func (a *PortAllocator) Allocate(ctx context.Context, tx database.Store, id identity.Identity, preferred, lo, hi int) (int, error) {
	if lo == 0 {
		lo = a.cfg.RangeStart
	}
	if hi == 0 {
		hi = a.cfg.RangeEnd
	}
	if lo < 1 || hi > 65535 || lo > hi {
		return 0, fmt.Errorf("port range [%d,%d]: %w", lo, hi, domain.ErrValidation)
	}

	reserved := make(map[int]bool, len(a.cfg.Reserved))
	for _, p := range a.cfg.Reserved {
		reserved[p] = true
	}

	leased, err := tx.ListLeasedPorts(ctx, lo, hi)
	if err != nil {
		return 0, err
	}

	if preferred != 0 {
		switch {
		case preferred < lo || preferred > hi:
			return 0, fmt.Errorf("preferred port %d outside [%d,%d]: %w", preferred, lo, hi, domain.ErrPortOutOfRange)
		case reserved[preferred]:
			return 0, fmt.Errorf("preferred port %d: %w", preferred, domain.ErrPortReserved)
		}
		// A leased or OS-occupied preferred port is not an error: the
		// claim falls through to the scan.
		if !leased[preferred] && !a.OSOccupied(preferred) {
			return preferred, nil
		}
	}

	span := hi - lo + 1
	start := lo + seed(id, lo, hi)
	for i := 0; i < span; i++ {
		p := start + i
		if p > hi {
			p = lo + (p - hi - 1)
		}
		if reserved[p] || leased[p] || a.OSOccupied(p) {
			continue
		}
		return p, nil
	}
	return 0, fmt.Errorf("no free port in [%d,%d]: %w", lo, hi, domain.ErrPortExhausted)
}

// PortState describes one port's occupancy for GET /ports/active.
type PortState struct {
	Port       int    `json:"port"`
	Leased     bool   `json:"leased"`
	LeaseID    string `json:"leaseId,omitempty"`
	PID        int    `json:"pid,omitempty"`
	Alive      bool   `json:"alive"`
	OSOccupied bool   `json:"osOccupied"`
}

// ActivePorts lists every leased port with its lease, owning-pid
// liveness, and OS occupancy.
func (a *PortAllocator) ActivePorts(ctx context.Context, store database.Store) ([]PortState, error) {
	leases, err := store.FindLeases(ctx, database.LeaseFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]PortState, 0, len(leases))
	for _, l := range leases {
		out = append(out, PortState{
			Port:       l.Port,
			Leased:     true,
			LeaseID:    l.ID,
			PID:        l.PID,
			Alive:      pidAlive(l.PID),
			OSOccupied: a.OSOccupied(l.Port),
		})
	}
	return out, nil
}
