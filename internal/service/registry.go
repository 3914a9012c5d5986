package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/activity"
	"github.com/portdaddy/portdaddy/internal/domain/identity"
	"github.com/portdaddy/portdaddy/internal/domain/portlease"
	"github.com/portdaddy/portdaddy/internal/domain/webhook"
	"github.com/portdaddy/portdaddy/internal/metrics"
	"github.com/portdaddy/portdaddy/internal/port/database"
	"github.com/portdaddy/portdaddy/internal/validate"
)

// claimRetries bounds the re-scan loop when a competing claim commits the
// same port first and the insert hits the unique-port constraint.
const claimRetries = 3

// RegistryService implements the service-lease lifecycle: claim,
// renew, release, expire, and endpoint pairing.
type RegistryService struct {
	store    database.Store
	alloc    *PortAllocator
	agents   *AgentService
	activity *ActivityService
	hooks    *WebhookService
	now      func() int64
}

// NewRegistryService creates a RegistryService.
func NewRegistryService(store database.Store, alloc *PortAllocator, agents *AgentService, act *ActivityService, hooks *WebhookService) *RegistryService {
	return &RegistryService{store: store, alloc: alloc, agents: agents, activity: act, hooks: hooks, now: nowMS}
}

// Claim allocates or refreshes the lease for id. A re-claim against an
// active lease whose owner is the same pid, or whose recorded pid is still
// alive, refreshes last_seen/expires_at and reports existing=true;
// otherwise the stale lease is replaced by a fresh allocation.
func (s *RegistryService) Claim(ctx context.Context, idStr, agentID string, pid int, opts portlease.ClaimOptions) (*portlease.ClaimResult, error) {
	id, err := identity.Parse(idStr, false)
	if err != nil {
		return nil, err
	}
	if err := validate.PID(pid); err != nil {
		return nil, err
	}
	if err := validate.MetadataSize(opts.Metadata, portlease.MaxMetadataBytes); err != nil {
		return nil, err
	}
	if opts.Expires != nil && *opts.Expires <= 0 {
		return nil, fmt.Errorf("expires must be a positive ttl in ms: %w", domain.ErrValidation)
	}

	if agentID != "" {
		check, err := s.agents.CanClaimService(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if !check.Allowed {
			return nil, fmt.Errorf("agent %s at %d/%d services: %w", agentID, check.Current, check.Max, domain.ErrQuotaExceeded)
		}
	}

	now := s.now()
	var expiresAt *int64
	if opts.Expires != nil {
		v := now + *opts.Expires
		expiresAt = &v
	}

	var res portlease.ClaimResult
	for attempt := 0; ; attempt++ {
		err := s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
			existing, err := tx.GetLease(ctx, id.String())
			switch {
			case err == nil:
				if existing.PID == pid || pidAlive(existing.PID) {
					if err := tx.RefreshLease(ctx, existing.ID, now, expiresAt); err != nil {
						return err
					}
					res = portlease.ClaimResult{ID: existing.ID, Port: existing.Port, Existing: true}
					return nil
				}
				// The recorded owner is dead: replace the lease.
				if err := tx.DeleteLease(ctx, existing.ID); err != nil {
					return err
				}
			case !errors.Is(err, domain.ErrServiceNotFound):
				return err
			}

			port, err := s.alloc.Allocate(ctx, tx, id, opts.PreferredPort, opts.RangeLo, opts.RangeHi)
			if err != nil {
				return err
			}
			lease := &portlease.Lease{
				Identity:  id,
				ID:        id.String(),
				Port:      port,
				PID:       pid,
				AgentID:   agentID,
				Cmd:       opts.Cmd,
				Cwd:       opts.Cwd,
				Status:    portlease.StatusAssigned,
				CreatedAt: now,
				LastSeen:  now,
				ExpiresAt: expiresAt,
				Pair:      opts.Pair,
				Metadata:  opts.Metadata,
			}
			if err := tx.InsertLease(ctx, lease); err != nil {
				return err
			}
			res = portlease.ClaimResult{ID: lease.ID, Port: port, Existing: false}
			return nil
		})
		if err == nil {
			break
		}
		// Another claim committed the same port first; re-scan.
		if errors.Is(err, domain.ErrConflict) && attempt < claimRetries {
			continue
		}
		return nil, err
	}

	metrics.ClaimsTotal.WithLabelValues(strconv.FormatBool(res.Existing)).Inc()
	if !res.Existing {
		s.activity.Log(ctx, "service_claim", activity.LogOptions{
			AgentID: agentID,
			Target:  res.ID,
			Details: fmt.Sprintf("claimed port %d (pid %d)", res.Port, pid),
		})
		s.hooks.Trigger(webhook.EventServiceClaim, map[string]any{
			"id": res.ID, "port": res.Port, "pid": pid,
		}, res.ID)
	}
	return &res, nil
}

// Release deletes leases. With expired=true every lease whose TTL has
// elapsed is removed; otherwise every lease matching the identity pattern
// (exact, bare "*" per segment, or embedded "*" as a SQL LIKE glob) is.
func (s *RegistryService) Release(ctx context.Context, pattern string, expired bool) (*portlease.ReleaseResult, error) {
	var removed []portlease.Lease
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
		var err error
		if expired {
			removed, err = tx.DeleteExpiredLeases(ctx, s.now())
			return err
		}
		pat, perr := identity.ParsePattern(pattern)
		if perr != nil {
			return perr
		}
		removed, err = tx.DeleteLeasesMatching(ctx, pat)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &portlease.ReleaseResult{Released: len(removed), ReleasedPorts: make([]int, 0, len(removed))}
	for _, l := range removed {
		res.ReleasedPorts = append(res.ReleasedPorts, l.Port)
		metrics.ReleasesTotal.WithLabelValues("release").Inc()
		s.activity.Log(ctx, "service_release", activity.LogOptions{
			Target:  l.ID,
			Details: fmt.Sprintf("released port %d", l.Port),
		})
		s.hooks.Trigger(webhook.EventServiceRelease, map[string]any{
			"id": l.ID, "port": l.Port,
		}, l.ID)
	}
	return res, nil
}

// Find lists leases matching pattern and the optional status/port/expired
// filters. Read-only; runs outside a transaction.
func (s *RegistryService) Find(ctx context.Context, pattern string, status portlease.Status, port int, expired bool) ([]portlease.Lease, error) {
	f := database.LeaseFilter{Status: status, Port: port, Expired: expired, Now: s.now()}
	if pattern != "" {
		pat, err := identity.ParsePattern(pattern)
		if err != nil {
			return nil, err
		}
		f.Pattern = &pat
	}
	return s.store.FindLeases(ctx, f)
}

// Get returns the lease for id with its endpoints.
func (s *RegistryService) Get(ctx context.Context, idStr string) (*portlease.Lease, error) {
	if _, err := identity.Parse(idStr, false); err != nil {
		return nil, err
	}
	return s.store.GetLease(ctx, idStr)
}

// SetEndpoint records a per-env URL for an existing lease.
func (s *RegistryService) SetEndpoint(ctx context.Context, idStr, env, url string) error {
	if err := validate.EnvName(env); err != nil {
		return err
	}
	if err := validate.URL(url); err != nil {
		return err
	}
	if _, err := s.store.GetLease(ctx, idStr); err != nil {
		return err
	}
	return s.store.SetEndpoint(ctx, idStr, env, url)
}

// Cleanup reaps leases whose owning pid is dead, releasing any locks the
// dead pid still held. It backs both POST /ports/cleanup and the
// sweeper's liveness pass, and returns the freed ports.
func (s *RegistryService) Cleanup(ctx context.Context) ([]int, error) {
	leases, err := s.store.FindLeases(ctx, database.LeaseFilter{})
	if err != nil {
		return nil, err
	}

	var freed []int
	for _, l := range leases {
		if l.PID <= 0 || pidAlive(l.PID) {
			continue
		}
		dead := l
		err := s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
			if _, err := tx.DeleteLeaseByPID(ctx, dead.PID); err != nil {
				if errors.Is(err, domain.ErrServiceNotFound) {
					return nil
				}
				return err
			}
			locks, err := tx.ListLocks(ctx, "")
			if err != nil {
				return err
			}
			for _, lk := range locks {
				if lk.PID == dead.PID {
					if err := tx.DeleteLock(ctx, lk.Name); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			slog.Warn("cleanup: reap failed", "lease", dead.ID, "pid", dead.PID, "error", err)
			continue
		}
		freed = append(freed, dead.Port)
		metrics.ReleasesTotal.WithLabelValues("pid_dead").Inc()
		s.activity.Log(ctx, "service_release", activity.LogOptions{
			Target:  dead.ID,
			Details: fmt.Sprintf("reaped dead pid %d, freed port %d", dead.PID, dead.Port),
		})
		s.hooks.Trigger(webhook.EventServiceRelease, map[string]any{
			"id": dead.ID, "port": dead.Port, "reason": "pid_dead",
		}, dead.ID)
	}
	return freed, nil
}
