package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/portdaddy/portdaddy/internal/config"
	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/activity"
	"github.com/portdaddy/portdaddy/internal/domain/lock"
	"github.com/portdaddy/portdaddy/internal/domain/webhook"
	"github.com/portdaddy/portdaddy/internal/metrics"
	"github.com/portdaddy/portdaddy/internal/port/database"
	"github.com/portdaddy/portdaddy/internal/validate"
)

// HeldError carries the current holder's details on a LOCK_HELD rejection
// so the 409 body can name the holder, since, and expiry.
type HeldError struct {
	Name      string
	Holder    string
	Since     int64
	ExpiresAt int64
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %s held by %s until %d", e.Name, e.Holder, e.ExpiresAt)
}

// Unwrap ties HeldError into the closed error vocabulary as LOCK_HELD.
func (e *HeldError) Unwrap() error { return domain.ErrLockHeld }

// LockService implements the per-name lock state machine:
// free -> held(owner, acquired_at, expires_at) -> free, fenced on owner.
type LockService struct {
	store    database.Store
	cfg      *config.Locks
	agents   *AgentService
	activity *ActivityService
	hooks    *WebhookService
	now      func() int64
}

// NewLockService creates a LockService.
func NewLockService(store database.Store, cfg *config.Locks, agents *AgentService, act *ActivityService, hooks *WebhookService) *LockService {
	return &LockService{store: store, cfg: cfg, agents: agents, activity: act, hooks: hooks, now: nowMS}
}

// Acquire takes the named lock for owner with the given ttl (ms; the
// configured default when zero). An unheld or expired lock is granted; a
// re-acquire by the current owner is idempotent and refreshes the TTL
// while preserving acquired_at; any other owner is rejected with the
// holder's details.
func (s *LockService) Acquire(ctx context.Context, name, owner string, pid int, ttlMS int64, metadata []byte) (*lock.Lock, error) {
	if err := validate.LockName(name); err != nil {
		return nil, err
	}
	if err := validate.NonEmpty("owner", owner); err != nil {
		return nil, err
	}
	if ttlMS <= 0 {
		ttlMS = s.cfg.DefaultTTL.Milliseconds()
	}

	if s.agents != nil && owner != "" {
		if check, err := s.agents.CanAcquireLock(ctx, owner); err == nil && !check.Allowed {
			return nil, fmt.Errorf("owner %s at %d/%d locks: %w", owner, check.Current, check.Max, domain.ErrQuotaExceeded)
		}
	}

	now := s.now()
	var granted lock.Lock
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
		cur, err := tx.GetLock(ctx, name)
		switch {
		case err == nil && !cur.Expired(now):
			if cur.Owner != owner {
				return &HeldError{Name: name, Holder: cur.Owner, Since: cur.AcquiredAt, ExpiresAt: cur.ExpiresAt}
			}
			// Idempotent re-acquire: refresh TTL, preserve acquired_at.
			granted = *cur
			granted.ExpiresAt = now + ttlMS
			granted.PID = pid
			return tx.UpsertLock(ctx, &granted)
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return err
		}

		granted = lock.Lock{
			Name:       name,
			Owner:      owner,
			PID:        pid,
			AcquiredAt: now,
			ExpiresAt:  now + ttlMS,
			Metadata:   metadata,
		}
		return tx.UpsertLock(ctx, &granted)
	})
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			metrics.LockAcquisitionsTotal.WithLabelValues("held").Inc()
		}
		return nil, err
	}

	metrics.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
	s.activity.Log(ctx, "lock_acquire", activity.LogOptions{
		AgentID: owner,
		Target:  name,
		Details: fmt.Sprintf("ttl %dms", ttlMS),
	})
	s.hooks.Trigger(webhook.EventLockAcquire, map[string]any{
		"name": name, "owner": owner, "expiresAt": granted.ExpiresAt,
	}, name)
	return &granted, nil
}

// Release frees the named lock. Only the stored owner may release it
// unless force is set; a missing lock releases zero rows without error.
func (s *LockService) Release(ctx context.Context, name, owner string, force bool) (released bool, err error) {
	if err := validate.LockName(name); err != nil {
		return false, err
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
		cur, err := tx.GetLock(ctx, name)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !force && cur.Owner != owner {
			return fmt.Errorf("lock %s owned by %s, not %s: %w", name, cur.Owner, owner, domain.ErrLockForbidden)
		}
		released = true
		return tx.DeleteLock(ctx, name)
	})
	if err != nil {
		return false, err
	}

	if released {
		s.activity.Log(ctx, "lock_release", activity.LogOptions{AgentID: owner, Target: name})
		s.hooks.Trigger(webhook.EventLockRelease, map[string]any{
			"name": name, "owner": owner, "force": force,
		}, name)
	}
	return released, nil
}

// Extend bumps expires_at = now + ttl for the current owner. An extend
// against an expired lock by a different owner succeeds as a fresh
// acquisition rather than failing.
func (s *LockService) Extend(ctx context.Context, name, owner string, ttlMS int64) (*lock.Lock, error) {
	if err := validate.LockName(name); err != nil {
		return nil, err
	}
	if ttlMS <= 0 {
		ttlMS = s.cfg.DefaultTTL.Milliseconds()
	}

	now := s.now()
	var out lock.Lock
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
		cur, err := tx.GetLock(ctx, name)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("extend lock %s: %w", name, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if cur.Owner != owner {
			if !cur.Expired(now) {
				return fmt.Errorf("lock %s owned by %s, not %s: %w", name, cur.Owner, owner, domain.ErrLockForbidden)
			}
			// Expired lock, new owner: treated as a fresh acquisition.
			out = lock.Lock{Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: now + ttlMS}
			return tx.UpsertLock(ctx, &out)
		}
		out = *cur
		out.ExpiresAt = now + ttlMS
		return tx.ExtendLock(ctx, name, out.ExpiresAt)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns the lock row for name, with held computed against now; a
// row whose TTL has elapsed reports held=false.
func (s *LockService) Get(ctx context.Context, name string) (l *lock.Lock, held bool, err error) {
	if err := validate.LockName(name); err != nil {
		return nil, false, err
	}
	cur, err := s.store.GetLock(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cur, !cur.Expired(s.now()), nil
}

// List lists locks, optionally filtered by owner.
func (s *LockService) List(ctx context.Context, owner string) ([]lock.Lock, error) {
	return s.store.ListLocks(ctx, owner)
}
