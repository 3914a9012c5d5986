package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/portdaddy/portdaddy/internal/config"
	"github.com/portdaddy/portdaddy/internal/domain/activity"
	"github.com/portdaddy/portdaddy/internal/domain/webhook"
	"github.com/portdaddy/portdaddy/internal/metrics"
	"github.com/portdaddy/portdaddy/internal/port/database"
)

// Sweeper is the periodic background maintenance task. Each step of
// a sweep runs in its own transaction so one failing step never blocks
// the rest.
type Sweeper struct {
	store        database.Store
	cfg          *config.Sweeper
	agentsCfg    *config.Agents
	activityCfg  *config.Activity
	registry     *RegistryService
	resurrection *ResurrectionService
	activity     *ActivityService
	hooks        *WebhookService
	now          func() int64
}

// NewSweeper creates a Sweeper.
func NewSweeper(store database.Store, cfg *config.Sweeper, agentsCfg *config.Agents, activityCfg *config.Activity,
	registry *RegistryService, res *ResurrectionService, act *ActivityService, hooks *WebhookService) *Sweeper {
	return &Sweeper{
		store:        store,
		cfg:          cfg,
		agentsCfg:    agentsCfg,
		activityCfg:  activityCfg,
		registry:     registry,
		resurrection: res,
		activity:     act,
		hooks:        hooks,
		now:          nowMS,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Step failures are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	// 1. Expired leases.
	if expired, err := s.store.DeleteExpiredLeases(ctx, now); err != nil {
		slog.Warn("sweep: expire leases", "error", err)
	} else {
		for _, l := range expired {
			metrics.ReleasesTotal.WithLabelValues("expired").Inc()
			s.activity.Log(ctx, "service_release", activity.LogOptions{
				Target:  l.ID,
				Details: fmt.Sprintf("lease expired, freed port %d", l.Port),
			})
			s.hooks.Trigger(webhook.EventServiceRelease, map[string]any{
				"id": l.ID, "port": l.Port, "reason": "expired",
			}, l.ID)
		}
	}

	// 2. Dead-pid leases (also releases the dead pid's locks).
	if _, err := s.registry.Cleanup(ctx); err != nil {
		slog.Warn("sweep: reap dead pids", "error", err)
	}

	// 3. Expired locks.
	if _, err := s.store.DeleteExpiredLocks(ctx, now); err != nil {
		slog.Warn("sweep: expire locks", "error", err)
	}

	// 4. Expired messages.
	if _, err := s.store.DeleteExpiredMessages(ctx, now); err != nil {
		slog.Warn("sweep: expire messages", "error", err)
	}

	// 5. Stale agents into the resurrection queue, their locks released.
	s.sweepStaleAgents(ctx, now)

	// 6. Activity retention.
	cutoff := now - s.activityCfg.Retention.Milliseconds()
	if _, err := s.store.TrimActivity(ctx, s.activityCfg.MaxEntries, cutoff); err != nil {
		slog.Warn("sweep: trim activity", "error", err)
	}

	metrics.SweeperRunsTotal.Inc()
}

func (s *Sweeper) sweepStaleAgents(ctx context.Context, now int64) {
	stale, err := s.store.ListStaleAgents(ctx, now, s.agentsCfg.StaleMS.Milliseconds())
	if err != nil {
		slog.Warn("sweep: list stale agents", "error", err)
		return
	}
	for _, a := range stale {
		enqueued, err := s.resurrection.Enqueue(ctx, a.ID, a.Project, a.Stack, a.Context)
		if err != nil {
			slog.Warn("sweep: enqueue stale agent", "agent", a.ID, "error", err)
			continue
		}
		if !enqueued {
			continue
		}
		if _, err := s.store.DeleteLocksByOwner(ctx, a.ID); err != nil {
			slog.Warn("sweep: release stale agent locks", "agent", a.ID, "error", err)
		}
		s.activity.Log(ctx, "agent_stale", activity.LogOptions{
			AgentID: a.ID,
			Details: fmt.Sprintf("no heartbeat for %dms", now-a.LastHeartbeat),
		})
		s.hooks.Trigger(webhook.EventAgentStale, map[string]any{"id": a.ID}, a.ID)
	}

	// stale_at already marks T_stale, so dead promotion waits the
	// remaining T_dead - T_stale.
	deadDelay := (s.agentsCfg.DeadMS - s.agentsCfg.StaleMS).Milliseconds()
	if deadDelay < 0 {
		deadDelay = 0
	}
	if _, err := s.resurrection.PromoteDead(ctx, deadDelay); err != nil {
		slog.Warn("sweep: promote dead entries", "error", err)
	}
}
