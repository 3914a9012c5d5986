package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/portdaddy/portdaddy/internal/config"
	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/activity"
	"github.com/portdaddy/portdaddy/internal/domain/agent"
	"github.com/portdaddy/portdaddy/internal/domain/identity"
	"github.com/portdaddy/portdaddy/internal/domain/webhook"
	"github.com/portdaddy/portdaddy/internal/port/database"
)

// maxAgentIDLen bounds agent ids per the data model (1-128 chars).
const maxAgentIDLen = 128

// AgentService tracks cooperating agents, their heartbeats, and their
// per-agent resource quotas.
type AgentService struct {
	store    database.Store
	cfg      *config.Agents
	activity *ActivityService
	hooks    *WebhookService
	now      func() int64
}

// NewAgentService creates an AgentService.
func NewAgentService(store database.Store, cfg *config.Agents, act *ActivityService, hooks *WebhookService) *AgentService {
	return &AgentService{store: store, cfg: cfg, activity: act, hooks: hooks, now: nowMS}
}

func validAgentID(id string) error {
	if id == "" || len(id) > maxAgentIDLen {
		return fmt.Errorf("agent id must be 1-%d chars: %w", maxAgentIDLen, domain.ErrValidation)
	}
	return nil
}

// Register upserts an agent row, reporting registered=true on first
// insert and false on a refresh. An optional identity string records the
// agent's (project, stack, context) scope.
func (s *AgentService) Register(ctx context.Context, id, identityStr string, opts agent.RegisterOptions) (registered bool, err error) {
	if err := validAgentID(id); err != nil {
		return false, err
	}

	a := &agent.Agent{
		ID:            id,
		Name:          opts.Name,
		PID:           opts.PID,
		Type:          opts.Type,
		RegisteredAt:  s.now(),
		LastHeartbeat: s.now(),
		MaxServices:   opts.MaxServices,
		MaxLocks:      opts.MaxLocks,
		Metadata:      opts.Metadata,
	}
	if identityStr != "" {
		ident, err := identity.Parse(identityStr, false)
		if err != nil {
			return false, err
		}
		a.Project, a.Stack, a.Context = ident.Project, ident.Stack, ident.Context
	}

	inserted, err := s.store.UpsertAgent(ctx, a)
	if err != nil {
		return false, err
	}
	if inserted {
		s.activity.Log(ctx, "agent_register", activity.LogOptions{AgentID: id, Details: opts.Name})
		s.hooks.Trigger(webhook.EventAgentRegister, map[string]any{"id": id, "name": opts.Name}, id)
	}
	return inserted, nil
}

// Heartbeat bumps last_heartbeat, auto-registering the agent if absent.
func (s *AgentService) Heartbeat(ctx context.Context, id string) error {
	if err := validAgentID(id); err != nil {
		return err
	}
	existed, err := s.store.TouchHeartbeat(ctx, id, s.now())
	if err != nil {
		return err
	}
	if !existed {
		_, err = s.Register(ctx, id, "", agent.RegisterOptions{})
	}
	return err
}

// Unregister deletes the agent row and every lock it owns, in one
// transaction.
func (s *AgentService) Unregister(ctx context.Context, id string) error {
	if err := validAgentID(id); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
		if _, err := tx.GetAgent(ctx, id); err != nil {
			return err
		}
		if _, err := tx.DeleteLocksByOwner(ctx, id); err != nil {
			return err
		}
		return tx.DeleteAgent(ctx, id)
	})
	if err != nil {
		return err
	}
	s.activity.Log(ctx, "agent_unregister", activity.LogOptions{AgentID: id})
	s.hooks.Trigger(webhook.EventAgentUnregister, map[string]any{"id": id}, id)
	return nil
}

// Get returns the agent row for id.
func (s *AgentService) Get(ctx context.Context, id string) (*agent.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// List lists agents, optionally restricted to those whose heartbeat is
// within the live window.
func (s *AgentService) List(ctx context.Context, activeOnly bool) ([]agent.Agent, error) {
	return s.store.ListAgents(ctx, activeOnly, s.now(), s.cfg.LiveMS.Milliseconds())
}

// CanClaimService checks the agent's service quota: the count of active
// leases stamped with the agent's id at claim time against max_services.
// Unknown agents and agents with no quota configured are always allowed.
func (s *AgentService) CanClaimService(ctx context.Context, agentID string) (agent.QuotaCheck, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, domain.ErrNotFound) {
		return agent.QuotaCheck{Allowed: true}, nil
	}
	if err != nil {
		return agent.QuotaCheck{}, err
	}
	if a.MaxServices <= 0 {
		return agent.QuotaCheck{Allowed: true}, nil
	}
	current, err := s.store.ActiveLeaseCountForAgent(ctx, agentID)
	if err != nil {
		return agent.QuotaCheck{}, err
	}
	return agent.QuotaCheck{Allowed: current < a.MaxServices, Current: current, Max: a.MaxServices}, nil
}

// CanAcquireLock checks the agent's lock quota symmetrically, counting
// locks whose owner is the agent id.
func (s *AgentService) CanAcquireLock(ctx context.Context, agentID string) (agent.QuotaCheck, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, domain.ErrNotFound) {
		return agent.QuotaCheck{Allowed: true}, nil
	}
	if err != nil {
		return agent.QuotaCheck{}, err
	}
	if a.MaxLocks <= 0 {
		return agent.QuotaCheck{Allowed: true}, nil
	}
	current, err := s.store.LockCountForOwner(ctx, agentID)
	if err != nil {
		return agent.QuotaCheck{}, err
	}
	return agent.QuotaCheck{Allowed: current < a.MaxLocks, Current: current, Max: a.MaxLocks}, nil
}
