package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/resurrection"
	"github.com/portdaddy/portdaddy/internal/port/database"
)

// resurrectionChannel is the pub/sub channel every queue transition is
// announced on.
const resurrectionChannel = "resurrection"

// ResurrectionService manages the queue of agents whose heartbeats lapsed
// long enough to be considered recoverable work.
type ResurrectionService struct {
	store database.Store
	hub   *Messaging
	now   func() int64
}

// NewResurrectionService creates a ResurrectionService.
func NewResurrectionService(store database.Store, hub *Messaging) *ResurrectionService {
	return &ResurrectionService{store: store, hub: hub, now: nowMS}
}

// announce publishes a transition on the resurrection channel. Publish
// failures are logged, never surfaced: the transition already committed.
func (s *ResurrectionService) announce(ctx context.Context, action, agentID string, extra map[string]any) {
	payload := map[string]any{"action": action, "agentId": agentID}
	for k, v := range extra {
		payload[k] = v
	}
	body, _ := json.Marshal(payload)
	if _, err := s.hub.Publish(ctx, resurrectionChannel, body, "daemon", 0); err != nil {
		slog.Warn("resurrection announce failed", "action", action, "agent", agentID, "error", err)
	}
}

// Pending lists stale and dead entries, optionally scoped by identity
// prefix.
func (s *ResurrectionService) Pending(ctx context.Context, project, stack string) ([]resurrection.Entry, error) {
	return s.store.ListResurrectionEntries(ctx, project, stack, true)
}

// List lists every entry regardless of status, with the same scoping.
func (s *ResurrectionService) List(ctx context.Context, project, stack string) ([]resurrection.Entry, error) {
	return s.store.ListResurrectionEntries(ctx, project, stack, false)
}

// Claim atomically transitions stale|dead -> resurrecting, reserving the
// dead agent's work for the caller.
func (s *ResurrectionService) Claim(ctx context.Context, agentID string) (*resurrection.Entry, error) {
	var out resurrection.Entry
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
		e, err := tx.GetResurrectionEntry(ctx, agentID)
		if err != nil {
			return err
		}
		if e.Status == resurrection.StatusResurrecting {
			return fmt.Errorf("entry %s already claimed: %w", agentID, domain.ErrConflict)
		}
		e.Status = resurrection.StatusResurrecting
		if err := tx.UpsertResurrectionEntry(ctx, e); err != nil {
			return err
		}
		out = *e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, "claimed", agentID, nil)
	return &out, nil
}

// Complete removes the entry and re-parents the dead agent's in-flight
// sessions (and with them their file claims) to newAgentID.
func (s *ResurrectionService) Complete(ctx context.Context, oldID, newID string) error {
	if newID == "" {
		return fmt.Errorf("newAgentId is required: %w", domain.ErrValidation)
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
		if _, err := tx.GetResurrectionEntry(ctx, oldID); err != nil {
			return err
		}
		if err := tx.ReparentSession(ctx, oldID, newID); err != nil {
			return err
		}
		if err := tx.DeleteAgent(ctx, oldID); err != nil {
			return err
		}
		return tx.DeleteResurrectionEntry(ctx, oldID)
	})
	if err != nil {
		return err
	}
	s.announce(ctx, "completed", oldID, map[string]any{"newAgentId": newID})
	return nil
}

// Abandon reverts a claimed entry to its prior status: dead when dead_at
// is stamped, stale otherwise.
func (s *ResurrectionService) Abandon(ctx context.Context, agentID string) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
		e, err := tx.GetResurrectionEntry(ctx, agentID)
		if err != nil {
			return err
		}
		if e.Status != resurrection.StatusResurrecting {
			return fmt.Errorf("entry %s is %s, not resurrecting: %w", agentID, e.Status, domain.ErrConflict)
		}
		if e.DeadAt != nil {
			e.Status = resurrection.StatusDead
		} else {
			e.Status = resurrection.StatusStale
		}
		e.NewAgentID = ""
		return tx.UpsertResurrectionEntry(ctx, e)
	})
	if err != nil {
		return err
	}
	s.announce(ctx, "abandoned", agentID, nil)
	return nil
}

// Dismiss deletes the entry without recovery.
func (s *ResurrectionService) Dismiss(ctx context.Context, agentID string) error {
	if _, err := s.store.GetResurrectionEntry(ctx, agentID); err != nil {
		return err
	}
	if err := s.store.DeleteResurrectionEntry(ctx, agentID); err != nil {
		return err
	}
	s.announce(ctx, "dismissed", agentID, nil)
	return nil
}

// Enqueue folds a stale agent into the queue, capturing its identity and
// its most recent active session's purpose. An agent already queued is
// left untouched so stale_at keeps measuring the original lapse.
func (s *ResurrectionService) Enqueue(ctx context.Context, agentID, project, stack, contextSeg string) (enqueued bool, err error) {
	if _, err := s.store.GetResurrectionEntry(ctx, agentID); err == nil {
		return false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}

	e := &resurrection.Entry{
		AgentID: agentID,
		Project: project,
		Stack:   stack,
		Context: contextSeg,
		StaleAt: s.now(),
		Status:  resurrection.StatusStale,
	}
	if sess, err := s.store.MostRecentActiveSessionForAgent(ctx, agentID); err == nil {
		e.LastPurpose = sess.Purpose
		e.LastSessionID = sess.ID
	}
	if err := s.store.UpsertResurrectionEntry(ctx, e); err != nil {
		return false, err
	}
	s.announce(ctx, "stale", agentID, map[string]any{"purpose": e.LastPurpose})
	return true, nil
}

// PromoteDead transitions entries stale long enough to dead, announcing
// each.
func (s *ResurrectionService) PromoteDead(ctx context.Context, deadMS int64) ([]resurrection.Entry, error) {
	promoted, err := s.store.PromoteStaleToDeadEntries(ctx, s.now(), deadMS)
	if err != nil {
		return nil, err
	}
	for _, e := range promoted {
		s.announce(ctx, "dead", e.AgentID, nil)
	}
	return promoted, nil
}
