package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/portdaddy/portdaddy/internal/domain/activity"
	"github.com/portdaddy/portdaddy/internal/port/database"
)

// ActivityService appends structured audit entries to the activity log
// and serves its query surface.
type ActivityService struct {
	store database.Store
	now   func() int64
}

// NewActivityService creates an ActivityService.
func NewActivityService(store database.Store) *ActivityService {
	return &ActivityService{store: store, now: nowMS}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// Log appends an entry. The log is not transactional with the action that
// produced it: a failed append never aborts the business mutation, it is
// reported on the process log and swallowed.
func (s *ActivityService) Log(ctx context.Context, entryType string, opts activity.LogOptions) {
	e := &activity.Entry{
		Timestamp: s.now(),
		Type:      entryType,
		AgentID:   opts.AgentID,
		Target:    opts.Target,
		Details:   opts.Details,
		Metadata:  opts.Metadata,
	}
	if err := s.store.AppendActivity(ctx, e); err != nil {
		slog.Error("activity append failed", "type", entryType, "error", err)
	}
}

// Recent lists the newest entries, optionally filtered by type, agent,
// and a [since, until) timestamp window.
func (s *ActivityService) Recent(ctx context.Context, typeFilter, agentID string, since, until int64, limit int) ([]activity.Entry, error) {
	return s.store.ListActivity(ctx, typeFilter, agentID, since, until, limit)
}

// Summary aggregates recent entries by type.
func (s *ActivityService) Summary(ctx context.Context, since int64) (map[string]int, error) {
	entries, err := s.store.ListActivity(ctx, "", "", since, 0, 10_000)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, e := range entries {
		out[e.Type]++
	}
	return out, nil
}
