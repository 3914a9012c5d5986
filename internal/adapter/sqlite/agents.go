package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/agent"
)

const agentColumns = `id, name, pid, type, registered_at, last_heartbeat, max_services, max_locks, project, stack, context, metadata`

func scanAgent(row interface{ Scan(dest ...any) error }) (agent.Agent, error) {
	var a agent.Agent
	if err := row.Scan(&a.ID, &a.Name, &a.PID, &a.Type, &a.RegisteredAt, &a.LastHeartbeat,
		&a.MaxServices, &a.MaxLocks, &a.Project, &a.Stack, &a.Context, &a.Metadata); err != nil {
		return agent.Agent{}, err
	}
	return a, nil
}

// GetAgent returns the agent row for id, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.reader().QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &a, nil
}

// UpsertAgent inserts a on first registration or refreshes its row on a
// repeat register() call, reporting which happened via inserted.
func (s *Store) UpsertAgent(ctx context.Context, a *agent.Agent) (inserted bool, err error) {
	var exists int
	if err := s.writer().QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?`, a.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check agent %s: %w", a.ID, err)
	}

	_, err = s.writer().ExecContext(ctx,
		`INSERT INTO agents (id, name, pid, type, registered_at, last_heartbeat, max_services, max_locks, project, stack, context, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, pid = excluded.pid, type = excluded.type,
		   last_heartbeat = excluded.last_heartbeat, max_services = excluded.max_services,
		   max_locks = excluded.max_locks, project = excluded.project, stack = excluded.stack,
		   context = excluded.context, metadata = excluded.metadata`,
		a.ID, a.Name, a.PID, a.Type, a.RegisteredAt, a.LastHeartbeat, a.MaxServices, a.MaxLocks,
		a.Project, a.Stack, a.Context, metaOrEmpty(a.Metadata))
	if err != nil {
		return false, fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return exists == 0, nil
}

// TouchHeartbeat updates last_heartbeat for id, reporting whether the
// agent already existed (existed=false triggers auto-registration by the
// caller).
func (s *Store) TouchHeartbeat(ctx context.Context, id string, now int64) (existed bool, err error) {
	res, err := s.writer().ExecContext(ctx, `UPDATE agents SET last_heartbeat = ? WHERE id = ?`, now, id)
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return n > 0, nil
}

// DeleteAgent removes the agent row for id. Removing the agent's locks is
// the caller's responsibility (DeleteLocksByOwner), kept separate so the
// service layer controls the transaction boundary.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.writer().ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}

// ListAgents lists agents, optionally filtered to those active as of now
// within liveMS.
func (s *Store) ListAgents(ctx context.Context, activeOnly bool, now, liveMS int64) ([]agent.Agent, error) {
	where := "1=1"
	var args []any
	if activeOnly {
		where = "(? - last_heartbeat) <= ?"
		args = append(args, now, liveMS)
	}
	rows, err := s.reader().QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE `+where+` ORDER BY registered_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListStaleAgents lists agents whose last_heartbeat is at least staleMS
// old as of now, used by the sweeper to feed the resurrection queue.
func (s *Store) ListStaleAgents(ctx context.Context, now, staleMS int64) ([]agent.Agent, error) {
	rows, err := s.reader().QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE (? - last_heartbeat) >= ? ORDER BY last_heartbeat`, now, staleMS)
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
