package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/resurrection"
)

const resurrectionColumns = `agent_id, project, stack, context, last_purpose, last_session_id, stale_at, dead_at, status, new_agent_id`

func scanResurrection(row interface{ Scan(dest ...any) error }) (resurrection.Entry, error) {
	var e resurrection.Entry
	var deadAt sql.NullInt64
	if err := row.Scan(&e.AgentID, &e.Project, &e.Stack, &e.Context, &e.LastPurpose, &e.LastSessionID,
		&e.StaleAt, &deadAt, &e.Status, &e.NewAgentID); err != nil {
		return resurrection.Entry{}, err
	}
	if deadAt.Valid {
		v := deadAt.Int64
		e.DeadAt = &v
	}
	return e, nil
}

// UpsertResurrectionEntry inserts a new stale-agent entry or refreshes an
// existing one, used both by the sweeper's stale promotion and by claim()
// transitioning an entry to resurrecting.
func (s *Store) UpsertResurrectionEntry(ctx context.Context, e *resurrection.Entry) error {
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO resurrection_entries (agent_id, project, stack, context, last_purpose, last_session_id, stale_at, dead_at, status, new_agent_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id) DO UPDATE SET project = excluded.project, stack = excluded.stack,
		   context = excluded.context, last_purpose = excluded.last_purpose, last_session_id = excluded.last_session_id,
		   stale_at = excluded.stale_at, dead_at = excluded.dead_at, status = excluded.status, new_agent_id = excluded.new_agent_id`,
		e.AgentID, e.Project, e.Stack, e.Context, e.LastPurpose, e.LastSessionID, e.StaleAt,
		nullIf64(e.DeadAt), e.Status, e.NewAgentID)
	if err != nil {
		return fmt.Errorf("upsert resurrection entry %s: %w", e.AgentID, err)
	}
	return nil
}

// GetResurrectionEntry returns the entry for agentID, or ErrNotFound.
func (s *Store) GetResurrectionEntry(ctx context.Context, agentID string) (*resurrection.Entry, error) {
	row := s.reader().QueryRowContext(ctx, `SELECT `+resurrectionColumns+` FROM resurrection_entries WHERE agent_id = ?`, agentID)
	e, err := scanResurrection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get resurrection entry %s: %w", agentID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get resurrection entry %s: %w", agentID, err)
	}
	return &e, nil
}

// ListResurrectionEntries lists entries, optionally scoped to a project
// and/or stack prefix and/or restricted to pending (stale or dead) status.
func (s *Store) ListResurrectionEntries(ctx context.Context, project, stack string, pendingOnly bool) ([]resurrection.Entry, error) {
	where := "1=1"
	var args []any
	if project != "" {
		where += " AND project = ?"
		args = append(args, project)
	}
	if stack != "" {
		where += " AND stack = ?"
		args = append(args, stack)
	}
	if pendingOnly {
		where += " AND status IN ('stale', 'dead')"
	}
	rows, err := s.reader().QueryContext(ctx, `SELECT `+resurrectionColumns+` FROM resurrection_entries WHERE `+where+` ORDER BY stale_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("list resurrection entries: %w", err)
	}
	defer rows.Close()

	var out []resurrection.Entry
	for rows.Next() {
		e, err := scanResurrection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteResurrectionEntry removes the entry for agentID, used when a
// resurrection completes or is dismissed.
func (s *Store) DeleteResurrectionEntry(ctx context.Context, agentID string) error {
	if _, err := s.writer().ExecContext(ctx, `DELETE FROM resurrection_entries WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete resurrection entry %s: %w", agentID, err)
	}
	return nil
}

// PromoteStaleToDeadEntries transitions every "stale" entry whose stale_at
// is at least deadMS old as of now to "dead", stamping dead_at, and
// returns the promoted rows for webhook/activity notification.
func (s *Store) PromoteStaleToDeadEntries(ctx context.Context, now, deadMS int64) ([]resurrection.Entry, error) {
	rows, err := s.writer().QueryContext(ctx,
		`SELECT `+resurrectionColumns+` FROM resurrection_entries WHERE status = 'stale' AND (? - stale_at) >= ?`, now, deadMS)
	if err != nil {
		return nil, fmt.Errorf("find stale-to-dead entries: %w", err)
	}
	var candidates []resurrection.Entry
	for rows.Next() {
		e, err := scanResurrection(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(candidates) == 0 {
		return nil, nil
	}
	for i := range candidates {
		candidates[i].Status = resurrection.StatusDead
		candidates[i].DeadAt = &now
		if _, err := s.writer().ExecContext(ctx,
			`UPDATE resurrection_entries SET status = 'dead', dead_at = ? WHERE agent_id = ?`, now, candidates[i].AgentID); err != nil {
			return nil, fmt.Errorf("promote entry %s to dead: %w", candidates[i].AgentID, err)
		}
	}
	return candidates, nil
}
