package sqlite

import (
	"context"
	"fmt"

	"github.com/portdaddy/portdaddy/internal/domain/activity"
)

// AppendActivity inserts an audit log row; the log is append-only.
func (s *Store) AppendActivity(ctx context.Context, e *activity.Entry) error {
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO activity_log (timestamp, type, agent_id, target, details, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Type, e.AgentID, e.Target, e.Details, metaOrEmpty(e.Metadata))
	if err != nil {
		return fmt.Errorf("append activity %s: %w", e.Type, err)
	}
	return nil
}

// ListActivity queries the log, filtering on type/agentID when non-empty
// and on the [since, until) timestamp window when non-zero.
func (s *Store) ListActivity(ctx context.Context, typeFilter, agentID string, since, until int64, limit int) ([]activity.Entry, error) {
	where := "1=1"
	var args []any
	if typeFilter != "" {
		where += " AND type = ?"
		args = append(args, typeFilter)
	}
	if agentID != "" {
		where += " AND agent_id = ?"
		args = append(args, agentID)
	}
	if since != 0 {
		where += " AND timestamp >= ?"
		args = append(args, since)
	}
	if until != 0 {
		where += " AND timestamp < ?"
		args = append(args, until)
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.reader().QueryContext(ctx,
		`SELECT id, timestamp, type, agent_id, target, details, metadata FROM activity_log
		 WHERE `+where+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []activity.Entry
	for rows.Next() {
		var e activity.Entry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.AgentID, &e.Target, &e.Details, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TrimActivity enforces the retention bounds: it deletes rows older than
// retentionCutoff, then (if the log still exceeds maxEntries) deletes the
// oldest excess rows, returning the total number removed.
func (s *Store) TrimActivity(ctx context.Context, maxEntries int, retentionCutoff int64) (int, error) {
	var total int64

	res, err := s.writer().ExecContext(ctx, `DELETE FROM activity_log WHERE timestamp < ?`, retentionCutoff)
	if err != nil {
		return 0, fmt.Errorf("trim activity by retention: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("trim activity by retention: %w", err)
	}
	total += n

	var count int
	if err := s.writer().QueryRowContext(ctx, `SELECT COUNT(*) FROM activity_log`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count activity rows: %w", err)
	}
	if maxEntries > 0 && count > maxEntries {
		excess := count - maxEntries
		res, err := s.writer().ExecContext(ctx,
			`DELETE FROM activity_log WHERE id IN (SELECT id FROM activity_log ORDER BY id ASC LIMIT ?)`, excess)
		if err != nil {
			return 0, fmt.Errorf("trim activity by max entries: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("trim activity by max entries: %w", err)
		}
		total += n
	}
	return int(total), nil
}
