package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/session"
)

const sessionColumns = `id, purpose, status, agent_id, created_at, updated_at, completed_at, worktree_id, metadata`

func scanSession(row interface{ Scan(dest ...any) error }) (session.Session, error) {
	var s session.Session
	var completedAt sql.NullInt64
	if err := row.Scan(&s.ID, &s.Purpose, &s.Status, &s.AgentID, &s.CreatedAt, &s.UpdatedAt,
		&completedAt, &s.WorktreeID, &s.Metadata); err != nil {
		return session.Session{}, err
	}
	if completedAt.Valid {
		v := completedAt.Int64
		s.CompletedAt = &v
	}
	return s, nil
}

// InsertSession creates a new session row.
func (s *Store) InsertSession(ctx context.Context, sess *session.Session) error {
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO sessions (id, purpose, status, agent_id, created_at, updated_at, completed_at, worktree_id, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Purpose, sess.Status, sess.AgentID, sess.CreatedAt, sess.UpdatedAt,
		nullIf64(sess.CompletedAt), sess.WorktreeID, metaOrEmpty(sess.Metadata))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession returns the session row for id, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.reader().QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get session %s: %w", id, domain.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

// UpdateSessionStatus transitions a session's status (active -> completed
// or abandoned) and stamps completed_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status session.Status, completedAt *int64) error {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE sessions SET status = ?, completed_at = ?, updated_at = COALESCE(?, updated_at) WHERE id = ?`,
		status, nullIf64(completedAt), completedAt, id)
	if err != nil {
		return fmt.Errorf("update session %s status: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update session %s status: %w", id, domain.ErrSessionNotFound)
	}
	return nil
}

// DeleteSession hard-deletes a session; ON DELETE CASCADE removes its
// file claims and notes.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.writer().ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delete session %s: %w", id, domain.ErrSessionNotFound)
	}
	return nil
}

// MostRecentActiveSessionForAgent implements the "implicit active session"
// lookup: the active session row for agentID with the largest updated_at.
func (s *Store) MostRecentActiveSessionForAgent(ctx context.Context, agentID string) (*session.Session, error) {
	row := s.reader().QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE agent_id = ? AND status = 'active'
		 ORDER BY updated_at DESC LIMIT 1`, agentID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("most recent active session for %s: %w", agentID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("most recent active session for %s: %w", agentID, err)
	}
	return &sess, nil
}

// InsertFileClaim inserts a new (session_id, file_path) claim row.
func (s *Store) InsertFileClaim(ctx context.Context, c *session.FileClaim) error {
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO session_files (session_id, file_path, claimed_at, released_at) VALUES (?, ?, ?, ?)`,
		c.SessionID, c.FilePath, c.ClaimedAt, nullIf64(c.ReleasedAt))
	if err != nil {
		return fmt.Errorf("insert file claim %s/%s: %w", c.SessionID, c.FilePath, err)
	}
	return nil
}

// ListFileClaims returns every claim row (held and historical) for a
// session, oldest first.
func (s *Store) ListFileClaims(ctx context.Context, sessionID string) ([]session.FileClaim, error) {
	rows, err := s.reader().QueryContext(ctx,
		`SELECT session_id, file_path, claimed_at, released_at FROM session_files
		 WHERE session_id = ? ORDER BY claimed_at, file_path`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list file claims for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []session.FileClaim
	for rows.Next() {
		var c session.FileClaim
		var releasedAt sql.NullInt64
		if err := rows.Scan(&c.SessionID, &c.FilePath, &c.ClaimedAt, &releasedAt); err != nil {
			return nil, err
		}
		if releasedAt.Valid {
			v := releasedAt.Int64
			c.ReleasedAt = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReleaseFileClaims sets released_at = now on every currently-held claim
// in sessionID matching one of paths.
func (s *Store) ReleaseFileClaims(ctx context.Context, sessionID string, paths []string, now int64) error {
	if len(paths) == 0 {
		return nil
	}
	placeholders := ""
	args := make([]any, 0, len(paths)+2)
	args = append(args, now, sessionID)
	for i, p := range paths {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, p)
	}
	_, err := s.writer().ExecContext(ctx,
		`UPDATE session_files SET released_at = ? WHERE session_id = ? AND released_at IS NULL AND file_path IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("release file claims for %s: %w", sessionID, err)
	}
	return nil
}

// ReleaseAllFileClaims sets released_at = now on every currently-held
// claim in sessionID, used when a session ends.
func (s *Store) ReleaseAllFileClaims(ctx context.Context, sessionID string, now int64) error {
	_, err := s.writer().ExecContext(ctx,
		`UPDATE session_files SET released_at = ? WHERE session_id = ? AND released_at IS NULL`, now, sessionID)
	if err != nil {
		return fmt.Errorf("release all file claims for %s: %w", sessionID, err)
	}
	return nil
}

// GetFileConflicts returns, for each path in paths currently claimed
// (released_at IS NULL) by a session whose status is active, the
// (path, sessionID) conflict pair. This is the primitive behind both the
// 409 FILE_CONFLICT check and getFileConflicts().
func (s *Store) GetFileConflicts(ctx context.Context, paths []string) ([]session.Conflict, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(paths))
	for i, p := range paths {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, p)
	}
	rows, err := s.reader().QueryContext(ctx,
		`SELECT sf.file_path, sf.session_id FROM session_files sf
		 JOIN sessions s ON s.id = sf.session_id
		 WHERE sf.released_at IS NULL AND s.status = 'active' AND sf.file_path IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("get file conflicts: %w", err)
	}
	defer rows.Close()

	var out []session.Conflict
	for rows.Next() {
		var c session.Conflict
		if err := rows.Scan(&c.Path, &c.SessionID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertNote appends a note to a session and returns its assigned id.
func (s *Store) InsertNote(ctx context.Context, n *session.Note) (int64, error) {
	res, err := s.writer().ExecContext(ctx,
		`INSERT INTO session_notes (session_id, content, type, created_at) VALUES (?, ?, ?, ?)`,
		n.SessionID, n.Content, n.Type, n.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert note on %s: %w", n.SessionID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert note on %s: %w", n.SessionID, err)
	}
	return id, nil
}

// ReparentSession reassigns every session owned by oldAgentID to
// newAgentID, used by resurrection's complete() to hand in-flight work to
// a replacement agent.
func (s *Store) ReparentSession(ctx context.Context, oldAgentID, newAgentID string) error {
	_, err := s.writer().ExecContext(ctx, `UPDATE sessions SET agent_id = ? WHERE agent_id = ?`, newAgentID, oldAgentID)
	if err != nil {
		return fmt.Errorf("reparent sessions from %s to %s: %w", oldAgentID, newAgentID, err)
	}
	return nil
}
