package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/lock"
)

const lockColumns = `name, owner, pid, acquired_at, expires_at, metadata`

func scanLock(row interface{ Scan(dest ...any) error }) (lock.Lock, error) {
	var l lock.Lock
	if err := row.Scan(&l.Name, &l.Owner, &l.PID, &l.AcquiredAt, &l.ExpiresAt, &l.Metadata); err != nil {
		return lock.Lock{}, err
	}
	return l, nil
}

// GetLock returns the lock row for name regardless of expiry; callers
// (the Lock Manager) decide whether an expired row still counts as held.
func (s *Store) GetLock(ctx context.Context, name string) (*lock.Lock, error) {
	row := s.reader().QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE name = ?`, name)
	l, err := scanLock(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get lock %s: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get lock %s: %w", name, err)
	}
	return &l, nil
}

// UpsertLock inserts or overwrites the lock row for l.Name, used both for
// a fresh acquisition and for an idempotent re-acquire by the same owner.
func (s *Store) UpsertLock(ctx context.Context, l *lock.Lock) error {
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO locks (name, owner, pid, acquired_at, expires_at, metadata) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET owner = excluded.owner, pid = excluded.pid,
		   acquired_at = excluded.acquired_at, expires_at = excluded.expires_at, metadata = excluded.metadata`,
		l.Name, l.Owner, l.PID, l.AcquiredAt, l.ExpiresAt, metaOrEmpty(l.Metadata))
	if err != nil {
		return fmt.Errorf("upsert lock %s: %w", l.Name, err)
	}
	return nil
}

// DeleteLock removes the lock row for name.
func (s *Store) DeleteLock(ctx context.Context, name string) error {
	if _, err := s.writer().ExecContext(ctx, `DELETE FROM locks WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete lock %s: %w", name, err)
	}
	return nil
}

// ExtendLock bumps expires_at on the current holder's row, preserving
// acquired_at, as required by the extend() owner-fencing rule.
func (s *Store) ExtendLock(ctx context.Context, name string, expiresAt int64) error {
	res, err := s.writer().ExecContext(ctx, `UPDATE locks SET expires_at = ? WHERE name = ?`, expiresAt, name)
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("extend lock %s: %w", name, domain.ErrNotFound)
	}
	return nil
}

// ListLocks lists locks, optionally filtered by owner.
func (s *Store) ListLocks(ctx context.Context, owner string) ([]lock.Lock, error) {
	where := "1=1"
	var args []any
	if owner != "" {
		where = "owner = ?"
		args = append(args, owner)
	}
	rows, err := s.reader().QueryContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []lock.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteExpiredLocks deletes and returns every lock whose TTL has elapsed.
func (s *Store) DeleteExpiredLocks(ctx context.Context, now int64) ([]lock.Lock, error) {
	rows, err := s.writer().QueryContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE expires_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("find expired locks: %w", err)
	}
	var expired []lock.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := s.writer().ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, now); err != nil {
		return nil, fmt.Errorf("delete expired locks: %w", err)
	}
	return expired, nil
}

// DeleteLocksByOwner deletes and returns every lock held by owner, used
// when unregistering an agent or resolving a resurrection.
func (s *Store) DeleteLocksByOwner(ctx context.Context, owner string) ([]lock.Lock, error) {
	rows, err := s.writer().QueryContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE owner = ?`, owner)
	if err != nil {
		return nil, fmt.Errorf("find locks for owner %s: %w", owner, err)
	}
	var held []lock.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		held = append(held, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := s.writer().ExecContext(ctx, `DELETE FROM locks WHERE owner = ?`, owner); err != nil {
		return nil, fmt.Errorf("delete locks for owner %s: %w", owner, err)
	}
	return held, nil
}

// LockCountForOwner counts locks held by owner, used by the Agent
// Registry's canAcquireLock quota check.
func (s *Store) LockCountForOwner(ctx context.Context, owner string) (int, error) {
	var n int
	if err := s.reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM locks WHERE owner = ?`, owner).Scan(&n); err != nil {
		return 0, fmt.Errorf("count locks for owner %s: %w", owner, err)
	}
	return n, nil
}
