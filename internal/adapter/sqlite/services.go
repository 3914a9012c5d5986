package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/identity"
	"github.com/portdaddy/portdaddy/internal/domain/portlease"
	"github.com/portdaddy/portdaddy/internal/port/database"
)

const leaseColumns = `id, project, stack, context, port, pid, agent_id, cmd, cwd, status, created_at, last_seen, expires_at, pair, metadata`

func scanLease(row interface {
	Scan(dest ...any) error
}) (portlease.Lease, error) {
	var l portlease.Lease
	var project, stack, context string
	var expiresAt sql.NullInt64
	if err := row.Scan(&l.ID, &project, &stack, &context, &l.Port, &l.PID, &l.AgentID, &l.Cmd, &l.Cwd,
		&l.Status, &l.CreatedAt, &l.LastSeen, &expiresAt, &l.Pair, &l.Metadata); err != nil {
		return portlease.Lease{}, err
	}
	l.Identity = identity.FromParts(project, stack, context)
	if expiresAt.Valid {
		v := expiresAt.Int64
		l.ExpiresAt = &v
	}
	return l, nil
}

func (s *Store) loadEndpoints(ctx context.Context, leaseID string) ([]portlease.Endpoint, error) {
	rows, err := s.reader().QueryContext(ctx, `SELECT env, url FROM service_endpoints WHERE service_id = ?`, leaseID)
	if err != nil {
		return nil, fmt.Errorf("load endpoints for %s: %w", leaseID, err)
	}
	defer rows.Close()

	var out []portlease.Endpoint
	for rows.Next() {
		var e portlease.Endpoint
		if err := rows.Scan(&e.Env, &e.URL); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetLease returns the lease for id, or ErrServiceNotFound.
func (s *Store) GetLease(ctx context.Context, id string) (*portlease.Lease, error) {
	row := s.reader().QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM services WHERE id = ? AND status != 'stopped'`, id)
	l, err := scanLease(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get lease %s: %w", id, domain.ErrServiceNotFound)
		}
		return nil, fmt.Errorf("get lease %s: %w", id, err)
	}
	eps, err := s.loadEndpoints(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	l.Endpoints = eps
	return &l, nil
}

// GetLeaseByPort returns the active lease holding port, or ErrServiceNotFound.
func (s *Store) GetLeaseByPort(ctx context.Context, port int) (*portlease.Lease, error) {
	row := s.reader().QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM services WHERE port = ? AND status != 'stopped'`, port)
	l, err := scanLease(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get lease by port %d: %w", port, domain.ErrServiceNotFound)
		}
		return nil, fmt.Errorf("get lease by port %d: %w", port, err)
	}
	return &l, nil
}

// InsertLease creates a new lease row. A unique-port or unique-identity
// constraint violation surfaces as domain.ErrConflict for the caller to
// retry its port scan against.
func (s *Store) InsertLease(ctx context.Context, l *portlease.Lease) error {
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO services (id, project, stack, context, port, pid, agent_id, cmd, cwd, status, created_at, last_seen, expires_at, pair, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Identity.Project, l.Identity.Stack, l.Identity.Context, l.Port, l.PID, l.AgentID, l.Cmd, l.Cwd,
		l.Status, l.CreatedAt, l.LastSeen, nullIf64(l.ExpiresAt), l.Pair, metaOrEmpty(l.Metadata))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert lease %s: %w", l.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert lease %s: %w", l.ID, err)
	}
	return nil
}

// RefreshLease bumps last_seen and optionally extends expires_at on a
// re-claim of the same identity.
func (s *Store) RefreshLease(ctx context.Context, id string, lastSeen int64, expiresAt *int64) error {
	res, err := s.writer().ExecContext(ctx,
		`UPDATE services SET last_seen = ?, expires_at = ? WHERE id = ? AND status != 'stopped'`,
		lastSeen, nullIf64(expiresAt), id)
	if err != nil {
		return fmt.Errorf("refresh lease %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("refresh lease %s: %w", id, domain.ErrServiceNotFound)
	}
	return nil
}

// DeleteLease removes exactly the lease row for id.
func (s *Store) DeleteLease(ctx context.Context, id string) error {
	if _, err := s.writer().ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete lease %s: %w", id, err)
	}
	return nil
}

// DeleteLeasesMatching deletes and returns every lease whose identity
// matches pattern (exact or glob, including an embedded "*" as SQL LIKE).
func (s *Store) DeleteLeasesMatching(ctx context.Context, pattern identity.Pattern) ([]portlease.Lease, error) {
	clause := identity.Glob(pattern)
	where := clause.ProjectSQL + " AND " + clause.StackSQL + " AND " + clause.ContextSQL
	args := argsOf(clause.ProjectArg, clause.StackArg, clause.ContextArg)

	rows, err := s.writer().QueryContext(ctx, `SELECT `+leaseColumns+` FROM services WHERE `+where+` AND status != 'stopped'`, args...)
	if err != nil {
		return nil, fmt.Errorf("find leases matching pattern: %w", err)
	}
	var matched []portlease.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		matched = append(matched, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(matched) == 0 {
		return nil, nil
	}
	ids := make([]any, 0, len(matched))
	placeholders := ""
	for i, l := range matched {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		ids = append(ids, l.ID)
	}
	if _, err := s.writer().ExecContext(ctx, `DELETE FROM services WHERE id IN (`+placeholders+`)`, ids...); err != nil {
		return nil, fmt.Errorf("delete matched leases: %w", err)
	}
	return matched, nil
}

// DeleteExpiredLeases deletes every lease whose expires_at has elapsed.
func (s *Store) DeleteExpiredLeases(ctx context.Context, now int64) ([]portlease.Lease, error) {
	rows, err := s.writer().QueryContext(ctx, `SELECT `+leaseColumns+` FROM services WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("find expired leases: %w", err)
	}
	var expired []portlease.Lease
	for rows.Next() {
		l, err := scanLease(rows)
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

	if _, err := s.writer().ExecContext(ctx, `DELETE FROM services WHERE expires_at IS NOT NULL AND expires_at <= ?`, now); err != nil {
		return nil, fmt.Errorf("delete expired leases: %w", err)
	}
	return expired, nil
}

// FindLeases lists leases matching the given filter. This is a read-only
// listing and does not run inside a transaction.
func (s *Store) FindLeases(ctx context.Context, f database.LeaseFilter) ([]portlease.Lease, error) {
	where := "status != 'stopped'"
	var args []any
	if f.Pattern != nil {
		clause := identity.Glob(*f.Pattern)
		where += " AND " + clause.ProjectSQL + " AND " + clause.StackSQL + " AND " + clause.ContextSQL
		args = append(args, argsOf(clause.ProjectArg, clause.StackArg, clause.ContextArg)...)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Port != 0 {
		where += " AND port = ?"
		args = append(args, f.Port)
	}
	if f.Expired {
		where += " AND expires_at IS NOT NULL AND expires_at <= ?"
		args = append(args, f.Now)
	}

	rows, err := s.reader().QueryContext(ctx, `SELECT `+leaseColumns+` FROM services WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("find leases: %w", err)
	}
	defer rows.Close()

	var out []portlease.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListLeasedPorts returns the set of currently-leased ports in [lo, hi].
func (s *Store) ListLeasedPorts(ctx context.Context, lo, hi int) (map[int]bool, error) {
	rows, err := s.reader().QueryContext(ctx, `SELECT port FROM services WHERE status != 'stopped' AND port BETWEEN ? AND ?`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("list leased ports: %w", err)
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, rows.Err()
}

// SetEndpoint upserts a (env, url) endpoint row for a lease.
func (s *Store) SetEndpoint(ctx context.Context, id, env, url string) error {
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO service_endpoints (service_id, env, url) VALUES (?, ?, ?)
		 ON CONFLICT (service_id, env) DO UPDATE SET url = excluded.url`,
		id, env, url)
	if err != nil {
		return fmt.Errorf("set endpoint %s/%s: %w", id, env, err)
	}
	return nil
}

// DeleteLeaseByPID deletes the active lease owned by pid, used by the
// sweeper when a liveness probe finds the owning process dead.
func (s *Store) DeleteLeaseByPID(ctx context.Context, pid int) (*portlease.Lease, error) {
	row := s.writer().QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM services WHERE pid = ? AND status != 'stopped' LIMIT 1`, pid)
	l, err := scanLease(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delete lease by pid %d: %w", pid, domain.ErrServiceNotFound)
		}
		return nil, fmt.Errorf("delete lease by pid %d: %w", pid, err)
	}
	if _, err := s.writer().ExecContext(ctx, `DELETE FROM services WHERE id = ?`, l.ID); err != nil {
		return nil, fmt.Errorf("delete lease %s: %w", l.ID, err)
	}
	return &l, nil
}

// ActiveLeaseCountForAgent counts active leases attributed to the given
// agent id at claim time, used by the Agent Registry's canClaimService
// quota check.
func (s *Store) ActiveLeaseCountForAgent(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM services WHERE agent_id = ? AND status != 'stopped'`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active leases for agent %s: %w", agentID, err)
	}
	return n, nil
}

func argsOf(vals ...string) []any {
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
