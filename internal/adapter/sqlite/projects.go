package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/project"
)

const projectColumns = `id, root, type, config, services, last_scanned, created_at, metadata`

func scanProject(row interface{ Scan(dest ...any) error }) (project.Project, error) {
	var p project.Project
	var lastScanned sql.NullInt64
	if err := row.Scan(&p.ID, &p.Root, &p.Type, &p.Config, &p.Services, &lastScanned, &p.CreatedAt, &p.Metadata); err != nil {
		return project.Project{}, err
	}
	if lastScanned.Valid {
		v := lastScanned.Int64
		p.LastScanned = &v
	}
	return p, nil
}

// GetProject returns the project row for id, or ErrNotFound.
func (s *Store) GetProject(ctx context.Context, id string) (*project.Project, error) {
	row := s.reader().QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get project %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

// UpsertProject inserts a new project or overwrites an existing one by id.
func (s *Store) UpsertProject(ctx context.Context, p *project.Project) error {
	services := p.Services
	if len(services) == 0 {
		services = []byte("[]")
	}
	_, err := s.writer().ExecContext(ctx,
		`INSERT INTO projects (id, root, type, config, services, last_scanned, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET root = excluded.root, type = excluded.type, config = excluded.config,
		   services = excluded.services, last_scanned = excluded.last_scanned, metadata = excluded.metadata`,
		p.ID, p.Root, p.Type, metaOrEmpty(p.Config), services, nullIf64(p.LastScanned), p.CreatedAt, metaOrEmpty(p.Metadata))
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.ID, err)
	}
	return nil
}

// ListProjects lists every known project.
func (s *Store) ListProjects(ctx context.Context) ([]project.Project, error) {
	rows, err := s.reader().QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []project.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
