// Package sqlite provides the embedded SQLite connection pools and
// migration runner backing the daemon's single database file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/portdaddy/portdaddy/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB bundles the write latch (a single dedicated connection) with a
// separate multi-connection read pool, so long-poll and SSE listing
// traffic never queues behind mutating transactions.
type DB struct {
	Write *sql.DB
	Read  *sql.DB
}

// dsn builds the modernc.org/sqlite DSN for path, enabling WAL, foreign
// keys, and a busy timeout so concurrent readers never see SQLITE_BUSY
// under normal load.
func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
}

// Open opens the database file described by cfg, returning separate write
// and read pools. The write pool is capped at a single connection: that
// connection is the daemon's exclusive write latch, since the daemon is
// the sole writer process and modernc's SQLite driver does not
// multiplex writer transactions safely across connections under WAL.
func Open(ctx context.Context, cfg config.Storage) (*DB, error) {
	d := dsn(cfg.Path)

	write, err := sql.Open("sqlite", d)
	if err != nil {
		return nil, fmt.Errorf("open write handle: %w", err)
	}
	write.SetMaxOpenConns(1)
	write.SetMaxIdleConns(1)

	read, err := sql.Open("sqlite", d)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read handle: %w", err)
	}
	read.SetMaxOpenConns(cfg.ReadPoolSize)

	if err := write.PingContext(ctx); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("ping write handle: %w", err)
	}
	if err := read.PingContext(ctx); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("ping read handle: %w", err)
	}

	return &DB{Write: write, Read: read}, nil
}

// Close closes both pools.
func (d *DB) Close() error {
	werr := d.Write.Close()
	rerr := d.Read.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// RunMigrations applies all pending goose migrations from the embedded
// SQL files against the write handle.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// ReclaimOrphans deletes rows whose session or FK target no longer
// exists. Goose migrations and indexes already
// enforce (a) and (b); this statement runs once at startup after
// migrations apply.
func ReclaimOrphans(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`DELETE FROM session_files WHERE session_id NOT IN (SELECT id FROM sessions)`,
		`DELETE FROM session_notes WHERE session_id NOT IN (SELECT id FROM sessions)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("reclaim orphans: %w", err)
		}
	}
	return nil
}
