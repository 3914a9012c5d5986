package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/portdaddy/portdaddy/internal/adapter/sqlite"
	"github.com/portdaddy/portdaddy/internal/config"
)

// setupStore opens a fresh on-disk SQLite database under t.TempDir, runs
// every migration against it, and returns a ready-to-use Store. Using a
// temp file rather than ":memory:" exercises the same WAL/busy_timeout
// pragmas the daemon runs with in production.
func setupStore(t *testing.T) (*sqlite.Store, *sqlite.DB) {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "port-registry.db")
	db, err := sqlite.Open(ctx, config.Storage{Path: path, ReadPoolSize: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := sqlite.RunMigrations(ctx, db.Write); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	return sqlite.NewStore(db), db
}
