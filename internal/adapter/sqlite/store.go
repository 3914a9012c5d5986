// Package sqlite implements the database.Store port (internal/port/database)
// against the embedded modernc.org/sqlite engine: one write-latch connection
// plus a multi-connection read pool, both opened by Open in sqlite.go.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/portdaddy/portdaddy/internal/port/database"
)

// querier is satisfied by *sql.DB and *sql.Tx; Store methods are written
// against it so the same code path serves both the top-level Store and a
// Store bound to an in-flight transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements database.Store against the write/read connection pair
// opened by Open. A Store value is cheap to copy; WithTx hands callers a
// Store whose q field is bound to the transaction for the duration of fn.
type Store struct {
	db *DB
	q  querier
}

var _ database.Store = (*Store)(nil)

// NewStore wraps db as a database.Store.
func NewStore(db *DB) *Store {
	return &Store{db: db, q: db.Write}
}

// writer returns the querier mutations should run against: the bound
// transaction if one is in flight, else the write-latch connection.
func (s *Store) writer() querier {
	return s.q
}

// reader returns the querier read-only listings should run against: the
// bound transaction if one is in flight (so a caller inside WithTx sees its
// own uncommitted writes), else the read pool.
func (s *Store) reader() querier {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return s.q
	}
	return s.db.Read
}

// WithTx runs fn inside a single transaction opened on the write-latch
// connection. Any Store method fn calls on the tx-bound Store it receives
// participates in the same transaction; every mutation
// that spans more than one row or reads-then-writes goes through this.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx database.Store) error) error {
	tx, err := s.db.Write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txStore := &Store{db: s.db, q: tx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
