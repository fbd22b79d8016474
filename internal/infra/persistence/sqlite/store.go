// Package sqlite provides the embedded SQLite backend of the template store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"metacore/internal/infra/persistence/sqlstore"
	"metacore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store persists templates to a single SQLite database file.
type Store struct {
	*sqlstore.Store
	path string
}

// NewStore opens (creating when needed) the database at path.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = "metacore.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer; one connection serializes transactions
	// instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	store, err := sqlstore.New(ctx, db, Dialect{}, engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store, path: path}, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Dialect is the SQLite flavour of sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) SerialPrimaryKey() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

// LockTemplate is a no-op: the single connection already excludes every
// other writer for the lifetime of the transaction.
func (Dialect) LockTemplate(context.Context, *sql.Tx, domain.TemplateRef) error { return nil }

func (Dialect) IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	default:
		return false
	}
}
