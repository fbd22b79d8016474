// Package postgres provides the Postgres backend of the template store. Each
// template lives in its own table; structural changes take an explicit
// table lock so concurrent writers of the same template serialize.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"metacore/internal/infra/persistence/sqlstore"
	"metacore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/metacore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists templates to Postgres.
type Store struct {
	*sqlstore.Store
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN) and applies the catalog schema.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store, err := sqlstore.New(ctx, db, Dialect{}, engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: store}, nil
}

// Dialect is the Postgres flavour of sqlstore.Dialect.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Dialect) SerialPrimaryKey() string { return "BIGSERIAL PRIMARY KEY" }

// LockTemplate blocks other writers of the template's table while still
// letting readers through.
func (Dialect) LockTemplate(ctx context.Context, tx *sql.Tx, ref domain.TemplateRef) error {
	stmt := fmt.Sprintf(`LOCK TABLE %s IN SHARE ROW EXCLUSIVE MODE`, sqlstore.QuoteIdent(ref.TableName()))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("lock %s: %w", ref, err)
	}
	return nil
}

func (Dialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
