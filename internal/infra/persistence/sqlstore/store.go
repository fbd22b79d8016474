// Package sqlstore implements the template persistence contract on top of
// database/sql. Each template is backed by its own dynamic table named after
// the template reference; a small side catalog records template bookkeeping,
// typed columns, accessions and archived files. Backends plug in through a
// Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"metacore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Dialect captures the SQL differences between supported backends.
type Dialect interface {
	Name() string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder(n int) string
	// SerialPrimaryKey is the column definition of an auto-assigned int64 key.
	SerialPrimaryKey() string
	// LockTemplate takes whatever lock keeps concurrent writers of the
	// template's table out until tx ends.
	LockTemplate(ctx context.Context, tx *sql.Tx, ref domain.TemplateRef) error
	IsUniqueViolation(err error) bool
}

// Schema returns the catalog DDL for the dialect.
func Schema(d Dialect) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS metadata_templates (
			kind TEXT NOT NULL,
			id BIGINT NOT NULL,
			study_id BIGINT NOT NULL,
			data_type TEXT NOT NULL DEFAULT '',
			investigation_type TEXT NOT NULL DEFAULT '',
			restrictions TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
		`CREATE TABLE IF NOT EXISTS template_columns (
			kind TEXT NOT NULL,
			template_id BIGINT NOT NULL,
			column_name TEXT NOT NULL,
			column_type TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (kind, template_id, column_name)
		)`,
		`CREATE TABLE IF NOT EXISTS template_accessions (
			kind TEXT NOT NULL,
			template_id BIGINT NOT NULL,
			accession_kind TEXT NOT NULL,
			sample_id TEXT NOT NULL,
			accession TEXT NOT NULL,
			PRIMARY KEY (kind, template_id, accession_kind, sample_id)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS template_filepaths (
			id %s,
			kind TEXT NOT NULL,
			template_id BIGINT NOT NULL,
			blob_key TEXT NOT NULL,
			file_kind TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`, d.SerialPrimaryKey()),
		`CREATE TABLE IF NOT EXISTS template_sequences (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		)`,
		`INSERT INTO template_sequences (name, value) VALUES ('prep', 0) ON CONFLICT (name) DO NOTHING`,
	}
}

// Store is a transactional template store over a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	engine  *domain.RulesEngine
	nowFn   func() time.Time
}

// New applies the catalog schema and returns a store using db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, engine *domain.RulesEngine) (*Store, error) {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	for _, stmt := range Schema(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: apply schema: %w", dialect.Name(), err)
		}
	}
	return &Store{
		db:      db,
		dialect: dialect,
		engine:  engine,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine { return s.engine }

// SetNowFunc overrides the clock used to stamp transactions.
func (s *Store) SetNowFunc(fn func() time.Time) { s.nowFn = fn }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction executes fn inside a database transaction. Rules are
// evaluated against the uncommitted state before commit; blocking
// violations roll everything back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (res domain.Result, err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Result{}, fmt.Errorf("%s: begin: %w", s.dialect.Name(), err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	tx := &transaction{
		reader: reader{ctx: ctx, tx: sqlTx, d: s.dialect},
		now:    s.nowFn().UTC(),
	}
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}
	if s.engine != nil {
		res, err = s.engine.Evaluate(ctx, tx, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return domain.Result{}, fmt.Errorf("%s: commit: %w", s.dialect.Name(), err)
	}
	committed = true
	return res, nil
}

// View executes fn against a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", s.dialect.Name(), err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	return fn(reader{ctx: ctx, tx: sqlTx, d: s.dialect})
}

// QuoteIdent quotes a table or column name. Names reaching the store have
// already been validated; quoting keeps reserved words usable regardless.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func closeRows(rows *sql.Rows, err *error) {
	if cerr := rows.Close(); cerr != nil && *err == nil {
		*err = cerr
	}
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
