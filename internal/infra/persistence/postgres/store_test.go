package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"metacore/internal/infra/persistence/postgres/testutil"
	"metacore/pkg/domain"
)

func openStub(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func contains(stmts []string, fragment string) bool {
	for _, s := range stmts {
		if strings.Contains(s, fragment) {
			return true
		}
	}
	return false
}

func TestNewStoreAppliesCatalogSchema(t *testing.T) {
	_, conn := openStub(t)
	for _, fragment := range []string{
		"CREATE TABLE IF NOT EXISTS metadata_templates",
		"id BIGSERIAL PRIMARY KEY",
		"ON CONFLICT (name) DO NOTHING",
	} {
		if !contains(conn.Execs, fragment) {
			t.Fatalf("expected %q in schema, got %v", fragment, conn.Execs)
		}
	}
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore("postgres://example", nil); err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestNewStoreOpenFailure(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("no driver") })
	defer restore()
	if _, err := NewStore("", nil); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestLockTemplateIssuesTableLock(t *testing.T) {
	store, conn := openStub(t)
	conn.Results["FROM metadata_templates WHERE kind"] = testutil.Result{
		Columns: []string{"kind", "id", "study_id", "data_type", "investigation_type", "restrictions", "created_at", "updated_at"},
		Rows: [][]driver.Value{{
			"prep", int64(4), int64(1), "16S", "", "[]", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z",
		}},
	}
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.LockTemplate(domain.PrepTemplate(4))
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	if !contains(conn.Execs, `LOCK TABLE "prep_4" IN SHARE ROW EXCLUSIVE MODE`) {
		t.Fatalf("expected table lock, got %v", conn.Execs)
	}
	if !contains(conn.Queries, "kind = $1 AND id = $2") {
		t.Fatalf("expected numbered placeholders, got %v", conn.Queries)
	}
	if conn.Committed != 1 {
		t.Fatalf("expected one commit, got %d", conn.Committed)
	}
}

func TestUnknownTemplateRollsBack(t *testing.T) {
	store, conn := openStub(t)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.DropTemplate(domain.SampleTemplate(9))
	})
	if !domain.ErrUnknownID.Has(err) {
		t.Fatalf("expected unknown template, got %v", err)
	}
	if conn.Committed != 0 {
		t.Fatalf("expected no commit")
	}
	if contains(conn.Execs, "DROP TABLE") {
		t.Fatalf("nothing should be dropped: %v", conn.Execs)
	}
}

func TestDialect(t *testing.T) {
	d := Dialect{}
	if got := d.Placeholder(3); got != "$3" {
		t.Fatalf("Placeholder(3) = %q", got)
	}
	unique := &pgconn.PgError{Code: "23505"}
	if !d.IsUniqueViolation(fmt.Errorf("insert: %w", unique)) {
		t.Fatalf("expected wrapped unique violation detected")
	}
	if d.IsUniqueViolation(&pgconn.PgError{Code: "42P01"}) || d.IsUniqueViolation(errors.New("x")) {
		t.Fatalf("unexpected unique violation")
	}
}
