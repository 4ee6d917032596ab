package migrator

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunAll_CreatesSchema(t *testing.T) {
	db := openTestDB(t)
	if err := RunAll(context.Background(), db); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	for _, table := range []string{"accounts", "api_keys", "sessions", "usage_metrics"} {
		var name string
		err := db.QueryRowContext(context.Background(),
			`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %q not created: %v", table, err)
		}
	}
}

func TestRunAll_IsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := RunAll(ctx, db); err != nil {
		t.Fatalf("first RunAll: %v", err)
	}
	if err := RunAll(ctx, db); err != nil {
		t.Fatalf("second RunAll: %v", err)
	}
}

func TestTableExists(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	exists, err := tableExists(ctx, tx, "accounts")
	if err != nil {
		t.Fatalf("tableExists: %v", err)
	}
	if exists {
		t.Fatal("expected accounts to not exist before migration")
	}
}

func TestColumnExists_AfterMigration(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := RunAll(ctx, db); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	exists, err := columnExists(ctx, tx, "accounts", "token_remaining")
	if err != nil {
		t.Fatalf("columnExists: %v", err)
	}
	if !exists {
		t.Fatal("expected token_remaining column to exist")
	}

	exists, err = columnExists(ctx, tx, "accounts", "does_not_exist")
	if err != nil {
		t.Fatalf("columnExists: %v", err)
	}
	if exists {
		t.Fatal("expected does_not_exist column to be absent")
	}
}

func TestSessionsTable_RejectsInvalidKind(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := RunAll(ctx, db); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (account_id, session_id, kind, data) VALUES ('a', 's', 'BOGUS', '')`)
	if err == nil {
		t.Fatal("expected CHECK constraint violation for invalid kind")
	}
}
