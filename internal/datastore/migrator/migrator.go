// Package migrator applies the Datastore's schema as an ordered sequence of
// idempotent steps, each guarded by a precondition check so that re-running
// the whole sequence on an already-migrated database is a no-op.
package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Result is the outcome of running one migration's up step.
type Result string

const (
	Executed Result = "executed"
	Skipped  Result = "skipped"
	Failed   Result = "failed"
)

// Step is one named, idempotent schema change. Name follows the
// timestamp-prefixed convention (e.g. "20250101000000_create_accounts") so
// that the ordered slice in [steps] also sorts lexicographically.
type Step struct {
	Name string
	Up   func(ctx context.Context, tx *sql.Tx) (Result, error)
	Down func(ctx context.Context, tx *sql.Tx) error
}

// RunAll executes every step in [steps], in order, inside its own
// transaction, stopping at the first failure.
func RunAll(ctx context.Context, db *sql.DB) error {
	for _, step := range steps {
		result, err := runStep(ctx, db, step)
		if err != nil {
			return fmt.Errorf("migrator: %s: %w", step.Name, err)
		}
		slog.Info("migrator: step complete", "name", step.Name, "result", result)
	}
	return nil
}

func runStep(ctx context.Context, db *sql.DB, step Step) (Result, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Failed, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	result, err := step.Up(ctx, tx)
	if err != nil {
		return Failed, err
	}
	if result == Executed {
		if err := tx.Commit(); err != nil {
			return Failed, fmt.Errorf("commit: %w", err)
		}
		return Executed, nil
	}
	return Skipped, nil
}

// tableExists reports whether a table named name exists.
func tableExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	return rowExists(ctx, tx, `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
}

// columnExists reports whether table has a column named column.
func columnExists(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return false, fmt.Errorf("columnExists: pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dfltValue  any
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &primaryKey); err != nil {
			return false, fmt.Errorf("columnExists: scan: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// indexExists reports whether an index named name exists.
func indexExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	return rowExists(ctx, tx, `SELECT 1 FROM sqlite_master WHERE type = 'index' AND name = ?`, name)
}

// triggerExists reports whether a trigger named name exists.
func triggerExists(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	return rowExists(ctx, tx, `SELECT 1 FROM sqlite_master WHERE type = 'trigger' AND name = ?`, name)
}

// tableIsEmpty reports whether table has zero rows.
func tableIsEmpty(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("tableIsEmpty(%s): %w", table, err)
	}
	return n == 0, nil
}

// rowExists runs query (which must select a constant 1) with args and
// reports whether it produced any row.
func rowExists(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("rowExists: %w", err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}
