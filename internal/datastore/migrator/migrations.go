package migrator

import (
	"context"
	"database/sql"
	"fmt"
)

// steps is the ordered, timestamp-prefixed migration sequence applied by
// [RunAll]. Each step's Up is idempotent: it checks its target object's
// presence via the precondition helpers and returns [Skipped] if already
// applied.
var steps = []Step{
	{
		Name: "20240101000000_create_accounts",
		Up: func(ctx context.Context, tx *sql.Tx) (Result, error) {
			exists, err := tableExists(ctx, tx, "accounts")
			if err != nil {
				return Failed, err
			}
			if exists {
				return Skipped, nil
			}
			const ddl = `
				CREATE TABLE accounts (
					id              TEXT PRIMARY KEY,
					email           TEXT NOT NULL UNIQUE,
					plan_name       TEXT NOT NULL DEFAULT 'Free',
					token_remaining INTEGER NOT NULL DEFAULT 0,
					topup_remaining INTEGER NOT NULL DEFAULT 0,
					status          INTEGER NOT NULL DEFAULT 1,
					created_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
					updated_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
				);
				CREATE INDEX idx_accounts_email ON accounts(email);
				CREATE INDEX idx_accounts_status ON accounts(status);
			`
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return Failed, fmt.Errorf("create accounts: %w", err)
			}
			return Executed, nil
		},
		Down: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS accounts`)
			return err
		},
	},
	{
		Name: "20240101000100_create_api_keys",
		Up: func(ctx context.Context, tx *sql.Tx) (Result, error) {
			exists, err := tableExists(ctx, tx, "api_keys")
			if err != nil {
				return Failed, err
			}
			if exists {
				return Skipped, nil
			}
			const ddl = `
				CREATE TABLE api_keys (
					key_hash      TEXT PRIMARY KEY,
					account_id    TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
					key_indicator TEXT NOT NULL,
					label         TEXT NOT NULL DEFAULT '',
					created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
					expires_at    TEXT,
					last_used_at  TEXT
				);
				CREATE INDEX idx_api_keys_account_id ON api_keys(account_id);
			`
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return Failed, fmt.Errorf("create api_keys: %w", err)
			}
			return Executed, nil
		},
		Down: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS api_keys`)
			return err
		},
	},
	{
		Name: "20240101000200_create_sessions",
		Up: func(ctx context.Context, tx *sql.Tx) (Result, error) {
			exists, err := tableExists(ctx, tx, "sessions")
			if err != nil {
				return Failed, err
			}
			if exists {
				return Skipped, nil
			}
			const ddl = `
				CREATE TABLE sessions (
					account_id TEXT NOT NULL,
					session_id TEXT NOT NULL,
					kind       TEXT NOT NULL CHECK (kind IN ('SESSION','CONV')),
					data       TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
					PRIMARY KEY (account_id, session_id, kind)
				);
				CREATE INDEX idx_sessions_created_at ON sessions(created_at);
			`
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return Failed, fmt.Errorf("create sessions: %w", err)
			}
			return Executed, nil
		},
		Down: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS sessions`)
			return err
		},
	},
	{
		Name: "20240101000300_create_usage_metrics",
		Up: func(ctx context.Context, tx *sql.Tx) (Result, error) {
			exists, err := tableExists(ctx, tx, "usage_metrics")
			if err != nil {
				return Failed, err
			}
			if exists {
				return Skipped, nil
			}
			const ddl = `
				CREATE TABLE usage_metrics (
					id            INTEGER PRIMARY KEY AUTOINCREMENT,
					account_id    TEXT NOT NULL,
					session_id    TEXT NOT NULL,
					provider      TEXT NOT NULL,
					input_tokens  INTEGER NOT NULL,
					output_tokens INTEGER NOT NULL,
					total_tokens  INTEGER NOT NULL,
					created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
				);
				CREATE INDEX idx_usage_metrics_account ON usage_metrics(account_id);
				CREATE INDEX idx_usage_metrics_provider ON usage_metrics(provider);
				CREATE INDEX idx_usage_metrics_created_at ON usage_metrics(created_at);
				CREATE INDEX idx_usage_metrics_account_created_at ON usage_metrics(account_id, created_at);
			`
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return Failed, fmt.Errorf("create usage_metrics: %w", err)
			}
			return Executed, nil
		},
		Down: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS usage_metrics`)
			return err
		},
	},
}
