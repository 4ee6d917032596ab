// Package usage implements the usage_metrics repository: the append-only
// usage log and its atomic, cascading credit deduction against the owning
// account.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAccountNotFound is returned by InsertUsage when accountID has no
// matching account row.
var ErrAccountNotFound = errors.New("usage: account not found")

// Repository is the usage_metrics repository.
type Repository struct {
	db *sql.DB
}

// New creates a Repository over db.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertUsage records one usage event and debits the owning account in a
// single transaction, per §4.4: topup_remaining drains first (floored at
// zero), any remainder is subtracted from token_remaining (which may go
// negative). All-or-nothing.
func (r *Repository) InsertUsage(ctx context.Context, accountID, sessionID, provider string, inputTokens, outputTokens int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("usage: begin: %w", err)
	}
	defer tx.Rollback()

	var topupRemaining, tokenRemaining int64
	err = tx.QueryRowContext(ctx,
		`SELECT topup_remaining, token_remaining FROM accounts WHERE id = ?`, accountID,
	).Scan(&topupRemaining, &tokenRemaining)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("usage: read account %q: %w", accountID, err)
	}

	remaining := inputTokens + outputTokens
	if topupRemaining >= remaining {
		topupRemaining -= remaining
		remaining = 0
	} else {
		remaining -= topupRemaining
		topupRemaining = 0
	}
	if remaining > 0 {
		tokenRemaining -= remaining
	}

	now := time.Now().UTC()
	total := inputTokens + outputTokens
	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_metrics (account_id, session_id, provider, input_tokens, output_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		accountID, sessionID, provider, inputTokens, outputTokens, total, now)
	if err != nil {
		return fmt.Errorf("usage: insert usage row: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET topup_remaining = ?, token_remaining = ?, updated_at = ? WHERE id = ?`,
		topupRemaining, tokenRemaining, now, accountID)
	if err != nil {
		return fmt.Errorf("usage: update account balances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("usage: commit: %w", err)
	}
	return nil
}
