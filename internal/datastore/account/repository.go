// Package account implements the accounts and api_keys repositories:
// account provisioning, API key issuance/validation/revocation, and the
// credit-balance read used by the business service.
package account

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rslive/voicegateway/internal/datastore/store"
)

// ErrNotFound is returned by Get/ValidateAPIKey when no matching row exists.
var ErrNotFound = errors.New("account: not found")

// Repository is the accounts/api_keys repository, backed by a single
// [database/sql.DB] handle.
type Repository struct {
	db *sql.DB
}

// New creates a Repository over db.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new account row. planName defaults to "Free" when empty;
// tokenRemaining/topupRemaining default per §4.3 when nil.
func (r *Repository) Create(ctx context.Context, email, planName string, tokenRemaining, topupRemaining *int64) (store.Account, error) {
	if planName == "" {
		planName = "Free"
	}
	tokens := store.PlanDefaultTokens(planName)
	if tokenRemaining != nil {
		tokens = *tokenRemaining
	}
	var topup int64
	if topupRemaining != nil {
		topup = *topupRemaining
	}

	id := newID()
	now := time.Now().UTC()
	const q = `
		INSERT INTO accounts (id, email, plan_name, token_remaining, topup_remaining, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, id, email, planName, tokens, topup, now, now)
	if err != nil {
		return store.Account{}, fmt.Errorf("account: create: %w", err)
	}

	return store.Account{
		ID:             id,
		Email:          email,
		PlanName:       planName,
		TokenRemaining: tokens,
		TopupRemaining: topup,
		Status:         1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Get returns the account row for id, or [ErrNotFound].
func (r *Repository) Get(ctx context.Context, id string) (store.Account, error) {
	const q = `
		SELECT id, email, plan_name, token_remaining, topup_remaining, status, created_at, updated_at
		FROM accounts WHERE id = ?`
	row := r.db.QueryRowContext(ctx, q, id)
	return scanAccount(row)
}

// GetCredits returns token_remaining + topup_remaining for accountID, or zero
// if the account does not exist, per §4.3's getCredits contract.
func (r *Repository) GetCredits(ctx context.Context, accountID string) (int64, error) {
	const q = `SELECT token_remaining, topup_remaining FROM accounts WHERE id = ?`
	var tokenRemaining, topupRemaining int64
	err := r.db.QueryRowContext(ctx, q, accountID).Scan(&tokenRemaining, &topupRemaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("account: get credits %q: %w", accountID, err)
	}
	return tokenRemaining + topupRemaining, nil
}

// CreateAPIKey generates a new plaintext key, persists only its hash, and
// returns both the stored row and the one-time plaintext value.
func (r *Repository) CreateAPIKey(ctx context.Context, accountID, label string, expiresAt *time.Time) (store.APIKey, string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return store.APIKey{}, "", fmt.Errorf("account: generate key: %w", err)
	}
	plaintext := "rslive_v1_" + hex.EncodeToString(raw)
	hash := HashKey(plaintext)

	if len(label) > 30 {
		label = label[:30]
	}
	indicator := keyIndicator(plaintext)
	now := time.Now().UTC()

	const q = `
		INSERT INTO api_keys (key_hash, account_id, key_indicator, label, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, hash, accountID, indicator, label, now, expiresAt)
	if err != nil {
		return store.APIKey{}, "", fmt.Errorf("account: create api key: %w", err)
	}

	return store.APIKey{
		KeyHash:      hash,
		AccountID:    accountID,
		KeyIndicator: indicator,
		Label:        label,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
	}, plaintext, nil
}

// ValidateAPIKey hashes plainKey and returns the matching, non-expired row,
// or [ErrNotFound].
func (r *Repository) ValidateAPIKey(ctx context.Context, plainKey string) (store.APIKey, error) {
	hash := HashKey(plainKey)
	const q = `
		SELECT key_hash, account_id, key_indicator, label, created_at, expires_at, last_used_at
		FROM api_keys
		WHERE key_hash = ? AND (expires_at IS NULL OR expires_at > ?)`
	row := r.db.QueryRowContext(ctx, q, hash, time.Now().UTC())
	return scanAPIKey(row)
}

// RevokeAPIKey sets keyHash's expiry to now, reporting whether a row was
// affected.
func (r *Repository) RevokeAPIKey(ctx context.Context, keyHash string) (bool, error) {
	const q = `UPDATE api_keys SET expires_at = ? WHERE key_hash = ?`
	res, err := r.db.ExecContext(ctx, q, time.Now().UTC(), keyHash)
	if err != nil {
		return false, fmt.Errorf("account: revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("account: revoke api key: rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteExpiredKeys removes api_keys rows whose expiry has passed, keeping
// the table from growing unbounded with dead rows. Returns the number of
// rows removed.
func (r *Repository) DeleteExpiredKeys(ctx context.Context) (int64, error) {
	const q = `DELETE FROM api_keys WHERE expires_at IS NOT NULL AND expires_at <= ?`
	res, err := r.db.ExecContext(ctx, q, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("account: delete expired keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("account: delete expired keys: rows affected: %w", err)
	}
	return n, nil
}

func scanAccount(row *sql.Row) (store.Account, error) {
	var a store.Account
	err := row.Scan(&a.ID, &a.Email, &a.PlanName, &a.TokenRemaining, &a.TopupRemaining, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, ErrNotFound
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("account: scan: %w", err)
	}
	return a, nil
}

func scanAPIKey(row *sql.Row) (store.APIKey, error) {
	var k store.APIKey
	err := row.Scan(&k.KeyHash, &k.AccountID, &k.KeyIndicator, &k.Label, &k.CreatedAt, &k.ExpiresAt, &k.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.APIKey{}, ErrNotFound
	}
	if err != nil {
		return store.APIKey{}, fmt.Errorf("account: scan api key: %w", err)
	}
	return k, nil
}

// HashKey returns the hex-encoded SHA-256 hash of plainKey, the value
// actually persisted and matched against — the plaintext key itself is
// never stored. Exposed so callers (e.g. the session repository's combined
// load query) can hash a presented key without depending on repository
// internals.
func HashKey(plainKey string) string {
	sum := sha256.Sum256([]byte(plainKey))
	return hex.EncodeToString(sum[:])
}

// keyIndicator forms the 5-char-prefix/5-char-suffix display hint; the full
// plaintext itself is never persisted.
func keyIndicator(plaintext string) string {
	if len(plaintext) <= 10 {
		return plaintext
	}
	return plaintext[:5] + "..." + plaintext[len(plaintext)-5:]
}

func newID() string {
	raw := make([]byte, 16)
	_, _ = rand.Read(raw)
	return hex.EncodeToString(raw)
}
