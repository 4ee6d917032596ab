// Package session implements the sessions repository: the combined
// auth+session load join and the session/conversation blob upserts.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rslive/voicegateway/internal/datastore/store"
)

// ErrInvalidAuth is returned by Load when apiKey does not match any active
// key, per §4.5's "zero rows ⇒ invalid auth".
var ErrInvalidAuth = errors.New("session: invalid auth")

// Repository is the sessions repository. It holds a *store.Store rather than
// a raw *sql.DB because the sessions.data column is an opaque encrypted blob:
// every read/write on it must pass through the store's cipher.
type Repository struct {
	store *store.Store
}

// New creates a Repository over s.
func New(s *store.Store) *Repository {
	return &Repository{store: s}
}

// LoadResult is the decoded result of [Repository.Load]: the authenticated
// account id, its current credit columns, and whichever of the SESSION/CONV
// blobs exist for sessionID. SessionData/ConvData are already decrypted.
type LoadResult struct {
	AccountID      string
	TokenRemaining int64
	TopupRemaining int64
	SessionData    string // empty if no SESSION row exists
	HasSession     bool
	ConvData       string // empty if no CONV row exists
	HasConv        bool
}

// Credits returns the account's total spendable balance.
func (l LoadResult) Credits() int64 { return l.TokenRemaining + l.TopupRemaining }

// Load performs the mandatory join described in §4.5: accounts ⋈ api_keys ⋈
// LEFT JOIN sessions (filtered to sessionID). The LEFT JOIN means a valid key
// with no session rows still returns the account's credit columns — it is
// NOT [ErrInvalidAuth]. Only the absence of any matching account/key pair is
// invalid auth.
func (r *Repository) Load(ctx context.Context, keyHash, sessionID string) (LoadResult, error) {
	const q = `
		SELECT a.id, a.token_remaining, a.topup_remaining, s.kind, s.data
		FROM accounts a
		JOIN api_keys k ON k.account_id = a.id
		LEFT JOIN sessions s
			ON s.account_id = a.id AND s.session_id = ? AND s.kind IN ('SESSION', 'CONV')
		WHERE k.key_hash = ? AND (k.expires_at IS NULL OR k.expires_at > ?)`

	rows, err := r.store.DB().QueryContext(ctx, q, sessionID, keyHash, time.Now().UTC())
	if err != nil {
		return LoadResult{}, fmt.Errorf("session: load query: %w", err)
	}
	defer rows.Close()

	var result LoadResult
	seenAnyRow := false
	for rows.Next() {
		var accountID string
		var tokenRemaining, topupRemaining int64
		var kind, data sql.NullString
		if err := rows.Scan(&accountID, &tokenRemaining, &topupRemaining, &kind, &data); err != nil {
			return LoadResult{}, fmt.Errorf("session: load scan: %w", err)
		}
		seenAnyRow = true
		result.AccountID = accountID
		result.TokenRemaining = tokenRemaining
		result.TopupRemaining = topupRemaining

		plaintext, err := r.store.DecryptField(data.String)
		if err != nil {
			return LoadResult{}, fmt.Errorf("session: decrypt %s: %w", kind.String, err)
		}

		switch store.SessionKind(kind.String) {
		case store.KindSession:
			result.SessionData = plaintext
			result.HasSession = true
		case store.KindConv:
			result.ConvData = plaintext
			result.HasConv = true
		}
	}
	if err := rows.Err(); err != nil {
		return LoadResult{}, fmt.Errorf("session: load rows: %w", err)
	}
	if !seenAnyRow {
		return LoadResult{}, ErrInvalidAuth
	}
	return result, nil
}

// UpsertSession replaces the SESSION row for (accountID, sessionID).
func (r *Repository) UpsertSession(ctx context.Context, accountID, sessionID, sessionData string) error {
	return r.upsert(ctx, accountID, sessionID, store.KindSession, sessionData, false)
}

// AppendConversation appends to the CONV row for (accountID, sessionID),
// concatenating onto any existing data.
func (r *Repository) AppendConversation(ctx context.Context, accountID, sessionID, conversationData string) error {
	return r.upsert(ctx, accountID, sessionID, store.KindConv, conversationData, true)
}

// OverwriteConversation replaces the CONV row's data outright, used after
// background summarization collapses it.
func (r *Repository) OverwriteConversation(ctx context.Context, accountID, sessionID, content string) error {
	return r.upsert(ctx, accountID, sessionID, store.KindConv, content, false)
}

func (r *Repository) upsert(ctx context.Context, accountID, sessionID string, kind store.SessionKind, data string, concat bool) error {
	if !concat {
		encrypted, err := r.store.EncryptField(data)
		if err != nil {
			return fmt.Errorf("session: encrypt %s: %w", kind, err)
		}
		return r.replace(ctx, accountID, sessionID, kind, encrypted)
	}
	return r.appendEncrypted(ctx, accountID, sessionID, kind, data)
}

func (r *Repository) replace(ctx context.Context, accountID, sessionID string, kind store.SessionKind, encryptedData string) error {
	const q = `
		INSERT INTO sessions (account_id, session_id, kind, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, session_id, kind) DO UPDATE SET data = excluded.data`
	_, err := r.store.DB().ExecContext(ctx, q, accountID, sessionID, string(kind), encryptedData, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("session: upsert %s: %w", kind, err)
	}
	return nil
}

// appendEncrypted decrypts any existing row's data, concatenates the new
// fragment onto it in plaintext, and re-seals the result as a single
// ciphertext. AEAD output can't be concatenated at the SQL layer the way
// plaintext could — each Seal call is an independent nonce+ciphertext+tag, so
// "append" here means decrypt-concat-reencrypt inside one transaction.
func (r *Repository) appendEncrypted(ctx context.Context, accountID, sessionID string, kind store.SessionKind, fragment string) error {
	tx, err := r.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: append %s: begin tx: %w", kind, err)
	}
	defer tx.Rollback()

	var existing sql.NullString
	const selectQ = `SELECT data FROM sessions WHERE account_id = ? AND session_id = ? AND kind = ?`
	err = tx.QueryRowContext(ctx, selectQ, accountID, sessionID, string(kind)).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session: append %s: select: %w", kind, err)
	}

	plaintext := fragment
	if existing.Valid && existing.String != "" {
		decoded, err := r.store.DecryptField(existing.String)
		if err != nil {
			return fmt.Errorf("session: append %s: decrypt existing: %w", kind, err)
		}
		plaintext = decoded + fragment
	}

	encrypted, err := r.store.EncryptField(plaintext)
	if err != nil {
		return fmt.Errorf("session: append %s: encrypt: %w", kind, err)
	}

	const upsertQ = `
		INSERT INTO sessions (account_id, session_id, kind, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, session_id, kind) DO UPDATE SET data = excluded.data`
	if _, err := tx.ExecContext(ctx, upsertQ, accountID, sessionID, string(kind), encrypted, time.Now().UTC()); err != nil {
		return fmt.Errorf("session: append %s: upsert: %w", kind, err)
	}

	return tx.Commit()
}
