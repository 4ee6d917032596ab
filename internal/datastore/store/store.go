// Package store owns the Datastore's sole writer handle to the encrypted
// embedded relational file: opening the database, deriving the field
// encryption key, and running the schema migrator before any repository may
// use the handle.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	_ "modernc.org/sqlite"

	"github.com/rslive/voicegateway/internal/datastore/migrator"
)

// Store wraps the single *sql.DB handle the Datastore process holds open for
// the lifetime of the process, plus the AEAD used to encrypt opaque blob
// columns (session and conversation data) at rest.
type Store struct {
	db     *sql.DB
	cipher cipher
}

// cipher is the minimal AEAD surface Store needs; satisfied by
// chacha20poly1305's implementation.
type cipher interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// Open opens the sqlite file at path (creating it if absent), derives a
// per-installation field encryption key from encryptionKey via HKDF, and runs
// every pending migration before returning.
func Open(ctx context.Context, path, encryptionKey string) (*Store, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("store: encryption key must not be empty")
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	// The embedded engine is a single writer; one connection keeps writes
	// serialized without relying on sqlite's own locking retries.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %q: %w", path, err)
	}

	s, err := New(db, encryptionKey)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := migrator.RunAll(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return s, nil
}

// New wraps an already-open db handle with a field-encryption cipher derived
// from encryptionKey. Exposed separately from Open so callers that already
// own a *sql.DB (notably tests, which want an in-memory handle with no
// filesystem involved) can still get a cipher-backed Store.
func New(db *sql.DB, encryptionKey string) (*Store, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("store: encryption key must not be empty")
	}
	aead, err := deriveAEAD(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("store: derive encryption key: %w", err)
	}
	return &Store{db: db, cipher: aead}, nil
}

// deriveAEAD expands encryptionKey into a chacha20poly1305 key via
// HKDF-SHA256, so the operator-supplied secret need not already be exactly
// 32 bytes.
func deriveAEAD(encryptionKey string) (cipher, error) {
	kdf := hkdf.New(sha256.New, []byte(encryptionKey), nil, []byte("voicegateway/store/field-encryption"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("chacha20poly1305: %w", err)
	}
	return aead, nil
}

// DB returns the underlying handle for repositories to issue queries on.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// EncryptField seals plaintext and returns it base64-encoded, ready to store
// in a TEXT column. Empty plaintext encrypts to an empty string, which
// [Store.DecryptField] maps back to empty plaintext; an absent blob and a
// present-but-empty one therefore both read back as "".
func (s *Store) EncryptField(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.cipher.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("store: generate nonce: %w", err)
	}
	sealed := s.cipher.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptField reverses [Store.EncryptField].
func (s *Store) DecryptField(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("store: decode ciphertext: %w", err)
	}
	nonceSize := s.cipher.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("store: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := s.cipher.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("store: decrypt: %w", err)
	}
	return string(plaintext), nil
}
