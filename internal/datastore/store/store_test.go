package store

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T, encryptionKey string) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := New(db, encryptionKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestEncryptDecryptField_RoundTrips(t *testing.T) {
	s := newTestStore(t, "test-key-1")
	const want = `{"type":"session.update"}`

	encrypted, err := s.EncryptField(want)
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if encrypted == want {
		t.Fatal("EncryptField returned plaintext unchanged")
	}

	got, err := s.DecryptField(encrypted)
	if err != nil {
		t.Fatalf("DecryptField: %v", err)
	}
	if got != want {
		t.Errorf("DecryptField = %q, want %q", got, want)
	}
}

func TestEncryptField_EmptyStringStaysEmpty(t *testing.T) {
	s := newTestStore(t, "test-key-1")
	encrypted, err := s.EncryptField("")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if encrypted != "" {
		t.Errorf("EncryptField(\"\") = %q, want empty", encrypted)
	}
	got, err := s.DecryptField(encrypted)
	if err != nil {
		t.Fatalf("DecryptField: %v", err)
	}
	if got != "" {
		t.Errorf("DecryptField(\"\") = %q, want empty", got)
	}
}

func TestEncryptField_DifferentCallsProduceDifferentCiphertext(t *testing.T) {
	s := newTestStore(t, "test-key-1")
	a, err := s.EncryptField("same plaintext")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	b, err := s.EncryptField("same plaintext")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertext; nonce reuse?")
	}
}

func TestDecryptField_TamperedCiphertextFails(t *testing.T) {
	s := newTestStore(t, "test-key-1")
	encrypted, err := s.EncryptField("sensitive")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}
	tampered := "A" + encrypted[1:]
	if _, err := s.DecryptField(tampered); err == nil {
		t.Error("expected DecryptField to reject a tampered ciphertext")
	}
}

func TestDecryptField_WrongKeyFails(t *testing.T) {
	s := newTestStore(t, "test-key-1")
	encrypted, err := s.EncryptField("sensitive")
	if err != nil {
		t.Fatalf("EncryptField: %v", err)
	}

	other := newTestStore(t, "a-completely-different-key")
	if _, err := other.DecryptField(encrypted); err == nil {
		t.Error("expected DecryptField under a different key to fail")
	}
}
