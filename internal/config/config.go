// Package config provides environment-driven configuration for the gateway
// and datastore processes.
package config

import "time"

// Config is the root configuration for both the gateway and datastore
// processes. Each process reads only the fields relevant to it; unused
// fields are simply left at their zero value.
type Config struct {
	// LogLevel controls slog verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel string

	// GatewayHTTPAddr is the address the gateway's health/metrics server binds to.
	GatewayHTTPAddr string

	// DatastoreHTTPAddr is the address the datastore's health/metrics server binds to.
	DatastoreHTTPAddr string

	// DBPath is the filesystem path to the encrypted sqlite database file.
	// Required.
	DBPath string

	// DBEncryptionKey is the passphrase used to derive the field-encryption key
	// via HKDF. Required.
	DBEncryptionKey string

	// ZMQSocketPath is the filesystem path of the Unix domain socket the
	// datastore listens on and the gateway dials. Required.
	ZMQSocketPath string

	// ZMQTimeout bounds how long the gateway waits for a datastore response
	// before treating the call as failed. Default: 5s.
	ZMQTimeout time.Duration

	// OpenAIAPIKey authenticates the upstream OpenAI Realtime WebSocket
	// connection. Required.
	OpenAIAPIKey string

	// GeminiAPIKey authenticates an upstream Gemini Live connection, when
	// configured. Optional — the Gemini upstream is not implemented in this
	// version (see SPEC_FULL.md §9), but the key is still plumbed through so a
	// future provider can pick it up without a config schema change.
	GeminiAPIKey string

	// SummarizerAPIKey authenticates the HTTP summarization backend used by
	// the business service's best-effort conversation summarization. Optional
	// — when empty, summarization is skipped and the raw transcript is kept.
	SummarizerAPIKey string

	// SummarizerBaseURL overrides the summarizer's default API endpoint.
	// Optional.
	SummarizerBaseURL string

	// CreditSweepCron is a cron expression controlling how often the datastore
	// sweeps for expired API keys. Optional; empty disables the sweep.
	CreditSweepCron string
}
