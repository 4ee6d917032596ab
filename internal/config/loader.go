package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// validLogLevels lists the log levels accepted by [Validate].
var validLogLevels = []string{"debug", "info", "warn", "error"}

// DefaultsFilePath is the optional static-defaults file layered beneath the
// environment. Var so tests and operators can point it elsewhere; empty
// disables the layer entirely.
var DefaultsFilePath = "defaults.yaml"

// defaults mirrors the subset of Config fields an operator may want to pin
// to a checked-in default without hand-editing every deployment's env vars.
// Env vars always win over this file, which itself only wins over Load's own
// hardcoded fallbacks.
type defaults struct {
	LogLevel          string `yaml:"log_level"`
	GatewayHTTPAddr   string `yaml:"gateway_http_addr"`
	DatastoreHTTPAddr string `yaml:"datastore_http_addr"`
	ZMQTimeoutMS      int    `yaml:"zmq_timeout_ms"`
	SummarizerBaseURL string `yaml:"summarizer_base_url"`
	CreditSweepCron   string `yaml:"credit_sweep_cron"`
}

// loadDefaultsFile reads and decodes the YAML file at path. A missing file is
// not an error — the layer is optional — but a malformed one is, since a
// present-but-broken defaults file is more likely operator error than an
// absent environment.
func loadDefaultsFile(path string) (*defaults, error) {
	if path == "" {
		return &defaults{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults{}, nil
		}
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	d := &defaults{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(d); err != nil {
		return nil, fmt.Errorf("decode %q: %w", path, err)
	}
	return d, nil
}

// Load reads a `.env` file (if present), layers the optional DefaultsFilePath
// YAML file beneath it, and then builds a [Config] from the process
// environment — env vars take precedence over the defaults file, which takes
// precedence over the hardcoded fallbacks below. Required keys that are
// missing or empty cause Load to fail fast with a wrapped error; optional
// keys fall back to defaults, and an unset GEMINI_API_KEY or
// SUMMARIZER_API_KEY is logged at warn level.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	def, err := loadDefaultsFile(DefaultsFilePath)
	if err != nil {
		return nil, fmt.Errorf("config: defaults file: %w", err)
	}

	zmqTimeout := 5000 * time.Millisecond
	if def.ZMQTimeoutMS > 0 {
		zmqTimeout = time.Duration(def.ZMQTimeoutMS) * time.Millisecond
	}

	cfg := &Config{
		LogLevel:          getEnvOrDefault("LOG_LEVEL", orFallback(def.LogLevel, "info")),
		GatewayHTTPAddr:   getEnvOrDefault("GATEWAY_HTTP_ADDR", orFallback(def.GatewayHTTPAddr, ":8080")),
		DatastoreHTTPAddr: getEnvOrDefault("DATASTORE_HTTP_ADDR", orFallback(def.DatastoreHTTPAddr, ":8081")),

		DBPath:          os.Getenv("DB_PATH"),
		DBEncryptionKey: os.Getenv("DB_ENCRYPTION_KEY"),
		ZMQSocketPath:   os.Getenv("ZMQ_SOCKET_PATH"),
		ZMQTimeout:      getEnvAsDuration("ZMQ_TIMEOUT_MS", zmqTimeout),

		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey: getEnvOrDefault("GEMINI_API_KEY", ""),

		SummarizerAPIKey:  getEnvOrDefault("SUMMARIZER_API_KEY", ""),
		SummarizerBaseURL: getEnvOrDefault("SUMMARIZER_BASE_URL", orFallback(def.SummarizerBaseURL, "https://api.openai.com/v1")),
		CreditSweepCron:   getEnvOrDefault("CREDIT_SWEEP_CRON", def.CreditSweepCron),
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func orFallback(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// Validate checks that cfg contains every key required to run the gateway and
// datastore processes, and that optional values are well-formed. It returns a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !slices.Contains(validLogLevels, cfg.LogLevel) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: %v", cfg.LogLevel, validLogLevels))
	}

	if cfg.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH is required"))
	}
	if cfg.DBEncryptionKey == "" {
		errs = append(errs, errors.New("DB_ENCRYPTION_KEY is required"))
	}
	if cfg.ZMQSocketPath == "" {
		errs = append(errs, errors.New("ZMQ_SOCKET_PATH is required"))
	}
	if cfg.ZMQTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ZMQ_TIMEOUT_MS must be positive, got %s", cfg.ZMQTimeout))
	}
	if cfg.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}

	if cfg.GeminiAPIKey == "" {
		slog.Warn("GEMINI_API_KEY not set; the gemini upstream provider is unavailable")
	}
	if cfg.SummarizerAPIKey == "" {
		slog.Warn("SUMMARIZER_API_KEY not set; conversation summarization is disabled")
	}

	return errors.Join(errs...)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	ms, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("failed to parse duration env var, using default",
			"key", key, "value", value, "default", defaultValue, "error", err)
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
