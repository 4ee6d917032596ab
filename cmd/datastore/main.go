// Command datastore is the voice gateway's back-end process: it owns the
// encrypted relational store and serves IPC requests from one or more
// gateway processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/rslive/voicegateway/internal/config"
	"github.com/rslive/voicegateway/internal/datastore/account"
	"github.com/rslive/voicegateway/internal/datastore/business"
	"github.com/rslive/voicegateway/internal/datastore/session"
	"github.com/rslive/voicegateway/internal/datastore/store"
	"github.com/rslive/voicegateway/internal/datastore/summarizer"
	"github.com/rslive/voicegateway/internal/datastore/usage"
	"github.com/rslive/voicegateway/internal/health"
	"github.com/rslive/voicegateway/internal/ipc"
	"github.com/rslive/voicegateway/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "datastore: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	shutdownOTel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "voicegateway-datastore",
	})
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		return 1
	}
	defer shutdownOTel(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBPath, cfg.DBEncryptionKey)
	if err != nil {
		slog.Error("failed to open encrypted store", "error", err)
		return 1
	}
	defer db.Close()

	accounts := account.New(db.DB())
	sessions := session.New(db)
	usageRepo := usage.New(db.DB())

	var summ business.Summarizer
	if cfg.SummarizerAPIKey != "" {
		summ = summarizer.New(cfg.SummarizerAPIKey, cfg.SummarizerBaseURL)
	} else {
		slog.Warn("no summarizer configured; oversize conversations will only be truncated, never condensed")
	}

	svc := business.New(accounts, sessions, usageRepo, summ)

	var stopCron func()
	if cfg.CreditSweepCron != "" {
		stopCron, err = startCreditSweep(cfg.CreditSweepCron, accounts)
		if err != nil {
			slog.Error("failed to schedule credit sweep", "error", err)
			return 1
		}
		defer stopCron()
	}

	healthHandler := health.New(health.Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			return db.DB().PingContext(ctx)
		},
	})
	mux := http.NewServeMux()
	healthHandler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{Addr: cfg.DatastoreHTTPAddr, Handler: observe.Middleware(observe.DefaultMetrics())(mux)}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server failed", "error", err)
		}
	}()

	ipcServer := ipc.NewServer(cfg.ZMQSocketPath, svc)

	slog.Info("datastore ready", "socket", cfg.ZMQSocketPath, "health_addr", cfg.DatastoreHTTPAddr)
	serveErr := ipcServer.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		slog.Error("ipc server stopped with an error", "error", serveErr)
		return 1
	}
	slog.Info("datastore shut down cleanly")
	return 0
}

// startCreditSweep schedules a best-effort periodic purge of expired API
// keys, returning a function that stops the scheduler.
func startCreditSweep(spec string, accounts *account.Repository) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := accounts.DeleteExpiredKeys(context.Background())
		if err != nil {
			slog.Error("credit sweep failed", "error", err)
			return
		}
		slog.Info("credit sweep removed expired api keys", "count", n)
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: schedule credit sweep %q: %w", spec, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
