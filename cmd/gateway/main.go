// Command gateway is the voice gateway's front-end process: it accepts
// client WebSocket sessions, authenticates and loads state for each via the
// Datastore's IPC interface, and bridges each session to the upstream
// realtime provider.
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

	"github.com/rslive/voicegateway/internal/config"
	"github.com/rslive/voicegateway/internal/gateway/accept"
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
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	shutdownOTel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "voicegateway-gateway",
	})
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		return 1
	}
	defer shutdownOTel(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ipcClient, err := ipc.Dial(ctx, cfg.ZMQSocketPath, ipc.WithTimeout(cfg.ZMQTimeout))
	if err != nil {
		slog.Error("failed to dial datastore", "socket", cfg.ZMQSocketPath, "error", err)
		return 1
	}
	defer ipcClient.Close()

	acceptHandler := accept.New(ipcClient, cfg.OpenAIAPIKey)

	healthHandler := health.New(health.Checker{
		Name: "datastore_ipc",
		Check: func(ctx context.Context) error {
			// An unknown account resolves to zero credits rather than an
			// error; any error here means the IPC round trip itself failed.
			_, err := ipcClient.GetCredits(ctx, "healthcheck")
			return err
		},
	})

	mux := http.NewServeMux()
	healthHandler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/realtime", acceptHandler)

	httpSrv := &http.Server{Addr: cfg.GatewayHTTPAddr, Handler: observe.Middleware(observe.DefaultMetrics())(mux)}
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- httpSrv.ListenAndServe()
	}()

	slog.Info("gateway ready", "addr", cfg.GatewayHTTPAddr, "socket", cfg.ZMQSocketPath)

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		return 1
	}
	slog.Info("gateway shut down cleanly")
	return 0
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
