// Package accept implements the Gateway's front-end HTTP upgrade handler: it
// authenticates a client via VALIDATE_AND_LOAD before ever constructing an
// Orchestrator, then pumps frames between the accepted client socket and the
// Orchestrator for the lifetime of the session.
package accept

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/rslive/voicegateway/internal/gateway/checkpoint"
	"github.com/rslive/voicegateway/internal/gateway/orchestrator"
	"github.com/rslive/voicegateway/internal/gateway/upstream"
	"github.com/rslive/voicegateway/internal/gateway/usagehandler"
	"github.com/rslive/voicegateway/internal/ipc"
	"github.com/rslive/voicegateway/internal/resilience"
)

// IPCClient is the subset of [ipc.Client] the accept handler and the
// sessions it builds depend on.
type IPCClient interface {
	ValidateAndLoad(ctx context.Context, apiKey, sessionID string) (ipc.ValidateAndLoadResult, error)
	GetCredits(ctx context.Context, accountID string) (int64, error)
	UpdateUsage(accountID, sessionID, provider string, inputTokens, outputTokens int64)
	SaveSession(accountID, sessionID, sessionData string)
	AppendConversation(accountID, sessionID, conversationData string)
}

// UpstreamURL is the realtime provider endpoint new upstream connections
// dial. Var so tests can point it at a local server.
var UpstreamURL = "wss://api.openai.com/v1/realtime"

// Handler upgrades incoming HTTP requests to WebSocket sessions, wiring each
// into a fresh [orchestrator.Orchestrator].
type Handler struct {
	ipc          IPCClient
	providerKey  string
	providerName string
	breaker      *resilience.CircuitBreaker
}

// New creates a Handler that authenticates against ipcClient and dials the
// upstream realtime provider using providerAPIKey by default. A repeatedly
// failing datastore short-circuits new VALIDATE_AND_LOAD calls for a cool-down
// period rather than letting every upgrade hang against a dead process.
func New(ipcClient IPCClient, providerAPIKey string) *Handler {
	return &Handler{
		ipc:          ipcClient,
		providerKey:  providerAPIKey,
		providerName: "OPENAI",
		breaker:      resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "datastore_validate_and_load"}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	apiKey := q.Get("rs_key")
	sessionID := q.Get("rs_sessid")
	if apiKey == "" || sessionID == "" {
		http.Error(w, "missing rs_key or rs_sessid", http.StatusBadRequest)
		return
	}

	upstreamKey := h.providerKey
	if override := q.Get("rs_api"); override != "" {
		upstreamKey = override
	}

	var result ipc.ValidateAndLoadResult
	var callErr error
	breakerErr := h.breaker.Execute(func() error {
		result, callErr = h.ipc.ValidateAndLoad(r.Context(), apiKey, sessionID)
		// A rejection on auth/credit grounds is the datastore doing its job
		// correctly, not a failure to guard against — only a transport-level
		// error should trip the breaker.
		if callErr != nil && ipc.CodeOf(callErr) != ipc.CodeInvalidAuth && ipc.CodeOf(callErr) != ipc.CodeNoCredits {
			return callErr
		}
		return nil
	})
	if errors.Is(breakerErr, resilience.ErrCircuitOpen) {
		slog.Warn("accept: datastore circuit open, rejecting upgrade")
		http.Error(w, "datastore unavailable", http.StatusServiceUnavailable)
		return
	}
	switch ipc.CodeOf(callErr) {
	case ipc.CodeNone:
		// fall through to the upgrade below
	case ipc.CodeInvalidAuth:
		http.Error(w, "invalid credentials", http.StatusForbidden)
		return
	case ipc.CodeNoCredits:
		http.Error(w, "no credits remaining", http.StatusPaymentRequired)
		return
	default:
		slog.Error("accept: validate_and_load failed", "error", callErr)
		http.Error(w, "datastore unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("accept: websocket upgrade failed", "error", err)
		return
	}

	client := &clientStream{conn: conn}
	usage := usagehandler.New(h.ipc, result.AccountID, sessionID)
	cp := checkpoint.New(h.ipc, result.AccountID, sessionID)

	dialUp := func(handler upstream.Handler) *upstream.Connection {
		return upstream.New(UpstreamURL, upstreamKey, handler)
	}

	orch := orchestrator.New(result.AccountID, sessionID, result.SessionData, result.Credits, client, h.ipc, dialUp, usage, cp)
	orch.Connect(r.Context())

	h.pump(r.Context(), conn, orch)
}

// pump reads frames from the accepted client connection until it closes,
// forwarding each to orch.Send, then runs session cleanup exactly once.
func (h *Handler) pump(ctx context.Context, conn *websocket.Conn, orch *orchestrator.Orchestrator) {
	defer orch.Cleanup()
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Debug("accept: client connection closed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := orch.Send(ctx, string(data)); err != nil {
			slog.Warn("accept: session error, closing client", "error", err)
			return
		}
	}
}

// clientStream adapts an accepted *websocket.Conn to [orchestrator.ClientStream].
type clientStream struct {
	conn *websocket.Conn
}

func (c *clientStream) Send(raw string) error {
	return c.conn.Write(context.Background(), websocket.MessageText, []byte(raw))
}

func (c *clientStream) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closed")
}
