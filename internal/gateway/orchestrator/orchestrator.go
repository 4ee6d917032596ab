// Package orchestrator implements the per-session state machine that ties a
// client connection, an upstream provider connection, credit accounting,
// and conversation checkpointing together.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/rslive/voicegateway/internal/gateway/checkpoint"
	"github.com/rslive/voicegateway/internal/gateway/upstream"
	"github.com/rslive/voicegateway/internal/gateway/usagehandler"
	"github.com/rslive/voicegateway/internal/ipc"
)

// State is one of the Orchestrator's lifecycle phases.
type State string

const (
	StatePreconnect State = "Preconnect"
	StateConnecting State = "Connecting"
	StateConnected  State = "Connected"
	StateDraining   State = "Draining"
	StateTerminated State = "Terminated"
)

// bufferCapacity bounds the number of client frames queued while the
// upstream connection is not yet Connected.
const bufferCapacity = 10000

// creditRefreshEvery is the response-count cadence at which a background
// credit refresh is scheduled.
const creditRefreshEvery = 50

const (
	sessionUpdatedMarker = `"type":"session.updated"`
)

// ClientStream is the minimal surface the Orchestrator needs from the
// accepting layer's client connection handle.
type ClientStream interface {
	Send(raw string) error
	Close() error
}

// UpstreamDialer constructs a new [upstream.Connection] for one session,
// wiring h as its handler. Exists so tests can substitute a fake upstream
// without a real network dial.
type UpstreamDialer func(h upstream.Handler) *upstream.Connection

// IPCClient is the subset of [ipc.Client] the Orchestrator calls directly
// (usage/checkpoint handlers call it too, via their own narrower
// interfaces).
type IPCClient interface {
	GetCredits(ctx context.Context, accountID string) (int64, error)
	SaveSession(accountID, sessionID, sessionData string)
}

// SessionError reports a terminal, user-visible condition the caller must
// act on (disconnect the client).
type SessionError struct {
	Code ipc.Code
}

func (e *SessionError) Error() string { return string(e.Code) }

// Orchestrator is the per-session state machine described by the realtime
// gateway's core coordination logic. Its methods may be called from
// different goroutines (the client read pump and the upstream connection's
// callbacks); o.mu guards its state and is released before blocking calls.
type Orchestrator struct {
	accountID string
	sessionID string
	client    ClientStream
	ipc       IPCClient
	dialUp    UpstreamDialer

	usage      *usagehandler.Handler
	checkpoint *checkpoint.Handler

	mu sync.Mutex

	state           State
	sessionData     string
	skipSessionSave bool
	credits         int64
	responseCount   int
	creditRefreshing bool
	buffer          []string
	up              *upstream.Connection
}

// New constructs an Orchestrator in state Preconnect. sessionData is the
// session blob preloaded by VALIDATE_AND_LOAD (possibly empty); credits is
// that call's reported balance.
func New(accountID, sessionID string, sessionData string, credits int64, client ClientStream, ipcClient IPCClient, dialUp UpstreamDialer, usage *usagehandler.Handler, cp *checkpoint.Handler) *Orchestrator {
	return &Orchestrator{
		accountID:       accountID,
		sessionID:       sessionID,
		client:          client,
		ipc:             ipcClient,
		dialUp:          dialUp,
		usage:           usage,
		checkpoint:      cp,
		state:           StatePreconnect,
		sessionData:     sessionData,
		skipSessionSave: sessionData != "",
		credits:         credits,
		buffer:          make([]string, 0),
	}
}

// State returns the Orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Connect disconnects any prior upstream connection (preventing a leaked
// handler reference), constructs a new one with this Orchestrator as its
// handler, and begins connecting. Transitions Preconnect/Draining →
// Connecting.
func (o *Orchestrator) Connect(ctx context.Context) {
	o.mu.Lock()
	if o.up != nil {
		o.up.Disconnect()
	}
	up := o.dialUp(o)
	o.up = up
	o.state = StateConnecting
	o.mu.Unlock()

	up.Connect(ctx)
}

// Send is called by the client stream for every inbound client frame. While
// not yet Connected it is buffered; once Connected it is forwarded upstream
// immediately after a synchronous credit check.
func (o *Orchestrator) Send(ctx context.Context, clientMsg string) error {
	o.mu.Lock()
	if o.state != StateConnected {
		if len(o.buffer) >= bufferCapacity {
			o.mu.Unlock()
			return &SessionError{Code: ipc.CodeExternalBufferOverflow}
		}
		o.buffer = append(o.buffer, clientMsg)
		o.mu.Unlock()
		return nil
	}
	up := o.up
	credits := o.credits
	o.mu.Unlock()

	go o.checkAndScheduleCreditsCheck(ctx)

	if credits <= 0 {
		up.Disconnect()
		return &SessionError{Code: ipc.CodeExternalNoCredits}
	}

	if err := up.Send(ctx, clientMsg); err != nil {
		slog.Error("orchestrator: forward to upstream failed", "account_id", o.accountID, "session_id", o.sessionID, "error", err)
	}
	return nil
}

// OnConnect implements [upstream.Handler]. It marks the Orchestrator
// Connected, forwards any preloaded session data as the first upstream
// frame, then drains the buffer in FIFO order.
func (o *Orchestrator) OnConnect() {
	ctx := context.Background()

	o.mu.Lock()
	o.state = StateConnected
	sessionData := o.sessionData
	buffered := o.buffer
	o.buffer = nil
	up := o.up
	o.mu.Unlock()

	if sessionData != "" {
		if err := up.Send(ctx, sessionData); err != nil {
			slog.Error("orchestrator: failed to forward preloaded session", "account_id", o.accountID, "session_id", o.sessionID, "error", err)
		}
	}
	for _, msg := range buffered {
		if err := up.Send(ctx, msg); err != nil {
			slog.Error("orchestrator: failed to drain buffered message", "account_id", o.accountID, "session_id", o.sessionID, "error", err)
		}
	}
}

// OnMsgReceived implements [upstream.Handler]. The forward-to-client send
// happens first and unconditionally; usage accounting, session persistence,
// and checkpointing follow in that order and never block the forward.
func (o *Orchestrator) OnMsgReceived(raw string) {
	if err := o.client.Send(raw); err != nil {
		slog.Warn("orchestrator: client send failed, cleaning up session", "account_id", o.accountID, "session_id", o.sessionID, "error", err)
		o.Cleanup()
		return
	}

	if tokens, ok := o.usage.Ingest(raw); ok {
		o.mu.Lock()
		o.credits -= tokens.Input + tokens.Output
		o.responseCount++
		depleted := o.credits <= 0
		up := o.up
		o.mu.Unlock()

		if depleted {
			up.Disconnect()
			slog.Warn("orchestrator: credits depleted mid-stream", "account_id", o.accountID, "session_id", o.sessionID)
		}
	}

	o.saveSessionIfNeeded(raw)
	o.checkpoint.Ingest(raw)
}

// saveSessionIfNeeded persists a session.updated upstream frame, unless it
// is the first such frame after a preload/reconnect — the skip-session-save
// one-shot flag guards against re-persisting the echoed replay.
func (o *Orchestrator) saveSessionIfNeeded(raw string) {
	if !strings.Contains(raw, sessionUpdatedMarker) {
		return
	}

	o.mu.Lock()
	if o.skipSessionSave {
		o.skipSessionSave = false
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.ipc.SaveSession(o.accountID, o.sessionID, raw)
}

// OnError implements [upstream.Handler]. Logs only; the upstream connection
// is not considered disconnected, and a pending skip-session-save flag is
// cleared since whatever state it guarded is no longer trustworthy.
func (o *Orchestrator) OnError(err error) {
	slog.Error("orchestrator: upstream error", "account_id", o.accountID, "session_id", o.sessionID, "error", err)
	o.mu.Lock()
	o.skipSessionSave = false
	o.mu.Unlock()
}

// OnClose implements [upstream.Handler]. Reaching this callback means the
// close was unexpected — an explicit [Orchestrator.Cleanup] nulls the
// upstream handler before closing, per the handler-nulling contract owned
// by [upstream.Connection]. Sets skipSessionSave and reconnects with the
// preloaded session data.
func (o *Orchestrator) OnClose(code websocket.StatusCode, reason string) {
	slog.Warn("orchestrator: unexpected upstream close, reconnecting",
		"account_id", o.accountID, "session_id", o.sessionID, "code", code, "reason", reason)

	o.mu.Lock()
	o.state = StatePreconnect
	o.skipSessionSave = true
	o.mu.Unlock()

	o.Connect(context.Background())
}

// Cleanup is called by the accepting layer on client close or error. It
// flushes both handlers, disconnects the upstream connection, and clears
// the buffer. Idempotent.
func (o *Orchestrator) Cleanup() {
	o.usage.Flush()
	o.checkpoint.Flush()

	o.mu.Lock()
	up := o.up
	o.state = StateTerminated
	o.buffer = nil
	o.mu.Unlock()

	if up != nil {
		up.Disconnect()
	}
}

// checkAndScheduleCreditsCheck refreshes o.credits from GET_CREDITS every
// creditRefreshEvery responses, deduplicated by an in-progress flag. No-op
// otherwise. Never called synchronously from the send path.
func (o *Orchestrator) checkAndScheduleCreditsCheck(ctx context.Context) {
	o.mu.Lock()
	if o.creditRefreshing || o.responseCount < creditRefreshEvery {
		o.mu.Unlock()
		return
	}
	o.creditRefreshing = true
	o.mu.Unlock()

	credits, err := o.ipc.GetCredits(ctx, o.accountID)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		slog.Error("orchestrator: credit refresh failed", "account_id", o.accountID, "session_id", o.sessionID, "error", err)
	} else {
		o.credits = credits
	}
	o.responseCount = 0
	o.creditRefreshing = false
}

var _ upstream.Handler = (*Orchestrator)(nil)
