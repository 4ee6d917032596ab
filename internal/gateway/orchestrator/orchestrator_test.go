package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/rslive/voicegateway/internal/gateway/checkpoint"
	"github.com/rslive/voicegateway/internal/gateway/upstream"
	"github.com/rslive/voicegateway/internal/gateway/usagehandler"
	"github.com/rslive/voicegateway/internal/ipc"
)

// controllableUpstreamServer is a test double for the provider: it accepts
// one WebSocket connection at a time and lets the test push frames down it
// or close it with an arbitrary status, simulating an unexpected upstream
// close.
type controllableUpstreamServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	acceptCh chan struct{}
	received []string
}

func newControllableUpstreamServer(t *testing.T) *controllableUpstreamServer {
	t.Helper()
	s := &controllableUpstreamServer{acceptCh: make(chan struct{}, 10)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.acceptCh <- struct{}{}

		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, string(data))
			s.mu.Unlock()
		}
	}))
	return s
}

func (s *controllableUpstreamServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *controllableUpstreamServer) waitForConnect(t *testing.T) {
	t.Helper()
	select {
	case <-s.acceptCh:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream server never accepted a connection")
	}
}

func (s *controllableUpstreamServer) send(t *testing.T, raw string) {
	t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		t.Fatal("send called before a connection was accepted")
	}
	if err := conn.Write(context.Background(), websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("server send: %v", err)
	}
}

func (s *controllableUpstreamServer) closeUnexpectedly() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusInternalError, "simulated upstream failure")
	}
}

func (s *controllableUpstreamServer) receivedMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	copy(out, s.received)
	return out
}

func (s *controllableUpstreamServer) close() { s.srv.Close() }

type fakeClientStream struct {
	mu       sync.Mutex
	received []string
	failNext bool
}

func (c *fakeClientStream) Send(raw string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		return &testError{"client stream closed"}
	}
	c.received = append(c.received, raw)
	return nil
}

func (c *fakeClientStream) Close() error { return nil }

func (c *fakeClientStream) receivedMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.received))
	copy(out, c.received)
	return out
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

type fakeBackend struct {
	mu            sync.Mutex
	credits       int64
	getCreditsErr error
	savedSessions []string
	usageCalls    []string
	convCalls     []string
}

func (f *fakeBackend) GetCredits(ctx context.Context, accountID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credits, f.getCreditsErr
}

func (f *fakeBackend) SaveSession(accountID, sessionID, sessionData string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedSessions = append(f.savedSessions, sessionData)
}

func (f *fakeBackend) UpdateUsage(accountID, sessionID, provider string, inputTokens, outputTokens int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageCalls = append(f.usageCalls, provider)
}

func (f *fakeBackend) AppendConversation(accountID, sessionID, conversationData string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCalls = append(f.convCalls, conversationData)
}

func newOrchestratorForTest(t *testing.T, srv *controllableUpstreamServer, client *fakeClientStream, backend *fakeBackend, sessionData string, credits int64) *Orchestrator {
	t.Helper()
	usage := usagehandler.New(backend, "acct-1", "S1")
	cp := checkpoint.New(backend, "acct-1", "S1")
	dial := func(h upstream.Handler) *upstream.Connection {
		return upstream.New(srv.url(), "test-key", h)
	}
	return New("acct-1", "S1", sessionData, credits, client, backend, dial, usage, cp)
}

func TestConnect_ForwardsPreloadedSessionDataFirstThenDrainsBuffer(t *testing.T) {
	srv := newControllableUpstreamServer(t)
	defer srv.close()
	client := &fakeClientStream{}
	backend := &fakeBackend{credits: 500}

	orch := newOrchestratorForTest(t, srv, client, backend, `{"type":"session.update"}`, 500)

	// Buffer a client message before connecting.
	if err := orch.Send(context.Background(), "buffered-1"); err != nil {
		t.Fatalf("Send while Preconnect: %v", err)
	}

	orch.Connect(context.Background())
	srv.waitForConnect(t)

	waitFor(t, func() bool {
		return len(srv.receivedMessages()) >= 2
	})

	got := srv.receivedMessages()
	if got[0] != `{"type":"session.update"}` {
		t.Errorf("first upstream frame = %q, want the preloaded session data", got[0])
	}
	if got[1] != "buffered-1" {
		t.Errorf("second upstream frame = %q, want the drained buffered message", got[1])
	}
}

func TestSend_BufferOverflowReturnsCodedError(t *testing.T) {
	srv := newControllableUpstreamServer(t)
	defer srv.close()
	client := &fakeClientStream{}
	backend := &fakeBackend{credits: 500}
	orch := newOrchestratorForTest(t, srv, client, backend, "", 500)

	var lastErr error
	for i := 0; i < bufferCapacity+1; i++ {
		lastErr = orch.Send(context.Background(), "msg")
	}
	if lastErr == nil {
		t.Fatal("expected the 10001st buffered send to fail")
	}
	sessErr, ok := lastErr.(*SessionError)
	if !ok || sessErr.Code != ipc.CodeExternalBufferOverflow {
		t.Errorf("err = %v, want SessionError{CodeExternalBufferOverflow}", lastErr)
	}
}

func TestSend_DepletedCreditsDisconnectsAndErrors(t *testing.T) {
	srv := newControllableUpstreamServer(t)
	defer srv.close()
	client := &fakeClientStream{}
	backend := &fakeBackend{credits: 500}
	orch := newOrchestratorForTest(t, srv, client, backend, "", 0)

	orch.Connect(context.Background())
	srv.waitForConnect(t)
	waitForState(t, orch, StateConnected)

	err := orch.Send(context.Background(), "hello")
	sessErr, ok := err.(*SessionError)
	if !ok || sessErr.Code != ipc.CodeExternalNoCredits {
		t.Fatalf("err = %v, want SessionError{CodeExternalNoCredits}", err)
	}
}

func TestOnMsgReceived_ForwardsToClientBeforeSideEffects(t *testing.T) {
	srv := newControllableUpstreamServer(t)
	defer srv.close()
	client := &fakeClientStream{}
	backend := &fakeBackend{credits: 500}
	orch := newOrchestratorForTest(t, srv, client, backend, "", 500)

	orch.Connect(context.Background())
	srv.waitForConnect(t)
	waitForState(t, orch, StateConnected)

	srv.send(t, `{"type":"response.output_audio_transcript.delta","delta":"hi"}`)

	waitFor(t, func() bool { return len(client.receivedMessages()) == 1 })
	if got := client.receivedMessages()[0]; !strings.Contains(got, "delta") {
		t.Errorf("client did not receive the forwarded frame: %q", got)
	}
}

func TestOnMsgReceived_ClientSendFailureTriggersCleanup(t *testing.T) {
	srv := newControllableUpstreamServer(t)
	defer srv.close()
	client := &fakeClientStream{}
	backend := &fakeBackend{credits: 500}
	orch := newOrchestratorForTest(t, srv, client, backend, "", 500)

	orch.Connect(context.Background())
	srv.waitForConnect(t)
	waitForState(t, orch, StateConnected)

	client.mu.Lock()
	client.failNext = true
	client.mu.Unlock()

	srv.send(t, `{"type":"response.output_audio_transcript.delta","delta":"x"}`)

	waitForState(t, orch, StateTerminated)
}

func TestOnMsgReceived_CreditDepletionDisconnectsUpstream(t *testing.T) {
	srv := newControllableUpstreamServer(t)
	defer srv.close()
	client := &fakeClientStream{}
	backend := &fakeBackend{credits: 500}
	// 40 credits, a single 20+30=50 token event drains it to -10.
	orch := newOrchestratorForTest(t, srv, client, backend, "", 40)

	orch.Connect(context.Background())
	srv.waitForConnect(t)
	waitForState(t, orch, StateConnected)

	srv.send(t, `{"type":"response.done","response":{"usage":{"input_tokens":20,"output_tokens":30}}}`)

	waitFor(t, func() bool {
		orch.mu.Lock()
		defer orch.mu.Unlock()
		return orch.credits == -10
	})
}

func TestOnMsgReceived_SkipSessionSaveSuppressesFirstEchoOnly(t *testing.T) {
	srv := newControllableUpstreamServer(t)
	defer srv.close()
	client := &fakeClientStream{}
	backend := &fakeBackend{credits: 500}
	orch := newOrchestratorForTest(t, srv, client, backend, `{"type":"session.update"}`, 500)

	orch.Connect(context.Background())
	srv.waitForConnect(t)
	waitForState(t, orch, StateConnected)

	srv.send(t, `{"type":"session.updated","session":{}}`)
	waitFor(t, func() bool { return len(client.receivedMessages()) == 1 })

	backend.mu.Lock()
	n := len(backend.savedSessions)
	backend.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected the first session.updated echo to be skipped, got %d saves", n)
	}

	srv.send(t, `{"type":"session.updated","session":{}}`)
	waitFor(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.savedSessions) == 1
	})
}

func TestOnClose_UnexpectedCloseReconnectsWithPreloadedSession(t *testing.T) {
	srv := newControllableUpstreamServer(t)
	defer srv.close()
	client := &fakeClientStream{}
	backend := &fakeBackend{credits: 500}
	orch := newOrchestratorForTest(t, srv, client, backend, `{"type":"session.update"}`, 500)

	orch.Connect(context.Background())
	srv.waitForConnect(t)
	waitForState(t, orch, StateConnected)

	srv.closeUnexpectedly()

	waitForState(t, orch, StateConnected)
	waitFor(t, func() bool { return len(srv.receivedMessages()) >= 2 })

	got := srv.receivedMessages()
	if got[1] != `{"type":"session.update"}` {
		t.Errorf("reconnect did not re-send preloaded session data, got %v", got)
	}

	orch.mu.Lock()
	skip := orch.skipSessionSave
	orch.mu.Unlock()
	if !skip {
		t.Error("expected skipSessionSave=true after an unexpected close reconnect")
	}
}

func TestCleanup_NullsUpstreamHandlerSoNoCallbackFiresAfter(t *testing.T) {
	srv := newControllableUpstreamServer(t)
	defer srv.close()
	client := &fakeClientStream{}
	backend := &fakeBackend{credits: 500}
	orch := newOrchestratorForTest(t, srv, client, backend, "", 500)

	orch.Connect(context.Background())
	srv.waitForConnect(t)
	waitForState(t, orch, StateConnected)

	orch.Cleanup()
	waitForState(t, orch, StateTerminated)

	// The server-initiated close that follows our disconnect must not flip
	// the Orchestrator back to Preconnect/reconnect — the handler was nulled.
	time.Sleep(100 * time.Millisecond)
	if got := orch.State(); got != StateTerminated {
		t.Errorf("state = %v, want Terminated (no reconnect after explicit Cleanup)", got)
	}
}

func TestCleanup_FlushesUsageAndCheckpointHandlers(t *testing.T) {
	srv := newControllableUpstreamServer(t)
	defer srv.close()
	client := &fakeClientStream{}
	backend := &fakeBackend{credits: 500}
	orch := newOrchestratorForTest(t, srv, client, backend, "", 500)

	orch.Connect(context.Background())
	srv.waitForConnect(t)
	waitForState(t, orch, StateConnected)

	srv.send(t, `{"type":"response.done","response":{"usage":{"input_tokens":20,"output_tokens":30}}}`)
	srv.send(t, `{"type":"conversation.item.input_audio_transcription.delta","delta":"partial"}`)
	waitFor(t, func() bool { return len(client.receivedMessages()) == 2 })

	orch.Cleanup()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.usageCalls) != 1 {
		t.Errorf("expected cleanup to flush the usage handler, got %d calls", len(backend.usageCalls))
	}
	if len(backend.convCalls) != 1 {
		t.Errorf("expected cleanup to flush the checkpoint handler, got %d calls", len(backend.convCalls))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitForState(t *testing.T, orch *Orchestrator, want State) {
	t.Helper()
	waitFor(t, func() bool { return orch.State() == want })
}
