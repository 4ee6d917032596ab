package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type fakeHandler struct {
	mu         sync.Mutex
	connected  bool
	errs       []error
	closes     []string
	received   []string
	connectCh  chan struct{}
	msgCh      chan struct{}
	closeCh    chan struct{}
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		connectCh: make(chan struct{}, 10),
		msgCh:     make(chan struct{}, 10),
		closeCh:   make(chan struct{}, 10),
	}
}

func (f *fakeHandler) OnConnect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.connectCh <- struct{}{}
}

func (f *fakeHandler) OnError(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *fakeHandler) OnClose(code websocket.StatusCode, reason string) {
	f.mu.Lock()
	f.closes = append(f.closes, reason)
	f.mu.Unlock()
	f.closeCh <- struct{}{}
}

func (f *fakeHandler) OnMsgReceived(raw string) {
	f.mu.Lock()
	f.received = append(f.received, raw)
	f.mu.Unlock()
	f.msgCh <- struct{}{}
}

func (f *fakeHandler) receivedMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.received))
	copy(out, f.received)
	return out
}

// echoServer accepts a websocket connection and echoes every text frame back
// until the client closes.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := context.Background()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnect_FiresOnConnectAndEchoesMessages(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	h := newFakeHandler()
	conn := New(wsURL(t, srv), "test-key", h)
	conn.Connect(context.Background())
	defer conn.Disconnect()

	select {
	case <-h.connectCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect was not called in time")
	}

	if err := conn.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-h.msgCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnMsgReceived was not called in time")
	}

	got := h.receivedMessages()
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("received = %v, want [\"hello\"]", got)
	}
}

func TestDisconnect_NullsHandlerBeforeClosing(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	h := newFakeHandler()
	conn := New(wsURL(t, srv), "test-key", h)
	conn.Connect(context.Background())

	select {
	case <-h.connectCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect was not called in time")
	}

	conn.Disconnect()
	// The server-side close this triggers must not reach the handler as an
	// OnClose callback — the handler was nulled first.
	time.Sleep(100 * time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.closes) != 0 {
		t.Errorf("expected no OnClose callbacks after explicit Disconnect, got %v", h.closes)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	h := newFakeHandler()
	conn := New(wsURL(t, srv), "test-key", h)
	conn.Connect(context.Background())

	select {
	case <-h.connectCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect was not called in time")
	}

	conn.Disconnect()
	conn.Disconnect() // must not panic
}

func TestConnect_DialFailureFiresOnError(t *testing.T) {
	h := newFakeHandler()
	conn := New("ws://127.0.0.1:1/no-such-server", "test-key", h)
	conn.Connect(context.Background())

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) != 1 {
		t.Fatalf("expected one OnError call, got %d", len(h.errs))
	}
	if h.connected {
		t.Error("OnConnect should not have been called on dial failure")
	}
}

func TestUnexpectedServerCloseFiresOnClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusInternalError, "simulated upstream failure")
	}))
	defer srv.Close()

	h := newFakeHandler()
	conn := New(wsURL(t, srv), "test-key", h)
	conn.Connect(context.Background())
	defer conn.Disconnect()

	select {
	case <-h.closeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose was not called in time")
	}
}
