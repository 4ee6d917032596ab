// Package upstream owns the Gateway's outbound WebSocket connection to the
// generative voice provider and forwards its lifecycle to an attached
// handler.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Handler receives the four lifecycle events of a [Connection]. OnConnect
// and OnError are invoked on the goroutine that calls [Connection.Connect];
// OnMsgReceived and OnClose are invoked from the connection's own read loop
// goroutine. Implementations must not block for long.
type Handler interface {
	OnConnect()
	OnError(err error)
	OnClose(code websocket.StatusCode, reason string)
	OnMsgReceived(raw string)
}

// Connection owns one outbound realtime WebSocket to the provider. The
// handler reference is set at construction and is the sole mechanism that
// distinguishes an explicit disconnect from an unexpected close: disconnect
// nulls the handler before closing the socket, so any callback racing with
// it becomes a no-op.
type Connection struct {
	url    string
	apiKey string

	mu      sync.Mutex
	conn    *websocket.Conn
	handler Handler
	closed  bool
}

// New creates a Connection targeting url, authorizing with apiKey via a
// bearer Authorization header, and delegating lifecycle events to handler.
func New(url, apiKey string, handler Handler) *Connection {
	return &Connection{url: url, apiKey: apiKey, handler: handler}
}

// Connect dials the provider and starts the read loop in the background.
// OnConnect fires once the dial succeeds; OnError fires (without OnConnect)
// if the dial fails.
func (c *Connection) Connect(ctx context.Context) {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
		},
	})
	if err != nil {
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.OnError(fmt.Errorf("upstream: dial: %w", err))
		}
		return
	}

	c.mu.Lock()
	c.conn = conn
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		h.OnConnect()
	}
	go c.readLoop(conn)
}

// Send forwards payload upstream as a single text frame. String and []byte
// payloads pass through unchanged; any other value is JSON-encoded first.
func (c *Connection) Send(ctx context.Context, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("upstream: send: not connected")
	}

	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("upstream: encode payload: %w", err)
		}
		data = encoded
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Disconnect nulls the handler reference and closes the underlying
// connection, if any. Idempotent; safe to call on a never-connected or
// already-disconnected Connection.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.handler = nil
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h.OnClose(code, err.Error())
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			// Handler nulled mid-flight by Disconnect; drop silently.
			continue
		}
		h.OnMsgReceived(string(data))
	}
}
