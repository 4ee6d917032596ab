package ipc

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout is the default request/response timeout.
	DefaultTimeout = 5 * time.Second

	// DefaultHighWaterMark bounds the number of outstanding request/response
	// records and is mirrored on the Datastore side's per-connection inflight
	// count.
	DefaultHighWaterMark = 1000
)

// pendingRequest is the client-side record kept for one outstanding
// request/response call: the type needed to decode the eventual response,
// the channel its result is delivered on, and the timer that fails it if no
// response arrives in time.
type pendingRequest struct {
	msgType MessageType
	result  chan pendingResult
	timer   *time.Timer
}

type pendingResult struct {
	fields []string
	err    error
}

// Client is the Gateway-side IPC transport: it dials the Datastore's Unix
// socket once and multiplexes request/response calls and fire-and-forget
// sends over that single connection, demultiplexing responses by
// correlation id.
type Client struct {
	timeout time.Duration
	hwm     int

	writeMu sync.Mutex
	conn    net.Conn

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// ClientOption configures a [Client] at construction time.
type ClientOption func(*Client)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithHighWaterMark overrides [DefaultHighWaterMark].
func WithHighWaterMark(n int) ClientOption {
	return func(c *Client) { c.hwm = n }
}

// Dial connects to the Datastore's Unix domain socket at socketPath and
// starts the background receive loop.
func Dial(ctx context.Context, socketPath string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %q: %w", socketPath, err)
	}
	return NewClient(conn, opts...), nil
}

// NewClient wraps an already-established connection. Exposed separately
// from [Dial] so tests can drive the client over a [net.Pipe].
func NewClient(conn net.Conn, opts ...ClientOption) *Client {
	c := &Client{
		timeout: DefaultTimeout,
		hwm:     DefaultHighWaterMark,
		conn:    conn,
		pending: make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.receiveLoop()
	return c
}

// Request sends a request/response message and blocks until the reply
// arrives, the per-request timeout elapses, ctx is cancelled, or the client
// is destroyed. Returns the ordered response fields on success.
func (c *Client) Request(ctx context.Context, msgType MessageType, args ...string) ([]string, error) {
	if IsOneway(msgType) {
		return nil, fmt.Errorf("ipc: %s is a fire-and-forget message type", msgType)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, WrapCodedError(CodeInternalZMQNotConnected, fmt.Errorf("ipc: client is closed"))
	}
	if len(c.pending) >= c.hwm {
		c.mu.Unlock()
		return nil, WrapCodedError(CodeInternalZMQNotConnected, fmt.Errorf("ipc: request queue full (%d pending)", c.hwm))
	}

	id := uuid.NewString()
	pr := &pendingRequest{
		msgType: msgType,
		result:  make(chan pendingResult, 1),
	}
	pr.timer = time.AfterFunc(c.timeout, func() { c.failPending(id, WrapCodedError(CodeInternalZMQRequestTimeout, fmt.Errorf("ipc: %s timed out after %s", msgType, c.timeout))) })
	c.pending[id] = pr
	c.mu.Unlock()

	frame, err := EncodeRequest(id, msgType, args...)
	if err != nil {
		c.removePending(id)
		return nil, err
	}

	if err := c.writeFrame(frame); err != nil {
		c.removePending(id)
		return nil, WrapCodedError(CodeInternalZMQNotConnected, err)
	}

	select {
	case res := <-pr.result:
		return res.fields, res.err
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// Send issues a fire-and-forget message. It never blocks waiting for a
// reply and never returns an error to the caller for transport-level
// failures — those are logged only, per the fire-and-forget contract.
func (c *Client) Send(msgType MessageType, args ...string) {
	if !IsOneway(msgType) {
		slog.Error("ipc: Send called with a request/response type", "type", msgType)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		slog.Warn("ipc: dropping fire-and-forget send, transport not connected", "type", msgType)
		return
	}
	if len(c.pending) >= c.hwm {
		c.mu.Unlock()
		slog.Warn("ipc: dropping fire-and-forget send, high-water mark reached", "type", msgType, "hwm", c.hwm)
		return
	}
	c.mu.Unlock()

	frame, err := EncodeRequest(uuid.NewString(), msgType, args...)
	if err != nil {
		slog.Error("ipc: failed to encode fire-and-forget frame", "type", msgType, "error", err)
		return
	}
	if err := c.writeFrame(frame); err != nil {
		slog.Warn("ipc: dropping fire-and-forget send, write failed", "type", msgType, "error", err)
	}
}

func (c *Client) writeFrame(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, frame)
}

// removePending deletes and stops the timer for id without delivering a
// result; used when the caller has already given up (ctx cancellation,
// encode failure).
func (c *Client) removePending(id string) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		pr.timer.Stop()
	}
}

// failPending delivers err to the pending request's channel, if it still
// exists, and removes it.
func (c *Client) failPending(id string, err error) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pr.timer.Stop()
	select {
	case pr.result <- pendingResult{err: err}:
	default:
	}
}

// receiveLoop demultiplexes incoming response frames by correlation id until
// the connection is closed.
func (c *Client) receiveLoop() {
	r := bufio.NewReader(c.conn)
	for {
		frame, err := ReadFrame(r)
		if err != nil {
			c.destroy(err)
			return
		}
		c.handleResponse(frame)
	}
}

func (c *Client) handleResponse(frame string) {
	id, rest, ok := strings.Cut(frame, delim)
	if !ok {
		slog.Error("ipc: malformed response frame, no correlation id", "frame", frame)
		return
	}

	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		slog.Warn("ipc: response for unknown or already-resolved correlation id",
			"id", id, "code", CodeInternalZMQNoPendingRequest)
		return
	}
	pr.timer.Stop()

	_, errCode, fields, err := DecodeResponse(id+delim+rest, pr.msgType)
	if err != nil {
		pr.result <- pendingResult{err: WrapCodedError(CodeInternalZMQDecodeFailed, err)}
		return
	}
	if errCode != "" {
		code := Code(errCode)
		switch code {
		case CodeInvalidAuth, CodeNoCredits, CodeInternalError,
			CodeExternalNoCredits, CodeExternalBufferOverflow, CodeExternalInvalidAuth,
			CodeInternalEnvKeyNotFound, CodeInternalZMQNotConnected, CodeInternalZMQRequestTimeout,
			CodeInternalZMQDestroyed, CodeInternalZMQInvalidResponse, CodeInternalZMQNoPendingRequest,
			CodeInternalZMQDecodeFailed:
		default:
			code = CodeInternalError
		}
		pr.result <- pendingResult{err: NewCodedError(code, "datastore returned an error response")}
		return
	}
	pr.result <- pendingResult{fields: fields}
}

// Close destroys the transport: every pending request is failed with
// [CodeInternalZMQDestroyed], its timer stopped, and the underlying
// connection closed. Idempotent.
func (c *Client) Close() error {
	return c.destroy(fmt.Errorf("ipc: client closed"))
}

func (c *Client) destroy(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for id, pr := range pending {
		pr.timer.Stop()
		select {
		case pr.result <- pendingResult{err: WrapCodedError(CodeInternalZMQDestroyed, cause)}:
		default:
		}
		_ = id
	}
	return c.conn.Close()
}

// parseInt64Field is a convenience used by callers decoding numeric response
// fields (e.g. "credits").
func parseInt64Field(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
