package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Handler is implemented by the Datastore-side business logic that the
// [Server] dispatches decoded requests to. Request/response methods return a
// [Code] (empty on success); fire-and-forget methods return nothing and must
// never block on work that can be done asynchronously.
type Handler interface {
	ValidateAndLoad(ctx context.Context, apiKey, sessionID string) (accountID, sessionData string, credits int64, code Code)
	GetCredits(ctx context.Context, accountID string) (credits int64, code Code)
	UpdateUsage(ctx context.Context, accountID, sessionID, provider string, inputTokens, outputTokens int64)
	SaveSession(ctx context.Context, accountID, sessionID, rawEvent string)
	AppendConversation(ctx context.Context, accountID, sessionID, blob string)
}

// Server is the Datastore-side IPC listener: one Unix domain socket accepting
// any number of Gateway connections, each served by one reading goroutine
// that dispatches every request to its own short-lived goroutine.
type Server struct {
	socketPath string
	handler    Handler
	hwm        int
}

// ServerOption configures a [Server] at construction time.
type ServerOption func(*Server)

// WithServerHighWaterMark overrides [DefaultHighWaterMark] for inflight
// requests per connection.
func WithServerHighWaterMark(n int) ServerOption {
	return func(s *Server) { s.hwm = n }
}

// NewServer creates a [Server] bound to socketPath, not yet listening.
func NewServer(socketPath string, handler Handler, opts ...ServerOption) *Server {
	s := &Server{socketPath: socketPath, handler: handler, hwm: DefaultHighWaterMark}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve listens on the server's socket path and accepts connections until ctx
// is cancelled or an unrecoverable accept error occurs. Each connection is
// served independently; a failure on one connection does not affect others.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale socket %q: %w", s.socketPath, err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen on %q: %w", s.socketPath, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn reads frames from one connection until it closes or ctx is
// cancelled, dispatching each to the handler. Request/response frames are
// handled on their own goroutine (bounded by the high-water mark) so that one
// slow call cannot stall the rest of the connection's traffic; responses for
// distinct correlation ids may therefore be written out of order, which the
// Gateway's correlation-id demux already tolerates.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	writeFrame := func(frame string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := WriteFrame(conn, frame); err != nil {
			slog.Warn("ipc: failed to write response frame", "error", err)
		}
	}

	sem := make(chan struct{}, s.hwm)
	var g errgroup.Group
	r := bufio.NewReader(conn)

	for {
		frame, err := ReadFrame(r)
		if err != nil {
			break
		}

		id, msgType, args, decodeErr := DecodeRequest(frame)
		if decodeErr != nil {
			slog.Warn("ipc: failed to decode request frame", "error", decodeErr)
			if id != "" {
				writeFrame(EncodeResponse(id, string(CodeInternalZMQDecodeFailed)))
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		default:
			if !IsOneway(msgType) {
				writeFrame(EncodeResponse(id, string(CodeInternalZMQNotConnected)))
			}
			slog.Warn("ipc: dropping request, connection high-water mark reached", "type", msgType)
			continue
		}

		g.Go(func() error {
			defer func() { <-sem }()
			s.dispatch(ctx, writeFrame, id, msgType, args)
			return nil
		})
	}

	_ = g.Wait()
}

func (s *Server) dispatch(ctx context.Context, writeFrame func(string), id string, msgType MessageType, args []string) {
	switch msgType {
	case ValidateAndLoad:
		accountID, sessionData, credits, code := s.handler.ValidateAndLoad(ctx, args[0], args[1])
		if code != CodeNone {
			writeFrame(EncodeResponse(id, string(code)))
			return
		}
		writeFrame(EncodeResponse(id, "", accountID, sessionData, fmt.Sprintf("%d", credits)))

	case GetCredits:
		credits, code := s.handler.GetCredits(ctx, args[0])
		if code != CodeNone {
			writeFrame(EncodeResponse(id, string(code)))
			return
		}
		writeFrame(EncodeResponse(id, "", fmt.Sprintf("%d", credits)))

	case UpdateUsage:
		input, inErr := parseInt64Field(args[3])
		output, outErr := parseInt64Field(args[4])
		if inErr != nil || outErr != nil {
			slog.Error("ipc: malformed UPDATE_USAGE token fields", "in_err", inErr, "out_err", outErr)
			return
		}
		s.handler.UpdateUsage(ctx, args[0], args[1], args[2], input, output)

	case SaveSession:
		s.handler.SaveSession(ctx, args[0], args[1], args[2])

	case AppendConversation:
		s.handler.AppendConversation(ctx, args[0], args[1], args[2])

	default:
		slog.Error("ipc: unreachable — unknown message type reached dispatch", "type", msgType)
		if !IsOneway(msgType) {
			writeFrame(EncodeResponse(id, string(CodeInternalError)))
		}
	}
}

// ErrServerClosed is returned by callers wrapping [Server.Serve] when they
// need to distinguish a deliberate shutdown from an accept failure.
var ErrServerClosed = errors.New("ipc: server closed")
