package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaharia-lab/mcpcore/observability"
)

// StdIOServer serves a single session over a pair of byte streams using
// newline-delimited envelopes. Typically in and out are os.Stdin and
// os.Stdout of a child process spawned by a client.
type StdIOServer struct {
	base *BaseServer
	in   io.Reader
	out  io.Writer

	writeMu sync.Mutex

	mu          sync.Mutex
	initialized bool
}

// NewStdIOServer creates a stdio server around the given dispatcher.
func NewStdIOServer(base *BaseServer, in io.Reader, out io.Writer) *StdIOServer {
	s := &StdIOServer{
		base: base,
		in:   in,
		out:  out,
	}

	base.sendResp = func(_ string, id *json.RawMessage, result interface{}, respErr *Error) {
		if respErr != nil {
			s.writeMessage(&Message{JSONRPC: jsonRPCVersion, ID: id, Error: respErr})
			return
		}
		response, err := NewResponse(id, result)
		if err != nil {
			s.writeMessage(NewErrorResponse(id, ErrorCodeInternal, "Failed to encode response", nil))
			return
		}
		s.writeMessage(response)
	}
	base.sendErr = func(_ string, id *json.RawMessage, code int, message string, data interface{}) {
		s.writeMessage(NewErrorResponse(id, code, message, data))
	}
	base.sendNoti = func(_ string, method string, params interface{}) {
		notification, err := NewNotification(method, params)
		if err != nil {
			base.logger.WithErr(err).Error("Failed to encode notification")
			return
		}
		s.writeMessage(notification)
	}

	return s
}

func (s *StdIOServer) writeMessage(m *Message) {
	data, err := EncodeMessage(m)
	if err != nil {
		s.base.logger.WithErr(err).Error("Failed to encode message")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.base.logger.WithErr(err).Error("Failed to write message")
	}
}

// Run reads envelopes until the input stream ends or the context is
// cancelled. Requests other than initialize are rejected until the client
// completes the handshake.
func (s *StdIOServer) Run(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "StdIOServer.Run")
	defer span.End()

	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						span.RecordError(err)
						span.SetStatus(codes.Error, err.Error())
						return fmt.Errorf("input stream failed: %w", err)
					}
				default:
				}
				s.base.logger.Info("Input stream closed, shutting down")
				return nil
			}
			if line == "" {
				continue
			}
			s.handleLine(ctx, line)
		}
	}
}

func (s *StdIOServer) handleLine(ctx context.Context, line string) {
	message, err := DecodeMessage([]byte(line))
	if err != nil {
		s.writeMessage(NewErrorResponse(nil, ErrorCodeParseError, "Failed to parse message", nil))
		return
	}
	if err := message.Validate(); err != nil {
		s.writeMessage(NewErrorResponse(message.ID, ErrorCodeInvalidRequest, "Invalid request", nil))
		return
	}

	switch {
	case message.IsRequest():
		ctx, span := observability.StartSpan(ctx, "StdIOServer.HandleRequest",
			trace.WithAttributes(attribute.String("rpc.method", message.Method)))
		s.dispatchRequest(ctx, message)
		span.End()
	case message.IsNotification():
		if message.Method == "notifications/initialized" {
			s.mu.Lock()
			s.initialized = true
			s.mu.Unlock()
		}
		s.base.handleNotification("", message)
	default:
		// A single-session stdio server issues no client-bound requests,
		// so responses have nothing to correlate against.
		s.base.logger.WithFields(map[string]interface{}{
			"id": rawIDString(message.ID),
		}).Debug("Dropping unexpected response")
	}
}

func (s *StdIOServer) dispatchRequest(ctx context.Context, request *Message) {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()

	if !initialized && request.Method != "initialize" {
		s.writeMessage(NewErrorResponse(request.ID, ErrorCodeNotInitialized, "Server not initialized", nil))
		return
	}

	s.base.handleRequest(ctx, "", request)
}

func rawIDString(id *json.RawMessage) string {
	if id == nil {
		return ""
	}
	return string(*id)
}
