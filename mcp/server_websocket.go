package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaharia-lab/mcpcore/observability"
)

// WebSocketServerConfig configures the websocket serve surface.
type WebSocketServerConfig struct {
	// AllowedOrigins restricts browser clients by Origin header. Empty means
	// same-origin only; "*" allows any origin.
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
}

type wsSession struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	initialized bool
}

// WebSocketServer serves the dispatcher to many concurrent sessions, one per
// websocket connection, exchanging one envelope per text frame.
type WebSocketServer struct {
	base     *BaseServer
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*wsSession
}

// NewWebSocketServer creates a websocket server around the given dispatcher.
func NewWebSocketServer(base *BaseServer, config WebSocketServerConfig) *WebSocketServer {
	s := &WebSocketServer{
		base:     base,
		sessions: make(map[string]*wsSession),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     makeOriginChecker(config.AllowedOrigins),
		},
	}

	base.sendResp = func(clientID string, id *json.RawMessage, result interface{}, respErr *Error) {
		if respErr != nil {
			s.writeTo(clientID, &Message{JSONRPC: jsonRPCVersion, ID: id, Error: respErr})
			return
		}
		response, err := NewResponse(id, result)
		if err != nil {
			s.writeTo(clientID, NewErrorResponse(id, ErrorCodeInternal, "Failed to encode response", nil))
			return
		}
		s.writeTo(clientID, response)
	}
	base.sendErr = func(clientID string, id *json.RawMessage, code int, message string, data interface{}) {
		s.writeTo(clientID, NewErrorResponse(id, code, message, data))
	}
	base.sendNoti = func(clientID string, method string, params interface{}) {
		notification, err := NewNotification(method, params)
		if err != nil {
			base.logger.WithErr(err).Error("Failed to encode notification")
			return
		}
		if clientID == "" {
			s.broadcast(notification)
			return
		}
		s.writeTo(clientID, notification)
	}

	return s
}

func makeOriginChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla's default: same-origin only
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	allowAll := false
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
		allowedSet[origin] = struct{}{}
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowedSet[origin]
		return ok
	}
}

// ServeHTTP upgrades the request to a websocket and runs the session until
// the peer disconnects.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.base.logger.WithErr(err).Warn("Websocket upgrade failed")
		return
	}

	clientID := uuid.NewString()
	session := &wsSession{conn: conn}

	s.mu.Lock()
	s.sessions[clientID] = session
	s.mu.Unlock()

	s.base.logger.WithFields(map[string]interface{}{
		"client": clientID,
		"remote": conn.RemoteAddr().String(),
	}).Info("Client connected")

	defer func() {
		s.mu.Lock()
		delete(s.sessions, clientID)
		s.mu.Unlock()
		conn.Close()
		s.base.logger.WithFields(map[string]interface{}{"client": clientID}).Info("Client disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.base.logger.WithFields(map[string]interface{}{
					"client": clientID,
				}).WithErr(err).Debug("Session read failed")
			}
			return
		}
		s.handleFrame(r.Context(), clientID, session, data)
	}
}

func (s *WebSocketServer) handleFrame(ctx context.Context, clientID string, session *wsSession, data []byte) {
	message, err := DecodeMessage(data)
	if err != nil {
		s.writeSession(session, NewErrorResponse(nil, ErrorCodeParseError, "Failed to parse message", nil))
		return
	}
	if err := message.Validate(); err != nil {
		s.writeSession(session, NewErrorResponse(message.ID, ErrorCodeInvalidRequest, "Invalid request", nil))
		return
	}

	switch {
	case message.IsRequest():
		s.mu.RLock()
		initialized := session.initialized
		s.mu.RUnlock()

		if !initialized && message.Method != "initialize" {
			s.writeSession(session, NewErrorResponse(message.ID, ErrorCodeNotInitialized, "Server not initialized", nil))
			return
		}

		ctx, span := observability.StartSpan(ctx, "WebSocketServer.HandleRequest",
			trace.WithAttributes(
				attribute.String("rpc.method", message.Method),
				attribute.String("client.id", clientID),
			))
		s.base.handleRequest(ctx, clientID, message)
		span.End()
	case message.IsNotification():
		if message.Method == "notifications/initialized" {
			s.mu.Lock()
			session.initialized = true
			s.mu.Unlock()
		}
		s.base.handleNotification(clientID, message)
	default:
		s.base.logger.WithFields(map[string]interface{}{
			"client": clientID,
		}).Debug("Dropping unexpected response")
	}
}

func (s *WebSocketServer) writeTo(clientID string, m *Message) {
	s.mu.RLock()
	session, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.writeSession(session, m)
}

func (s *WebSocketServer) writeSession(session *wsSession, m *Message) {
	data, err := json.Marshal(m)
	if err != nil {
		s.base.logger.WithErr(err).Error("Failed to encode message")
		return
	}

	session.writeMu.Lock()
	defer session.writeMu.Unlock()
	if err := session.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.base.logger.WithErr(err).Debug("Session write failed")
	}
}

// broadcast writes one message to every initialized session.
func (s *WebSocketServer) broadcast(m *Message) {
	s.mu.RLock()
	targets := make([]*wsSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		if session.initialized {
			targets = append(targets, session)
		}
	}
	s.mu.RUnlock()

	for _, session := range targets {
		s.writeSession(session, m)
	}
}

// Close terminates every active session.
func (s *WebSocketServer) Close() error {
	s.mu.Lock()
	sessions := make([]*wsSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.sessions = make(map[string]*wsSession)
	s.mu.Unlock()

	var firstErr error
	for _, session := range sessions {
		session.writeMu.Lock()
		session.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"))
		session.writeMu.Unlock()
		if err := session.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close session: %w", err)
		}
	}
	return firstErr
}
