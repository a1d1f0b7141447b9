package mcp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaharia-lab/mcpcore/observability"
)

// WebSocketTransportConfig configures a websocket dial.
type WebSocketTransportConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	Logger           observability.Logger
}

// WebSocketTransport carries one envelope per text frame over a persistent
// duplex connection. It is used on the dial side by clients and on the accept
// side by the websocket server.
type WebSocketTransport struct {
	conn     *websocket.Conn
	incoming chan *Message
	logger   observability.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
	closeMu   sync.Mutex
}

// DialWebSocketTransport connects to the given URL and starts the transport's
// read loop.
func DialWebSocketTransport(ctx context.Context, config WebSocketTransportConfig) (*WebSocketTransport, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("websocket transport requires a URL")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: config.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, config.URL, config.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", config.URL, err)
	}

	return NewWebSocketTransport(conn, config.Logger), nil
}

// NewWebSocketTransport wraps an established websocket connection. The
// transport takes ownership of the connection.
func NewWebSocketTransport(conn *websocket.Conn, logger observability.Logger) *WebSocketTransport {
	if logger == nil {
		logger = observability.NewDefaultLogger()
	}

	t := &WebSocketTransport{
		conn:     conn,
		incoming: make(chan *Message, 16),
		logger:   logger,
	}

	go t.readLoop()
	return t
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.incoming)
	defer t.markClosed()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.WithErr(err).Debug("Websocket read loop terminated")
			}
			return
		}

		msg, decodeErr := DecodeMessage(data)
		if decodeErr != nil {
			t.logger.WithErr(decodeErr).Warn("Dropping undecodable frame")
			continue
		}

		t.incoming <- msg
	}
}

// Send writes one envelope as a single text frame.
func (t *WebSocketTransport) Send(msg *Message) error {
	t.closeMu.Lock()
	closed := t.closed
	t.closeMu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.markClosed()
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Messages returns the receive stream, closed on peer disconnect.
func (t *WebSocketTransport) Messages() <-chan *Message {
	return t.incoming
}

// Close closes the underlying connection, which ends the receive stream.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.markClosed()
		t.writeMu.Lock()
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *WebSocketTransport) markClosed() {
	t.closeMu.Lock()
	t.closed = true
	t.closeMu.Unlock()
}
