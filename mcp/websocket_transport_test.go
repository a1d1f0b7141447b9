package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/mcpcore/observability"
)

func newEchoWebSocketServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	server := newEchoWebSocketServer(t)

	transport, err := DialWebSocketTransport(context.Background(), WebSocketTransportConfig{
		URL:    wsURL(server),
		Logger: observability.NewNullLogger(),
	})
	require.NoError(t, err)
	defer transport.Close()

	request, err := NewRequest(int64(5), "ping", nil)
	require.NoError(t, err)
	require.NoError(t, transport.Send(request))

	echoed := receiveMessage(t, transport)
	assert.Equal(t, "ping", echoed.Method)
	assert.JSONEq(t, `5`, string(*echoed.ID))
}

func TestWebSocketTransportDialFailure(t *testing.T) {
	_, err := DialWebSocketTransport(context.Background(), WebSocketTransportConfig{
		URL:              "ws://127.0.0.1:1",
		HandshakeTimeout: 200 * time.Millisecond,
		Logger:           observability.NewNullLogger(),
	})
	assert.Error(t, err)
}

func TestWebSocketTransportRequiresURL(t *testing.T) {
	_, err := DialWebSocketTransport(context.Background(), WebSocketTransportConfig{})
	assert.Error(t, err)
}

func TestWebSocketTransportChannelClosesOnServerShutdown(t *testing.T) {
	server := newEchoWebSocketServer(t)

	transport, err := DialWebSocketTransport(context.Background(), WebSocketTransportConfig{
		URL:    wsURL(server),
		Logger: observability.NewNullLogger(),
	})
	require.NoError(t, err)
	defer transport.Close()

	server.CloseClientConnections()

	select {
	case _, open := <-transport.Messages():
		assert.False(t, open, "receive stream should close when the server goes away")
	case <-time.After(2 * time.Second):
		t.Fatal("receive stream did not close")
	}

	notification, err := NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, transport.Send(notification), ErrTransportClosed)
}

func TestWebSocketTransportSendAfterClose(t *testing.T) {
	server := newEchoWebSocketServer(t)

	transport, err := DialWebSocketTransport(context.Background(), WebSocketTransportConfig{
		URL:    wsURL(server),
		Logger: observability.NewNullLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, transport.Close())

	notification, err := NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, transport.Send(notification), ErrTransportClosed)
}
