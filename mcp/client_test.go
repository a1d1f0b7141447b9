package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/mcpcore/observability"
)

// memTransport is an in-memory Transport half. Two halves share a pair of
// channels, so closing one side ends the other side's receive stream exactly
// like a dead process or dropped socket would.
type memTransport struct {
	mu     sync.Mutex
	out    chan *Message
	in     chan *Message
	closed bool
}

func newTransportPair() (*memTransport, *memTransport) {
	a := make(chan *Message, 32)
	b := make(chan *Message, 32)
	return &memTransport{out: a, in: b}, &memTransport{out: b, in: a}
}

func (t *memTransport) Send(msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.out <- msg
	return nil
}

func (t *memTransport) Messages() <-chan *Message {
	return t.in
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.out)
	}
	return nil
}

// fakeServer answers requests arriving on a transport with scripted
// handlers. Methods without a handler get a method-not-found error.
type fakeServer struct {
	transport *memTransport
	handlers  map[string]func(request *Message) *Message
	responses chan *Message

	mu            sync.Mutex
	notifications []string
}

func newFakeServer(transport *memTransport) *fakeServer {
	s := &fakeServer{
		transport: transport,
		handlers:  make(map[string]func(*Message) *Message),
		responses: make(chan *Message, 8),
	}

	s.handlers["initialize"] = func(request *Message) *Message {
		response, _ := NewResponse(request.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities: map[string]any{
				"tools": map[string]any{"listChanged": true},
			},
			ServerInfo: ServerInfo{Name: "fake", Version: "1.0.0"},
		})
		return response
	}
	s.handlers["tools/list"] = func(request *Message) *Message {
		response, _ := NewResponse(request.ID, ListToolsResult{Tools: []Tool{}})
		return response
	}

	go s.run()
	return s
}

func (s *fakeServer) run() {
	for msg := range s.transport.Messages() {
		if msg.IsNotification() {
			s.mu.Lock()
			s.notifications = append(s.notifications, msg.Method)
			s.mu.Unlock()
			continue
		}
		if msg.IsResponse() {
			s.responses <- msg
			continue
		}
		if !msg.IsRequest() {
			continue
		}

		handler, ok := s.handlers[msg.Method]
		if !ok {
			s.transport.Send(NewErrorResponse(msg.ID, ErrorCodeMethodNotFound, "Method not found", nil))
			continue
		}
		if response := handler(msg); response != nil {
			s.transport.Send(response)
		}
	}
}

func (s *fakeServer) receivedNotifications() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.notifications))
	copy(out, s.notifications)
	return out
}

func (s *fakeServer) on(method string, handler func(request *Message) *Message) {
	s.handlers[method] = handler
}

func respond(request *Message, result interface{}) *Message {
	response, _ := NewResponse(request.ID, result)
	return response
}

func newTestClient() *Client {
	return NewClient(ClientConfig{
		Name:           "test-client",
		Version:        "0.0.1",
		DefaultTimeout: 2 * time.Second,
		Logger:         observability.NewNullLogger(),
	})
}

func TestClientHandshakeReachesReady(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	fake := newFakeServer(serverTransport)
	fake.on("tools/list", func(request *Message) *Message {
		return respond(request, ListToolsResult{Tools: []Tool{
			{Name: "read_file", Description: "Read a file", InputSchema: json.RawMessage(`{"type":"object"}`)},
		}})
	})

	client := newTestClient()
	defer client.Shutdown()

	require.NoError(t, client.ConnectServer(context.Background(), "fs", ServerConfig{Transport: clientTransport}))

	assert.Equal(t, []string{"fs"}, client.ListConnectedServers())
	assert.Equal(t, []string{"fs:read_file"}, client.ListTools())
	assert.Contains(t, fake.receivedNotifications(), "notifications/initialized")
}

func TestClientCallToolRoutesToOwningServer(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	fake := newFakeServer(serverTransport)
	fake.on("tools/list", func(request *Message) *Message {
		return respond(request, ListToolsResult{Tools: []Tool{{Name: "read_file"}}})
	})
	fake.on("tools/call", func(request *Message) *Message {
		var params CallToolParams
		require.NoError(t, json.Unmarshal(request.Params, &params))
		assert.Equal(t, "read_file", params.Name)
		return respond(request, CallToolResult{
			Content: []ToolResultContent{{Type: "text", Text: "hello"}},
		})
	})

	client := newTestClient()
	defer client.Shutdown()
	require.NoError(t, client.ConnectServer(context.Background(), "fs", ServerConfig{Transport: clientTransport}))

	result, err := client.CallTool(context.Background(), "read_file",
		json.RawMessage(`{"path":"/tmp/x"}`), 0)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello", result.Content[0].Text)
}

func TestClientUnknownToolFailsWithoutNetwork(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	newFakeServer(serverTransport)

	client := newTestClient()
	defer client.Shutdown()
	require.NoError(t, client.ConnectServer(context.Background(), "fs", ServerConfig{Transport: clientTransport}))

	_, err := client.CallTool(context.Background(), "no_such_tool", nil, 0)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestClientPartialDiscoveryStillReady(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	fake := newFakeServer(serverTransport)
	fake.on("initialize", func(request *Message) *Message {
		return respond(request, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities: map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
			},
			ServerInfo: ServerInfo{Name: "fake", Version: "1.0.0"},
		})
	})
	fake.on("tools/list", func(request *Message) *Message {
		return NewErrorResponse(request.ID, ErrorCodeInternal, "Listing failed", nil)
	})
	fake.on("resources/list", func(request *Message) *Message {
		return respond(request, ListResourcesResult{Resources: []Resource{
			{URI: "file:///etc/hosts", Name: "hosts", MimeType: "text/plain"},
		}})
	})

	client := newTestClient()
	defer client.Shutdown()
	require.NoError(t, client.ConnectServer(context.Background(), "fs", ServerConfig{Transport: clientTransport}))

	// The failed category leaves its index empty; the rest survive.
	assert.Empty(t, client.ListTools())
	assert.Equal(t, []string{"fs:file:///etc/hosts"}, client.ListResources())
}

func TestClientOutOfOrderResponses(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	fake := newFakeServer(serverTransport)
	fake.on("tools/list", func(request *Message) *Message {
		return respond(request, ListToolsResult{Tools: []Tool{{Name: "slow"}, {Name: "fast"}}})
	})

	// Hold the first tools/call until the second arrives, then answer in
	// reverse order.
	var pendingMu sync.Mutex
	var held *Message
	fake.on("tools/call", func(request *Message) *Message {
		var params CallToolParams
		require.NoError(t, json.Unmarshal(request.Params, &params))

		pendingMu.Lock()
		defer pendingMu.Unlock()
		if params.Name == "slow" && held == nil {
			held = request
			return nil
		}

		fast := respond(request, CallToolResult{Content: []ToolResultContent{{Type: "text", Text: "fast"}}})
		fake.transport.Send(fast)
		if held != nil {
			slow := respond(held, CallToolResult{Content: []ToolResultContent{{Type: "text", Text: "slow"}}})
			fake.transport.Send(slow)
			held = nil
		}
		return nil
	})

	client := newTestClient()
	defer client.Shutdown()
	require.NoError(t, client.ConnectServer(context.Background(), "fs", ServerConfig{Transport: clientTransport}))

	var wg sync.WaitGroup
	wg.Add(2)

	var slowResult, fastResult CallToolResult
	var slowErr, fastErr error
	go func() {
		defer wg.Done()
		slowResult, slowErr = client.CallTool(context.Background(), "slow", nil, 0)
	}()
	// The slow call must be in flight before the fast one triggers replies.
	time.Sleep(50 * time.Millisecond)
	go func() {
		defer wg.Done()
		fastResult, fastErr = client.CallTool(context.Background(), "fast", nil, 0)
	}()
	wg.Wait()

	require.NoError(t, slowErr)
	require.NoError(t, fastErr)
	assert.Equal(t, "slow", slowResult.Content[0].Text)
	assert.Equal(t, "fast", fastResult.Content[0].Text)
}

func TestClientCallTimeoutCleansPendingEntry(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	fake := newFakeServer(serverTransport)
	fake.on("tools/list", func(request *Message) *Message {
		return respond(request, ListToolsResult{Tools: []Tool{{Name: "stuck"}}})
	})
	fake.on("tools/call", func(request *Message) *Message {
		return nil // never answer
	})

	client := newTestClient()
	defer client.Shutdown()
	require.NoError(t, client.ConnectServer(context.Background(), "fs", ServerConfig{Transport: clientTransport}))

	_, err := client.CallTool(context.Background(), "stuck", nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	client.mu.RLock()
	conn := client.connections["fs"]
	client.mu.RUnlock()
	assert.Equal(t, 0, conn.pending.size())
	assert.Equal(t, Ready, conn.State())
}

func TestClientTeardownFailsInFlightCalls(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	fake := newFakeServer(serverTransport)
	fake.on("tools/list", func(request *Message) *Message {
		return respond(request, ListToolsResult{Tools: []Tool{{Name: "stuck"}}})
	})
	fake.on("tools/call", func(request *Message) *Message {
		return nil // never answer
	})

	client := newTestClient()
	defer client.Shutdown()
	require.NoError(t, client.ConnectServer(context.Background(), "fs", ServerConfig{Transport: clientTransport}))

	const inFlight = 3
	errs := make(chan error, inFlight)
	for i := 0; i < inFlight; i++ {
		go func() {
			_, err := client.CallTool(context.Background(), "stuck", nil, 5*time.Second)
			errs <- err
		}()
	}

	// Let the calls reach the wire, then kill the server side.
	time.Sleep(100 * time.Millisecond)
	serverTransport.Close()

	for i := 0; i < inFlight; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("in-flight call did not fail on teardown")
		}
	}

	// Teardown purges the aggregate indices.
	assert.Eventually(t, func() bool {
		return len(client.ListTools()) == 0
	}, time.Second, 10*time.Millisecond)

	_, err := client.CallTool(context.Background(), "stuck", nil, 0)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestClientToolNameCollisionFirstWins(t *testing.T) {
	transportA, serverA := newTransportPair()
	transportB, serverB := newTransportPair()

	fakeA := newFakeServer(serverA)
	fakeA.on("tools/list", func(request *Message) *Message {
		return respond(request, ListToolsResult{Tools: []Tool{{Name: "search"}}})
	})
	fakeA.on("tools/call", func(request *Message) *Message {
		return respond(request, CallToolResult{Content: []ToolResultContent{{Type: "text", Text: "from-a"}}})
	})

	fakeB := newFakeServer(serverB)
	fakeB.on("tools/list", func(request *Message) *Message {
		return respond(request, ListToolsResult{Tools: []Tool{{Name: "search"}}})
	})
	fakeB.on("tools/call", func(request *Message) *Message {
		return respond(request, CallToolResult{Content: []ToolResultContent{{Type: "text", Text: "from-b"}}})
	})

	client := newTestClient()
	defer client.Shutdown()
	require.NoError(t, client.ConnectServer(context.Background(), "alpha", ServerConfig{Transport: transportA}))
	require.NoError(t, client.ConnectServer(context.Background(), "beta", ServerConfig{Transport: transportB}))

	assert.Equal(t, []string{"alpha:search"}, client.ListTools())

	result, err := client.CallTool(context.Background(), "search", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "from-a", result.Content[0].Text)
}

func TestClientDisconnectServerPurgesIndices(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	fake := newFakeServer(serverTransport)
	fake.on("tools/list", func(request *Message) *Message {
		return respond(request, ListToolsResult{Tools: []Tool{{Name: "read_file"}}})
	})

	client := newTestClient()
	defer client.Shutdown()
	require.NoError(t, client.ConnectServer(context.Background(), "fs", ServerConfig{Transport: clientTransport}))
	require.NotEmpty(t, client.ListTools())

	require.NoError(t, client.DisconnectServer("fs"))
	assert.Empty(t, client.ListConnectedServers())
	assert.Empty(t, client.ListTools())

	assert.Error(t, client.DisconnectServer("fs"))
}

func TestClientServerIssuedPing(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	fake := newFakeServer(serverTransport)

	client := newTestClient()
	defer client.Shutdown()
	require.NoError(t, client.ConnectServer(context.Background(), "fs", ServerConfig{Transport: clientTransport}))

	// The server pings the client; the connection answers without any
	// caller involvement.
	ping, err := NewRequest(int64(9001), "ping", nil)
	require.NoError(t, err)
	require.NoError(t, fake.transport.Send(ping))

	select {
	case msg := <-fake.responses:
		require.True(t, msg.IsResponse())
		assert.JSONEq(t, `9001`, string(*msg.ID))
		assert.Nil(t, msg.Error)
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}
}

func TestClientNotificationHandlerInvoked(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	fake := newFakeServer(serverTransport)
	fake.on("tools/list", func(request *Message) *Message {
		return respond(request, ListToolsResult{Tools: []Tool{{Name: "read_file"}}})
	})

	conn := NewConnection("fs", clientTransport, ConnectionConfig{
		Logger: observability.NewNullLogger(),
	})
	defer conn.Close()

	got := make(chan string, 1)
	conn.OnNotification("notifications/tools/list_changed", func(method string, params json.RawMessage) {
		got <- method
	})

	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, Ready, conn.State())
	assert.Equal(t, "fake", conn.ServerInfo().Name)

	changed, err := NewNotification("notifications/tools/list_changed", nil)
	require.NoError(t, err)
	require.NoError(t, fake.transport.Send(changed))

	select {
	case method := <-got:
		assert.Equal(t, "notifications/tools/list_changed", method)
	case <-time.After(time.Second):
		t.Fatal("notification handler was not invoked")
	}
}

func TestClientSetLogLevel(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	fake := newFakeServer(serverTransport)
	fake.on("initialize", func(request *Message) *Message {
		return respond(request, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities: map[string]any{
				"tools":   map[string]any{},
				"logging": map[string]any{},
			},
			ServerInfo: ServerInfo{Name: "fake", Version: "1.0.0"},
		})
	})
	fake.on("logging/setLevel", func(request *Message) *Message {
		var params SetLogLevelParams
		require.NoError(t, json.Unmarshal(request.Params, &params))
		assert.Equal(t, LogLevelWarning, params.Level)
		return respond(request, struct{}{})
	})

	client := newTestClient()
	defer client.Shutdown()
	require.NoError(t, client.ConnectServer(context.Background(), "fs", ServerConfig{Transport: clientTransport}))

	assert.NoError(t, client.SetLogLevel(context.Background(), "fs", LogLevelWarning))
	assert.Error(t, client.SetLogLevel(context.Background(), "nope", LogLevelWarning))
}

func TestClientSetLogLevelWithoutCapability(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	newFakeServer(serverTransport)

	client := newTestClient()
	defer client.Shutdown()
	require.NoError(t, client.ConnectServer(context.Background(), "fs", ServerConfig{Transport: clientTransport}))

	err := client.SetLogLevel(context.Background(), "fs", LogLevelDebug)
	assert.ErrorIs(t, err, ErrCapabilityNotSupported)
}

func TestConnectionCallBeforeReady(t *testing.T) {
	clientTransport, _ := newTransportPair()
	conn := NewConnection("fs", clientTransport, ConnectionConfig{
		Logger: observability.NewNullLogger(),
	})
	defer conn.Close()

	_, err := conn.Call(context.Background(), "tools/list", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectionInitializeErrorTearsDown(t *testing.T) {
	clientTransport, serverTransport := newTransportPair()
	fake := newFakeServer(serverTransport)
	fake.on("initialize", func(request *Message) *Message {
		return NewErrorResponse(request.ID, ErrorCodeInvalidParams, "Unsupported protocol version", nil)
	})

	conn := NewConnection("fs", clientTransport, ConnectionConfig{
		Logger: observability.NewNullLogger(),
	})
	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Disconnected, conn.State())
}
