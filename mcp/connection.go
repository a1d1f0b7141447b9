package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaharia-lab/mcpcore/observability"
)

const (
	defaultInitTimeout    = 30 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultClientName     = "mcpcore-client"
	defaultClientVersion  = "0.1.0"
)

// NotificationHandler receives server-issued notifications by method name.
type NotificationHandler func(method string, params json.RawMessage)

// ClientRequestHandler answers server-issued requests on the client side.
// It returns either a result value or a wire error.
type ClientRequestHandler func(params json.RawMessage) (interface{}, *Error)

// ConnectionConfig carries the handshake identity and timeouts for one
// connection.
type ConnectionConfig struct {
	ClientName    string
	ClientVersion string
	InitTimeout   time.Duration
	Logger        observability.Logger
}

// Connection is one logical link to a single server: a transport, a pending
// call table and a background reader that routes responses, notifications and
// server-issued requests for the connection's full lifetime.
type Connection struct {
	serverName string
	transport  Transport
	config     ConnectionConfig
	pending    *pendingCalls
	logger     observability.Logger

	mu                 sync.RWMutex
	state              ConnectionState
	closed             bool
	serverInfo         ServerInfo
	serverCapabilities map[string]any
	tools              map[string]Tool
	resources          map[string]Resource
	prompts            map[string]Prompt

	notificationHandlers map[string]NotificationHandler
	requestHandlers      map[string]ClientRequestHandler

	closeOnce  sync.Once
	onTeardown func()
}

// NewConnection wraps an established transport. The connection does not talk
// to the server until Connect is called.
func NewConnection(serverName string, transport Transport, config ConnectionConfig) *Connection {
	if config.ClientName == "" {
		config.ClientName = defaultClientName
	}
	if config.ClientVersion == "" {
		config.ClientVersion = defaultClientVersion
	}
	if config.InitTimeout == 0 {
		config.InitTimeout = defaultInitTimeout
	}
	if config.Logger == nil {
		config.Logger = observability.NewDefaultLogger()
	}

	c := &Connection{
		serverName:           serverName,
		transport:            transport,
		config:               config,
		pending:              newPendingCalls(),
		logger:               config.Logger.WithFields(map[string]interface{}{"server": serverName}),
		state:                Disconnected,
		tools:                make(map[string]Tool),
		resources:            make(map[string]Resource),
		prompts:              make(map[string]Prompt),
		notificationHandlers: make(map[string]NotificationHandler),
		requestHandlers:      make(map[string]ClientRequestHandler),
	}

	// Servers are allowed to call back into the client. Ping is the only
	// built-in; callers may register more before Connect.
	c.requestHandlers["ping"] = func(params json.RawMessage) (interface{}, *Error) {
		return struct{}{}, nil
	}

	return c
}

// OnNotification registers a handler for a server notification method.
// Unhandled notifications are logged and dropped.
func (c *Connection) OnNotification(method string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationHandlers[method] = handler
}

// Connect drives the handshake: initialize request, initialized notification,
// then discovery of every capability category the server advertised. The
// background reader starts before the initialize request is sent so an
// immediate response cannot be lost.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection is already established or closed")
	}
	c.state = Connecting
	c.mu.Unlock()

	go c.readLoop()

	c.setState(AwaitingInitResponse)
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		ClientInfo: ClientInfo{
			Name:    c.config.ClientName,
			Version: c.config.ClientVersion,
		},
	}

	raw, err := c.call(ctx, "initialize", params, c.config.InitTimeout)
	if err != nil {
		c.teardown()
		return fmt.Errorf("initialization failed: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.teardown()
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.mu.Unlock()

	c.setState(AwaitingInitializedAck)
	if err := c.notify("notifications/initialized", nil); err != nil {
		c.teardown()
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.setState(Discovering)
	c.discover(ctx)
	c.setState(Ready)

	c.logger.WithFields(map[string]interface{}{
		"serverName":    result.ServerInfo.Name,
		"serverVersion": result.ServerInfo.Version,
	}).Info("Connection established")
	return nil
}

// discover issues one list request per advertised capability category. A
// failed category leaves its index empty; discovery never fails the
// connection.
func (c *Connection) discover(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	if c.advertises("tools") {
		g.Go(func() error {
			raw, err := c.call(ctx, "tools/list", ListParams{}, c.config.InitTimeout)
			if err != nil {
				c.logger.WithErr(err).Warn("Tool discovery failed")
				return nil
			}
			var result ListToolsResult
			if err := json.Unmarshal(raw, &result); err != nil {
				c.logger.WithErr(err).Warn("Failed to parse tools list")
				return nil
			}
			c.mu.Lock()
			for _, tool := range result.Tools {
				c.tools[tool.Name] = tool
			}
			c.mu.Unlock()
			return nil
		})
	}

	if c.advertises("resources") {
		g.Go(func() error {
			raw, err := c.call(ctx, "resources/list", ListParams{}, c.config.InitTimeout)
			if err != nil {
				c.logger.WithErr(err).Warn("Resource discovery failed")
				return nil
			}
			var result ListResourcesResult
			if err := json.Unmarshal(raw, &result); err != nil {
				c.logger.WithErr(err).Warn("Failed to parse resources list")
				return nil
			}
			c.mu.Lock()
			for _, resource := range result.Resources {
				c.resources[resource.URI] = resource
			}
			c.mu.Unlock()
			return nil
		})
	}

	if c.advertises("prompts") {
		g.Go(func() error {
			raw, err := c.call(ctx, "prompts/list", ListParams{}, c.config.InitTimeout)
			if err != nil {
				c.logger.WithErr(err).Warn("Prompt discovery failed")
				return nil
			}
			var result ListPromptsResult
			if err := json.Unmarshal(raw, &result); err != nil {
				c.logger.WithErr(err).Warn("Failed to parse prompts list")
				return nil
			}
			c.mu.Lock()
			for _, prompt := range result.Prompts {
				c.prompts[prompt.Name] = prompt
			}
			c.mu.Unlock()
			return nil
		})
	}

	g.Wait()
}

func (c *Connection) advertises(capability string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.serverCapabilities[capability]
	return ok
}

// Call performs a correlated round trip once the connection is ready.
func (c *Connection) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if c.State() != Ready {
		return nil, ErrNotConnected
	}
	return c.call(ctx, method, params, timeout)
}

// call registers a pending call, sends the request and awaits the result
// slot. On timeout the pending entry is removed so a late response cannot
// leak; the connection itself stays open.
func (c *Connection) call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	id, slot := c.pending.register()

	request, err := NewRequest(id, method, params)
	if err != nil {
		c.pending.remove(id)
		return nil, err
	}

	if err := c.transport.Send(request); err != nil {
		c.pending.remove(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-slot:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-timer.C:
		c.pending.remove(id)
		return nil, fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	}
}

func (c *Connection) notify(method string, params interface{}) error {
	notification, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.transport.Send(notification)
}

// readLoop runs once per connection. It exits when the transport's receive
// stream ends, which triggers teardown.
func (c *Connection) readLoop() {
	defer c.teardown()

	for msg := range c.transport.Messages() {
		if err := msg.Validate(); err != nil {
			c.logger.WithErr(err).Warn("Dropping invalid message")
			continue
		}

		switch {
		case msg.IsResponse():
			c.handleResponse(msg)
		case msg.IsRequest():
			c.handleServerRequest(msg)
		case msg.IsNotification():
			c.handleNotification(msg)
		}
	}
}

func (c *Connection) handleResponse(msg *Message) {
	var id int64
	if err := json.Unmarshal(*msg.ID, &id); err != nil {
		c.logger.WithErr(err).Warn("Dropping response with unparseable id")
		return
	}

	res := callResult{result: msg.Result}
	if msg.Error != nil {
		res = callResult{err: msg.Error}
	}

	// A late or duplicate response must never crash the reader.
	if !c.pending.resolve(id, res) {
		c.logger.WithFields(map[string]interface{}{"id": id}).Debug("No pending call for response")
	}
}

func (c *Connection) handleServerRequest(msg *Message) {
	c.mu.RLock()
	handler, ok := c.requestHandlers[msg.Method]
	c.mu.RUnlock()

	if !ok {
		c.send(NewErrorResponse(msg.ID, ErrorCodeMethodNotFound, "Method not found", nil))
		return
	}

	result, callErr := handler(msg.Params)
	if callErr != nil {
		c.send(NewErrorResponse(msg.ID, callErr.Code, callErr.Message, callErr.Data))
		return
	}

	response, err := NewResponse(msg.ID, result)
	if err != nil {
		c.send(NewErrorResponse(msg.ID, ErrorCodeInternal, "Failed to marshal response", nil))
		return
	}
	c.send(response)
}

func (c *Connection) handleNotification(msg *Message) {
	c.mu.RLock()
	handler, ok := c.notificationHandlers[msg.Method]
	c.mu.RUnlock()

	if !ok {
		c.logger.WithFields(map[string]interface{}{"method": msg.Method}).Debug("Unhandled notification")
		return
	}
	handler(msg.Method, msg.Params)
}

func (c *Connection) send(msg *Message) {
	if err := c.transport.Send(msg); err != nil {
		c.logger.WithErr(err).Warn("Failed to send message")
	}
}

// teardown closes the transport, fails every pending call and moves the
// connection to its terminal state. Safe to call from any state, exactly once
// effective.
func (c *Connection) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.state = Disconnected
		c.mu.Unlock()

		c.transport.Close()
		c.pending.cancelAll(ErrConnectionClosed)

		if c.onTeardown != nil {
			c.onTeardown()
		}
		c.logger.Debug("Connection torn down")
	})
}

// Close tears the connection down.
func (c *Connection) Close() error {
	c.teardown()
	return nil
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = state
}

// ServerInfo returns the identity the server reported during initialization.
func (c *Connection) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns a copy of the server's advertised capability set.
func (c *Connection) ServerCapabilities() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps := make(map[string]any, len(c.serverCapabilities))
	for k, v := range c.serverCapabilities {
		caps[k] = v
	}
	return caps
}

// Tools returns a copy of the discovered tool index.
func (c *Connection) Tools() map[string]Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := make(map[string]Tool, len(c.tools))
	for k, v := range c.tools {
		tools[k] = v
	}
	return tools
}

// Resources returns a copy of the discovered resource index.
func (c *Connection) Resources() map[string]Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	resources := make(map[string]Resource, len(c.resources))
	for k, v := range c.resources {
		resources[k] = v
	}
	return resources
}

// Prompts returns a copy of the discovered prompt index.
func (c *Connection) Prompts() map[string]Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prompts := make(map[string]Prompt, len(c.prompts))
	for k, v := range c.prompts {
		prompts[k] = v
	}
	return prompts
}
