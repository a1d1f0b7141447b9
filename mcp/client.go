package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shaharia-lab/mcpcore/observability"
)

// ClientConfig configures a multi-server client.
type ClientConfig struct {
	Name           string
	Version        string
	DefaultTimeout time.Duration
	Logger         observability.Logger
}

// ServerConfig describes how to reach one server. Exactly one of Command,
// URL or Transport should be set; Transport wins when provided.
type ServerConfig struct {
	// Command spawns a child process speaking newline-delimited envelopes
	// over its standard streams.
	Command string
	Args    []string
	Env     map[string]string

	// URL dials a websocket endpoint exchanging one envelope per frame.
	URL string

	// Transport uses an already-established transport.
	Transport Transport

	InitTimeout time.Duration
}

// Client owns a named set of connections and aggregates their discovered
// tools, resources and prompts into lookup indices keyed by item name. When a
// tool name is advertised by more than one server, the first registered
// connection wins.
type Client struct {
	config ClientConfig
	logger observability.Logger

	mu            sync.RWMutex
	connections   map[string]*Connection
	toolIndex     map[string]string // tool name -> server name
	resourceIndex map[string]string // resource uri -> server name
	promptIndex   map[string]string // prompt name -> server name
}

// NewClient creates a client with no connections.
func NewClient(config ClientConfig) *Client {
	if config.Name == "" {
		config.Name = defaultClientName
	}
	if config.Version == "" {
		config.Version = defaultClientVersion
	}
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = defaultRequestTimeout
	}
	if config.Logger == nil {
		config.Logger = observability.NewDefaultLogger()
	}

	return &Client{
		config:        config,
		logger:        config.Logger,
		connections:   make(map[string]*Connection),
		toolIndex:     make(map[string]string),
		resourceIndex: make(map[string]string),
		promptIndex:   make(map[string]string),
	}
}

// ConnectServer establishes a connection under the given name and merges its
// discovered capabilities into the aggregate indices. Reconnecting under an
// existing name tears down the old connection first.
func (c *Client) ConnectServer(ctx context.Context, name string, config ServerConfig) error {
	c.mu.Lock()
	old, exists := c.connections[name]
	if exists {
		delete(c.connections, name)
		c.purgeLocked(name)
	}
	c.mu.Unlock()
	if exists {
		old.Close()
	}

	transport, err := c.buildTransport(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to open transport for %s: %w", name, err)
	}

	conn := NewConnection(name, transport, ConnectionConfig{
		ClientName:    c.config.Name,
		ClientVersion: c.config.Version,
		InitTimeout:   config.InitTimeout,
		Logger:        c.config.Logger,
	})
	conn.onTeardown = func() {
		c.mu.Lock()
		c.purgeLocked(name)
		c.mu.Unlock()
	}

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", name, err)
	}

	c.mu.Lock()
	c.connections[name] = conn
	for toolName := range conn.Tools() {
		if owner, taken := c.toolIndex[toolName]; taken {
			c.logger.WithFields(map[string]interface{}{
				"tool":   toolName,
				"owner":  owner,
				"server": name,
			}).Warn("Tool name already registered, keeping first")
			continue
		}
		c.toolIndex[toolName] = name
	}
	for uri := range conn.Resources() {
		if _, taken := c.resourceIndex[uri]; taken {
			continue
		}
		c.resourceIndex[uri] = name
	}
	for promptName := range conn.Prompts() {
		if _, taken := c.promptIndex[promptName]; taken {
			continue
		}
		c.promptIndex[promptName] = name
	}
	c.mu.Unlock()

	return nil
}

func (c *Client) buildTransport(ctx context.Context, config ServerConfig) (Transport, error) {
	switch {
	case config.Transport != nil:
		return config.Transport, nil
	case config.URL != "":
		return DialWebSocketTransport(ctx, WebSocketTransportConfig{
			URL:    config.URL,
			Logger: c.config.Logger,
		})
	case config.Command != "":
		return NewStdIOTransport(StdIOTransportConfig{
			Command: config.Command,
			Args:    config.Args,
			Env:     config.Env,
			Logger:  c.config.Logger,
		})
	default:
		return nil, fmt.Errorf("server config requires a command, url or transport")
	}
}

// CallTool resolves which connection owns the tool and performs a correlated
// tools/call round trip. An unknown tool fails with ErrToolNotFound without
// any network activity.
func (c *Client) CallTool(ctx context.Context, toolName string, arguments json.RawMessage, timeout time.Duration) (CallToolResult, error) {
	conn, err := c.connectionFor(c.toolIndex, toolName, ErrToolNotFound)
	if err != nil {
		return CallToolResult{}, err
	}

	raw, err := conn.Call(ctx, "tools/call", CallToolParams{
		Name:      toolName,
		Arguments: arguments,
	}, c.timeoutOr(timeout))
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return result, nil
}

// ReadResource reads a discovered resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string, timeout time.Duration) (ReadResourceResult, error) {
	conn, err := c.connectionFor(c.resourceIndex, uri, ErrResourceNotFound)
	if err != nil {
		return ReadResourceResult{}, err
	}

	raw, err := conn.Call(ctx, "resources/read", ReadResourceParams{URI: uri}, c.timeoutOr(timeout))
	if err != nil {
		return ReadResourceResult{}, err
	}

	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to parse resource result: %w", err)
	}
	return result, nil
}

// GetPrompt retrieves a discovered prompt with the given arguments applied.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (Prompt, error) {
	conn, err := c.connectionFor(c.promptIndex, name, ErrPromptNotFound)
	if err != nil {
		return Prompt{}, err
	}

	raw, err := conn.Call(ctx, "prompts/get", GetPromptParams{
		Name:      name,
		Arguments: arguments,
	}, c.timeoutOr(timeout))
	if err != nil {
		return Prompt{}, err
	}

	var result Prompt
	if err := json.Unmarshal(raw, &result); err != nil {
		return Prompt{}, fmt.Errorf("failed to parse prompt result: %w", err)
	}
	return result, nil
}

// SetLogLevel asks the named server to filter the log notifications it emits.
// Fails with ErrCapabilityNotSupported when the server did not advertise
// logging support.
func (c *Client) SetLogLevel(ctx context.Context, serverName string, level LogLevel) error {
	c.mu.RLock()
	conn, ok := c.connections[serverName]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no connection named %s", serverName)
	}

	if _, ok := conn.ServerCapabilities()["logging"]; !ok {
		return fmt.Errorf("%w: logging", ErrCapabilityNotSupported)
	}

	_, err := conn.Call(ctx, "logging/setLevel", SetLogLevelParams{Level: level}, c.config.DefaultTimeout)
	return err
}

func (c *Client) connectionFor(index map[string]string, key string, notFound error) (*Connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	serverName, ok := index[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", notFound, key)
	}
	conn, ok := c.connections[serverName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", notFound, key)
	}
	return conn, nil
}

func (c *Client) timeoutOr(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.config.DefaultTimeout
	}
	return timeout
}

// DisconnectServer tears down one connection and purges its entries from the
// aggregate indices.
func (c *Client) DisconnectServer(name string) error {
	c.mu.Lock()
	conn, exists := c.connections[name]
	if exists {
		delete(c.connections, name)
	}
	c.mu.Unlock()

	if !exists {
		return fmt.Errorf("no connection named %s", name)
	}
	return conn.Close()
}

// Shutdown tears down every connection. Safe to call when some or all
// connections are already gone.
func (c *Client) Shutdown() {
	c.mu.Lock()
	conns := make([]*Connection, 0, len(c.connections))
	for _, conn := range c.connections {
		conns = append(conns, conn)
	}
	c.connections = make(map[string]*Connection)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// purgeLocked removes every index entry owned by the named server. Caller
// holds c.mu.
func (c *Client) purgeLocked(name string) {
	for k, owner := range c.toolIndex {
		if owner == name {
			delete(c.toolIndex, k)
		}
	}
	for k, owner := range c.resourceIndex {
		if owner == name {
			delete(c.resourceIndex, k)
		}
	}
	for k, owner := range c.promptIndex {
		if owner == name {
			delete(c.promptIndex, k)
		}
	}
}

// ListConnectedServers returns the sorted names of live connections.
func (c *Client) ListConnectedServers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.connections))
	for name := range c.connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTools returns the aggregate tool index as sorted "server:tool" entries.
func (c *Client) ListTools() []string {
	return c.snapshotIndex(func() map[string]string { return c.toolIndex })
}

// ListResources returns the aggregate resource index as sorted "server:uri"
// entries.
func (c *Client) ListResources() []string {
	return c.snapshotIndex(func() map[string]string { return c.resourceIndex })
}

// ListPrompts returns the aggregate prompt index as sorted "server:prompt"
// entries.
func (c *Client) ListPrompts() []string {
	return c.snapshotIndex(func() map[string]string { return c.promptIndex })
}

func (c *Client) snapshotIndex(index func() map[string]string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]string, 0, len(index()))
	for key, server := range index() {
		entries = append(entries, fmt.Sprintf("%s:%s", server, key))
	}
	sort.Strings(entries)
	return entries
}
