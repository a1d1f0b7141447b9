package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/shaharia-lab/mcpcore/observability"
)

const (
	defaultServerName    = "mcpcore-server"
	defaultServerVersion = "0.1.0"
)

// ServerOption is a function that modifies serverOptions.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger               observability.Logger
	protocolVersion      string
	serverName           string
	serverVersion        string
	minLogLevel          LogLevel
	capabilities         map[string]any
	toolManager          *ToolManager
	promptManager        *PromptManager
	resourceManager      *ResourceManager
	requestRate          rate.Limit
	requestBurst         int
	toolExecutionTimeout time.Duration
}

// UseLogger sets a custom logger.
func UseLogger(logger observability.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// UseServerInfo sets server name and version.
func UseServerInfo(name, version string) ServerOption {
	return func(o *serverOptions) {
		o.serverName = name
		o.serverVersion = version
	}
}

// UseLogLevel sets the minimum level for log message notifications.
func UseLogLevel(level LogLevel) ServerOption {
	return func(o *serverOptions) {
		o.minLogLevel = level
	}
}

// UseTools sets the tool registry.
func UseTools(toolManager *ToolManager) ServerOption {
	return func(o *serverOptions) {
		o.toolManager = toolManager
	}
}

// UsePrompts sets the prompt registry.
func UsePrompts(promptManager *PromptManager) ServerOption {
	return func(o *serverOptions) {
		o.promptManager = promptManager
	}
}

// UseResources sets the resource registry.
func UseResources(resourceManager *ResourceManager) ServerOption {
	return func(o *serverOptions) {
		o.resourceManager = resourceManager
	}
}

// UseRateLimit throttles incoming requests to the given rate. Requests wait
// rather than fail when the limit is exceeded.
func UseRateLimit(r rate.Limit, burst int) ServerOption {
	return func(o *serverOptions) {
		o.requestRate = r
		o.requestBurst = burst
	}
}

// UseToolExecutionTimeout bounds how long a single tools/call may run.
func UseToolExecutionTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.toolExecutionTimeout = d
	}
}

// BaseServer is the transport-independent dispatcher: it validates handshake
// state, routes requests by method name to the built-in handlers and the tool
// registry, and emits responses through the send hooks installed by the
// concrete serve surfaces.
type BaseServer struct {
	protocolVersion    string
	clientCapabilities map[string]any
	logger             observability.Logger
	ServerInfo         ServerInfo
	capabilities       map[string]any
	minLogLevel        LogLevel
	toolManager        *ToolManager
	promptManager      *PromptManager
	resourceManager    *ResourceManager
	limiter            *rate.Limiter
	toolTimeout        time.Duration

	// Abstract send methods, installed by StdIOServer / WebSocketServer.
	sendResp func(clientID string, id *json.RawMessage, result interface{}, err *Error)
	sendErr  func(clientID string, id *json.RawMessage, code int, message string, data interface{})
	sendNoti func(clientID string, method string, params interface{})
}

// NewBaseServer creates a dispatcher with the given options.
func NewBaseServer(opts ...ServerOption) (*BaseServer, error) {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	s := &BaseServer{
		protocolVersion: options.protocolVersion,
		logger:          options.logger,
		ServerInfo: ServerInfo{
			Name:    options.serverName,
			Version: options.serverVersion,
		},
		capabilities:    options.capabilities,
		minLogLevel:     options.minLogLevel,
		toolManager:     options.toolManager,
		promptManager:   options.promptManager,
		resourceManager: options.resourceManager,
		toolTimeout:     options.toolExecutionTimeout,
		sendResp:        func(string, *json.RawMessage, interface{}, *Error) {},
		sendErr:         func(string, *json.RawMessage, int, string, interface{}) {},
		sendNoti:        func(string, string, interface{}) {},
	}

	if options.requestRate > 0 {
		s.limiter = rate.NewLimiter(options.requestRate, options.requestBurst)
	}

	return s, nil
}

func defaultServerOptions() *serverOptions {
	pm, _ := NewPromptManager(nil)
	rm, _ := NewResourceManager(nil)

	return &serverOptions{
		logger:          observability.NewDefaultLogger(),
		protocolVersion: ProtocolVersion,
		serverName:      defaultServerName,
		serverVersion:   defaultServerVersion,
		minLogLevel:     LogLevelInfo,
		capabilities: map[string]any{
			"resources": map[string]any{
				"listChanged": true,
				"subscribe":   false,
			},
			"logging": map[string]any{},
			"tools": map[string]any{
				"listChanged": true,
			},
			"prompts": map[string]any{
				"listChanged": true,
			},
		},
		toolManager:     NewToolManager(),
		promptManager:   pm,
		resourceManager: rm,
	}
}

// AddTool registers a tool and notifies connected clients that the tool list
// changed.
func (s *BaseServer) AddTool(tool Tool, implementation ToolImplementation) error {
	if err := s.toolManager.RegisterTool(tool, implementation); err != nil {
		return err
	}
	s.SendToolListChangedNotification()
	return nil
}

// AddResource registers a resource.
func (s *BaseServer) AddResource(resource Resource) error {
	return s.resourceManager.AddResource(resource)
}

// AddPrompt registers a prompt and notifies connected clients that the prompt
// list changed.
func (s *BaseServer) AddPrompt(prompt Prompt) error {
	if err := s.promptManager.AddPrompt(prompt); err != nil {
		return err
	}
	s.SendPromptListChangedNotification()
	return nil
}

// SendPromptListChangedNotification broadcasts that the prompt list changed.
func (s *BaseServer) SendPromptListChangedNotification() {
	s.sendNoti("", "notifications/prompts/list_changed", nil)
}

// SendToolListChangedNotification broadcasts that the tool list changed.
func (s *BaseServer) SendToolListChangedNotification() {
	s.sendNoti("", "notifications/tools/list_changed", nil)
}

// LogMessage broadcasts a log message notification, subject to the minimum
// log level.
func (s *BaseServer) LogMessage(level LogLevel, loggerName string, data interface{}) {
	if logLevelSeverity[level] > logLevelSeverity[s.minLogLevel] {
		return
	}

	s.sendNoti("", "notifications/message", LogMessageParams{
		Level:  level,
		Logger: loggerName,
		Data:   data,
	})
}

// handleRequest routes one incoming request. Handshake gating happens in the
// serve loops, which only forward what their session state allows.
func (s *BaseServer) handleRequest(ctx context.Context, clientID string, request *Message) {
	s.logger.WithFields(map[string]interface{}{
		"client": clientID,
		"method": request.Method,
	}).Debug("Received request")

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	switch request.Method {
	case "initialize":
		s.handleInitialize(clientID, request)
	case "ping":
		s.sendResp(clientID, request.ID, struct{}{}, nil)
	case "tools/list":
		s.handleToolsList(clientID, request)
	case "tools/call":
		s.handleToolsCall(ctx, clientID, request)
	case "resources/list":
		s.handleResourcesList(clientID, request)
	case "resources/read":
		s.handleResourcesRead(clientID, request)
	case "prompts/list":
		s.handlePromptsList(clientID, request)
	case "prompts/get":
		s.handlePromptGet(clientID, request)
	case "logging/setLevel":
		s.handleLoggingSetLevel(clientID, request)
	default:
		s.sendErr(clientID, request.ID, ErrorCodeMethodNotFound, "Method not found", nil)
	}
}

func (s *BaseServer) handleInitialize(clientID string, request *Message) {
	var params InitializeParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Invalid params", nil)
		return
	}

	if !strings.HasPrefix(params.ProtocolVersion, "2024-11") {
		s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Unsupported protocol version",
			map[string][]string{"supported": {ProtocolVersion}})
		return
	}

	s.clientCapabilities = params.Capabilities
	s.sendResp(clientID, request.ID, InitializeResult{
		ProtocolVersion: s.protocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.ServerInfo,
	}, nil)
}

func (s *BaseServer) handleToolsList(clientID string, request *Message) {
	var params ListParams
	if len(request.Params) > 0 {
		if err := json.Unmarshal(request.Params, &params); err != nil {
			s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Invalid params", nil)
			return
		}
	}
	s.sendResp(clientID, request.ID, s.toolManager.ListTools(params.Cursor, 0), nil)
}

func (s *BaseServer) handleToolsCall(ctx context.Context, clientID string, request *Message) {
	var params CallToolParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Invalid params", nil)
		return
	}

	ctx, span := observability.StartSpan(ctx, "BaseServer.CallTool")
	defer span.End()

	if s.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.toolTimeout)
		defer cancel()
	}

	result, err := s.toolManager.CallTool(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var schemaErr *SchemaValidationError
		switch {
		case errors.Is(err, ErrToolNotFound):
			s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Unknown tool",
				map[string]string{"tool": params.Name})
		case errors.As(err, &schemaErr):
			s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Invalid tool arguments",
				map[string][]string{"errors": schemaErr.Errors})
		default:
			// Handler failures surface as InternalError responses, never
			// as transport-level faults.
			s.sendErr(clientID, request.ID, ErrorCodeInternal, "Tool execution failed",
				map[string]string{"error": err.Error()})
		}
		return
	}

	s.sendResp(clientID, request.ID, result, nil)
}

func (s *BaseServer) handleResourcesList(clientID string, request *Message) {
	var params ListParams
	if len(request.Params) > 0 {
		if err := json.Unmarshal(request.Params, &params); err != nil {
			s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Invalid params", nil)
			return
		}
	}
	s.sendResp(clientID, request.ID, s.resourceManager.ListResources(params.Cursor, 0), nil)
}

func (s *BaseServer) handleResourcesRead(clientID string, request *Message) {
	var params ReadResourceParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Invalid params", nil)
		return
	}

	result, err := s.resourceManager.ReadResource(params)
	if err != nil {
		s.sendErr(clientID, request.ID, ErrorCodeResourceNotFound, "Resource not found",
			map[string]string{"uri": params.URI})
		return
	}
	s.sendResp(clientID, request.ID, result, nil)
}

func (s *BaseServer) handlePromptsList(clientID string, request *Message) {
	var params ListParams
	if len(request.Params) > 0 {
		if err := json.Unmarshal(request.Params, &params); err != nil {
			s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Invalid params", nil)
			return
		}
	}
	s.sendResp(clientID, request.ID, s.promptManager.ListPrompts(params.Cursor, 0), nil)
}

func (s *BaseServer) handlePromptGet(clientID string, request *Message) {
	var params GetPromptParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Invalid params", nil)
		return
	}

	prompt, err := s.promptManager.GetPrompt(params)
	if err != nil {
		if errors.Is(err, ErrPromptNotFound) {
			s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Prompt not found",
				map[string]string{"prompt": params.Name})
			return
		}
		s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, err.Error(), nil)
		return
	}
	s.sendResp(clientID, request.ID, prompt, nil)
}

func (s *BaseServer) handleLoggingSetLevel(clientID string, request *Message) {
	var params SetLogLevelParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Invalid params", nil)
		return
	}
	if _, ok := logLevelSeverity[params.Level]; !ok {
		s.sendErr(clientID, request.ID, ErrorCodeInvalidParams, "Invalid log level", nil)
		return
	}

	s.minLogLevel = params.Level
	s.sendResp(clientID, request.ID, struct{}{}, nil)
}

// handleNotification routes one incoming notification. Notifications never
// receive a response, even on failure.
func (s *BaseServer) handleNotification(clientID string, notification *Message) {
	switch notification.Method {
	case "notifications/initialized":
		s.logger.WithFields(map[string]interface{}{"client": clientID}).Debug("Client initialized")
	case "notifications/cancelled":
		var cancelParams struct {
			RequestID json.RawMessage `json:"requestId"`
			Reason    string          `json:"reason"`
		}
		if err := json.Unmarshal(notification.Params, &cancelParams); err == nil {
			s.logger.WithFields(map[string]interface{}{
				"client":    clientID,
				"requestId": string(cancelParams.RequestID),
				"reason":    cancelParams.Reason,
			}).Debug("Cancellation requested")
		}
	default:
		s.logger.WithFields(map[string]interface{}{
			"client": clientID,
			"method": notification.Method,
		}).Debug("Unhandled notification")
	}
}
