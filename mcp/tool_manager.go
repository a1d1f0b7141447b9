package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ToolImplementation is the pluggable handler behind a registered tool. The
// dispatcher does not interpret what it does, only that it returns a result
// or fails.
type ToolImplementation func(ctx context.Context, args json.RawMessage) (CallToolResult, error)

// SchemaValidationError reports tool arguments rejected by the tool's input
// schema.
type SchemaValidationError struct {
	Tool   string
	Errors []string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Errors, "; "))
}

// ToolManager is the open registry of callable tools consulted by the
// dispatcher for tools/call.
type ToolManager struct {
	mu                  sync.RWMutex
	tools               map[string]Tool
	toolImplementations map[string]ToolImplementation
}

// NewToolManager creates an empty ToolManager.
func NewToolManager() *ToolManager {
	return &ToolManager{
		tools:               make(map[string]Tool),
		toolImplementations: make(map[string]ToolImplementation),
	}
}

// RegisterTool registers a new tool with its implementation. The input schema
// must compile if present.
func (tm *ToolManager) RegisterTool(tool Tool, implementation ToolImplementation) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if implementation == nil {
		return fmt.Errorf("tool implementation cannot be nil")
	}
	if tool.InputSchema != nil {
		loader := gojsonschema.NewStringLoader(string(tool.InputSchema))
		if _, err := gojsonschema.NewSchema(loader); err != nil {
			return fmt.Errorf("invalid input schema: %v", err)
		}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.tools[tool.Name] = tool
	tm.toolImplementations[tool.Name] = implementation
	return nil
}

// ListTools returns all registered tools sorted by name, with optional
// pagination.
func (tm *ToolManager) ListTools(cursor string, limit int) ListToolsResult {
	if limit <= 0 {
		limit = 50
	}

	tm.mu.RLock()
	names := make([]string, 0, len(tm.tools))
	for name := range tm.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	startIdx := 0
	if cursor != "" {
		for i, name := range names {
			if name == cursor {
				startIdx = i + 1
				break
			}
		}
	}

	endIdx := startIdx + limit
	if endIdx > len(names) {
		endIdx = len(names)
	}

	pageTools := make([]Tool, 0, endIdx-startIdx)
	for i := startIdx; i < endIdx; i++ {
		pageTools = append(pageTools, tm.tools[names[i]])
	}
	tm.mu.RUnlock()

	var nextCursor string
	if endIdx < len(names) {
		nextCursor = names[endIdx-1]
	}

	return ListToolsResult{
		Tools:      pageTools,
		NextCursor: nextCursor,
	}
}

// CallTool validates the arguments against the tool's input schema and runs
// the implementation. Implementation failures come back as plain errors; the
// dispatcher decides how they appear on the wire.
func (tm *ToolManager) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	tm.mu.RLock()
	implementation, exists := tm.toolImplementations[params.Name]
	tool := tm.tools[params.Name]
	tm.mu.RUnlock()

	if !exists {
		return CallToolResult{}, fmt.Errorf("%w: %s", ErrToolNotFound, params.Name)
	}

	if tool.InputSchema != nil && len(params.Arguments) > 0 {
		schemaLoader := gojsonschema.NewStringLoader(string(tool.InputSchema))
		documentLoader := gojsonschema.NewStringLoader(string(params.Arguments))

		result, err := gojsonschema.Validate(schemaLoader, documentLoader)
		if err != nil {
			return CallToolResult{}, &SchemaValidationError{
				Tool:   params.Name,
				Errors: []string{err.Error()},
			}
		}

		if !result.Valid() {
			var errMsgs []string
			for _, desc := range result.Errors() {
				errMsgs = append(errMsgs, desc.String())
			}
			return CallToolResult{}, &SchemaValidationError{
				Tool:   params.Name,
				Errors: errMsgs,
			}
		}
	}

	result, err := implementation(ctx, params.Arguments)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("tool %s failed: %w", params.Name, err)
	}
	return result, nil
}

// GetTool retrieves a tool by its name.
func (tm *ToolManager) GetTool(name string) (Tool, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tool, exists := tm.tools[name]
	if !exists {
		return Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool, nil
}
