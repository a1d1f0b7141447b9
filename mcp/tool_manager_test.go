package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolManagerRegisterTool(t *testing.T) {
	tm := NewToolManager()
	tool, implementation := echoTool()

	require.NoError(t, tm.RegisterTool(tool, implementation))

	got, err := tm.GetTool("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Name)
}

func TestToolManagerRegisterToolValidation(t *testing.T) {
	tm := NewToolManager()
	_, implementation := echoTool()

	assert.Error(t, tm.RegisterTool(Tool{Name: ""}, implementation), "empty name")
	assert.Error(t, tm.RegisterTool(Tool{Name: "x"}, nil), "nil implementation")
	assert.Error(t, tm.RegisterTool(Tool{
		Name:        "bad-schema",
		InputSchema: json.RawMessage(`{"type": 12}`),
	}, implementation), "uncompilable schema")
}

func TestToolManagerCallTool(t *testing.T) {
	tm := NewToolManager()
	tool, implementation := echoTool()
	require.NoError(t, tm.RegisterTool(tool, implementation))

	result, err := tm.CallTool(context.Background(), CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":"ping"}`),
	})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "ping", result.Content[0].Text)
}

func TestToolManagerCallToolNotFound(t *testing.T) {
	tm := NewToolManager()

	_, err := tm.CallTool(context.Background(), CallToolParams{Name: "ghost"})
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestToolManagerCallToolSchemaValidation(t *testing.T) {
	tm := NewToolManager()
	tool, implementation := echoTool()
	require.NoError(t, tm.RegisterTool(tool, implementation))

	_, err := tm.CallTool(context.Background(), CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"text":123}`),
	})

	var schemaErr *SchemaValidationError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, "echo", schemaErr.Tool)
	assert.NotEmpty(t, schemaErr.Errors)
}

func TestToolManagerCallToolImplementationFailure(t *testing.T) {
	tm := NewToolManager()
	sentinel := errors.New("backend unavailable")
	require.NoError(t, tm.RegisterTool(Tool{Name: "flaky"},
		func(ctx context.Context, args json.RawMessage) (CallToolResult, error) {
			return CallToolResult{}, sentinel
		}))

	_, err := tm.CallTool(context.Background(), CallToolParams{Name: "flaky"})
	assert.ErrorIs(t, err, sentinel)
}

func TestToolManagerListToolsSorted(t *testing.T) {
	tm := NewToolManager()
	noop := func(ctx context.Context, args json.RawMessage) (CallToolResult, error) {
		return CallToolResult{}, nil
	}
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, tm.RegisterTool(Tool{Name: name}, noop))
	}

	result := tm.ListTools("", 0)
	require.Len(t, result.Tools, 3)
	assert.Equal(t, "alpha", result.Tools[0].Name)
	assert.Equal(t, "mid", result.Tools[1].Name)
	assert.Equal(t, "zeta", result.Tools[2].Name)
	assert.Empty(t, result.NextCursor)
}
