// Command mcpserver runs a demo tool server. By default it serves a single
// session over stdin/stdout; with -listen it serves websocket sessions
// instead.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/shaharia-lab/mcpcore/mcp"
	"github.com/shaharia-lab/mcpcore/observability"
)

func main() {
	listen := flag.String("listen", "", "serve websocket sessions on this address instead of stdio")
	flag.Parse()

	logrusLogger := logrus.New()
	logrusLogger.SetOutput(os.Stderr)
	logrusLogger.SetFormatter(&logrus.JSONFormatter{})
	logger := observability.NewLogrusLogger(logrusLogger)

	server, err := buildServer(logger)
	if err != nil {
		logger.WithErr(err).Error("Failed to build server")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *listen != "" {
		runWebSocket(ctx, server, *listen, logger)
		return
	}

	stdioServer := mcp.NewStdIOServer(server, os.Stdin, os.Stdout)
	if err := stdioServer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithErr(err).Error("Server stopped")
		os.Exit(1)
	}
}

func buildServer(logger observability.Logger) (*mcp.BaseServer, error) {
	server, err := mcp.NewBaseServer(
		mcp.UseLogger(logger),
		mcp.UseServerInfo("demo-server", "0.1.0"),
		mcp.UseRateLimit(100, 20),
	)
	if err != nil {
		return nil, err
	}

	echo := mcp.Tool{
		Name:        "echo",
		Description: "Echo the text argument back to the caller",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
	}
	err = server.AddTool(echo, func(ctx context.Context, args json.RawMessage) (mcp.CallToolResult, error) {
		var input struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(args, &input); err != nil {
			return mcp.CallToolResult{}, err
		}
		return mcp.CallToolResult{
			Content: []mcp.ToolResultContent{{Type: "text", Text: input.Text}},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	err = server.AddResource(mcp.Resource{
		URI:         "demo://motd",
		Name:        "motd",
		Description: "Message of the day",
		MimeType:    "text/plain",
		TextContent: "All systems nominal.",
	})
	if err != nil {
		return nil, err
	}

	err = server.AddPrompt(mcp.Prompt{
		Name:        "summarize",
		Description: "Summarize the given text",
		Arguments: []mcp.PromptArgument{
			{Name: "text", Description: "Text to summarize", Required: true},
		},
		Messages: []mcp.PromptMessage{{
			Role:    "user",
			Content: mcp.PromptContent{Type: "text", Text: "Summarize the following:\n\n{{text}}"},
		}},
	})
	if err != nil {
		return nil, err
	}

	return server, nil
}

func runWebSocket(ctx context.Context, server *mcp.BaseServer, addr string, logger observability.Logger) {
	wsServer := mcp.NewWebSocketServer(server, mcp.WebSocketServerConfig{
		AllowedOrigins: []string{"*"},
	})

	mux := http.NewServeMux()
	mux.Handle("/mcp", wsServer)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		wsServer.Close()
		httpServer.Shutdown(context.Background())
	}()

	logger.WithFields(map[string]interface{}{"addr": addr}).Info("Serving websocket sessions")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithErr(err).Error("HTTP server failed")
		os.Exit(1)
	}
}
