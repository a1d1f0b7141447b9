// Command mcpclient spawns or dials a tool server, lists what it found and
// optionally calls one tool.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaharia-lab/mcpcore/mcp"
	"github.com/shaharia-lab/mcpcore/observability"
)

func main() {
	command := flag.String("command", "", "server command to spawn (stdio transport)")
	url := flag.String("url", "", "server websocket URL to dial")
	tool := flag.String("tool", "", "tool to call after connecting")
	args := flag.String("args", "{}", "JSON arguments for -tool")
	timeout := flag.Duration("timeout", 30*time.Second, "per-call timeout")
	flag.Parse()

	if *command == "" && *url == "" {
		fmt.Fprintln(os.Stderr, "usage: mcpclient -command <server binary> | -url <ws endpoint> [-tool name -args json]")
		os.Exit(2)
	}

	logrusLogger := logrus.New()
	logrusLogger.SetOutput(os.Stderr)
	logger := observability.NewLogrusLogger(logrusLogger)

	client := mcp.NewClient(mcp.ClientConfig{
		Name:           "mcpclient",
		Version:        "0.1.0",
		DefaultTimeout: *timeout,
		Logger:         logger,
	})
	defer client.Shutdown()

	ctx := context.Background()
	serverConfig := mcp.ServerConfig{URL: *url}
	if *command != "" {
		parts := strings.Fields(*command)
		serverConfig = mcp.ServerConfig{Command: parts[0], Args: parts[1:]}
	}

	if err := client.ConnectServer(ctx, "main", serverConfig); err != nil {
		logger.WithErr(err).Error("Failed to connect")
		os.Exit(1)
	}

	for _, entry := range client.ListTools() {
		fmt.Printf("tool      %s\n", entry)
	}
	for _, entry := range client.ListResources() {
		fmt.Printf("resource  %s\n", entry)
	}
	for _, entry := range client.ListPrompts() {
		fmt.Printf("prompt    %s\n", entry)
	}

	if *tool == "" {
		return
	}

	result, err := client.CallTool(ctx, *tool, json.RawMessage(*args), *timeout)
	if err != nil {
		logger.WithErr(err).Error("Tool call failed")
		os.Exit(1)
	}
	for _, content := range result.Content {
		fmt.Println(content.Text)
	}
}
