// Command mcp-bridge exposes a persistent, network-isolated Python sandbox
// as a single MCP tool. Code running inside the sandbox can call tools on
// other MCP servers through proxies multiplexed by the broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aniprasad/mcp-server-code-execution-mode/internal/bridge"
	"github.com/aniprasad/mcp-server-code-execution-mode/internal/response"
	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	bridgeName    = "mcp-server-code-execution-mode"
	bridgeVersion = "0.1.0"

	capabilityURI = "resource://mcp-server-code-execution-mode/capabilities"
)

var capabilityText = strings.Join([]string{
	"# Code Execution Sandbox Capabilities",
	"",
	"Persistent Python sandbox: variables and state survive between tool calls.",
	"",
	"- Pass servers=[...] to mount MCP proxies (mcp_<alias> objects).",
	"- Call tools with: result = await mcp_<alias>.<tool>(...); print(result)",
	"- Discover with runtime.discovered_servers() and await runtime.search_tool_docs('query').",
	"- Persist helpers with save_tool(func) and data with save_memory(key, value).",
	"- Server configs support a cwd field; check runtime.describe_server(name) before",
	"  assuming a working directory.",
	"",
	"Run print(runtime.capability_summary()) inside the sandbox for the full manual.",
}, "\n")

func main() {
	godotenv.Load() //nolint:errcheck

	logger := newLogger()
	slog.SetDefault(logger)

	broker := bridge.New(logger)
	defer broker.Shutdown()

	s := server.NewMCPServer(bridgeName, bridgeVersion,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.AddResource(mcp.NewResource(
		capabilityURI,
		"code-execution-capabilities",
		mcp.WithResourceDescription("Capability overview and sandbox helper reference."),
		mcp.WithMIMEType("text/markdown"),
	), func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: capabilityURI, MIMEType: "text/markdown", Text: capabilityText},
		}, nil
	})

	s.AddTool(runPythonTool(broker), runPythonHandler(broker))

	if err := server.ServeStdio(s); err != nil {
		logger.Error("server terminated", "error", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(os.Getenv("MCP_BRIDGE_LOG_LEVEL"))) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runPythonTool(broker *bridge.Broker) mcp.Tool {
	names := broker.ServerNames()
	serverList := "none"
	if len(names) > 0 {
		serverList = strings.Join(names, ", ")
	}
	return mcp.NewTool("run_python",
		mcp.WithDescription(
			"Execute Python code in a persistent sandbox. "+
				"To call MCP server tools, pass servers=['name'] and use: "+
				"result = await mcp_<name>.<tool>(...); print(result)",
		),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Python code to execute. For MCP tools, use: result = await mcp_<server>.<tool>(...); print(result)"),
		),
		mcp.WithArray("servers",
			mcp.Description(fmt.Sprintf("MCP servers to load. Available: %s. REQUIRED when calling MCP tools.", serverList)),
			mcp.WithStringItems(),
		),
		mcp.WithNumber("timeout",
			mcp.Description(fmt.Sprintf("Execution timeout in seconds (default %d, max %d)", broker.DefaultTimeout(), broker.MaxTimeout())),
		),
	)
}

func runPythonHandler(broker *bridge.Broker) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		code, ok := args["code"].(string)
		if !ok || strings.TrimSpace(code) == "" {
			return response.Build(bridge.RunResult{
				Status:   bridge.StatusValidationError,
				ExitCode: 1,
				Error:    "Missing 'code' argument",
			}), nil
		}

		var servers []string
		switch raw := args["servers"].(type) {
		case nil:
		case []string:
			servers = raw
		case []any:
			for _, item := range raw {
				servers = append(servers, fmt.Sprintf("%v", item))
			}
		default:
			return response.Build(bridge.RunResult{
				Status:   bridge.StatusValidationError,
				ExitCode: 1,
				Error:    "'servers' must be a list",
			}), nil
		}

		timeout := broker.DefaultTimeout()
		switch raw := args["timeout"].(type) {
		case nil:
		case float64:
			timeout = int(raw)
		case int:
			timeout = raw
		default:
			return response.Build(bridge.RunResult{
				Status:   bridge.StatusValidationError,
				ExitCode: 1,
				Error:    "'timeout' must be an integer",
			}), nil
		}

		return response.Build(broker.Run(ctx, code, servers, timeout)), nil
	}
}
