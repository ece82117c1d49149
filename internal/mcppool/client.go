// Package mcppool maintains persistent tool-server sessions. Each configured
// server runs as a child process speaking MCP over its stdio; clients are
// spawned lazily, serialise their calls, and stay alive across invocations.
package mcppool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/aniprasad/mcp-server-code-execution-mode/internal/config"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// startTimeout bounds the spawn-plus-initialize handshake.
const startTimeout = 10 * time.Second

// ErrServerUnavailable reports a transport-level failure: the child exited,
// its pipes broke, or the client was already marked failed.
var ErrServerUnavailable = errors.New("tool server unavailable")

// StartError reports a tool server that could not be spawned or initialised.
type StartError struct {
	Server string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting tool server %s: %v", e.Server, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ToolError reports a call the tool server itself rejected.
type ToolError struct {
	Server  string
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s on server %s failed: %s", e.Tool, e.Server, e.Message)
}

// ToolInfo is a simplified tool descriptor returned by ListTools.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// session wraps a live MCP connection.
type session struct {
	listTools func(ctx context.Context) ([]mcp.Tool, error)
	callTool  func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	close     func() error
}

// Client owns one tool-server child process and its MCP session.
// Calls are serialised: at most one request is in flight per client.
type Client struct {
	record config.ServerRecord
	logger *slog.Logger

	dial func(ctx context.Context, record config.ServerRecord) (*session, error)

	mu     sync.Mutex
	sess   *session
	failed bool
	tools  []ToolInfo
}

// NewClient builds a client for record. The child is not spawned until Start.
func NewClient(record config.ServerRecord, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{record: record, logger: logger, dial: dialStdio}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.record.Name }

// Start spawns the child and performs the initialize handshake. It is
// idempotent: a second Start on a live client is a no-op. The handshake is
// bounded by startTimeout; on any failure the client holds no session and
// Start may be retried.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	sess, err := c.dial(dialCtx, c.record)
	if err != nil {
		return &StartError{Server: c.record.Name, Err: err}
	}
	c.sess = sess
	c.failed = false
	c.logger.Info("tool server started", "server", c.record.Name)
	return nil
}

// ListTools returns the server's tools. The first successful result is cached
// for the client's lifetime.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tools != nil {
		return c.tools, nil
	}
	sess, err := c.liveSessionLocked()
	if err != nil {
		return nil, err
	}

	tools, err := sess.listTools(ctx)
	if err != nil {
		c.failLocked()
		return nil, fmt.Errorf("%w: %s: %v", ErrServerUnavailable, c.record.Name, err)
	}

	infos := make([]ToolInfo, len(tools))
	for i, t := range tools {
		infos[i] = ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: marshalInputSchema(t),
		}
	}
	c.tools = infos
	return infos, nil
}

// CallTool invokes one tool and returns the raw result. Transport failures
// mark the client failed and surface ErrServerUnavailable; a server-side
// rejection surfaces as ToolError with the server's message preserved.
// The client never retries.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.liveSessionLocked()
	if err != nil {
		return nil, err
	}

	result, err := sess.callTool(ctx, name, args)
	if err != nil {
		c.failLocked()
		return nil, fmt.Errorf("%w: %s: %v", ErrServerUnavailable, c.record.Name, err)
	}
	if result != nil && result.IsError {
		return nil, &ToolError{Server: c.record.Name, Tool: name, Message: textContent(result)}
	}
	return result, nil
}

// Stop closes the session and terminates the child. Safe to call repeatedly.
func (c *Client) Stop() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	if sess != nil && sess.close != nil {
		if err := sess.close(); err != nil {
			c.logger.Debug("tool server close", "server", c.record.Name, "error", err)
		}
	}
}

func (c *Client) liveSessionLocked() (*session, error) {
	if c.failed {
		return nil, fmt.Errorf("%w: %s", ErrServerUnavailable, c.record.Name)
	}
	if c.sess == nil {
		return nil, fmt.Errorf("%w: %s: not started", ErrServerUnavailable, c.record.Name)
	}
	return c.sess, nil
}

func (c *Client) failLocked() {
	c.failed = true
	if c.sess != nil && c.sess.close != nil {
		c.sess.close() //nolint:errcheck
	}
	c.sess = nil
}

func dialStdio(ctx context.Context, record config.ServerRecord) (*session, error) {
	env := make([]string, 0, len(record.Env))
	for k, v := range record.Env {
		env = append(env, k+"="+v)
	}

	var mc *mcpclient.Client
	var err error
	if record.Cwd == "" {
		mc, err = mcpclient.NewStdioMCPClient(record.Command, env, record.Args...)
		if err != nil {
			return nil, fmt.Errorf("creating stdio client: %w", err)
		}
	} else {
		stdio := transport.NewStdioWithOptions(
			record.Command,
			env,
			record.Args,
			transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
				cmd := exec.CommandContext(ctx, command, args...)
				cmd.Env = env
				cmd.Dir = record.Cwd
				return cmd, nil
			}),
		)
		mc = mcpclient.NewClient(stdio)
		if err := mc.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting stdio client: %w", err)
		}
	}

	if _, err := mc.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "mcp-bridge",
				Version: "0.1.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}); err != nil {
		mc.Close()
		return nil, fmt.Errorf("initializing: %w", err)
	}

	return &session{
		listTools: func(ctx context.Context) ([]mcp.Tool, error) {
			result, err := mc.ListTools(ctx, mcp.ListToolsRequest{})
			if err != nil {
				return nil, err
			}
			return result.Tools, nil
		},
		callTool: func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
			return mc.CallTool(ctx, mcp.CallToolRequest{
				Params: mcp.CallToolParams{
					Name:      name,
					Arguments: args,
				},
			})
		},
		close: func() error {
			return mc.Close()
		},
	}, nil
}

func marshalInputSchema(t mcp.Tool) json.RawMessage {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema
	}
	b, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil
	}
	return b
}

func textContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if raw, err := json.Marshal(content); err == nil {
			parts = append(parts, string(raw))
		}
	}
	if len(parts) == 0 {
		return "tool call failed"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}
