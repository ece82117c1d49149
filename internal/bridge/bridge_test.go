package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/aniprasad/mcp-server-code-execution-mode/internal/config"
	"github.com/aniprasad/mcp-server-code-execution-mode/internal/mcppool"
	"github.com/aniprasad/mcp-server-code-execution-mode/internal/sandbox"
	"github.com/mark3labs/mcp-go/mcp"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeClient struct {
	tools   []mcppool.ToolInfo
	listErr error
	callFn  func(name string, args map[string]any) (*mcp.CallToolResult, error)
	calls   []string
}

func (c *fakeClient) ListTools(ctx context.Context) ([]mcppool.ToolInfo, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.tools, nil
}

func (c *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c.calls = append(c.calls, name)
	if c.callFn != nil {
		return c.callFn(name, args)
	}
	return &mcp.CallToolResult{}, nil
}

type fakePool struct {
	records map[string]config.ServerRecord
	clients map[string]*fakeClient
	loadErr map[string]error
	loaded  []string
}

func newFakePool(names ...string) *fakePool {
	p := &fakePool{
		records: make(map[string]config.ServerRecord),
		clients: make(map[string]*fakeClient),
		loadErr: make(map[string]error),
	}
	for _, name := range names {
		p.records[name] = config.ServerRecord{Name: name, Command: name + "-server"}
		p.clients[name] = &fakeClient{tools: []mcppool.ToolInfo{
			{Name: "get", Description: "fetch something", InputSchema: json.RawMessage(`{"type":"object"}`)},
		}}
	}
	return p
}

func (p *fakePool) known(name string) bool {
	_, ok := p.records[name]
	return ok
}

func (p *fakePool) load(ctx context.Context, name string) (toolClient, error) {
	if err := p.loadErr[name]; err != nil {
		return nil, err
	}
	p.loaded = append(p.loaded, name)
	return p.clients[name], nil
}

func (p *fakePool) client(name string) toolClient {
	if c, ok := p.clients[name]; ok {
		return c
	}
	return nil
}

func (p *fakePool) record(name string) (config.ServerRecord, bool) {
	record, ok := p.records[name]
	return record, ok
}

func (p *fakePool) stopAll() {}

type fakeExec struct {
	requests []sandbox.ExecuteRequest
	result   sandbox.Result
	err      error
	shutdown bool
}

func (e *fakeExec) Execute(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.Result, error) {
	e.requests = append(e.requests, req)
	if e.err != nil {
		return sandbox.Result{}, e.err
	}
	return e.result, nil
}

func (e *fakeExec) Shutdown() { e.shutdown = true }

func testBroker(t *testing.T, pool *fakePool, exec *fakeExec) *Broker {
	t.Helper()
	t.Setenv("MCP_BRIDGE_STATE_DIR", t.TempDir())
	records := make([]config.ServerRecord, 0, len(pool.records))
	for _, name := range sortedKeys(pool.records) {
		records = append(records, pool.records[name])
	}
	return newBroker(records, exec, pool, discard())
}

func sortedKeys(m map[string]config.ServerRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestRunRejectsEmptyCode(t *testing.T) {
	exec := &fakeExec{}
	b := testBroker(t, newFakePool(), exec)

	result := b.Run(context.Background(), "   \n\t ", nil, 5)
	if result.Status != StatusValidationError {
		t.Fatalf("status = %q", result.Status)
	}
	if len(exec.requests) != 0 {
		t.Error("sandbox was touched for invalid input")
	}
}

func TestRunRejectsUnknownServer(t *testing.T) {
	exec := &fakeExec{}
	b := testBroker(t, newFakePool("weather"), exec)

	result := b.Run(context.Background(), "print(1)", []string{"weather", "sports"}, 5)
	if result.Status != StatusValidationError {
		t.Fatalf("status = %q", result.Status)
	}
	if !strings.Contains(result.Error, "sports") {
		t.Fatalf("error %q does not name the unknown server", result.Error)
	}
	if len(exec.requests) != 0 {
		t.Error("sandbox was touched before the unknown-server check")
	}
}

func TestRunClampsTimeout(t *testing.T) {
	exec := &fakeExec{result: sandbox.Result{}}
	b := testBroker(t, newFakePool(), exec)

	b.Run(context.Background(), "print(1)", nil, 9999)
	if len(exec.requests) != 1 {
		t.Fatalf("executor calls = %d", len(exec.requests))
	}
	if got := exec.requests[0].Timeout.Seconds(); got != float64(b.maxTimeout) {
		t.Errorf("timeout = %vs, want clamp to %d", got, b.maxTimeout)
	}

	b.Run(context.Background(), "print(1)", nil, 0)
	if got := exec.requests[1].Timeout.Seconds(); got != 1 {
		t.Errorf("timeout = %vs, want clamp to 1", got)
	}
}

func TestRunSuccess(t *testing.T) {
	exec := &fakeExec{result: sandbox.Result{Stdout: "2\n"}}
	pool := newFakePool("weather")
	b := testBroker(t, pool, exec)

	result := b.Run(context.Background(), "print(1+1)", []string{"weather"}, 5)
	if result.Status != StatusSuccess || result.Stdout != "2\n" || result.ExitCode != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(pool.loaded) != 1 || pool.loaded[0] != "weather" {
		t.Errorf("loaded = %v", pool.loaded)
	}

	req := exec.requests[0]
	if req.InvocationID == "" {
		t.Error("invocation id missing")
	}
	if req.ContainerEnv["MCP_AVAILABLE_SERVERS"] == "" {
		t.Error("metadata env missing")
	}
	var metadata []ServerMetadata
	if err := json.Unmarshal(req.ServersMetadata, &metadata); err != nil {
		t.Fatalf("metadata not JSON: %v", err)
	}
	if len(metadata) != 1 || metadata[0].Name != "weather" || metadata[0].Alias != "weather" {
		t.Errorf("metadata = %+v", metadata)
	}
	if len(metadata[0].Tools) != 1 || metadata[0].Tools[0].Alias != "get" {
		t.Errorf("tools = %+v", metadata[0].Tools)
	}
}

func TestRunServerStartFailureFailsInvocation(t *testing.T) {
	exec := &fakeExec{}
	pool := newFakePool("weather")
	pool.loadErr["weather"] = &mcppool.StartError{Server: "weather", Err: errors.New("handshake timeout")}
	b := testBroker(t, pool, exec)

	result := b.Run(context.Background(), "print(1)", []string{"weather"}, 5)
	if result.Status != StatusError {
		t.Fatalf("status = %q", result.Status)
	}
	if len(exec.requests) != 0 {
		t.Error("sandbox was touched after a failed server start")
	}
}

func TestRunTimeoutSurfacesPartialOutput(t *testing.T) {
	exec := &fakeExec{err: &sandbox.TimeoutError{Seconds: 1, Stdout: "partial", Stderr: "err"}}
	b := testBroker(t, newFakePool(), exec)

	result := b.Run(context.Background(), "while True: pass", nil, 1)
	if result.Status != StatusTimeout {
		t.Fatalf("status = %q", result.Status)
	}
	if result.Stdout != "partial" || result.Stderr != "err" {
		t.Errorf("partial output lost: %+v", result)
	}
	if result.TimeoutSeconds != 1 || result.ExitCode == 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestRunDedupesServers(t *testing.T) {
	exec := &fakeExec{}
	pool := newFakePool("weather")
	b := testBroker(t, pool, exec)

	result := b.Run(context.Background(), "print(1)", []string{"weather", "weather"}, 5)
	if result.Status != StatusSuccess {
		t.Fatalf("status = %q (%s)", result.Status, result.Error)
	}
	if len(result.Servers) != 1 {
		t.Errorf("servers = %v", result.Servers)
	}
}

func TestShutdownStopsSandbox(t *testing.T) {
	exec := &fakeExec{}
	b := testBroker(t, newFakePool(), exec)
	b.Shutdown()
	if !exec.shutdown {
		t.Error("sandbox not shut down")
	}
}

func TestServerNamesDiscoveryOrder(t *testing.T) {
	pool := newFakePool("weather", "sports")
	b := testBroker(t, pool, &fakeExec{})
	names := b.ServerNames()
	if len(names) != 2 {
		t.Fatalf("names = %v", names)
	}
	// testBroker hands the records over name-sorted.
	if names[0] != "sports" || names[1] != "weather" {
		t.Errorf("names = %v, want the order the records were given in", names)
	}
}
