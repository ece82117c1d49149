// Package bridge is the broker facade: it owns the sandbox container
// manager, the tool-server pool, the metadata and documentation caches, and
// the per-invocation contexts that gate sandbox RPC traffic.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/aniprasad/mcp-server-code-execution-mode/internal/config"
	"github.com/aniprasad/mcp-server-code-execution-mode/internal/mcppool"
	"github.com/aniprasad/mcp-server-code-execution-mode/internal/paths"
	"github.com/aniprasad/mcp-server-code-execution-mode/internal/sandbox"
	"github.com/mark3labs/mcp-go/mcp"
)

// Defaults for the run timeout clamp.
const (
	DefaultTimeoutSeconds = 30
	DefaultMaxTimeout     = 120
)

// MaxIPCDirs bounds how many recent invocation directories are retained.
const MaxIPCDirs = 50

// Run statuses surfaced to callers.
const (
	StatusSuccess         = "success"
	StatusError           = "error"
	StatusValidationError = "validation_error"
	StatusTimeout         = "timeout"
)

// RunResult is the outcome of one run call.
type RunResult struct {
	Status         string
	Stdout         string
	Stderr         string
	ExitCode       int
	Servers        []string
	Error          string
	TimeoutSeconds int
}

// toolClient is the slice of mcppool.Client the broker depends on.
type toolClient interface {
	ListTools(ctx context.Context) ([]mcppool.ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// executor is the slice of sandbox.Manager the broker depends on.
type executor interface {
	Execute(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.Result, error)
	Shutdown()
}

// serverPool abstracts the tool-server pool for testing.
type serverPool interface {
	known(name string) bool
	load(ctx context.Context, name string) (toolClient, error)
	client(name string) toolClient
	record(name string) (config.ServerRecord, bool)
	stopAll()
}

// realPool adapts *mcppool.Pool to the serverPool interface.
type realPool struct {
	pool *mcppool.Pool
}

func (p *realPool) known(name string) bool { return p.pool.Known(name) }

func (p *realPool) load(ctx context.Context, name string) (toolClient, error) {
	client, err := p.pool.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (p *realPool) client(name string) toolClient {
	if client := p.pool.Get(name); client != nil {
		return client
	}
	return nil
}

func (p *realPool) record(name string) (config.ServerRecord, bool) {
	return p.pool.Record(name)
}

func (p *realPool) stopAll() { p.pool.StopAll() }

// Broker is the process-wide broker state.
type Broker struct {
	logger  *slog.Logger
	sandbox executor
	pool    serverPool

	defaultTimeout int
	maxTimeout     int

	mu          sync.Mutex
	records     []config.ServerRecord
	aliases     map[string]string
	metadata    map[string]*ServerMetadata
	docs        map[string]*serverDocs
	searchIndex []searchEntry
	searchDirty bool
}

// New discovers tool servers, prunes stale IPC directories, and assembles the
// broker. The sandbox container and tool-server children all start lazily.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}

	discoverer := config.NewDiscoverer(config.DefaultSources(""), logger)
	records := discoverer.Discover()
	logger.Info("discovered tool servers", "count", len(records))

	if removed := paths.PruneIPCDirs(MaxIPCDirs); removed > 0 {
		logger.Info("pruned stale IPC directories", "removed", removed)
	}

	return newBroker(
		records,
		sandbox.NewManager(sandbox.OptionsFromEnv(), logger),
		&realPool{pool: mcppool.New(records, logger)},
		logger,
	)
}

func newBroker(records []config.ServerRecord, exec executor, pool serverPool, logger *slog.Logger) *Broker {
	return &Broker{
		logger:         logger,
		sandbox:        exec,
		pool:           pool,
		defaultTimeout: envSeconds("MCP_BRIDGE_TIMEOUT", DefaultTimeoutSeconds),
		maxTimeout:     envSeconds("MCP_BRIDGE_MAX_TIMEOUT", DefaultMaxTimeout),
		records:        records,
		aliases:        make(map[string]string),
		metadata:       make(map[string]*ServerMetadata),
		docs:           make(map[string]*serverDocs),
	}
}

// DefaultTimeout returns the per-run timeout applied when the caller omits one.
func (b *Broker) DefaultTimeout() int { return b.defaultTimeout }

// MaxTimeout returns the clamp ceiling for caller-supplied timeouts.
func (b *Broker) MaxTimeout() int { return b.maxTimeout }

// ServerNames returns the discovered server names in discovery order.
func (b *Broker) ServerNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.records))
	for _, record := range b.records {
		names = append(names, record.Name)
	}
	return names
}

// discoveredDescriptions maps every discovered server to its description.
func (b *Broker) discoveredDescriptions() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.records))
	for _, record := range b.records {
		out[record.Name] = record.Description
	}
	return out
}

// Run executes code in the sandbox with the requested tool servers exposed.
// The result always carries one of the four statuses; failures never
// propagate as raw errors.
func (b *Broker) Run(ctx context.Context, code string, servers []string, timeoutSeconds int) RunResult {
	if strings.TrimSpace(code) == "" {
		return validationFailure("Missing 'code' argument")
	}
	if timeoutSeconds < 1 {
		timeoutSeconds = 1
	}
	if timeoutSeconds > b.maxTimeout {
		timeoutSeconds = b.maxTimeout
	}

	requested := dedupe(servers)
	for _, name := range requested {
		if !b.pool.known(name) {
			return RunResult{
				Status:   StatusValidationError,
				ExitCode: 1,
				Servers:  requested,
				Error:    (&UnknownServerError{Name: name}).Error(),
			}
		}
	}

	for _, name := range requested {
		if _, err := b.pool.load(ctx, name); err != nil {
			b.logger.Error("tool server failed to start", "server", name, "error", err)
			return RunResult{
				Status:   StatusError,
				ExitCode: 1,
				Servers:  requested,
				Error:    err.Error(),
			}
		}
		if _, err := b.ensureMetadata(ctx, name); err != nil {
			b.logger.Error("tool server metadata unavailable", "server", name, "error", err)
			return RunResult{
				Status:   StatusError,
				ExitCode: 1,
				Servers:  requested,
				Error:    err.Error(),
			}
		}
	}

	inv, err := b.newInvocation(requested)
	if err != nil {
		return RunResult{Status: StatusError, ExitCode: 1, Servers: requested, Error: err.Error()}
	}
	defer inv.Close()

	result, err := b.sandbox.Execute(ctx, inv.executeRequest(code, timeoutSeconds))
	if err != nil {
		var timeout *sandbox.TimeoutError
		if errors.As(err, &timeout) {
			return RunResult{
				Status:         StatusTimeout,
				Stdout:         timeout.Stdout,
				Stderr:         timeout.Stderr,
				ExitCode:       1,
				Servers:        requested,
				Error:          timeout.Error(),
				TimeoutSeconds: timeoutSeconds,
			}
		}
		return RunResult{Status: StatusError, ExitCode: 1, Servers: requested, Error: err.Error()}
	}

	return RunResult{
		Status:  StatusSuccess,
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
		Servers: requested,
	}
}

// Shutdown stops the container, then every live tool-server client in
// reverse start order. Caches and aliases are retained.
func (b *Broker) Shutdown() {
	b.sandbox.Shutdown()
	b.pool.stopAll()
}

func validationFailure(reason string) RunResult {
	err := &ValidationError{Reason: reason}
	return RunResult{Status: StatusValidationError, ExitCode: 1, Error: err.Error()}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func envSeconds(name string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

// metadataJSON encodes the allowed metadata list for the execute frame and
// the container environment.
func metadataJSON(metadata []*ServerMetadata) json.RawMessage {
	data, err := json.Marshal(metadata)
	if err != nil {
		return json.RawMessage("[]")
	}
	return data
}
