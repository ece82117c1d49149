package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/aniprasad/mcp-server-code-execution-mode/internal/paths"
	"github.com/aniprasad/mcp-server-code-execution-mode/internal/sandbox"
	"github.com/google/uuid"
)

// Invocation is the per-call context: the allowed-server gate, the metadata
// snapshot shipped to the sandbox, and the scoped IPC directory. It borrows
// the broker's clients and container but never closes them.
type Invocation struct {
	broker *Broker
	id     string

	allowed  map[string]struct{}
	metadata []*ServerMetadata
	ipcDir   string

	containerEnv map[string]string
	volumeMounts []string
}

// newInvocation captures the metadata snapshot for the requested servers and
// prepares the host side of the shared IPC directory.
func (b *Broker) newInvocation(servers []string) (*Invocation, error) {
	allowed := make(map[string]struct{}, len(servers))
	metadata := make([]*ServerMetadata, 0, len(servers))
	b.mu.Lock()
	for _, name := range servers {
		meta, ok := b.metadata[name]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("metadata missing for server %s", name)
		}
		allowed[name] = struct{}{}
		metadata = append(metadata, meta)
	}
	b.mu.Unlock()

	userTools := paths.UserToolsDir()
	if err := paths.EnsureDir(userTools); err != nil {
		return nil, fmt.Errorf("preparing user tools dir: %w", err)
	}
	ipcDir, err := paths.NewIPCDir()
	if err != nil {
		return nil, fmt.Errorf("creating IPC dir: %w", err)
	}

	discovered, err := json.Marshal(b.discoveredDescriptions())
	if err != nil {
		discovered = []byte("{}")
	}

	return &Invocation{
		broker:   b,
		id:       uuid.NewString(),
		allowed:  allowed,
		metadata: metadata,
		ipcDir:   ipcDir,
		containerEnv: map[string]string{
			"MCP_AVAILABLE_SERVERS":  string(metadataJSON(metadata)),
			"MCP_DISCOVERED_SERVERS": string(discovered),
		},
		volumeMounts: []string{userTools + ":/projects:rw"},
	}, nil
}

// executeRequest assembles the sandbox execution for this invocation.
func (inv *Invocation) executeRequest(code string, timeoutSeconds int) sandbox.ExecuteRequest {
	return sandbox.ExecuteRequest{
		Code:            code,
		InvocationID:    inv.id,
		Timeout:         time.Duration(timeoutSeconds) * time.Second,
		ServersMetadata: metadataJSON(inv.metadata),
		ContainerEnv:    inv.containerEnv,
		VolumeMounts:    inv.volumeMounts,
		IPCDir:          inv.ipcDir,
		RPC:             inv.HandleRPC,
	}
}

// Close releases the IPC directory. Clients and the container stay alive.
func (inv *Invocation) Close() {
	if inv.ipcDir != "" {
		os.RemoveAll(inv.ipcDir) //nolint:errcheck
		inv.ipcDir = ""
	}
}

// rpcRequest is the decoded payload of one rpc_request frame.
type rpcRequest struct {
	Type      string         `json:"type"`
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Query     string         `json:"query"`
	Limit     *int           `json:"limit"`
	Detail    string         `json:"detail"`
}

// HandleRPC services one sandbox RPC. Every path returns a payload with a
// success flag; errors are folded into {success:false, error} and never
// escape to the frame loop.
func (inv *Invocation) HandleRPC(ctx context.Context, raw json.RawMessage) map[string]any {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return rpcFailure(fmt.Sprintf("malformed RPC payload: %v", err))
	}

	switch req.Type {
	case "list_servers":
		names := make([]string, 0, len(inv.allowed))
		for name := range inv.allowed {
			names = append(names, name)
		}
		sort.Strings(names)
		return map[string]any{"success": true, "servers": names}

	case "list_tools":
		meta, failure := inv.gate(req.Server)
		if failure != nil {
			return failure
		}
		return map[string]any{"success": true, "tools": meta.Tools}

	case "query_tool_docs":
		if _, failure := inv.gate(req.Server); failure != nil {
			return failure
		}
		docs, err := inv.broker.toolDocs(req.Server, req.Tool, req.Detail)
		if err != nil {
			return rpcFailure(err.Error())
		}
		return map[string]any{"success": true, "docs": docs}

	case "search_tool_docs":
		if req.Query == "" {
			return rpcFailure("Missing 'query' value")
		}
		limit := 5
		if req.Limit != nil {
			limit = *req.Limit
		}
		allowed := make([]string, 0, len(inv.allowed))
		for name := range inv.allowed {
			allowed = append(allowed, name)
		}
		sort.Strings(allowed)
		results := inv.broker.searchToolDocs(req.Query, allowed, limit, req.Detail)
		return map[string]any{"success": true, "results": results}

	case "call_tool":
		if _, failure := inv.gate(req.Server); failure != nil {
			return failure
		}
		if req.Tool == "" {
			return rpcFailure("Missing tool name")
		}
		client := inv.broker.pool.client(req.Server)
		if client == nil {
			return rpcFailure(fmt.Sprintf("Server %s is not loaded", req.Server))
		}
		args := req.Arguments
		if args == nil {
			args = map[string]any{}
		}
		result, err := client.CallTool(ctx, req.Tool, args)
		if err != nil {
			return rpcFailure(err.Error())
		}
		return map[string]any{"success": true, "result": result}

	default:
		return rpcFailure(fmt.Sprintf("Unknown RPC type: %s", req.Type))
	}
}

// gate verifies the requested server is in this invocation's allowed set and
// returns its metadata snapshot.
func (inv *Invocation) gate(server string) (*ServerMetadata, map[string]any) {
	if server == "" {
		return nil, rpcFailure("Missing 'server' value")
	}
	if _, ok := inv.allowed[server]; !ok {
		return nil, rpcFailure(fmt.Sprintf("Server %q is not available", server))
	}
	for _, meta := range inv.metadata {
		if meta.Name == server {
			return meta, nil
		}
	}
	return nil, rpcFailure(fmt.Sprintf("Server %q is not available", server))
}

func rpcFailure(message string) map[string]any {
	return map[string]any{"success": false, "error": message}
}
