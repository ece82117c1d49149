package mcppool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aniprasad/mcp-server-code-execution-mode/internal/config"
)

// Pool owns the live tool-server clients, one per configured server,
// spawning each on first use. Clients persist until StopAll.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]config.ServerRecord
	clients map[string]*Client
	order   []string // start order, for reverse-order shutdown
}

// New creates a pool over the discovered records.
func New(records []config.ServerRecord, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]config.ServerRecord, len(records))
	for _, record := range records {
		byName[record.Name] = record
	}
	return &Pool{
		logger:  logger,
		records: byName,
		clients: make(map[string]*Client),
	}
}

// Known reports whether a server name was discovered.
func (p *Pool) Known(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.records[name]
	return ok
}

// Record returns the configuration for a known server.
func (p *Pool) Record(name string) (config.ServerRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record, ok := p.records[name]
	return record, ok
}

// Load ensures a live client exists for name, spawning it if needed.
// Idempotent; a client that previously failed to start may be retried.
func (p *Pool) Load(ctx context.Context, name string) (*Client, error) {
	p.mu.Lock()
	record, ok := p.records[name]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("unknown server: %s", name)
	}
	client, exists := p.clients[name]
	if !exists {
		client = NewClient(record, p.logger)
		p.clients[name] = client
		p.order = append(p.order, name)
	}
	p.mu.Unlock()

	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Get returns the live client for name, or nil when it was never loaded.
func (p *Pool) Get(name string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[name]
}

// StopAll stops every live client in reverse start order.
func (p *Pool) StopAll() {
	p.mu.Lock()
	order := make([]string, len(p.order))
	copy(order, p.order)
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.order = nil
	p.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if client := clients[order[i]]; client != nil {
			client.Stop()
		}
	}
}
