package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aniprasad/mcp-server-code-execution-mode/internal/identifier"
)

// ToolSpec is one tool exposed by a tool server, with its sandbox alias.
type ToolSpec struct {
	Name        string `json:"name"`
	Alias       string `json:"alias"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

// ServerMetadata is the cached per-server bundle shipped into the sandbox.
// Once cached it is immutable for the server's lifetime in this broker run.
type ServerMetadata struct {
	Name  string     `json:"name"`
	Alias string     `json:"alias"`
	Tools []ToolSpec `json:"tools"`
	Cwd   string     `json:"cwd,omitempty"`
}

// docEntry is the search-side view of one tool.
type docEntry struct {
	spec     ToolSpec
	keywords string
}

// serverDocs is the per-server documentation cache.
type serverDocs struct {
	name       string
	alias      string
	entries    []docEntry
	identifier map[string]*docEntry // lowercased name and alias → entry
}

// searchEntry is one row of the flattened search index.
type searchEntry struct {
	server      string
	serverAlias string
	entry       *docEntry
}

// aliasFor returns the stable identifier-safe alias for a server name,
// assigning one on first use. Collisions get a numeric suffix.
func (b *Broker) aliasFor(name string) string {
	if alias, ok := b.aliases[name]; ok {
		return alias
	}
	base := identifier.Sanitize(name, "server")
	used := make(map[string]struct{}, len(b.aliases))
	for _, alias := range b.aliases {
		used[alias] = struct{}{}
	}
	alias := base
	for suffix := 2; ; suffix++ {
		if _, taken := used[alias]; !taken {
			break
		}
		alias = fmt.Sprintf("%s_%d", base, suffix)
	}
	b.aliases[name] = alias
	return alias
}

// ensureMetadata populates the metadata and docs caches for a loaded server.
// The first list_tools result is authoritative for the broker's lifetime.
func (b *Broker) ensureMetadata(ctx context.Context, name string) (*ServerMetadata, error) {
	b.mu.Lock()
	if meta, ok := b.metadata[name]; ok {
		b.mu.Unlock()
		return meta, nil
	}
	client := b.pool.client(name)
	b.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("server %s is not loaded", name)
	}

	infos, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if meta, ok := b.metadata[name]; ok {
		return meta, nil
	}

	alias := b.aliasFor(name)
	aliasCounts := make(map[string]int)
	tools := make([]ToolSpec, 0, len(infos))
	entries := make([]docEntry, 0, len(infos))
	index := make(map[string]*docEntry, 2*len(infos))

	for _, info := range infos {
		base := identifier.Sanitize(info.Name, "tool")
		aliasCounts[base]++
		toolAlias := base
		if count := aliasCounts[base]; count > 1 {
			toolAlias = fmt.Sprintf("%s_%d", base, count)
		}

		var schema any
		if len(info.InputSchema) > 0 {
			schema = info.InputSchema
		}
		spec := ToolSpec{
			Name:        info.Name,
			Alias:       toolAlias,
			Description: strings.TrimSpace(info.Description),
			InputSchema: schema,
		}
		tools = append(tools, spec)

		keywords := strings.ToLower(strings.Join([]string{
			name, alias, spec.Name, spec.Alias, spec.Description,
		}, " "))
		entries = append(entries, docEntry{spec: spec, keywords: keywords})
	}
	for i := range entries {
		entry := &entries[i]
		index[strings.ToLower(entry.spec.Alias)] = entry
		index[strings.ToLower(entry.spec.Name)] = entry
	}

	record, _ := b.pool.record(name)
	meta := &ServerMetadata{Name: name, Alias: alias, Tools: tools, Cwd: record.Cwd}
	b.metadata[name] = meta
	b.docs[name] = &serverDocs{name: name, alias: alias, entries: entries, identifier: index}
	b.searchDirty = true
	return meta, nil
}

// formatToolDoc renders one documentation record at the requested detail.
func formatToolDoc(server, serverAlias string, spec ToolSpec, detail string) map[string]any {
	doc := map[string]any{
		"server":      server,
		"serverAlias": serverAlias,
		"tool":        spec.Name,
		"toolAlias":   spec.Alias,
	}
	if spec.Description != "" {
		doc["description"] = spec.Description
	}
	if detail == "full" && spec.InputSchema != nil {
		doc["inputSchema"] = spec.InputSchema
	}
	return doc
}

func normaliseDetail(value string) string {
	detail := strings.ToLower(value)
	if detail != "summary" && detail != "full" {
		return "summary"
	}
	return detail
}

// toolDocs returns documentation for one server's tools, filtered to a single
// tool when requested.
func (b *Broker) toolDocs(server, tool, detail string) ([]map[string]any, error) {
	b.mu.Lock()
	docs := b.docs[server]
	b.mu.Unlock()
	if docs == nil {
		return nil, fmt.Errorf("documentation unavailable for server %s", server)
	}

	detail = normaliseDetail(detail)
	if tool != "" {
		entry := docs.identifier[strings.ToLower(tool)]
		if entry == nil {
			return nil, fmt.Errorf("tool %q not found for server %s", tool, server)
		}
		return []map[string]any{formatToolDoc(docs.name, docs.alias, entry.spec, detail)}, nil
	}

	out := make([]map[string]any, 0, len(docs.entries))
	for i := range docs.entries {
		out = append(out, formatToolDoc(docs.name, docs.alias, docs.entries[i].spec, detail))
	}
	return out, nil
}

// searchToolDocs returns up to limit tools from the allowed servers whose
// keywords contain every query token, in server-name then tool order.
// Matches are not ranked.
func (b *Broker) searchToolDocs(query string, allowed []string, limit int, detail string) []map[string]any {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return []map[string]any{}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 20 {
		limit = 20
	}
	detail = normaliseDetail(detail)

	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = struct{}{}
	}

	b.mu.Lock()
	b.rebuildSearchIndexLocked()
	index := b.searchIndex
	b.mu.Unlock()

	matches := make([]map[string]any, 0, limit)
	for _, row := range index {
		if _, ok := allowedSet[row.server]; !ok {
			continue
		}
		hit := true
		for _, token := range tokens {
			if !strings.Contains(row.entry.keywords, token) {
				hit = false
				break
			}
		}
		if !hit {
			continue
		}
		matches = append(matches, formatToolDoc(row.server, row.serverAlias, row.entry.spec, detail))
		if len(matches) >= limit {
			break
		}
	}
	return matches
}

func (b *Broker) rebuildSearchIndexLocked() {
	if !b.searchDirty {
		return
	}
	names := make([]string, 0, len(b.docs))
	for name := range b.docs {
		names = append(names, name)
	}
	sort.Strings(names)

	var index []searchEntry
	for _, name := range names {
		docs := b.docs[name]
		for i := range docs.entries {
			index = append(index, searchEntry{
				server:      docs.name,
				serverAlias: docs.alias,
				entry:       &docs.entries[i],
			})
		}
	}
	b.searchIndex = index
	b.searchDirty = false
}
