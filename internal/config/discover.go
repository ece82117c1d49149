// Package config discovers tool-server definitions across the standard MCP
// configuration locations used by existing clients.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// selfTokens identify configurations that would launch this broker itself.
var selfTokens = map[string]struct{}{
	"mcp-server-code-execution-mode": {},
	"mcp_server_code_execution_mode": {},
	"mcp-bridge":                     {},
}

type mcpServersDocument struct {
	MCPServers  map[string]serverEntry `json:"mcpServers"`
	Description string                 `json:"description"`
}

type serverEntry struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env"`
	Cwd         string            `json:"cwd"`
	Description string            `json:"description"`
	Self        bool              `json:"self"`
}

type codexDocument struct {
	MCPServers map[string]codexServerEntry `toml:"mcp_servers"`
}

type codexServerEntry struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Cwd     string            `toml:"cwd"`
	Enabled *bool             `toml:"enabled"`
}

// Discoverer walks configuration sources and accumulates server records.
type Discoverer struct {
	sources   []Source
	allowSelf bool
	logger    *slog.Logger
}

// NewDiscoverer builds a discoverer over the given sources. When the
// MCP_SERVERS_CONFIG environment variable is set it replaces the source list
// with that single file. MCP_BRIDGE_ALLOW_SELF_SERVER disables the
// self-exclusion heuristic.
func NewDiscoverer(sources []Source, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	if override := strings.TrimSpace(os.Getenv("MCP_SERVERS_CONFIG")); override != "" {
		format := FormatJSON
		if strings.EqualFold(filepath.Ext(override), ".toml") {
			format = FormatTOML
		}
		sources = []Source{{Path: override, Kind: SourceFile, Format: format, Label: "Environment"}}
	}
	return &Discoverer{
		sources:   sources,
		allowSelf: envBool("MCP_BRIDGE_ALLOW_SELF_SERVER"),
		logger:    logger,
	}
}

// Discover returns the ordered server records found across all sources.
// Duplicate names resolve first-wins: an earlier source hides later ones.
// Malformed files are skipped with a warning; missing paths are skipped
// silently. Discovery never fails outright.
func (d *Discoverer) Discover() []ServerRecord {
	var records []ServerRecord
	seen := make(map[string]struct{})

	for _, source := range d.sources {
		if _, err := os.Stat(source.Path); err != nil {
			continue
		}

		switch source.Kind {
		case SourceDirectory:
			entries, err := os.ReadDir(source.Path)
			if err != nil {
				d.logger.Warn("failed to read config directory", "path", source.Path, "error", err)
				continue
			}
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), "."+string(source.Format)) {
					continue
				}
				names = append(names, entry.Name())
			}
			sort.Strings(names)
			for _, name := range names {
				records = d.mergeFile(records, seen, filepath.Join(source.Path, name), source.Format, source.Label+" ("+name+")")
			}
		case SourceFile:
			records = d.mergeFile(records, seen, source.Path, source.Format, source.Label)
		}
	}

	return records
}

func (d *Discoverer) mergeFile(records []ServerRecord, seen map[string]struct{}, path string, format SourceFormat, label string) []ServerRecord {
	found, err := loadConfigFile(path, format)
	if err != nil {
		d.logger.Warn("skipping malformed config", "source", label, "path", path, "error", err)
		return records
	}

	for _, record := range found {
		if _, dup := seen[record.Name]; dup {
			continue
		}
		if !d.allowSelf && looksLikeSelf(record) {
			d.logger.Info("skipping self-referential server", "server", record.Name, "source", label)
			continue
		}
		seen[record.Name] = struct{}{}
		records = append(records, record)
		d.logger.Debug("found tool server", "server", record.Name, "source", label)
	}
	return records
}

// loadConfigFile parses one source file into ordered server records.
// Record order within a file is name-sorted so discovery is deterministic.
func loadConfigFile(path string, format SourceFormat) ([]ServerRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]serverEntry)
	fileDescription := ""

	switch format {
	case FormatTOML:
		var doc codexDocument
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		for name, entry := range doc.MCPServers {
			if entry.Enabled != nil && !*entry.Enabled {
				continue
			}
			entries[name] = serverEntry{
				Command: entry.Command,
				Args:    entry.Args,
				Env:     entry.Env,
				Cwd:     entry.Cwd,
			}
		}
	default:
		var doc mcpServersDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		entries = doc.MCPServers
		fileDescription = doc.Description
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	records := make([]ServerRecord, 0, len(names))
	for _, name := range names {
		entry := entries[name]
		if strings.TrimSpace(entry.Command) == "" {
			continue
		}
		description := entry.Description
		if description == "" {
			description = fileDescription
		}
		records = append(records, ServerRecord{
			Name:        name,
			Command:     entry.Command,
			Args:        entry.Args,
			Env:         entry.Env,
			Cwd:         entry.Cwd,
			Description: description,
			Self:        entry.Self,
		})
	}
	return records, nil
}

// looksLikeSelf reports whether a record appears to launch this broker,
// either via the explicit flag or by matching the command/args against the
// broker's known names.
func looksLikeSelf(record ServerRecord) bool {
	if record.Self {
		return true
	}
	if _, ok := selfTokens[strings.ToLower(record.Name)]; ok {
		return true
	}
	if tokenMatch(record.Command) {
		return true
	}
	for _, arg := range record.Args {
		if tokenMatch(arg) {
			return true
		}
	}
	return false
}

func tokenMatch(value string) bool {
	lower := strings.ToLower(value)
	base := strings.ToLower(filepath.Base(lower))
	if _, ok := selfTokens[lower]; ok {
		return true
	}
	if _, ok := selfTokens[base]; ok {
		return true
	}
	return strings.HasSuffix(base, "mcp_server_code_execution_mode.py")
}

func envBool(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes":
		return true
	}
	return false
}
