package config

// ServerRecord describes how to spawn a single tool server.
type ServerRecord struct {
	Name        string            `json:"-"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Description string            `json:"description,omitempty"`

	// Self marks a record as launching this broker itself. Such entries are
	// dropped during discovery to prevent recursive self-hosting.
	Self bool `json:"self,omitempty"`
}

// Source is one location probed during discovery.
type Source struct {
	Path   string
	Kind   SourceKind
	Format SourceFormat
	Label  string
}

// SourceKind distinguishes single files from directories of *.json files.
type SourceKind string

// Source kinds.
const (
	SourceFile      SourceKind = "file"
	SourceDirectory SourceKind = "directory"
)

// SourceFormat selects the parser for a source.
type SourceFormat string

// Source formats.
const (
	FormatJSON SourceFormat = "json"
	FormatTOML SourceFormat = "toml"
)
