package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteEntrypoint(t *testing.T) {
	dir := t.TempDir()
	target, err := WriteEntrypoint(dir)
	if err != nil {
		t.Fatalf("WriteEntrypoint() error = %v", err)
	}
	if target != "/ipc/"+EntrypointName {
		t.Errorf("in-container path = %q", target)
	}

	data, err := os.ReadFile(filepath.Join(dir, EntrypointName))
	if err != nil {
		t.Fatalf("reading artefact: %v", err)
	}
	source := string(data)

	// The artefact must speak every frame type of the broker protocol.
	for _, marker := range []string{
		`"rpc_response"`,
		`"execute"`,
		`"cancel"`,
		`"rpc_request"`,
		`"execution_done"`,
		`"stdout"`,
		`"stderr"`,
	} {
		if !strings.Contains(source, marker) {
			t.Errorf("entrypoint lacks frame marker %s", marker)
		}
	}

	// Protocol obligations beyond framing.
	for _, marker := range []string{
		"MCP_AVAILABLE_SERVERS",
		"MCP_DISCOVERED_SERVERS",
		"_REQUEST_COUNTER",
		"_PENDING_RESPONSES",
		"PyCF_ALLOW_TOP_LEVEL_AWAIT",
		"mcp_%s",
		"save_memory",
		"save_tool",
		"capability_summary",
	} {
		if !strings.Contains(source, marker) {
			t.Errorf("entrypoint lacks %s", marker)
		}
	}
}

func TestWriteEntrypointOverwrites(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, EntrypointName)
	if err := os.WriteFile(stale, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := WriteEntrypoint(dir); err != nil {
		t.Fatalf("WriteEntrypoint() error = %v", err)
	}
	data, err := os.ReadFile(stale)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) == "stale" {
		t.Error("stale artefact was not replaced")
	}
}
