package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// runtimeCandidates is the probe order: rootless-first, classic fallback.
var runtimeCandidates = []string{"podman", "docker"}

// RuntimeUnavailableError reports that no container runtime could be found.
type RuntimeUnavailableError struct {
	Probed []string
}

func (e *RuntimeUnavailableError) Error() string {
	return fmt.Sprintf(
		"no container runtime found (probed: %s); install podman or rootless docker and set MCP_BRIDGE_RUNTIME if multiple runtimes are available",
		strings.Join(e.Probed, ", "),
	)
}

// DetectRuntime returns the first available container runtime executable.
// preferred (usually $MCP_BRIDGE_RUNTIME) is probed before the defaults.
func DetectRuntime(preferred string) (string, error) {
	candidates := make([]string, 0, len(runtimeCandidates)+1)
	if preferred = strings.TrimSpace(preferred); preferred != "" {
		candidates = append(candidates, preferred)
	}
	for _, candidate := range runtimeCandidates {
		if candidate != preferred {
			candidates = append(candidates, candidate)
		}
	}

	for _, candidate := range candidates {
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", &RuntimeUnavailableError{Probed: candidates}
}

// DetectRuntimeFromEnv detects the runtime honouring the MCP_BRIDGE_RUNTIME
// override.
func DetectRuntimeFromEnv() (string, error) {
	return DetectRuntime(os.Getenv("MCP_BRIDGE_RUNTIME"))
}
