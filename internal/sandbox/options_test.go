package sandbox

import (
	"testing"
	"time"
)

func TestOptionsFromEnvDefaults(t *testing.T) {
	for _, name := range []string{
		"MCP_BRIDGE_RUNTIME", "MCP_BRIDGE_IMAGE", "MCP_BRIDGE_MEMORY",
		"MCP_BRIDGE_PIDS", "MCP_BRIDGE_CPUS", "MCP_BRIDGE_CONTAINER_USER",
		"MCP_BRIDGE_RUNTIME_IDLE_TIMEOUT",
	} {
		t.Setenv(name, "")
	}

	opts := OptionsFromEnv()
	if opts.Image != DefaultImage || opts.Memory != DefaultMemory || opts.Pids != DefaultPids {
		t.Errorf("opts = %+v", opts)
	}
	if opts.User != DefaultUser || opts.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("opts = %+v", opts)
	}
	if opts.CPUs != "" || opts.Runtime != "" {
		t.Errorf("opts = %+v", opts)
	}
	if opts.OutputLimit != DefaultOutputLimit {
		t.Errorf("OutputLimit = %d", opts.OutputLimit)
	}
}

func TestOptionsFromEnvOverrides(t *testing.T) {
	t.Setenv("MCP_BRIDGE_IMAGE", "python:3.13-alpine")
	t.Setenv("MCP_BRIDGE_MEMORY", "1g")
	t.Setenv("MCP_BRIDGE_PIDS", "64")
	t.Setenv("MCP_BRIDGE_CPUS", "1.5")
	t.Setenv("MCP_BRIDGE_CONTAINER_USER", "1000:1000")
	t.Setenv("MCP_BRIDGE_RUNTIME_IDLE_TIMEOUT", "60")

	opts := OptionsFromEnv()
	if opts.Image != "python:3.13-alpine" || opts.Memory != "1g" || opts.Pids != 64 {
		t.Errorf("opts = %+v", opts)
	}
	if opts.CPUs != "1.5" || opts.User != "1000:1000" {
		t.Errorf("opts = %+v", opts)
	}
	if opts.IdleTimeout != 60*time.Second {
		t.Errorf("IdleTimeout = %v", opts.IdleTimeout)
	}
}

func TestOptionsFromEnvBadNumbersFallBack(t *testing.T) {
	t.Setenv("MCP_BRIDGE_PIDS", "lots")
	if opts := OptionsFromEnv(); opts.Pids != DefaultPids {
		t.Errorf("Pids = %d", opts.Pids)
	}
}
