package sandbox

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the sandbox container.
const (
	DefaultImage       = "python:3.14-slim"
	DefaultMemory      = "512m"
	DefaultPids        = 128
	DefaultUser        = "65534:65534"
	DefaultIdleTimeout = 300 * time.Second
)

// Options configure the sandbox container.
type Options struct {
	Runtime     string // container runtime executable; empty means auto-detect
	Image       string
	Memory      string
	Pids        int
	CPUs        string // empty means no quota
	User        string // UID:GID
	IdleTimeout time.Duration
	OutputLimit int // per-stream cap per execute, bytes
}

// OptionsFromEnv reads the MCP_BRIDGE_* container knobs, applying defaults.
func OptionsFromEnv() Options {
	return Options{
		Runtime:     strings.TrimSpace(os.Getenv("MCP_BRIDGE_RUNTIME")),
		Image:       envString("MCP_BRIDGE_IMAGE", DefaultImage),
		Memory:      envString("MCP_BRIDGE_MEMORY", DefaultMemory),
		Pids:        envInt("MCP_BRIDGE_PIDS", DefaultPids),
		CPUs:        strings.TrimSpace(os.Getenv("MCP_BRIDGE_CPUS")),
		User:        envString("MCP_BRIDGE_CONTAINER_USER", DefaultUser),
		IdleTimeout: time.Duration(envInt("MCP_BRIDGE_RUNTIME_IDLE_TIMEOUT", int(DefaultIdleTimeout/time.Second))) * time.Second,
		OutputLimit: DefaultOutputLimit,
	}
}

func envString(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
