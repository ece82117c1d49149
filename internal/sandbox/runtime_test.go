package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func fakeExecutable(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestDetectRuntimePrefersOverride(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix PATH semantics")
	}
	dir := t.TempDir()
	fakeExecutable(t, dir, "podman")
	fakeExecutable(t, dir, "my-runtime")
	t.Setenv("PATH", dir)

	got, err := DetectRuntime("my-runtime")
	if err != nil {
		t.Fatalf("DetectRuntime() error = %v", err)
	}
	if got != "my-runtime" {
		t.Errorf("DetectRuntime() = %q, want the override", got)
	}
}

func TestDetectRuntimeRootlessFirst(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix PATH semantics")
	}
	dir := t.TempDir()
	fakeExecutable(t, dir, "podman")
	fakeExecutable(t, dir, "docker")
	t.Setenv("PATH", dir)

	got, err := DetectRuntime("")
	if err != nil {
		t.Fatalf("DetectRuntime() error = %v", err)
	}
	if got != "podman" {
		t.Errorf("DetectRuntime() = %q, want podman before docker", got)
	}
}

func TestDetectRuntimeFallsBack(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix PATH semantics")
	}
	dir := t.TempDir()
	fakeExecutable(t, dir, "docker")
	t.Setenv("PATH", dir)

	got, err := DetectRuntime("")
	if err != nil {
		t.Fatalf("DetectRuntime() error = %v", err)
	}
	if got != "docker" {
		t.Errorf("DetectRuntime() = %q", got)
	}
}

func TestDetectRuntimeUnavailable(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, err := DetectRuntime("")
	var unavailable *RuntimeUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("DetectRuntime() error = %v, want RuntimeUnavailableError", err)
	}
	msg := err.Error()
	for _, name := range []string{"podman", "docker"} {
		if !strings.Contains(msg, name) {
			t.Errorf("error %q does not name probed runtime %s", msg, name)
		}
	}
}
