// Package response renders run results as MCP tool responses: a terse,
// token-efficient text body plus a trimmed structured payload.
package response

import (
	"fmt"
	"strings"

	"github.com/aniprasad/mcp-server-code-execution-mode/internal/bridge"
	"github.com/mark3labs/mcp-go/mcp"
)

// noiseTokens are stream lines dropped from responses to save tokens.
var noiseTokens = map[string]struct{}{"()": {}}

// Build renders one RunResult as a CallToolResult.
func Build(result bridge.RunResult) *mcp.CallToolResult {
	payload := buildPayload(result)
	text := renderCompact(payload)

	out := mcp.NewToolResultText(text)
	out.IsError = result.Status != bridge.StatusSuccess
	out.StructuredContent = compactStructured(payload)
	return out
}

// buildPayload assembles the structured representation shared by the text
// and structured renderings. Empty fields are omitted.
func buildPayload(result bridge.RunResult) map[string]any {
	summary := summarise(result)
	payload := map[string]any{
		"status":  result.Status,
		"summary": summary,
	}

	if result.ExitCode != 0 {
		payload["exitCode"] = result.ExitCode
	}
	if len(result.Servers) > 0 {
		payload["servers"] = result.Servers
	}
	if lines := filterStreamLines(result.Stdout); len(lines) > 0 {
		payload["stdout"] = lines
	}
	if lines := filterStreamLines(result.Stderr); len(lines) > 0 {
		payload["stderr"] = lines
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	if result.TimeoutSeconds > 0 && result.Status == bridge.StatusTimeout {
		payload["timeoutSeconds"] = result.TimeoutSeconds
	}
	return payload
}

func summarise(result bridge.RunResult) string {
	switch result.Status {
	case bridge.StatusSuccess:
		if result.Stdout == "" && result.Stderr == "" {
			return "Success (no output)"
		}
		return "Success"
	case bridge.StatusTimeout:
		return fmt.Sprintf("Timeout: execution exceeded %ds", result.TimeoutSeconds)
	case bridge.StatusValidationError:
		return result.Error
	default:
		return fmt.Sprintf("Sandbox error: %s", result.Error)
	}
}

// filterStreamLines splits a stream and drops whitespace-only or noise-only
// lines.
func filterStreamLines(stream string) []string {
	if stream == "" {
		return nil
	}
	var filtered []string
	for _, line := range strings.Split(strings.TrimSuffix(stream, "\n"), "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}
		if _, noise := noiseTokens[stripped]; noise {
			continue
		}
		filtered = append(filtered, line)
	}
	return filtered
}

// renderCompact produces the text body: status and exit-code lines for a
// non-success run, then output, then any diagnostics.
func renderCompact(payload map[string]any) string {
	var lines []string
	if stdout, ok := payload["stdout"].([]string); ok {
		lines = append(lines, strings.Join(stdout, "\n"))
	}
	if stderr, ok := payload["stderr"].([]string); ok {
		lines = append(lines, "stderr:\n"+strings.Join(stderr, "\n"))
	}

	status, _ := payload["status"].(string)
	errMsg, _ := payload["error"].(string)
	if len(lines) == 0 {
		if summary, ok := payload["summary"].(string); ok && summary != "" {
			lines = append(lines, summary)
		}
	}
	if errMsg != "" && status != bridge.StatusError {
		lines = append(lines, "error: "+errMsg)
	}

	if code, ok := payload["exitCode"].(int); ok && code != 0 {
		lines = append([]string{fmt.Sprintf("exit: %d", code)}, lines...)
	}
	if status != "" && status != bridge.StatusSuccess {
		lines = append([]string{"status: " + status}, lines...)
	}

	text := strings.TrimSpace(strings.Join(lines, "\n"))
	if text != "" {
		return text
	}
	if status != "" {
		return status
	}
	return "success"
}

// compactStructured trims the payload to the fields worth returning.
func compactStructured(payload map[string]any) map[string]any {
	compact := make(map[string]any)
	status, _ := payload["status"].(string)
	if status != "" && status != bridge.StatusSuccess {
		compact["status"] = status
	}
	for _, key := range []string{"exitCode", "stdout", "stderr", "servers", "timeoutSeconds", "error"} {
		if value, ok := payload[key]; ok {
			compact[key] = value
		}
	}
	if summary, ok := payload["summary"].(string); ok {
		if _, hasStdout := compact["stdout"]; status != bridge.StatusSuccess || !hasStdout {
			compact["summary"] = summary
		}
	}
	return compact
}
