package bridge

import "fmt"

// ValidationError rejects malformed run arguments before any container or
// tool-server work happens.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// UnknownServerError rejects a run naming a server discovery never found.
type UnknownServerError struct {
	Name string
}

func (e *UnknownServerError) Error() string {
	return fmt.Sprintf("unknown MCP server: %s", e.Name)
}
