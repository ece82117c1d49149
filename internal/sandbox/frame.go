package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Frame is one line of framed JSON crossing the container boundary.
// Host→container: execute, rpc_response, cancel. Container→host: stdout,
// stderr, rpc_request, execution_done. Every frame is a single JSON object
// terminated by a newline; json.Marshal escapes embedded newlines, so the
// newline is the sole delimiter on the wire.
type Frame struct {
	Type         string          `json:"type"`
	InvocationID string          `json:"invocation_id,omitempty"`
	Code         string          `json:"code,omitempty"`
	Servers      json.RawMessage `json:"servers,omitempty"`
	Data         string          `json:"data,omitempty"`
	ID           int64           `json:"id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Frame types.
const (
	FrameExecute       = "execute"
	FrameCancel        = "cancel"
	FrameRPCResponse   = "rpc_response"
	FrameStdout        = "stdout"
	FrameStderr        = "stderr"
	FrameRPCRequest    = "rpc_request"
	FrameExecutionDone = "execution_done"
)

// TruncationSentinel is appended exactly once to a stream that exceeded its cap.
const TruncationSentinel = "...truncated..."

// DefaultOutputLimit caps each of stdout and stderr per execute.
const DefaultOutputLimit = 1 << 20 // 1 MiB

// frameWriter serialises frame writes so lines never interleave.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) write(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	data = append(data, '\n')

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// cappedBuffer accumulates stream data up to a fixed cap. Data beyond the cap
// is dropped; String appends the truncation sentinel once when that happened.
type cappedBuffer struct {
	limit     int
	data      []byte
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) WriteString(s string) {
	if b.truncated {
		return
	}
	remaining := b.limit - len(b.data)
	if len(s) <= remaining {
		b.data = append(b.data, s...)
		return
	}
	b.data = append(b.data, s[:remaining]...)
	b.truncated = true
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return string(b.data) + TruncationSentinel
	}
	return string(b.data)
}

func (b *cappedBuffer) Truncated() bool { return b.truncated }
