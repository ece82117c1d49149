// Package sandbox boots and supervises the one long-lived rootless container
// that executes caller code, and owns the framed JSON channel on its stdio.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// cancelAckWindow is how long the manager waits for the sandbox to
// acknowledge a cancel frame before hard-killing the container.
const cancelAckWindow = 2 * time.Second

// gracefulStopWindow bounds the idle/graceful shutdown before a hard kill.
const gracefulStopWindow = 2 * time.Second

// LaunchError reports a container that failed to start.
type LaunchError struct {
	Output string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("container launch failed: %v: %s", e.Err, e.Output)
	}
	return fmt.Sprintf("container launch failed: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TimeoutError reports an execution that exceeded its budget. Partial output
// collected before the deadline is preserved.
type TimeoutError struct {
	Seconds int
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %ds", e.Seconds)
}

// RPCHandler services one rpc_request payload from the sandbox. It must
// never fail: errors are encoded inside the returned payload as
// {success:false, error}.
type RPCHandler func(ctx context.Context, payload json.RawMessage) map[string]any

// ExecuteRequest carries one code execution into the container.
type ExecuteRequest struct {
	Code         string
	InvocationID string
	Timeout      time.Duration

	// ServersMetadata is the JSON-encoded allowed-metadata list installed in
	// the sandbox before evaluation.
	ServersMetadata json.RawMessage
	// ContainerEnv and VolumeMounts extend the launch invocation when this
	// request boots the container.
	ContainerEnv map[string]string
	VolumeMounts []string
	// IPCDir receives the entrypoint artefact and is mounted at /ipc.
	IPCDir string

	RPC RPCHandler
}

// Result is the aggregated output of one execution.
type Result struct {
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
}

// process is a live container child. The test suite substitutes fakes that
// speak the frame protocol over in-memory pipes.
type process struct {
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	wait   func() error
	kill   func()
}

// containerState is the running container plus its frame plumbing.
type containerState struct {
	proc   *process
	writer *frameWriter
	done   chan struct{}

	mu     sync.Mutex
	active chan Frame // frame sink of the in-flight execution, nil when idle
}

// Manager owns at most one live sandbox container, reusing it across
// executions and relaunching transparently after idle shutdown or a kill.
type Manager struct {
	opts   Options
	logger *slog.Logger

	// start is swapped in tests for an in-process fake container.
	start func(argv []string) (*process, error)

	execMu sync.Mutex // at most one execution in flight

	mu        sync.Mutex
	container *containerState
	idle      *time.Timer
}

// NewManager creates a manager; the container is not launched until the
// first Execute.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	return &Manager{opts: opts, logger: logger, start: startOSProcess}
}

// baseArgs assembles the fixed part of the runtime invocation.
func (m *Manager) baseArgs(runtime string) []string {
	args := []string{
		runtime, "run", "--rm", "--interactive",
		"--network", "none",
		"--read-only",
		"--pids-limit", strconv.Itoa(m.opts.Pids),
		"--memory", m.opts.Memory,
		"--tmpfs", "/tmp:rw,noexec,nosuid,nodev,size=64m",
		"--tmpfs", "/workspace:rw,noexec,nosuid,nodev,size=128m",
		"--workdir", "/workspace",
		"--env", "HOME=/workspace",
		"--env", "PYTHONUNBUFFERED=1",
		"--env", "PYTHONIOENCODING=utf-8",
		"--env", "PYTHONDONTWRITEBYTECODE=1",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--user", m.opts.User,
	}
	if m.opts.CPUs != "" {
		args = append(args, "--cpus", m.opts.CPUs)
	}
	return args
}

// ensureStarted boots the container if none is live. Caller holds execMu.
func (m *Manager) ensureStarted(req ExecuteRequest) (*containerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopIdleTimerLocked()

	if c := m.container; c != nil {
		select {
		case <-c.done:
			m.container = nil
		default:
			return c, nil
		}
	}

	runtime := m.opts.Runtime
	if runtime == "" {
		detected, err := DetectRuntimeFromEnv()
		if err != nil {
			return nil, err
		}
		runtime = detected
	} else if _, err := exec.LookPath(runtime); err != nil {
		return nil, &RuntimeUnavailableError{Probed: []string{runtime}}
	}

	entrypoint, err := WriteEntrypoint(req.IPCDir)
	if err != nil {
		return nil, &LaunchError{Err: fmt.Errorf("rendering entrypoint: %w", err)}
	}

	argv := m.baseArgs(runtime)
	argv = append(argv, "--volume", req.IPCDir+":/ipc:rw")
	for _, mount := range req.VolumeMounts {
		argv = append(argv, "--volume", mount)
	}
	for key, value := range req.ContainerEnv {
		argv = append(argv, "--env", key+"="+value)
	}
	argv = append(argv, m.opts.Image, "python3", "-u", entrypoint)

	proc, err := m.start(argv)
	if err != nil {
		return nil, &LaunchError{Err: err}
	}

	c := &containerState{
		proc:   proc,
		writer: &frameWriter{w: proc.stdin},
		done:   make(chan struct{}),
	}
	m.container = c

	go m.readFrames(c)
	go m.drainStderr(c)
	go func() {
		err := proc.wait()
		if err != nil {
			m.logger.Debug("container exited", "error", err)
		}
		close(c.done)
	}()

	m.logger.Info("sandbox container started", "runtime", runtime, "image", m.opts.Image)
	return c, nil
}

// readFrames is the single consumer of container stdout. Parsed frames are
// routed to the active execution; lines that do not parse as frames are
// treated as stray stderr noise.
func (m *Manager) readFrames(c *containerState) {
	scanner := bufio.NewScanner(c.proc.stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*DefaultOutputLimit)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil || frame.Type == "" {
			m.deliver(c, Frame{Type: FrameStderr, Data: string(line) + "\n"})
			continue
		}
		switch frame.Type {
		case FrameStdout, FrameStderr, FrameRPCRequest, FrameExecutionDone:
			m.deliver(c, frame)
		default:
			m.logger.Warn("dropping unknown frame type", "type", frame.Type)
		}
	}
}

// drainStderr forwards raw container stderr into the active execution's
// buffer; the entrypoint redirects sandbox-level stderr through stdout
// frames, so anything here is interpreter or runtime noise.
func (m *Manager) drainStderr(c *containerState) {
	scanner := bufio.NewScanner(c.proc.stderr)
	scanner.Buffer(make([]byte, 64*1024), 4*DefaultOutputLimit)
	for scanner.Scan() {
		m.deliver(c, Frame{Type: FrameStderr, Data: scanner.Text() + "\n"})
	}
}

func (m *Manager) deliver(c *containerState, frame Frame) {
	for {
		c.mu.Lock()
		sink := c.active
		c.mu.Unlock()
		if sink == nil {
			m.logger.Debug("dropping frame with no active execution", "type", frame.Type)
			return
		}
		// The sink is re-checked periodically: an execution that finished
		// without draining its channel must not wedge the reader.
		select {
		case sink <- frame:
			return
		case <-c.done:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Execute runs one code evaluation inside the container, servicing sandbox
// RPC frames through req.RPC until execution_done. Executions serialise:
// a concurrent caller queues until the current one finishes.
func (m *Manager) Execute(ctx context.Context, req ExecuteRequest) (Result, error) {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	c, err := m.ensureStarted(req)
	if err != nil {
		return Result{}, err
	}
	defer m.resetIdleTimer()

	frames := make(chan Frame, 64)
	c.mu.Lock()
	c.active = frames
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	execFrame := Frame{
		Type:         FrameExecute,
		InvocationID: req.InvocationID,
		Code:         req.Code,
		Servers:      req.ServersMetadata,
	}
	if err := c.writer.write(execFrame); err != nil {
		m.killContainer(c)
		return Result{}, &LaunchError{Err: fmt.Errorf("sending code to sandbox: %w", err)}
	}

	stdout := newCappedBuffer(m.opts.OutputLimit)
	stderr := newCappedBuffer(m.opts.OutputLimit)

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	rpcCtx, cancelRPC := context.WithCancel(ctx)
	defer cancelRPC()

	cancelSent := false
	var ackCh <-chan time.Time

	for {
		select {
		case frame := <-frames:
			switch frame.Type {
			case FrameStdout:
				stdout.WriteString(frame.Data)
			case FrameStderr:
				stderr.WriteString(frame.Data)
			case FrameRPCRequest:
				go m.serveRPC(rpcCtx, c, req, frame)
			case FrameExecutionDone:
				if cancelSent {
					return Result{}, &TimeoutError{
						Seconds: int(req.Timeout / time.Second),
						Stdout:  stdout.String(),
						Stderr:  stderr.String(),
					}
				}
				return Result{
					Stdout:          stdout.String(),
					Stderr:          stderr.String(),
					StdoutTruncated: stdout.Truncated(),
					StderrTruncated: stderr.Truncated(),
				}, nil
			}

		case <-timeoutCh:
			timeoutCh = nil
			cancelSent = true
			cancelRPC()
			if err := c.writer.write(Frame{Type: FrameCancel, InvocationID: req.InvocationID}); err != nil {
				m.killContainer(c)
				return Result{}, &TimeoutError{
					Seconds: int(req.Timeout / time.Second),
					Stdout:  stdout.String(),
					Stderr:  stderr.String(),
				}
			}
			ack := time.NewTimer(cancelAckWindow)
			defer ack.Stop()
			ackCh = ack.C

		case <-ackCh:
			// Cancel was never acknowledged; the sandbox is wedged.
			m.killContainer(c)
			return Result{}, &TimeoutError{
				Seconds: int(req.Timeout / time.Second),
				Stdout:  stdout.String(),
				Stderr:  stderr.String(),
			}

		case <-c.done:
			m.clearContainer(c)
			return Result{}, &LaunchError{
				Output: stderr.String(),
				Err:    errors.New("sandbox container exited during execution"),
			}

		case <-ctx.Done():
			m.killContainer(c)
			return Result{}, ctx.Err()
		}
	}
}

// serveRPC handles one rpc_request frame off the reader path so RPC work
// never blocks frame consumption.
func (m *Manager) serveRPC(ctx context.Context, c *containerState, req ExecuteRequest, frame Frame) {
	var payload map[string]any
	if req.RPC == nil {
		payload = map[string]any{"success": false, "error": "RPC handler unavailable"}
	} else {
		payload = req.RPC(ctx, frame.Payload)
	}
	if payload == nil {
		payload = map[string]any{"success": false, "error": "empty RPC response"}
	}

	success, _ := payload["success"].(bool)
	reply := Frame{
		Type:    FrameRPCResponse,
		ID:      frame.ID,
		Success: &success,
	}
	if !success {
		if msg, ok := payload["error"].(string); ok {
			reply.Error = msg
		} else {
			reply.Error = "RPC error"
		}
	}
	if data, err := json.Marshal(payload); err == nil {
		reply.Payload = data
	}
	if err := c.writer.write(reply); err != nil {
		m.logger.Debug("failed to deliver RPC response", "id", frame.ID, "error", err)
	}
}

// resetIdleTimer arms the idle TTL after an execution completes.
func (m *Manager) resetIdleTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopIdleTimerLocked()
	if m.opts.IdleTimeout <= 0 || m.container == nil {
		return
	}
	c := m.container
	m.idle = time.AfterFunc(m.opts.IdleTimeout, func() {
		m.mu.Lock()
		current := m.container == c
		m.mu.Unlock()
		c.mu.Lock()
		busy := c.active != nil
		c.mu.Unlock()
		if !current || busy {
			return
		}
		m.logger.Info("sandbox container idle, shutting down")
		m.gracefulStop(c)
	})
}

func (m *Manager) stopIdleTimerLocked() {
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
}

// gracefulStop closes the container's stdin so the entrypoint exits cleanly,
// then hard-kills after the grace window.
func (m *Manager) gracefulStop(c *containerState) {
	c.proc.stdin.Close() //nolint:errcheck
	select {
	case <-c.done:
	case <-time.After(gracefulStopWindow):
		c.proc.kill()
		<-c.done
	}
	m.clearContainer(c)
}

// killContainer hard-stops the container; the next Execute relaunches.
func (m *Manager) killContainer(c *containerState) {
	c.proc.kill()
	select {
	case <-c.done:
	case <-time.After(gracefulStopWindow):
	}
	m.clearContainer(c)
}

func (m *Manager) clearContainer(c *containerState) {
	m.mu.Lock()
	if m.container == c {
		m.container = nil
		m.stopIdleTimerLocked()
	}
	m.mu.Unlock()
}

// Shutdown stops the container if one is live.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	c := m.container
	m.mu.Unlock()
	if c != nil {
		m.gracefulStop(c)
	}
}

// startOSProcess launches the runtime invocation with the child in its own
// process group so a hard kill reaps the whole container tree.
func startOSProcess(argv []string) (*process, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	pid := cmd.Process.Pid
	return &process{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		wait:   cmd.Wait,
		kill: func() {
			// Negative pid addresses the process group.
			unix.Kill(-pid, unix.SIGKILL) //nolint:errcheck
		},
	}, nil
}
