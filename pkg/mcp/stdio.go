package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
)

// termGracePeriod is how long Close waits for the child to exit after
// SIGTERM before force-killing it.
const termGracePeriod = 5 * time.Second

// stderrTailLines is how many trailing stderr lines are kept for error
// reporting when the process dies.
const stderrTailLines = 10

// StdioTransport communicates with an MCP server via stdin/stdout of a
// spawned child process. Messages are newline-delimited JSON-RPC. A single
// reader goroutine owns stdout and deposits correlated responses; writers
// are serialized by a mutex so concurrent requests never interleave lines.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *log.Logger

	writeMu sync.Mutex // serializes writes to stdin

	pending *pendingRequests

	tailMu sync.Mutex
	tail   []string // last stderr lines, for diagnostics

	done      chan struct{} // closed when the reader goroutine exits
	closeOnce sync.Once
}

// NewStdioTransport spawns a child process and returns a transport speaking
// JSON-RPC over its stdin/stdout. The process inherits the parent
// environment plus the given overrides.
func NewStdioTransport(cfg ServerConfig, logger *log.Logger) (*StdioTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("stdio transport requires a command")
	}
	if logger == nil {
		logger = log.Default()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdinPipe.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdinPipe.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdinPipe.Close()
		stdoutPipe.Close()
		stderrPipe.Close()
		return nil, fmt.Errorf("start process %s: %w", cfg.Command, err)
	}

	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdinPipe,
		stdout:  stdoutPipe,
		logger:  logger,
		pending: newPendingRequests(),
		done:    make(chan struct{}),
	}

	go t.drainStderr(stderrPipe)
	go t.readLoop()

	t.logger.Debug("server process started", "command", cfg.Command, "pid", cmd.Process.Pid)
	return t, nil
}

// readLoop reads stdout lines and deposits JSON-RPC responses into the
// pending table. It runs until the stream closes or the process exits, then
// fails any still-outstanding requests.
func (t *StdioTransport) readLoop() {
	defer func() {
		t.pending.failAll()
		close(t.done)
	}()

	scanner := bufio.NewScanner(t.stdout)
	// Allow large JSON payloads (1 MiB)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			// Incidental process output on stdout, not an error.
			t.logger.Debug("skipping non-JSON line from server", "line", string(line))
			continue
		}
		if resp.ID == "" {
			// Server-initiated notification; nothing awaits it.
			t.logger.Debug("skipping message without id")
			continue
		}

		t.pending.deposit(resp.ID, resp)
	}
}

// drainStderr keeps the last few stderr lines for diagnostics and logs each
// at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.logger.Debug("server stderr", "line", line)

		t.tailMu.Lock()
		t.tail = append(t.tail, line)
		if len(t.tail) > stderrTailLines {
			t.tail = t.tail[len(t.tail)-stderrTailLines:]
		}
		t.tailMu.Unlock()
	}
}

func (t *StdioTransport) stderrTail() string {
	t.tailMu.Lock()
	defer t.tailMu.Unlock()
	return strings.Join(t.tail, "\n")
}

// Send writes a JSON-RPC request to stdin and waits for the correlated
// response, a context deadline, or transport shutdown. Every non-success
// path prunes the pending slot so late responses are discarded safely.
func (t *StdioTransport) Send(ctx context.Context, req Request) (Response, error) {
	if req.ID == nil {
		return Response{}, fmt.Errorf("Send requires a request with an ID; use Notify for notifications")
	}
	id := *req.ID

	// Register before writing so a fast response cannot race the waiter.
	ch := t.pending.register(id)

	data, err := json.Marshal(req)
	if err != nil {
		t.pending.remove(id)
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	t.writeMu.Lock()
	_, writeErr := t.stdin.Write(append(data, '\n'))
	t.writeMu.Unlock()

	if writeErr != nil {
		t.pending.remove(id)
		return Response{}, fmt.Errorf("write to stdin: %w", writeErr)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			// Channel closed by failAll: the process exited with this
			// request still outstanding.
			return Response{}, fmt.Errorf("%w: %s", ErrProcessDied, t.stderrTail())
		}
		return resp, nil
	case <-ctx.Done():
		t.pending.remove(id)
		return Response{}, ctx.Err()
	case <-t.done:
		t.pending.remove(id)
		return Response{}, fmt.Errorf("%w: %s", ErrProcessDied, t.stderrTail())
	}
}

// Notify writes a JSON-RPC notification (no ID, no response expected).
func (t *StdioTransport) Notify(_ context.Context, method string, params any) error {
	n := newNotification(method, params)
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Alive reports whether the server process is still running. The reader
// goroutine exits when stdout closes, which happens when the process dies.
func (t *StdioTransport) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Close terminates the child process: close stdin, SIGTERM, wait out the
// grace period, SIGKILL. Safe to call more than once.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.stdin.Close()

		if t.cmd.Process != nil {
			_ = t.cmd.Process.Signal(syscall.SIGTERM)
		}

		waited := make(chan error, 1)
		go func() {
			waited <- t.cmd.Wait()
		}()

		select {
		case <-waited:
			// Process exited within the grace period.
		case <-time.After(termGracePeriod):
			t.logger.Warn("server process did not exit, killing", "pid", t.cmd.Process.Pid)
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
			<-waited
		}

		// Reader sees EOF and fails any outstanding requests.
		<-t.done
	})
	return nil
}
