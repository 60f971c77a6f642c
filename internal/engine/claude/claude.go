package claude

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauskode/klaus-kode/internal/engine"
)

func init() {
	engine.Register(engine.Registration{
		Name:    "claude",
		Command: "claude",
		New:     func() engine.Engine { return New() },
	})
}

const (
	// maxStderr caps how much of the CLI's stderr is kept for error messages.
	maxStderr = 8 * 1024
	// waitDelay bounds how long Wait blocks on output pipes after a kill.
	waitDelay = 5 * time.Second
)

// Engine runs agent sessions through the Claude Code CLI.
type Engine struct {
	Timeout time.Duration
	Command string // executable, default "claude"
}

// New creates a new Claude engine.
func New() *Engine {
	return &Engine{
		Timeout: engine.DefaultTimeout,
		Command: "claude",
	}
}

// Name returns the engine identifier.
func (e *Engine) Name() string {
	return "claude"
}

// CLICommand returns the CLI executable name.
func (e *Engine) CLICommand() string {
	if e.Command == "" {
		return "claude"
	}
	return e.Command
}

// BuildArgs returns the CLI arguments for req. The prompt itself is written
// to stdin so the variadic tool flags cannot swallow it.
func (e *Engine) BuildArgs(req engine.Request) []string {
	args := []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--permission-mode", "bypassPermissions",
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if len(req.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(req.DisallowedTools, ","))
	}
	if req.MaxBudgetUSD != nil {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(*req.MaxBudgetUSD, 'f', -1, 64))
	}
	return args
}

// Start launches the CLI and streams its events. Cancelling ctx kills the
// CLI's whole process group.
func (e *Engine) Start(ctx context.Context, req engine.Request) (engine.Stream, error) {
	timeout := e.Timeout
	if timeout == 0 {
		timeout = engine.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	cmd := exec.CommandContext(ctx, e.CLICommand(), e.BuildArgs(req)...)
	cmd.Dir = req.WorkDir
	// Feeding the prompt on stdin also keeps the CLI away from any TTY, which
	// suppresses its interactive hints.
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.SysProcAttr = newSysProcAttr()
	setupProcessCleanup(cmd)

	s := &stream{
		events: make(chan engine.Event, 64),
		done:   make(chan struct{}),
	}
	handler := &streamHandler{parser: NewParser(), emit: s.send}
	cmd.Stdout = handler
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", e.CLICommand(), err)
	}

	go func() {
		defer cancel()
		err := cmd.Wait()
		handler.Flush()
		close(s.events)
		s.err = e.exitError(ctx, err, timeout, s.stderr.String())
		close(s.done)
	}()

	return s, nil
}

func (e *Engine) exitError(ctx context.Context, err error, timeout time.Duration, stderr string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("execution timed out after %s: %w", timeout, ctx.Err())
	case ctx.Err() != nil:
		return fmt.Errorf("execution cancelled: %w", ctx.Err())
	case strings.TrimSpace(stderr) != "":
		return fmt.Errorf("execution failed: %w (stderr: %s)", err, strings.TrimSpace(stderr))
	default:
		return fmt.Errorf("execution failed: %w", err)
	}
}

// stream is the engine.Stream of one CLI process.
type stream struct {
	events chan engine.Event
	done   chan struct{}
	stderr limitedBuffer
	err    error
}

func (s *stream) Events() <-chan engine.Event { return s.events }

func (s *stream) Wait() error {
	<-s.done
	return s.err
}

func (s *stream) send(ev engine.Event) {
	s.events <- ev
}

// streamHandler processes output line by line.
type streamHandler struct {
	parser *Parser
	emit   func(engine.Event)
	buffer []byte
}

func (h *streamHandler) Write(p []byte) (n int, err error) {
	h.buffer = append(h.buffer, p...)

	// Process complete lines
	for {
		idx := bytes.IndexByte(h.buffer, '\n')
		if idx == -1 {
			break
		}

		line := h.buffer[:idx]
		h.buffer = h.buffer[idx+1:]

		for _, ev := range h.parser.ParseLine(line) {
			h.emit(ev)
		}
	}

	return len(p), nil
}

func (h *streamHandler) Flush() {
	if len(h.buffer) > 0 {
		for _, ev := range h.parser.ParseLine(h.buffer) {
			h.emit(ev)
		}
		h.buffer = nil
	}
}

// limitedBuffer keeps the first maxStderr bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := maxStderr - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
