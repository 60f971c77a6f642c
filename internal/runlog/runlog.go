// Package runlog records one klaus-kode run as JSON Lines.
//
// Every entry is written to the run's log file as soon as it is emitted and is
// also kept in memory. At the end of the run the buffered entries are dumped to
// stdout between two marker lines, so the history survives even when the log
// directory was not writable.
package runlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxSubprocessOutput caps the stdout and stderr stored per subprocess entry.
const MaxSubprocessOutput = 10 * 1024

// Marker lines that delimit the stdout dump.
const (
	StartMarker = "===KLAUS_KODE_JSONL_START==="
	EndMarker   = "===KLAUS_KODE_JSONL_END==="
)

// Entry types.
const (
	TypeRunStart      = "run_start"
	TypeContextUpdate = "context_update"
	TypeStepStart     = "step_start"
	TypeStepEnd       = "step_end"
	TypeToolCall      = "tool_call"
	TypeToolResult    = "tool_result"
	TypeTextBlock     = "text_block"
	TypeClaudeResult  = "claude_result"
	TypeDecision      = "decision"
	TypeSubprocess    = "subprocess"
	TypeError         = "error"
	TypeRunEnd        = "run_end"
)

const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Entry is a single log record.
type Entry map[string]any

// Type returns the entry's type field.
func (e Entry) Type() string {
	t, _ := e["type"].(string)
	return t
}

// ResultSummary is the aggregate outcome of one agent invocation.
type ResultSummary struct {
	Turns    int
	Usage    map[string]any
	Output   string
	ExitCode int
	CostUSD  float64
}

type activeStep struct {
	name  string
	start time.Time
}

// Logger is an append-only JSONL recorder for one run. A nil *Logger is valid
// and discards everything.
type Logger struct {
	mu      sync.Mutex
	runID   string
	now     func() time.Time
	start   time.Time
	last    time.Time
	context map[string]any
	steps   []activeStep
	lines   [][]byte
	path    string
	file    *os.File
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithRunID fixes the run identifier.
func WithRunID(id string) Option {
	return func(l *Logger) { l.runID = id }
}

// New creates a logger writing to dir/run_<timestamp>_<runid>.jsonl. When the
// directory cannot be created or the file cannot be opened, the logger keeps
// entries in memory only.
func New(dir string, opts ...Option) *Logger {
	l := &Logger{
		runID:   uuid.NewString()[:8],
		now:     time.Now,
		context: map[string]any{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.start = l.now()
	l.last = l.start

	if dir == "" {
		return l
	}
	l.path = filepath.Join(dir, fmt.Sprintf("run_%s_%s.jsonl", l.start.Format("20060102_150405"), l.runID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		l.path = ""
		return l
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		l.path = ""
		return l
	}
	l.file = f
	return l
}

// RunID returns the short run identifier.
func (l *Logger) RunID() string {
	if l == nil {
		return ""
	}
	return l.runID
}

// Path returns the log file path, or "" when the run is memory-only.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Start returns the time the run started.
func (l *Logger) Start() time.Time {
	if l == nil {
		return time.Time{}
	}
	return l.start
}

func (l *Logger) emit(e Entry) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.last) {
		now = l.last
	}
	l.last = now

	e["run_id"] = l.runID
	e["timestamp"] = now.Format(timestampLayout)
	e["elapsed_s"] = round2(now.Sub(l.start).Seconds())
	if n := len(l.steps); n > 0 {
		if _, ok := e["step"]; !ok {
			e["step"] = l.steps[n-1].name
		}
	}

	line, err := json.Marshal(e)
	if err != nil {
		line, _ = json.Marshal(Entry{
			"type":      TypeError,
			"error":     fmt.Sprintf("unserializable %s entry: %v", e.Type(), err),
			"run_id":    l.runID,
			"timestamp": e["timestamp"],
			"elapsed_s": e["elapsed_s"],
		})
	}
	l.lines = append(l.lines, line)

	if l.file != nil {
		// Write failures only cost the file copy; the buffer still has the line.
		_, _ = fmt.Fprintf(l.file, "%s\n", line)
	}
}

// RunStart records the run's arguments.
func (l *Logger) RunStart(args map[string]any) {
	l.emit(Entry{"type": TypeRunStart, "args": args})
}

// SetContext merges kv into the run context and records the full context.
func (l *Logger) SetContext(kv map[string]any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	for k, v := range kv {
		l.context[k] = v
	}
	snapshot := make(map[string]any, len(l.context))
	for k, v := range l.context {
		snapshot[k] = v
	}
	l.mu.Unlock()

	l.emit(Entry{"type": TypeContextUpdate, "context": snapshot})
}

// StepStart marks name as the active step. Steps nest: the innermost active
// step tags subsequent entries.
func (l *Logger) StepStart(name, prompt string, maxTurns int) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.steps = append(l.steps, activeStep{name: name, start: l.now()})
	l.mu.Unlock()

	e := Entry{"type": TypeStepStart, "step_name": name}
	if prompt != "" {
		e["prompt"] = prompt
	}
	if maxTurns > 0 {
		e["max_turns"] = maxTurns
	}
	l.emit(e)
}

// StepEnd records the end of name with its duration and pops it, along with
// any steps nested inside it that were left open.
func (l *Logger) StepEnd(name string, exitCode int) {
	if l == nil {
		return
	}
	l.mu.Lock()
	idx := -1
	for i := len(l.steps) - 1; i >= 0; i-- {
		if l.steps[i].name == name {
			idx = i
			break
		}
	}
	var duration any
	if idx >= 0 {
		duration = round2(l.now().Sub(l.steps[idx].start).Seconds())
	}
	l.mu.Unlock()

	l.emit(Entry{
		"type":            TypeStepEnd,
		"step_name":       name,
		"step":            name,
		"step_duration_s": duration,
		"exit_code":       exitCode,
	})

	if idx >= 0 {
		l.mu.Lock()
		if idx < len(l.steps) {
			l.steps = l.steps[:idx]
		}
		l.mu.Unlock()
	}
}

// ToolCall records a tool invocation request.
func (l *Logger) ToolCall(id, name string, input map[string]any) {
	l.emit(Entry{
		"type":       TypeToolCall,
		"tool_id":    id,
		"tool_name":  name,
		"tool_input": input,
	})
}

// ToolResult records the result of a tool invocation.
func (l *Logger) ToolResult(id, name, output string, isError bool) {
	l.emit(Entry{
		"type":        TypeToolResult,
		"tool_id":     id,
		"tool_name":   name,
		"tool_output": output,
		"is_error":    isError,
	})
}

// TextBlock records a block of free text from the agent.
func (l *Logger) TextBlock(text string) {
	l.emit(Entry{"type": TypeTextBlock, "text": text})
}

// AgentResult records the aggregate result of an agent invocation.
func (l *Logger) AgentResult(r ResultSummary) {
	usage := r.Usage
	if usage == nil {
		usage = map[string]any{}
	}
	l.emit(Entry{
		"type":        TypeClaudeResult,
		"num_turns":   r.Turns,
		"token_usage": usage,
		"output":      r.Output,
		"exit_code":   r.ExitCode,
		"cost_usd":    r.CostUSD,
	})
}

// Subprocess records an external command with its output capped at
// MaxSubprocessOutput bytes per stream.
func (l *Logger) Subprocess(cmd []string, returnCode int, stdout, stderr string) {
	l.emit(Entry{
		"type":       TypeSubprocess,
		"cmd":        strings.Join(cmd, " "),
		"returncode": returnCode,
		"stdout":     capOutput(stdout),
		"stderr":     capOutput(stderr),
	})
}

// Decision records a choice the pipeline made and why.
func (l *Logger) Decision(decision, reason string, fields map[string]any) {
	e := Entry{"type": TypeDecision, "decision": decision, "reason": reason}
	for k, v := range fields {
		if _, reserved := e[k]; !reserved {
			e[k] = v
		}
	}
	l.emit(e)
}

// Error records an error.
func (l *Logger) Error(err error) {
	if err == nil {
		return
	}
	l.emit(Entry{"type": TypeError, "error": err.Error()})
}

// RunEnd records the end of the run.
func (l *Logger) RunEnd(exitCode int, fields map[string]any) {
	if l == nil {
		return
	}
	e := Entry{
		"type":             TypeRunEnd,
		"exit_code":        exitCode,
		"total_duration_s": round2(l.now().Sub(l.start).Seconds()),
	}
	for k, v := range fields {
		if _, reserved := e[k]; !reserved {
			e[k] = v
		}
	}
	l.emit(e)
}

// Flush dumps every buffered entry to w between the marker lines and closes
// the log file. Entries emitted after Flush are buffered but not written to
// the file.
func (l *Logger) Flush(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "\n%s\n", StartMarker)
	for _, line := range l.lines {
		fmt.Fprintf(bw, "%s\n", line)
	}
	fmt.Fprintf(bw, "%s\n\n", EndMarker)
	_ = bw.Flush()

	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
}

// Entries decodes the buffered entries.
func (l *Logger) Entries() []Entry {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]Entry, 0, len(l.lines))
	for _, line := range l.lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err == nil {
			entries = append(entries, e)
		}
	}
	return entries
}

// Latest returns the most recent run log in dir, or "" when there is none.
// File names start with the run timestamp, so name order is run order.
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "run_*.jsonl"))
	if err != nil || len(matches) == 0 {
		return "", err
	}
	return matches[len(matches)-1], nil
}

// ReadFile reads the entries of a JSONL log file, skipping blank lines.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads JSONL entries from r, skipping blank lines.
func Decode(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return entries, fmt.Errorf("decoding log line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func capOutput(s string) string {
	if len(s) > MaxSubprocessOutput {
		return s[:MaxSubprocessOutput]
	}
	return s
}

