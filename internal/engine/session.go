package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/klauskode/klaus-kode/internal/runlog"
)

// ErrInterrupted is returned by RunSession when ctx is cancelled while the
// agent is running. It wraps the context's error.
var ErrInterrupted = errors.New("agent session interrupted")

// SessionOptions configures how an agent session is shown and recorded.
type SessionOptions struct {
	StepName string // log step name; defaults to Activity
	Header   string // step banner; omitted when empty
	Activity string // shown on the heartbeat line, e.g. "implementing"
	Log      *runlog.Logger
	Display  *Display
	RunStart time.Time // start of the whole run; defaults to the session start

	Heartbeat    time.Duration // heartbeat period, default 1s
	VerbInterval time.Duration // status verb rotation, default 5s
}

// Outcome is what an agent session produced.
type Outcome struct {
	Output    string     // final result text, or the accumulated text blocks
	Result    *RunResult // nil when the stream ended without a result
	ToolCalls int
	Errors    []ToolError
	Duration  time.Duration
}

type pendingTool struct {
	name  string
	start time.Time
}

type agentSession struct {
	ctx      context.Context
	opts     SessionOptions
	display  *Display
	start    time.Time
	state    ActivityState
	verbIdx  int
	verbAt   time.Time
	tools    map[string]pendingTool
	calls    int
	errors   []ToolError
	text     strings.Builder
	result   *RunResult
	exitCode int
}

// RunSession drives one agent invocation to completion. It renders events as
// they arrive, records them in opts.Log, and always finishes with a
// claude_result and a step_end entry followed by the summary box, including
// when ctx is cancelled.
func RunSession(ctx context.Context, eng Engine, req Request, opts SessionOptions) (Outcome, error) {
	if opts.Display == nil {
		opts.Display = NewDisplay(io.Discard)
	}
	if opts.StepName == "" {
		opts.StepName = opts.Activity
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = time.Second
	}
	if opts.VerbInterval <= 0 {
		opts.VerbInterval = 5 * time.Second
	}

	s := &agentSession{
		ctx:     ctx,
		opts:    opts,
		display: opts.Display,
		start:   time.Now(),
		verbIdx: rand.IntN(len(StatusVerbs)),
		tools:   map[string]pendingTool{},
	}
	s.verbAt = s.start
	if opts.RunStart.IsZero() {
		s.opts.RunStart = s.start
	}

	opts.Log.StepStart(opts.StepName, req.Prompt, req.MaxTurns)
	if opts.Header != "" {
		s.display.ShowStepHeader(opts.Header)
	}
	defer s.finish()

	stream, err := eng.Start(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return s.interrupt(nil)
		}
		s.exitCode = 1
		s.setState(StateWaiting)
		s.setState(StateFailed)
		return s.outcome(), fmt.Errorf("starting %s: %w", eng.Name(), err)
	}

	s.setState(StateWaiting)
	s.tick()

	ticker := time.NewTicker(opts.Heartbeat)
	defer ticker.Stop()

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return s.interrupt(stream)

		case <-ticker.C:
			s.tick()

		case ev, ok := <-events:
			if !ok {
				return s.streamEnded(eng.Name(), stream)
			}
			s.handle(ev)
		}
	}
}

func (s *agentSession) handle(ev Event) {
	switch ev := ev.(type) {
	case SystemNotice:
		s.display.ShowSystem(ev.Subtype, ev.Model)

	case MessageStart:
		// Nothing to show; the heartbeat keeps running.

	case TextDelta:
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return
		}
		s.display.ShowText(text)
		s.opts.Log.TextBlock(text)
		if s.text.Len() > 0 {
			s.text.WriteString("\n")
		}
		s.text.WriteString(text)

	case ToolUse:
		s.calls++
		s.tools[ev.ID] = pendingTool{name: ev.Name, start: time.Now()}
		s.display.ShowToolUse(ev.Name, FormatToolInput(ev.Name, ev.Input), time.Since(s.start))
		s.opts.Log.ToolCall(ev.ID, ev.Name, ev.Input)
		s.setState(StateTool)

	case ToolResult:
		name := "unknown"
		if pending, ok := s.tools[ev.ToolUseID]; ok {
			name = pending.name
			delete(s.tools, ev.ToolUseID)
			clog.FromContext(s.ctx).Debugf("tool %s (%s) finished in %s", name, ev.ToolUseID, time.Since(pending.start).Round(time.Millisecond))
		}
		s.display.ShowToolResult(name, ev.Content, ev.IsError, time.Since(s.start))
		s.opts.Log.ToolResult(ev.ToolUseID, name, ev.Content, ev.IsError)
		if ev.IsError {
			s.errors = append(s.errors, ToolError{Name: name, Text: ErrorSummary(ev.Content)})
		}
		if len(s.tools) == 0 {
			s.setState(StateWaiting)
		}

	case RunResult:
		s.result = &ev
		if ev.IsError {
			s.exitCode = 1
		}
		s.setState(StateDone)
		s.display.ClearHeartbeat()
		s.display.ShowDone(s.output(), time.Since(s.start), time.Since(s.opts.RunStart))
		if ev.IsError {
			s.display.ShowWarning(fmt.Sprintf("agent stopped early: %s", ev.Subtype))
		}
	}
}

// streamEnded handles exhaustion of the event channel.
func (s *agentSession) streamEnded(name string, stream Stream) (Outcome, error) {
	err := stream.Wait()
	if s.ctx.Err() != nil {
		return s.interrupt(nil)
	}
	if err == nil {
		if s.result == nil {
			s.setState(StateDone)
		}
		return s.outcome(), nil
	}
	if s.result != nil {
		// The CLI exits non-zero after hitting its turn or budget limit; the
		// result event already describes that.
		clog.FromContext(s.ctx).Warnf("%s exited after reporting a result: %v", name, err)
		return s.outcome(), nil
	}
	s.exitCode = 1
	s.setState(StateFailed)
	return s.outcome(), fmt.Errorf("%s: %w", name, err)
}

// interrupt stops consuming, waits for the transport to shut down and
// reports ErrInterrupted.
func (s *agentSession) interrupt(stream Stream) (Outcome, error) {
	s.exitCode = 130
	s.setState(StateInterrupted)
	s.display.ClearHeartbeat()
	s.display.ShowInterrupted()
	if stream != nil {
		for range stream.Events() {
		}
		_ = stream.Wait()
	}
	return s.outcome(), fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(s.ctx))
}

func (s *agentSession) tick() {
	if !s.state.Active() {
		return
	}
	if time.Since(s.verbAt) >= s.opts.VerbInterval {
		s.verbIdx = (s.verbIdx + 1) % len(StatusVerbs)
		s.verbAt = time.Now()
	}
	s.display.Heartbeat(StatusVerbs[s.verbIdx], s.opts.Activity, time.Since(s.start), time.Since(s.opts.RunStart))
}

func (s *agentSession) setState(to ActivityState) {
	if err := Transition(s.state, to); err != nil {
		clog.FromContext(s.ctx).Debugf("%s: %v", s.opts.StepName, err)
		return
	}
	s.state = to
}

func (s *agentSession) output() string {
	if s.result != nil && s.result.Text != "" {
		return s.result.Text
	}
	return s.text.String()
}

func (s *agentSession) outcome() Outcome {
	return Outcome{
		Output:    s.output(),
		Result:    s.result,
		ToolCalls: s.calls,
		Errors:    s.errors,
		Duration:  time.Since(s.start),
	}
}

// finish records the aggregate result and closes the step. It runs on every
// exit path.
func (s *agentSession) finish() {
	s.display.ClearHeartbeat()

	summary := runlog.ResultSummary{Output: s.output(), ExitCode: s.exitCode}
	tokens := 0
	if s.result != nil {
		summary.Turns = s.result.Turns
		summary.Usage = s.result.Usage.Map()
		summary.CostUSD = s.result.CostUSD
		tokens = s.result.Usage.Total()
	}
	s.opts.Log.AgentResult(summary)
	s.opts.Log.StepEnd(s.opts.StepName, s.exitCode)

	duration := time.Since(s.start)
	s.display.ShowSummary(Summary{
		ToolCalls: s.calls,
		Errors:    s.errors,
		Duration:  duration,
		Tokens:    tokens,
		CostUSD:   summary.CostUSD,
	})
	clog.FromContext(s.ctx).Infof("%s: %d tool calls, %d errors, %s", s.opts.StepName, s.calls, len(s.errors), duration.Round(time.Second))
}
