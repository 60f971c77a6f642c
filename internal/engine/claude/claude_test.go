package claude

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/klauskode/klaus-kode/internal/engine"
)

const streamFixture = `{"type":"system","subtype":"init","model":"claude-sonnet"}
{"type":"assistant","message":{"content":[{"type":"text","text":"Plan: read it"},{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"a.py"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"print(1)"}]}}
{"type":"result","subtype":"success","is_error":false,"num_turns":2,"result":"APPROVED","total_cost_usd":0.01,"usage":{"input_tokens":3,"output_tokens":4}}
`

func TestStart_StreamsEventsAndFeedsPromptOnStdin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture is unix-only")
	}

	binDir := t.TempDir()
	fixture := filepath.Join(binDir, "fixture.jsonl")
	if err := os.WriteFile(fixture, []byte(streamFixture), 0o644); err != nil {
		t.Fatal(err)
	}
	stdinPath := filepath.Join(binDir, "stdin.txt")
	argsPath := filepath.Join(binDir, "args.txt")
	writeFakeClaude(t, binDir, "#!/bin/sh\ncat > '"+stdinPath+"'\necho \"$@\" > '"+argsPath+"'\ncat '"+fixture+"'\n")
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	eng := New()
	stream, err := eng.Start(context.Background(), engine.Request{
		Prompt:       "Fix issue #7 in octo/hello.",
		AllowedTools: []string{"Read", "Bash"},
		MaxTurns:     25,
		WorkDir:      binDir,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var got []engine.Event
	for ev := range stream.Events() {
		got = append(got, ev)
	}
	if err := stream.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	want := []engine.Event{
		engine.SystemNotice{Subtype: "init", Model: "claude-sonnet"},
		engine.MessageStart{},
		engine.TextDelta{Text: "Plan: read it"},
		engine.ToolUse{ID: "t1", Name: "Read", Input: map[string]any{"file_path": "a.py"}},
		engine.ToolResult{ToolUseID: "t1", Content: "print(1)"},
		engine.RunResult{Text: "APPROVED", Turns: 2, CostUSD: 0.01, Subtype: "success", Usage: engine.Usage{InputTokens: 3, OutputTokens: 4}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	stdin, _ := os.ReadFile(stdinPath)
	if string(stdin) != "Fix issue #7 in octo/hello." {
		t.Errorf("stdin = %q", stdin)
	}
	args, _ := os.ReadFile(argsPath)
	if !strings.Contains(string(args), "--allowedTools Read,Bash") || !strings.Contains(string(args), "--max-turns 25") {
		t.Errorf("args = %q", args)
	}
}

func TestStart_PreservesCanceledContextError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture is unix-only")
	}

	binDir := t.TempDir()
	writeFakeClaude(t, binDir, "#!/bin/sh\nprintf '{\"type\":\"system\",\"subtype\":\"init\"}\\n'\nsleep 5\nexit 1\n")
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	eng := New()
	eng.Timeout = 10 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	stream, err := eng.Start(ctx, engine.Request{Prompt: "test prompt"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for range stream.Events() {
	}
	err = stream.Wait()
	if err == nil {
		t.Fatal("Wait() expected cancellation error, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestStart_FailureIncludesStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture is unix-only")
	}

	binDir := t.TempDir()
	writeFakeClaude(t, binDir, "#!/bin/sh\necho 'not logged in' >&2\nexit 2\n")
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	stream, err := New().Start(context.Background(), engine.Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for range stream.Events() {
	}
	err = stream.Wait()
	if err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Fatalf("Wait() error = %v, want stderr in message", err)
	}
}

func TestStart_MissingBinary(t *testing.T) {
	eng := New()
	eng.Command = filepath.Join(t.TempDir(), "no-such-claude")
	if _, err := eng.Start(context.Background(), engine.Request{}); err == nil {
		t.Fatal("Start() expected error for missing binary")
	}
}

func TestStart_ThroughRunSession(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture is unix-only")
	}

	binDir := t.TempDir()
	fixture := filepath.Join(binDir, "fixture.jsonl")
	if err := os.WriteFile(fixture, []byte(streamFixture), 0o644); err != nil {
		t.Fatal(err)
	}
	writeFakeClaude(t, binDir, "#!/bin/sh\ncat > /dev/null\ncat '"+fixture+"'\n")
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	out, err := engine.RunSession(context.Background(), New(), engine.Request{Prompt: "review"}, engine.SessionOptions{StepName: "review"})
	if err != nil {
		t.Fatalf("RunSession() error = %v", err)
	}
	if out.Output != "APPROVED" || out.ToolCalls != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if !engine.ClassifyVerdict(out.Output).Approved {
		t.Error("expected approval")
	}
}

func TestBuildArgs(t *testing.T) {
	budget := 1.5
	got := New().BuildArgs(engine.Request{
		SystemPrompt:    "be brief",
		AllowedTools:    []string{"Read", "Grep"},
		DisallowedTools: []string{"Task", "WebFetch"},
		MaxTurns:        15,
		MaxBudgetUSD:    &budget,
		Model:           "opus",
	})
	want := []string{
		"-p", "--verbose", "--output-format", "stream-json", "--permission-mode", "bypassPermissions",
		"--max-turns", "15",
		"--model", "opus",
		"--system-prompt", "be brief",
		"--allowedTools", "Read,Grep",
		"--disallowedTools", "Task,WebFetch",
		"--max-budget-usd", "1.5",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("BuildArgs mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildArgs_Minimal(t *testing.T) {
	got := New().BuildArgs(engine.Request{Prompt: "ignored"})
	for _, a := range got {
		if a == "ignored" {
			t.Fatal("prompt must not be passed as an argument")
		}
		if a == "--max-budget-usd" || a == "--model" {
			t.Errorf("unexpected flag %s", a)
		}
	}
}

func TestRegistered(t *testing.T) {
	eng, err := engine.New("Claude")
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if eng.Name() != "claude" {
		t.Errorf("Name() = %q", eng.Name())
	}
}

func writeFakeClaude(t *testing.T, dir, script string) {
	t.Helper()

	path := filepath.Join(dir, "claude")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}
