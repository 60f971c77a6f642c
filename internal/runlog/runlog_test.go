package runlog

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func readLog(t *testing.T, l *Logger) []Entry {
	t.Helper()
	if l.Path() == "" {
		t.Fatal("logger has no file")
	}
	entries, err := ReadFile(l.Path())
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", l.Path(), err)
	}
	return entries
}

func TestNew_CreatesLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l := New(dir, WithRunID("abcd1234"))
	defer l.Flush(&bytes.Buffer{})

	if _, err := os.Stat(l.Path()); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	base := filepath.Base(l.Path())
	if !strings.HasPrefix(base, "run_") || !strings.HasSuffix(base, "_abcd1234.jsonl") {
		t.Errorf("unexpected log file name %q", base)
	}
}

func TestNew_RunIDIsShortHex(t *testing.T) {
	l := New("")
	if len(l.RunID()) != 8 {
		t.Fatalf("RunID() = %q, want 8 chars", l.RunID())
	}
}

func TestNew_UnwritableDirKeepsEntriesInMemory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	l := New(filepath.Join(blocker, "logs"))
	if l.Path() != "" {
		t.Fatalf("Path() = %q, want empty for unwritable dir", l.Path())
	}

	l.RunStart(map[string]any{"repo": "a/b"})
	l.RunEnd(0, nil)

	var out bytes.Buffer
	l.Flush(&out)
	if !strings.Contains(out.String(), `"type":"run_start"`) {
		t.Fatalf("stdout dump missing run_start:\n%s", out.String())
	}
}

func TestToolCallAndResultShareToolID(t *testing.T) {
	l := New(t.TempDir())
	l.ToolCall("x", "Bash", map[string]any{"command": "ls"})
	l.ToolResult("x", "Bash", "file1\nfile2", false)
	l.Flush(&bytes.Buffer{})

	entries := readLog(t, l)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e["tool_id"] != "x" {
			t.Errorf("%s entry tool_id = %v, want x", e.Type(), e["tool_id"])
		}
	}
	if entries[1]["tool_output"] != "file1\nfile2" {
		t.Errorf("tool_output = %v", entries[1]["tool_output"])
	}
	if entries[1]["is_error"] != false {
		t.Errorf("is_error = %v, want false", entries[1]["is_error"])
	}
}

func TestEntriesCarryCommonFields(t *testing.T) {
	l := New(t.TempDir(), WithRunID("run00001"))
	l.RunStart(map[string]any{"repo": "a/b"})
	l.Flush(&bytes.Buffer{})

	e := readLog(t, l)[0]
	if e["run_id"] != "run00001" {
		t.Errorf("run_id = %v", e["run_id"])
	}
	ts, _ := e["timestamp"].(string)
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Errorf("timestamp %q is not ISO-8601: %v", ts, err)
	}
	if _, ok := e["elapsed_s"].(float64); !ok {
		t.Errorf("elapsed_s = %#v, want number", e["elapsed_s"])
	}
	if _, ok := e["step"]; ok {
		t.Errorf("step set outside of any step: %v", e["step"])
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ticks := []time.Time{base, base.Add(2 * time.Second), base.Add(time.Second), base.Add(3 * time.Second)}
	i := 0
	clock := func() time.Time {
		now := ticks[i]
		if i < len(ticks)-1 {
			i++
		}
		return now
	}

	l := New("", WithClock(clock))
	l.TextBlock("a")
	l.TextBlock("b")
	l.TextBlock("c")

	var last time.Time
	for _, e := range l.Entries() {
		ts, err := time.Parse(time.RFC3339Nano, e["timestamp"].(string))
		if err != nil {
			t.Fatal(err)
		}
		if ts.Before(last) {
			t.Fatalf("timestamp %s before previous %s", ts, last)
		}
		last = ts
	}
}

func TestStepTagging(t *testing.T) {
	l := New("")
	l.StepStart("fork_and_clone", "", 0)
	l.Subprocess([]string{"git", "clone"}, 0, "", "")
	l.StepStart("work", "fix it", 25)
	l.ToolCall("t1", "Read", nil)
	l.StepEnd("work", 0)
	l.TextBlock("back in outer step")
	l.StepEnd("fork_and_clone", 0)
	l.TextBlock("no step")

	var got []string
	for _, e := range l.Entries() {
		step, _ := e["step"].(string)
		got = append(got, e.Type()+"@"+step)
	}
	want := []string{
		"step_start@fork_and_clone",
		"subprocess@fork_and_clone",
		"step_start@work",
		"tool_call@work",
		"step_end@work",
		"text_block@fork_and_clone",
		"step_end@fork_and_clone",
		"text_block@",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("step tags mismatch (-want +got):\n%s", diff)
	}
}

func TestStepEndRecordsDuration(t *testing.T) {
	l := New("")
	l.StepStart("review", "", 15)
	l.StepEnd("review", 0)

	entries := l.Entries()
	start, end := entries[0], entries[1]
	if start["max_turns"] != float64(15) {
		t.Errorf("max_turns = %v", start["max_turns"])
	}
	if end["step_name"] != "review" {
		t.Errorf("step_name = %v", end["step_name"])
	}
	if _, ok := end["step_duration_s"].(float64); !ok {
		t.Errorf("step_duration_s = %#v, want number", end["step_duration_s"])
	}
}

func TestSubprocessOutputIsCapped(t *testing.T) {
	l := New("")
	big := strings.Repeat("x", MaxSubprocessOutput+500)
	l.Subprocess([]string{"git", "push", "--force", "origin", "fix/x"}, 1, big, "boom")

	e := l.Entries()[0]
	if e["cmd"] != "git push --force origin fix/x" {
		t.Errorf("cmd = %v", e["cmd"])
	}
	if got := len(e["stdout"].(string)); got != MaxSubprocessOutput {
		t.Errorf("stdout length = %d, want %d", got, MaxSubprocessOutput)
	}
	if e["returncode"] != float64(1) {
		t.Errorf("returncode = %v", e["returncode"])
	}
}

func TestSetContextAccumulates(t *testing.T) {
	l := New("")
	l.SetContext(map[string]any{"repo": "octo/hello"})
	l.SetContext(map[string]any{"fork": "me/hello"})

	entries := l.Entries()
	got := entries[1]["context"]
	want := map[string]any{"repo": "octo/hello", "fork": "me/hello"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("context mismatch (-want +got):\n%s", diff)
	}
}

func TestDecisionKeepsReservedFields(t *testing.T) {
	l := New("")
	l.Decision("repo_selected", "picked", map[string]any{"repo": "a/b", "type": "bogus"})

	e := l.Entries()[0]
	if e.Type() != TypeDecision {
		t.Errorf("type overwritten: %v", e.Type())
	}
	if e["repo"] != "a/b" {
		t.Errorf("repo = %v", e["repo"])
	}
}

func TestErrorAndRunEnd(t *testing.T) {
	l := New("")
	l.Error(nil)
	l.Error(errors.New("kaboom"))
	l.RunEnd(1, map[string]any{"pr_url": ""})

	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (nil error ignored)", len(entries))
	}
	if entries[0]["error"] != "kaboom" {
		t.Errorf("error = %v", entries[0]["error"])
	}
	if entries[1]["exit_code"] != float64(1) {
		t.Errorf("exit_code = %v", entries[1]["exit_code"])
	}
	if _, ok := entries[1]["total_duration_s"]; !ok {
		t.Error("run_end missing total_duration_s")
	}
}

func TestFlushWritesMarkersAndClosesFile(t *testing.T) {
	l := New(t.TempDir())
	l.RunStart(nil)
	l.RunEnd(0, nil)

	var out bytes.Buffer
	l.Flush(&out)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if lines[0] != StartMarker || lines[len(lines)-1] != EndMarker {
		t.Fatalf("dump not delimited by markers:\n%s", out.String())
	}
	dumped, err := Decode(strings.NewReader(strings.Join(lines[1:len(lines)-1], "\n")))
	if err != nil {
		t.Fatal(err)
	}
	if len(dumped) != 2 {
		t.Fatalf("dumped %d entries, want 2", len(dumped))
	}

	l.TextBlock("after flush")
	if got := len(readLog(t, l)); got != 2 {
		t.Errorf("file has %d entries after flush, want 2", got)
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.RunStart(nil)
	l.StepStart("x", "", 0)
	l.StepEnd("x", 0)
	l.Error(errors.New("ignored"))
	l.Flush(&bytes.Buffer{})
	if l.Entries() != nil {
		t.Fatal("nil logger returned entries")
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if got, err := Latest(dir); err != nil || got != "" {
		t.Fatalf("Latest(empty) = %q, %v", got, err)
	}

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var paths []string
	for i, id := range []string{"bbbb0000", "aaaa0000"} {
		at := clock.Add(time.Duration(i) * time.Hour)
		l := New(dir, WithRunID(id), WithClock(func() time.Time { return at }))
		l.Flush(&bytes.Buffer{})
		paths = append(paths, l.Path())
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := Latest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != paths[1] {
		t.Errorf("Latest() = %q, want the later run %q", got, paths[1])
	}
}
