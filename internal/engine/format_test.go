package engine

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFormatToolInput(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{"empty", "Read", nil, ""},
		{"read", "Read", map[string]any{"file_path": "/w/repo/a.go"}, " → /w/repo/a.go"},
		{"read missing path", "Read", map[string]any{"limit": 10}, " → ?"},
		{"write", "Write", map[string]any{"file_path": "a.go", "content": "package a\n"}, " → a.go (10 chars)"},
		{"edit", "Edit", map[string]any{"file_path": "a.go", "old_string": "foo"}, ` → a.go (replacing: "foo"...)`},
		{"edit long", "Edit", map[string]any{"file_path": "a.go", "old_string": strings.Repeat("x", 80)}, ` → a.go (replacing: "` + strings.Repeat("x", 60) + `"...)`},
		{"bash description wins", "Bash", map[string]any{"command": "go test ./...", "description": "Run tests"}, " → Run tests"},
		{"bash command", "Bash", map[string]any{"command": "ls -la"}, " → ls -la"},
		{"bash long command", "Bash", map[string]any{"command": strings.Repeat("y", 250)}, " → " + strings.Repeat("y", 200)},
		{"glob", "Glob", map[string]any{"pattern": "**/*.go"}, " → **/*.go"},
		{"grep default path", "Grep", map[string]any{"pattern": "TODO"}, " → /TODO/ in ."},
		{"grep path", "Grep", map[string]any{"pattern": "x", "path": "src"}, " → /x/ in src"},
		{"websearch json", "WebSearch", map[string]any{"query": "go"}, ` → {"query":"go"}`},
		{"generic first key", "Custom", map[string]any{"b": 2, "a": "one"}, " → a=one"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatToolInput(tt.tool, tt.input); got != tt.want {
				t.Errorf("FormatToolInput(%s) = %q, want %q", tt.tool, got, tt.want)
			}
		})
	}
}

func TestTrimToolOutput(t *testing.T) {
	long := strings.Repeat("z", 300)
	tests := []struct {
		name    string
		output  string
		verbose int
		want    []string
	}{
		{"empty", "  \n", 0, nil},
		{"short", "one\ntwo", 0, []string{"one", "two"}},
		{"default cut", "1\n2\n3\n4", 0, []string{"1", "2", "3", "... (1 more lines)"}},
		{"default width", long, 0, []string{strings.Repeat("z", 120)}},
		{"v1 width", long, 1, []string{strings.Repeat("z", 200)}},
		{"v1 cut", "1\n2\n3\n4\n5\n6", 1, []string{"1", "2", "3", "4", "5", "... (1 more lines)"}},
		{"v2 everything", long + "\n1\n2\n3\n4\n5", 2, []string{long, "1", "2", "3", "4", "5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, TrimToolOutput(tt.output, tt.verbose)); diff != "" {
				t.Errorf("TrimToolOutput mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestErrorSummary(t *testing.T) {
	if got := ErrorSummary("\n  first line\nsecond"); got != "first line" {
		t.Errorf("got %q", got)
	}
	if got := ErrorSummary(strings.Repeat("e", 250)); len(got) != 200 {
		t.Errorf("summary length = %d, want 200", len(got))
	}
}
